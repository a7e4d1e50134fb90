package timealign

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/delila-daq/eventbuilder/internal/chconfig"
	"github.com/delila-daq/eventbuilder/internal/errs"
	"github.com/delila-daq/eventbuilder/internal/event"
)

func writeChannels(t *testing.T) string {
	t.Helper()
	mods := [][]chconfig.Channel{
		{
			{ID: 0, Module: 0, Channel: 0, IsEventTrigger: true, DetectorType: "PMT"},
			{ID: 1, Module: 0, Channel: 1, DetectorType: "PMT"},
		},
	}
	data, err := json.Marshal(mods)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "channelSettings.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestRunComputesOffsetForNonReferenceChannel(t *testing.T) {
	hits := []event.Hit{
		{Module: 0, Channel: 0, TimestampNs: 100},
		{Module: 0, Channel: 1, TimestampNs: 105},
		{Module: 0, Channel: 0, TimestampNs: 200},
		{Module: 0, Channel: 1, TimestampNs: 205},
		{Module: 0, Channel: 0, TimestampNs: 300},
		{Module: 0, Channel: 1, TimestampNs: 305},
	}

	engine := New(nil, func(string) (event.HitReader, error) {
		return event.SliceReader(hits), nil
	})
	require.NoError(t, engine.LoadChannelConfig(writeChannels(t)))
	require.NoError(t, engine.SetFileList([]string{"run0.h5"}))
	require.NoError(t, engine.SetTimeWindow(50))

	table, err := engine.Run(context.Background(), 1)
	require.NoError(t, err)

	offset, ok := table.Lookup(0, 0, 0, 1)
	require.True(t, ok)
	require.InDelta(t, 5.5, offset, 1e-6)

	self, ok := table.Lookup(0, 0, 0, 0)
	require.True(t, ok)
	require.Equal(t, 0.0, self)
}

func TestRunSkipsFileWithIOErrorAndContinues(t *testing.T) {
	good := []event.Hit{
		{Module: 0, Channel: 0, TimestampNs: 100},
		{Module: 0, Channel: 1, TimestampNs: 105},
	}
	engine := New(nil, func(path string) (event.HitReader, error) {
		if path == "bad.h5" {
			return nil, &errs.IOError{Filename: path, Err: fmt.Errorf("simulated open failure")}
		}
		return event.SliceReader(good), nil
	})
	require.NoError(t, engine.LoadChannelConfig(writeChannels(t)))
	require.NoError(t, engine.SetFileList([]string{"bad.h5", "run0.h5"}))
	require.NoError(t, engine.SetTimeWindow(50))

	table, err := engine.Run(context.Background(), 1)
	require.NoError(t, err)

	offset, ok := table.Lookup(0, 0, 0, 1)
	require.True(t, ok)
	require.InDelta(t, 5.5, offset, 1e-6)
}

func TestRunRejectsMissingChannelConfig(t *testing.T) {
	engine := New(nil, func(string) (event.HitReader, error) { return nil, nil })
	require.NoError(t, engine.SetFileList([]string{"a.h5"}))
	require.NoError(t, engine.SetTimeWindow(50))
	_, err := engine.Run(context.Background(), 1)
	require.Error(t, err)
}

func TestRunRejectsWorkerCountOutOfRange(t *testing.T) {
	engine := New(nil, func(string) (event.HitReader, error) { return nil, nil })
	require.NoError(t, engine.LoadChannelConfig(writeChannels(t)))
	require.NoError(t, engine.SetFileList([]string{"a.h5"}))
	require.NoError(t, engine.SetTimeWindow(50))
	_, err := engine.Run(context.Background(), 0)
	require.Error(t, err)
	_, err = engine.Run(context.Background(), 129)
	require.Error(t, err)
}

func TestRunRejectsNoTriggerChannels(t *testing.T) {
	mods := [][]chconfig.Channel{{{ID: 0, Module: 0, Channel: 0}}}
	data, err := json.Marshal(mods)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "channelSettings.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	engine := New(nil, func(string) (event.HitReader, error) { return nil, nil })
	require.NoError(t, engine.LoadChannelConfig(path))
	require.NoError(t, engine.SetFileList([]string{"a.h5"}))
	require.NoError(t, engine.SetTimeWindow(50))
	_, err = engine.Run(context.Background(), 1)
	require.Error(t, err)
}

func TestADCHistogramAccumulatesPerChannel(t *testing.T) {
	hits := []event.Hit{
		{Module: 0, Channel: 0, TimestampNs: 100, ChargeLong: 40},
		{Module: 0, Channel: 0, TimestampNs: 101, ChargeLong: 40},
		{Module: 0, Channel: 1, TimestampNs: 100, ChargeLong: 90},
	}
	engine := New(nil, func(string) (event.HitReader, error) {
		return event.SliceReader(hits), nil
	})
	require.NoError(t, engine.LoadChannelConfig(writeChannels(t)))
	require.NoError(t, engine.SetFileList([]string{"a.h5"}))
	require.NoError(t, engine.SetTimeWindow(50))
	_, err := engine.Run(context.Background(), 1)
	require.NoError(t, err)

	hist0 := engine.ADCHistogram(0, 0)
	require.Equal(t, float64(2), hist0[40])
	hist1 := engine.ADCHistogram(0, 1)
	require.Equal(t, float64(1), hist1[90])

	mean0, sigma0, ok0 := engine.EstimateADCPeak(0, 0)
	require.True(t, ok0)
	require.InDelta(t, 40.0, mean0, 1e-9)
	require.InDelta(t, 0.0, sigma0, 1e-9)

	mean1, sigma1, ok1 := engine.EstimateADCPeak(0, 1)
	require.True(t, ok1)
	require.InDelta(t, 90.0, mean1, 1e-9)
	require.InDelta(t, 0.0, sigma1, 1e-9)
}

func TestEstimateADCPeakEmptyHistogramReportsNotOK(t *testing.T) {
	engine := New(nil, func(string) (event.HitReader, error) {
		return event.SliceReader(nil), nil
	})
	require.NoError(t, engine.LoadChannelConfig(writeChannels(t)))
	require.NoError(t, engine.SetFileList([]string{"a.h5"}))
	require.NoError(t, engine.SetTimeWindow(50))
	_, err := engine.Run(context.Background(), 1)
	require.NoError(t, err)

	mean, sigma, ok := engine.EstimateADCPeak(0, 0)
	require.False(t, ok)
	require.Equal(t, 0.0, mean)
	require.Equal(t, 0.0, sigma)
}
