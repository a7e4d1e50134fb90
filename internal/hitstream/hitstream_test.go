package hitstream

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/delila-daq/eventbuilder/internal/event"
)

func TestRepairWraparoundNoOpWhenNotWrapped(t *testing.T) {
	hits := []event.Hit{
		{Module: 2, TimestampNs: 100},
		{Module: 2, TimestampNs: 200},
		{Module: 2, TimestampNs: 300},
	}
	RepairWraparound(hits)
	require.Equal(t, 100.0, hits[0].TimestampNs)
	require.Equal(t, 300.0, hits[2].TimestampNs)
}

func TestRepairWraparoundCorrectsPrefix(t *testing.T) {
	// Module 2 (k=2). The first two consecutive gaps each exceed one
	// wraparound period, so hits 0 and 1 get +2T; the third gap is small
	// (normal ticking), so the loop stops there and hits 2, 3 are left
	// untouched.
	hits := []event.Hit{
		{Module: 2, TimestampNs: 10},
		{Module: 2, TimestampNs: WraparoundPeriodNs + 20},
		{Module: 2, TimestampNs: 2*WraparoundPeriodNs + 30},
		{Module: 2, TimestampNs: 2*WraparoundPeriodNs + 40},
	}
	RepairWraparound(hits)
	require.InDelta(t, 2*WraparoundPeriodNs+10, hits[0].TimestampNs, 1e-6)
	require.InDelta(t, 3*WraparoundPeriodNs+20, hits[1].TimestampNs, 1e-6)
	require.InDelta(t, 2*WraparoundPeriodNs+30, hits[2].TimestampNs, 1e-6)
	require.InDelta(t, 2*WraparoundPeriodNs+40, hits[3].TimestampNs, 1e-6)
}

func TestRepairingReaderMatchesSliceRepair(t *testing.T) {
	hits := []event.Hit{
		{Module: 0, TimestampNs: 5},
		{Module: 0, TimestampNs: 15},
		{Module: 0, TimestampNs: 4*WraparoundPeriodNs + 25},
	}
	expected := append([]event.Hit(nil), hits...)
	RepairWraparound(expected)

	reader, err := NewRepairingReader(event.SliceReader(hits))
	require.NoError(t, err)
	for i := range hits {
		h, err := reader.At(int64(i))
		require.NoError(t, err)
		require.InDelta(t, expected[i].TimestampNs, h.TimestampNs, 1e-6)
	}
}

func TestChunkedHitStreamSortsAndTracksInterior(t *testing.T) {
	hits := []event.Hit{
		{Module: 0, Channel: 0, TimestampNs: 30},
		{Module: 0, Channel: 0, TimestampNs: 10},
		{Module: 0, Channel: 0, TimestampNs: 20},
	}
	stream, err := New(event.SliceReader(hits), nil)
	require.NoError(t, err)

	chunk, err := stream.Next()
	require.NoError(t, err)
	require.Equal(t, []float64{10, 20, 30}, []float64{chunk.Hits[0].TimestampNs, chunk.Hits[1].TimestampNs, chunk.Hits[2].TimestampNs})
	require.Equal(t, int64(0), chunk.InteriorStart)
	require.Equal(t, int64(3), chunk.InteriorEnd)
	for i := range chunk.Hits {
		require.True(t, chunk.InInterior(i))
	}

	_, err = stream.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestChunkedHitStreamAppliesFilter(t *testing.T) {
	hits := []event.Hit{
		{Module: 0, ChargeLong: 5, TimestampNs: 1},
		{Module: 0, ChargeLong: 50, TimestampNs: 2},
	}
	stream, err := New(event.SliceReader(hits), func(h event.Hit) bool { return h.ChargeLong > 10 })
	require.NoError(t, err)
	chunk, err := stream.Next()
	require.NoError(t, err)
	require.Len(t, chunk.Hits, 1)
	require.Equal(t, uint16(50), chunk.Hits[0].ChargeLong)
}
