package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/delila-daq/eventbuilder/internal/errs"
)

func writeSettings(t *testing.T, v map[string]any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeSettings(t, map[string]any{
		"Directory":       "/data/run1",
		"ChannelSettings": "channelSettings.json",
		"NumberOfThread":  8,
	})
	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/data/run1", s.Directory)
	require.Equal(t, 8, s.NumberOfThread)
	require.Equal(t, 0, s.StartVersion)
}

func TestLoadMissingDirectoryFails(t *testing.T) {
	path := writeSettings(t, map[string]any{
		"ChannelSettings": "channelSettings.json",
	})
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingChannelSettingsFails(t *testing.T) {
	path := writeSettings(t, map[string]any{
		"Directory": "/data/run1",
	})
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadThreadCountOutOfRangeFails(t *testing.T) {
	path := writeSettings(t, map[string]any{
		"Directory":       "/data/run1",
		"ChannelSettings": "channelSettings.json",
		"NumberOfThread":  200,
	})
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFileIsIOError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	var ioErr *errs.IOError
	require.ErrorAs(t, err, &ioErr)
}
