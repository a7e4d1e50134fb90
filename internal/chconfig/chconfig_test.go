package chconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/delila-daq/eventbuilder/internal/errs"
)

func writeTemp(t *testing.T, name string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestParseDetectorType(t *testing.T) {
	require.Equal(t, HPGe, ParseDetectorType("HPGe"))
	require.Equal(t, HPGe, ParseDetectorType("hpge"))
	require.Equal(t, AC, ParseDetectorType("AC"))
	require.Equal(t, PMT, ParseDetectorType("pmt"))
	require.Equal(t, Si, ParseDetectorType("Si"))
	require.Equal(t, Unknown, ParseDetectorType("something-else"))
}

func TestLoadAndLookup(t *testing.T) {
	mods := [][]Channel{
		{
			{ID: 0, Module: 0, Channel: 0, IsEventTrigger: true, DetectorType: "HPGe", Tags: []string{"veto"}},
			{ID: 1, Module: 0, Channel: 1, DetectorType: "AC"},
		},
		{
			{ID: 2, Module: 1, Channel: 0, DetectorType: "PMT"},
		},
	}
	path := writeTemp(t, "channelSettings.json", mods)

	table, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, table.NumModules())
	require.Equal(t, 2, table.NumChannels(0))
	require.Equal(t, int32(3), table.MaxID())

	c, ok := table.Lookup(0, 0)
	require.True(t, ok)
	require.True(t, c.IsEventTrigger)
	require.Equal(t, HPGe, c.Type())
	require.True(t, c.HasTag("veto"))
	require.False(t, c.HasTag("missing"))

	_, ok = table.Lookup(9, 9)
	require.False(t, ok)
}

func TestLoadEmptyIsConfigMissing(t *testing.T) {
	path := writeTemp(t, "empty.json", [][]Channel{})
	_, err := Load(path)
	require.Error(t, err)
	var missingErr *errs.ConfigMissingError
	require.ErrorAs(t, err, &missingErr)
}

func TestGenerateTemplate(t *testing.T) {
	tmpl := GenerateTemplate([]int{2, 1})
	require.Len(t, tmpl, 2)
	require.Len(t, tmpl[0], 2)
	require.Len(t, tmpl[1], 1)
	require.Equal(t, int32(0), tmpl[0][0].ID)
	require.Equal(t, int32(1), tmpl[0][1].ID)
	require.Equal(t, int32(2), tmpl[1][0].ID)
	require.Equal(t, uint32(128), tmpl[0][0].ACModule)
}
