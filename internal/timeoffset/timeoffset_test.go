package timeoffset

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetForcesZeroOnSelf(t *testing.T) {
	table := New([]int{2, 2})
	table.Set(0, 0, 1, 1, 42.5)
	v, ok := table.Lookup(0, 0, 1, 1)
	require.True(t, ok)
	require.Equal(t, 42.5, v)

	table.Set(0, 0, 0, 0, 99)
	v, ok = table.Lookup(0, 0, 0, 0)
	require.True(t, ok)
	require.Equal(t, 0.0, v)
}

func TestLookupOutOfRange(t *testing.T) {
	table := New([]int{1})
	_, ok := table.Lookup(5, 0, 0, 0)
	require.False(t, ok)
}

func TestEmptyReferenceRowLooksUpAsZero(t *testing.T) {
	table := New([]int{1})
	require.False(t, table.HasReference(0, 0))
	v, ok := table.Lookup(0, 0, 0, 0)
	require.True(t, ok)
	require.Equal(t, 0.0, v)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	table := New([]int{2, 1})
	table.Set(0, 0, 0, 1, 12.3)
	table.Set(0, 0, 1, 0, -5.0)

	path := filepath.Join(t.TempDir(), "timeSettings.json")
	require.NoError(t, Save(path, table))

	loaded, err := Load(path)
	require.NoError(t, err)
	v, ok := loaded.Lookup(0, 0, 0, 1)
	require.True(t, ok)
	require.Equal(t, 12.3, v)
	require.True(t, loaded.HasReference(0, 0))
	require.False(t, loaded.HasReference(1, 0))
}
