package l2engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/delila-daq/eventbuilder/internal/chconfig"
	"github.com/delila-daq/eventbuilder/internal/event"
)

func writeL2Settings(t *testing.T, raw string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "L2Settings.json")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
	return path
}

const sampleProgram = `[
  {"Name": "hpgeCounter", "Type": "Counter", "Tags": ["hpge"]},
  {"Name": "acCounter", "Type": "Counter", "Tags": ["ac"]},
  {"Name": "highMult", "Type": "Flag", "Monitor": "hpgeCounter", "Operator": ">=", "Value": 2},
  {"Name": "hasAC", "Type": "Flag", "Monitor": "acCounter", "Operator": ">=", "Value": 1},
  {"Name": "acceptHigh", "Type": "Accept", "Monitor": ["highMult"], "Operator": "OR"},
  {"Name": "acceptBoth", "Type": "Accept", "Monitor": ["highMult", "hasAC"], "Operator": "AND"}
]`

func testChannels(t *testing.T) *chconfig.Table {
	t.Helper()
	mods := [][]chconfig.Channel{
		{
			{ID: 0, Module: 0, Channel: 0, Tags: []string{"hpge"}},
			{ID: 1, Module: 0, Channel: 1, Tags: []string{"hpge"}},
			{ID: 2, Module: 0, Channel: 2, Tags: []string{"ac"}},
		},
	}
	data, err := json.Marshal(mods)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "channelSettings.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	table, err := chconfig.Load(path)
	require.NoError(t, err)
	return table
}

func TestLoadProgramParsesFlatDiscriminatedArray(t *testing.T) {
	path := writeL2Settings(t, sampleProgram)
	p, err := LoadProgram(path)
	require.NoError(t, err)
	require.Len(t, p.Counters, 2)
	require.Len(t, p.Flags, 2)
	require.Len(t, p.Accepts, 2)
	require.Equal(t, int32(2), p.Flags[0].Value)
	require.Equal(t, ">=", p.Flags[0].Operator)
	require.Equal(t, []string{"highMult", "hasAC"}, p.Accepts[1].Monitor)
	require.Equal(t, "AND", p.Accepts[1].Operator)
}

func TestLoadProgramRejectsUnknownType(t *testing.T) {
	path := writeL2Settings(t, `[{"Name":"x","Type":"Bogus"}]`)
	_, err := LoadProgram(path)
	require.Error(t, err)
}

func TestCompileRejectsUnknownFlagMonitor(t *testing.T) {
	path := writeL2Settings(t, `[
      {"Name":"c1","Type":"Counter","Tags":["hpge"]},
      {"Name":"f1","Type":"Flag","Monitor":"missing","Operator":">","Value":0},
      {"Name":"a1","Type":"Accept","Monitor":["f1"],"Operator":"OR"}
    ]`)
	p, err := LoadProgram(path)
	require.NoError(t, err)
	_, err = Compile(nil, testChannels(t), p)
	require.Error(t, err)
}

func TestEvaluateOrAcrossMultipleAccepts(t *testing.T) {
	path := writeL2Settings(t, sampleProgram)
	p, err := LoadProgram(path)
	require.NoError(t, err)
	engine, err := Compile(nil, testChannels(t), p)
	require.NoError(t, err)

	ev := &event.Event{Hits: []event.RelHit{
		{Module: 0, Channel: 0},
		{Module: 0, Channel: 1},
	}}
	evaluator := engine.NewEvaluator()
	accepted := evaluator.Evaluate(ev)
	require.True(t, accepted, "acceptHigh should fire: hpgeCounter=2 >= 2")
	require.Equal(t, uint64(2), ev.Counters["hpgeCounter"])
	require.True(t, ev.Flags["highMult"])
	require.False(t, ev.Flags["hasAC"])
}

func TestEvaluateRejectsWhenNoAcceptClauseFires(t *testing.T) {
	path := writeL2Settings(t, sampleProgram)
	p, err := LoadProgram(path)
	require.NoError(t, err)
	engine, err := Compile(nil, testChannels(t), p)
	require.NoError(t, err)

	ev := &event.Event{Hits: []event.RelHit{{Module: 0, Channel: 0}}}
	evaluator := engine.NewEvaluator()
	require.False(t, evaluator.Evaluate(ev))
}

func TestFlagLookupUsesFirstMatchingCounterName(t *testing.T) {
	// Two counters share the name "dup"; the flag comparing against it
	// must use the FIRST declaration's value, not the last.
	path := writeL2Settings(t, `[
      {"Name":"dup","Type":"Counter","Tags":["hpge"]},
      {"Name":"dup","Type":"Counter","Tags":["ac"]},
      {"Name":"f1","Type":"Flag","Monitor":"dup","Operator":"==","Value":2},
      {"Name":"a1","Type":"Accept","Monitor":["f1"],"Operator":"OR"}
    ]`)
	p, err := LoadProgram(path)
	require.NoError(t, err)
	engine, err := Compile(nil, testChannels(t), p)
	require.NoError(t, err)

	// Both HPGe channels fire (count=2 for the first "dup"), no AC hit
	// (count=0 for the second "dup"). If last-match-wins were used, the
	// flag would compare against 0 instead of 2 and this would fail.
	ev := &event.Event{Hits: []event.RelHit{
		{Module: 0, Channel: 0},
		{Module: 0, Channel: 1},
	}}
	evaluator := engine.NewEvaluator()
	require.True(t, evaluator.Evaluate(ev))
}

func TestEvaluatorsAreIsolatedPerWorker(t *testing.T) {
	path := writeL2Settings(t, `[
      {"Name":"c1","Type":"Counter","Tags":["hpge"]},
      {"Name":"f1","Type":"Flag","Monitor":"c1","Operator":"BOGUS","Value":0},
      {"Name":"a1","Type":"Accept","Monitor":["f1"],"Operator":"OR"}
    ]`)
	p, err := LoadProgram(path)
	require.NoError(t, err)
	engine, err := Compile(nil, testChannels(t), p)
	require.NoError(t, err)

	e1 := engine.NewEvaluator()
	e2 := engine.NewEvaluator()
	ev := &event.Event{Hits: []event.RelHit{{Module: 0, Channel: 0}}}
	e1.Evaluate(ev)
	require.True(t, e1.loggedUnknownOp["BOGUS"])
	require.False(t, e2.loggedUnknownOp["BOGUS"])
}
