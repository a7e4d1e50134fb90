// Package l2engine implements the L2 condition engine: a small declarative
// rule interpreter over three primitives -- Counter
// (tag-based per-event hit count), Flag (comparison against a counter),
// and Accept (AND/OR logic over flags, OR'd across every Accept
// declaration). Grounded on original_source/include/L2Conditions.hpp's
// L2Counter/L2Flag/L2DataAcceptance and
// original_source/include/L2EventBuilder.hpp's per-thread local copies of
// counter/flag/acceptance state.
package l2engine

import (
	"encoding/json"
	"os"

	"golang.org/x/exp/maps"

	"github.com/delila-daq/eventbuilder/internal/chconfig"
	"github.com/delila-daq/eventbuilder/internal/errs"
	"github.com/delila-daq/eventbuilder/internal/event"
	"github.com/delila-daq/eventbuilder/internal/logging"
)

// entryType discriminates one L2Settings.json array element.
type entryType string

const (
	typeCounter entryType = "Counter"
	typeFlag    entryType = "Flag"
	typeAccept  entryType = "Accept"
)

// rawEntry is the union of every field that appears across the three
// entry kinds of the L2Settings.json array. json.Unmarshal leaves fields
// absent from a given kind's actual entries at their zero value;
// LoadProgram sorts entries into their typed slices by Type.
type rawEntry struct {
	Name     string          `json:"Name"`
	Type     entryType       `json:"Type"`
	Tags     []string        `json:"Tags"`
	Monitor  json.RawMessage `json:"Monitor"`
	Operator string          `json:"Operator"`
	Value    int32           `json:"Value"`
}

// CounterDef names a counter and the tag set that makes a hit count
// towards it. A hit counts if its channel carries ANY of Tags.
type CounterDef struct {
	Name string
	Tags []string
}

// FlagDef compares a named counter's per-event value against a threshold.
// Operator is one of ">", ">=", "<", "<=", "==", "!=".
type FlagDef struct {
	Name     string
	Monitor  string
	Operator string
	Value    int32
}

// AcceptDef combines named flags with AND/OR logic into one accept
// clause. A Program may declare several; the event's final decision is
// the logical OR across all of them.
type AcceptDef struct {
	Monitor  []string
	Operator string
}

// Program is the parsed form of L2Settings.json. On disk the file is a
// flat array of discriminated-union entries, not a nested object;
// LoadProgram sorts those entries into these slices by Type.
type Program struct {
	Counters []CounterDef
	Flags    []FlagDef
	Accepts  []AcceptDef
}

// LoadProgram reads L2Settings.json.
func LoadProgram(path string) (Program, error) {
	var p Program
	data, err := os.ReadFile(path)
	if err != nil {
		return p, &errs.IOError{Filename: path, Err: err}
	}
	var raw []rawEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return p, &errs.JSONError{Filename: path, Err: err}
	}
	for _, e := range raw {
		switch e.Type {
		case typeCounter:
			p.Counters = append(p.Counters, CounterDef{Name: e.Name, Tags: e.Tags})
		case typeFlag:
			var monitor string
			if err := json.Unmarshal(e.Monitor, &monitor); err != nil {
				return Program{}, &errs.JSONError{Filename: path, Err: err}
			}
			p.Flags = append(p.Flags, FlagDef{Name: e.Name, Monitor: monitor, Operator: e.Operator, Value: e.Value})
		case typeAccept:
			var monitors []string
			if err := json.Unmarshal(e.Monitor, &monitors); err != nil {
				return Program{}, &errs.JSONError{Filename: path, Err: err}
			}
			p.Accepts = append(p.Accepts, AcceptDef{Monitor: monitors, Operator: e.Operator})
		default:
			return Program{}, &errs.JSONError{Filename: path, Err: &errs.ValidationError{What: "unknown L2 entry type " + string(e.Type)}}
		}
	}
	if len(p.Counters) == 0 {
		return p, &errs.ConfigMissingError{What: "L2 program defines no counters: " + path}
	}
	if len(p.Accepts) == 0 {
		return p, &errs.ConfigMissingError{What: "L2 program defines no Accept clause: " + path}
	}
	return p, nil
}

type compiledCounter struct {
	name string
	mask [][]bool
}

// Engine holds the compiled, read-only-after-Compile program state shared
// across every worker. Per-event evaluation state lives in Evaluator, one
// per worker, so evaluation itself needs no synchronization.
type Engine struct {
	logger   logging.Logger
	counters []compiledCounter
	flags    []FlagDef
	accepts  []AcceptDef
}

// Compile resolves a Program's tag masks against channels and validates
// that every Flag's Monitor and every Accept Monitor names a real counter
// or flag.
func Compile(logger logging.Logger, channels *chconfig.Table, p Program) (*Engine, error) {
	if logger == nil {
		logger = logging.Nop{}
	}
	counters := make([]compiledCounter, 0, len(p.Counters))
	for _, cd := range p.Counters {
		mask := make([][]bool, channels.NumModules())
		for m := range mask {
			mask[m] = make([]bool, channels.NumChannels(m))
		}
		channels.Each(func(mod, ch uint8, c chconfig.Channel) {
			for _, tag := range cd.Tags {
				if c.HasTag(tag) {
					mask[mod][ch] = true
					break
				}
			}
		})
		counters = append(counters, compiledCounter{name: cd.Name, mask: mask})
	}

	names := make(map[string]bool, len(counters))
	for _, c := range counters {
		names[c.name] = true
	}
	for _, f := range p.Flags {
		if !names[f.Monitor] {
			return nil, &errs.ValidationError{What: "flag " + f.Name + " monitors unknown counter " + f.Monitor}
		}
	}
	flagNames := make(map[string]bool, len(p.Flags))
	for _, f := range p.Flags {
		flagNames[f.Name] = true
	}
	for _, a := range p.Accepts {
		for _, m := range a.Monitor {
			if !flagNames[m] {
				return nil, &errs.ValidationError{What: "accept monitors unknown flag " + m}
			}
		}
	}

	e := &Engine{logger: logger, counters: counters, flags: p.Flags, accepts: p.Accepts}
	logger.Info("compiled program with counters "+joinNames(names)+" flags "+joinNames(flagNames), "l2engine")
	return e, nil
}

// joinNames formats a name set for a single-line log message. Order is
// whatever maps.Keys returns; this is diagnostic text, not a contract.
func joinNames(names map[string]bool) string {
	keys := maps.Keys(names)
	out := "["
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k
	}
	return out + "]"
}

// KnownCounterNames returns the compiled program's counter names, useful
// for a `l2 describe` style diagnostic command. Order is arbitrary.
func (e *Engine) KnownCounterNames() []string {
	names := make(map[string]bool, len(e.counters))
	for _, c := range e.counters {
		names[c.name] = true
	}
	return maps.Keys(names)
}

// KnownFlagNames returns the compiled program's flag names. Order is
// arbitrary.
func (e *Engine) KnownFlagNames() []string {
	names := make(map[string]bool, len(e.flags))
	for _, f := range e.flags {
		names[f.Name] = true
	}
	return maps.Keys(names)
}

// Evaluator holds one worker's private, mutable evaluation state; there is
// no cross-worker sharing. Create one per worker with NewEvaluator.
type Evaluator struct {
	engine             *Engine
	loggedUnknownOp    map[string]bool
	loggedUnknownLogic bool
}

// NewEvaluator returns a fresh, isolated evaluator over e's compiled
// program.
func (e *Engine) NewEvaluator() *Evaluator {
	return &Evaluator{engine: e, loggedUnknownOp: make(map[string]bool)}
}

// Evaluate computes counters, flags, and the accept decision for ev,
// populating ev.Counters and ev.Flags in place, and returns whether the
// event is accepted.
func (ev *Evaluator) Evaluate(e *event.Event) bool {
	counters := ev.computeCounters(e)
	flags := ev.computeFlags(counters)
	e.Counters = counterMapFrom(ev.engine.counters, counters)
	e.Flags = flags
	return ev.computeAccept(flags)
}

// computeCounters evaluates every declared counter in program order,
// preserving that order so computeFlags can honor "first Counter whose
// name matches" even when two counters share a name.
func (ev *Evaluator) computeCounters(e *event.Event) []uint64 {
	out := make([]uint64, len(ev.engine.counters))
	for ci, c := range ev.engine.counters {
		var n uint64
		for _, h := range e.Hits {
			m, ch := int(h.Module), int(h.Channel)
			if m < 0 || m >= len(c.mask) || ch < 0 || ch >= len(c.mask[m]) {
				continue
			}
			if c.mask[m][ch] {
				n++
			}
		}
		out[ci] = n
	}
	return out
}

func counterMapFrom(defs []compiledCounter, values []uint64) map[string]uint64 {
	out := make(map[string]uint64, len(defs))
	for i, d := range defs {
		if _, exists := out[d.name]; !exists {
			out[d.name] = values[i]
		}
	}
	return out
}

// counterValue returns the value of the FIRST declared counter whose name
// matches monitor, not the last.
func (ev *Evaluator) counterValue(counters []uint64, monitor string) int32 {
	for i, c := range ev.engine.counters {
		if c.name == monitor {
			return int32(counters[i])
		}
	}
	return 0
}

func (ev *Evaluator) computeFlags(counters []uint64) map[string]bool {
	out := make(map[string]bool, len(ev.engine.flags))
	for _, f := range ev.engine.flags {
		v := ev.counterValue(counters, f.Monitor)
		var result bool
		switch f.Operator {
		case ">":
			result = v > f.Value
		case ">=":
			result = v >= f.Value
		case "<":
			result = v < f.Value
		case "<=":
			result = v <= f.Value
		case "==":
			result = v == f.Value
		case "!=":
			result = v != f.Value
		default:
			if !ev.loggedUnknownOp[f.Operator] {
				ev.engine.logger.Error("l2engine: unknown flag operator " + f.Operator + " on flag " + f.Name)
				ev.loggedUnknownOp[f.Operator] = true
			}
			result = false
		}
		out[f.Name] = result
	}
	return out
}

// computeAccept ORs across every declared Accept clause, each itself
// AND/OR over its named flags. An empty monitor list on a clause never
// contributes true.
func (ev *Evaluator) computeAccept(flags map[string]bool) bool {
	for _, a := range ev.engine.accepts {
		if ev.evaluateAccept(a, flags) {
			return true
		}
	}
	return false
}

func (ev *Evaluator) evaluateAccept(a AcceptDef, flags map[string]bool) bool {
	if len(a.Monitor) == 0 {
		return false
	}
	switch a.Operator {
	case "AND":
		for _, m := range a.Monitor {
			if !flags[m] {
				return false
			}
		}
		return true
	case "OR":
		for _, m := range a.Monitor {
			if flags[m] {
				return true
			}
		}
		return false
	default:
		if !ev.loggedUnknownLogic {
			ev.engine.logger.Error("l2engine: unknown accept operator " + a.Operator)
			ev.loggedUnknownLogic = true
		}
		return false
	}
}
