// Package timeoffset implements TimeOffsetTable: the 4-D lookup
// offset[refMod][refCh][mod][ch] -> ns, grounded on
// original_source/include/L1EventBuilder.cpp's LoadTimeSettings and
// original_source/src/TimeAlignment.cpp's CalculateTimeAlignment JSON
// serialization.
package timeoffset

import (
	"encoding/json"
	"os"

	"github.com/delila-daq/eventbuilder/internal/errs"
)

type entry struct {
	TimeOffset float64 `json:"TimeOffset"`
}

// Table is the read-only-after-load 4-D offset lookup.
// table[m][c][m][c] == 0 by construction.
// A refMod/refCh row stays an empty (nil) slice until Set first populates
// it, distinguishing "TimeAlignment never produced offsets for this
// reference" from "the offset happens to be zero".
type Table struct {
	data         [][][][]float64
	chsPerModule []int
}

// New builds an empty table sized to the channel configuration's module/
// channel counts, ready for TimeAlignment to fill in via Set.
func New(chsPerModule []int) *Table {
	n := len(chsPerModule)
	data := make([][][][]float64, n)
	for refMod := range data {
		data[refMod] = make([][][]float64, chsPerModule[refMod])
	}
	return &Table{data: data, chsPerModule: append([]int(nil), chsPerModule...)}
}

// Set records offset[refMod][refCh][mod][ch] = ns, forcing 0 on the
// reference channel's own slot regardless of the value supplied. The
// first Set for a given (refMod, refCh) allocates its row across every
// configured module.
func (t *Table) Set(refMod, refCh, mod, ch uint8, ns float64) {
	if refMod == mod && refCh == ch {
		ns = 0
	}
	row := t.data[refMod][refCh]
	if row == nil {
		row = make([][]float64, len(t.chsPerModule))
		for m := range row {
			row[m] = make([]float64, t.chsPerModule[m])
		}
		t.data[refMod][refCh] = row
	}
	row[mod][ch] = ns
}

// Lookup returns offset[refMod][refCh][mod][ch] and whether all four
// indices are in range. A ref-channel slot with no data (empty table row)
// still returns ok=true with value 0: a ref-channel slot with no data may
// be the empty array once loaded via Load, which leaves the row as a
// zero-length slice.
func (t *Table) Lookup(refMod, refCh, mod, ch uint8) (float64, bool) {
	rm, rc, m, c := int(refMod), int(refCh), int(mod), int(ch)
	if rm < 0 || rm >= len(t.data) {
		return 0, false
	}
	if rc < 0 || rc >= len(t.data[rm]) {
		return 0, false
	}
	row := t.data[rm][rc]
	if len(row) == 0 {
		return 0, true
	}
	if m < 0 || m >= len(row) {
		return 0, false
	}
	if c < 0 || c >= len(row[m]) {
		return 0, false
	}
	return row[m][c], true
}

// HasReference reports whether TimeAlignment produced offsets for
// (refMod, refCh): a non-empty row in the loaded table.
func (t *Table) HasReference(refMod, refCh uint8) bool {
	rm, rc := int(refMod), int(refCh)
	if rm < 0 || rm >= len(t.data) || rc < 0 || rc >= len(t.data[rm]) {
		return false
	}
	return len(t.data[rm][rc]) > 0
}

// Save serialises the table to the timeSettings.json schema.
func Save(path string, t *Table) error {
	out := make([][][][]entry, len(t.data))
	for refMod := range t.data {
		out[refMod] = make([][][]entry, len(t.data[refMod]))
		for refCh := range t.data[refMod] {
			row := t.data[refMod][refCh]
			if len(row) == 0 {
				continue
			}
			out[refMod][refCh] = make([][]entry, len(row))
			for mod := range row {
				out[refMod][refCh][mod] = make([]entry, len(row[mod]))
				for ch, v := range row[mod] {
					out[refMod][refCh][mod][ch] = entry{TimeOffset: v}
				}
			}
		}
	}
	data, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &errs.IOError{Filename: path, Err: err}
	}
	return nil
}

// Load reads timeSettings.json, forcing offset[m][c][m][c]=0 exactly like
// original_source's L1EventBuilder::LoadTimeSettings.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.IOError{Filename: path, Err: err}
	}
	var raw [][][][]entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &errs.JSONError{Filename: path, Err: err}
	}
	if len(raw) == 0 {
		return nil, &errs.ConfigMissingError{What: "time settings are empty: " + path}
	}
	out := make([][][][]float64, len(raw))
	for refMod := range raw {
		out[refMod] = make([][][]float64, len(raw[refMod]))
		for refCh := range raw[refMod] {
			row := raw[refMod][refCh]
			if len(row) == 0 {
				continue
			}
			out[refMod][refCh] = make([][]float64, len(row))
			for mod := range row {
				out[refMod][refCh][mod] = make([]float64, len(row[mod]))
				for ch, e := range row[mod] {
					v := e.TimeOffset
					if refMod == mod && refCh == ch {
						v = 0
					}
					out[refMod][refCh][mod][ch] = v
				}
			}
		}
	}
	return &Table{data: out}, nil
}
