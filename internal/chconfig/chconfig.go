// Package chconfig loads and represents the immutable per-channel
// configuration record ("ChannelConfig"), grounded on
// original_source/include/ChSettings.hpp's ChSettings/GetChSettings and the
// teacher's JSON-config-with-defaults pattern (pkg/config.go).
package chconfig

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/delila-daq/eventbuilder/internal/errs"
)

// DetectorType classifies a channel for TimeAlignment's rebinning rule:
// HPGe x100, AC x10, everything else x1.
type DetectorType int

const (
	Unknown DetectorType = iota
	AC
	PMT
	HPGe
	Si
)

// ParseDetectorType is a case-insensitive parse of a free-form string,
// mirroring ChSettings::GetDetectorType.
func ParseDetectorType(s string) DetectorType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ac":
		return AC
	case "pmt":
		return PMT
	case "hpge":
		return HPGe
	case "si":
		return Si
	default:
		return Unknown
	}
}

// Channel is one (module, channel) configuration record.
type Channel struct {
	ID             int32    `json:"ID"`
	Module         uint32   `json:"Module"`
	Channel        uint32   `json:"Channel"`
	IsEventTrigger bool     `json:"IsEventTrigger"`
	ThresholdADC   uint32   `json:"ThresholdADC"`
	HasAC          bool     `json:"HasAC"`
	ACModule       uint32   `json:"ACModule"`
	ACChannel      uint32   `json:"ACChannel"`
	Phi            float64  `json:"Phi"`
	Theta          float64  `json:"Theta"`
	Distance       float64  `json:"Distance"`
	X              float64  `json:"x"`
	Y              float64  `json:"y"`
	Z              float64  `json:"z"`
	P0             float64  `json:"p0"`
	P1             float64  `json:"p1"`
	P2             float64  `json:"p2"`
	P3             float64  `json:"p3"`
	DetectorType   string   `json:"DetectorType"`
	Tags           []string `json:"Tags"`
}

// Type resolves DetectorType from the free-form DetectorType string.
func (c Channel) Type() DetectorType { return ParseDetectorType(c.DetectorType) }

// HasTag reports whether the channel carries the given tag.
func (c Channel) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Table is the dense [module][channel] lookup used by every engine.
// It is read-only after Load: shared across all workers without copying.
type Table struct {
	mods [][]Channel
}

// Load reads channelSettings.json.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.IOError{Filename: path, Err: err}
	}
	var mods [][]Channel
	if err := json.Unmarshal(data, &mods); err != nil {
		return nil, &errs.JSONError{Filename: path, Err: err}
	}
	if len(mods) == 0 {
		return nil, &errs.ConfigMissingError{What: "channel configuration is empty: " + path}
	}
	return &Table{mods: mods}, nil
}

// NumModules returns the number of configured modules.
func (t *Table) NumModules() int { return len(t.mods) }

// NumChannels returns the number of configured channels in a module, or 0
// if the module index is out of range.
func (t *Table) NumChannels(mod int) int {
	if mod < 0 || mod >= len(t.mods) {
		return 0
	}
	return len(t.mods[mod])
}

// Lookup returns the channel record for (mod, ch) and whether it exists.
func (t *Table) Lookup(mod, ch uint8) (Channel, bool) {
	m := int(mod)
	c := int(ch)
	if m < 0 || m >= len(t.mods) || c < 0 || c >= len(t.mods[m]) {
		return Channel{}, false
	}
	return t.mods[m][c], true
}

// MaxID returns (max ChannelConfig.ID)+1, the dense channel-id space size
// TimeAlignment sizes its histograms with.
func (t *Table) MaxID() int32 {
	var maxID int32 = -1
	for _, mod := range t.mods {
		for _, c := range mod {
			if c.ID > maxID {
				maxID = c.ID
			}
		}
	}
	return maxID + 1
}

// Each calls fn for every configured (mod, ch) pair.
func (t *Table) Each(fn func(mod, ch uint8, c Channel)) {
	for m, mod := range t.mods {
		for c, ch := range mod {
			fn(uint8(m), uint8(c), ch)
		}
	}
}

// GenerateTemplate emits a channelSettings.json skeleton for the given
// per-module channel counts, grounded on
// original_source/include/ChSettings.hpp's ChSettings::GenerateTemplate.
// Used by the CLI's `init` subcommand.
func GenerateTemplate(nChsPerModule []int) [][]Channel {
	result := make([][]Channel, len(nChsPerModule))
	idCounter := int32(0)
	for mod, n := range nChsPerModule {
		chs := make([]Channel, n)
		for ch := 0; ch < n; ch++ {
			chs[ch] = Channel{
				ID:        idCounter,
				Module:    uint32(mod),
				Channel:   uint32(ch),
				ACModule:  128,
				ACChannel: 128,
				P1:        1.,
				Tags:      []string{},
			}
			idCounter++
		}
		result[mod] = chs
	}
	return result
}
