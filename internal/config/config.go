// Package config loads settings.json, grounded on the teacher's
// pkg/config.go defaults-then-unmarshal pattern.
package config

import (
	"encoding/json"
	"os"

	"github.com/delila-daq/eventbuilder/internal/errs"
)

// Settings is the top-level run configuration.
type Settings struct {
	Directory         string `json:"Directory"`
	RunNumber         int    `json:"RunNumber"`
	StartVersion      int    `json:"StartVersion"`
	EndVersion        int    `json:"EndVersion"`
	TimeWindowNs      float64 `json:"TimeWindow"`
	CoincidenceWindowNs float64 `json:"CoincidenceWindow"`
	ChannelSettings   string `json:"ChannelSettings"`
	L2Settings        string `json:"L2Settings"`
	NumberOfThread    int    `json:"NumberOfThread"`
	TimeReferenceMod  uint8  `json:"TimeReferenceMod"`
	TimeReferenceCh   uint8  `json:"TimeReferenceCh"`
	LedgerDSN         string `json:"LedgerDSN"`
}

// defaults mirrors the teacher's pattern of seeding a Configuration value
// with sane defaults before JSON unmarshalling overwrites what the file
// actually specifies.
func defaults() Settings {
	return Settings{
		StartVersion:   0,
		EndVersion:     0,
		NumberOfThread: 1,
	}
}

// Load reads settings.json and validates the fields every engine relies on.
func Load(path string) (Settings, error) {
	s := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, &errs.IOError{Filename: path, Err: err}
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, &errs.JSONError{Filename: path, Err: err}
	}
	if s.Directory == "" {
		return s, &errs.ConfigMissingError{What: "Directory"}
	}
	if s.ChannelSettings == "" {
		return s, &errs.ConfigMissingError{What: "ChannelSettings"}
	}
	if s.NumberOfThread < 1 || s.NumberOfThread > 128 {
		return s, &errs.ValidationError{What: "NumberOfThread must be in [1, 128]"}
	}
	return s, nil
}
