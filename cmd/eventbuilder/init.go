package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/delila-daq/eventbuilder/internal/chconfig"
	"github.com/delila-daq/eventbuilder/internal/config"
)

// l2SettingsEntry mirrors internal/l2engine's on-disk flat discriminated-
// union entry shape, duplicated here (rather than exported from l2engine)
// since generating a template is a CLI concern, not an engine one.
type l2SettingsEntry struct {
	Name     string      `json:"Name"`
	Type     string      `json:"Type"`
	Tags     []string    `json:"Tags,omitempty"`
	Monitor  interface{} `json:"Monitor,omitempty"`
	Operator string      `json:"Operator,omitempty"`
	Value    int32       `json:"Value,omitempty"`
}

// defaultL2Settings is a minimal, valid L2 program: one counter over an
// example tag, one flag testing it against zero, and one accept clause
// OR-ing that flag. It compiles against any channel configuration that
// tags at least one channel "trigger", and is meant to be edited.
func defaultL2Settings() []l2SettingsEntry {
	return []l2SettingsEntry{
		{Name: "AnyHit", Type: "Counter", Tags: []string{"trigger"}},
		{Name: "HasAnyHit", Type: "Flag", Monitor: "AnyHit", Operator: ">", Value: 0},
		{Name: "Accept", Type: "Accept", Monitor: []string{"HasAnyHit"}, Operator: "OR"},
	}
}

// newInitCmd implements the `init` subcommand: generate a full config
// skeleton (channelSettings.json, an empty timeSettings.json, a default
// L2Settings.json, and settings.json) under --out-dir, grounded on
// original_source's ChSettings::GenerateTemplate.
func newInitCmd() *cobra.Command {
	var channelsPerModule string
	var outDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a settings.json/channelSettings.json/L2Settings.json/timeSettings.json skeleton",
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, err := parseChannelCounts(channelsPerModule)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("init: create %s: %w", outDir, err)
			}

			channelsPath := filepath.Join(outDir, "channelSettings.json")
			mods := chconfig.GenerateTemplate(counts)
			if err := writeJSON(channelsPath, mods); err != nil {
				return err
			}

			timePath := filepath.Join(outDir, "timeSettings.json")
			if err := os.WriteFile(timePath, []byte("[]\n"), 0o644); err != nil {
				return fmt.Errorf("init: write %s: %w", timePath, err)
			}

			l2Path := filepath.Join(outDir, "L2Settings.json")
			if err := writeJSON(l2Path, defaultL2Settings()); err != nil {
				return err
			}

			settingsPath := filepath.Join(outDir, "settings.json")
			settings := config.Settings{
				Directory:           ".",
				ChannelSettings:     channelsPath,
				L2Settings:          l2Path,
				NumberOfThread:      1,
				TimeWindowNs:        50,
				CoincidenceWindowNs: 20,
			}
			if err := writeJSON(settingsPath, settings); err != nil {
				return err
			}

			logger.Info(fmt.Sprintf("wrote config skeleton to %s", outDir), "init")
			return nil
		},
	}
	cmd.Flags().StringVar(&channelsPerModule, "channels", "", "comma-separated channel count per module, e.g. 16,16,8")
	cmd.Flags().StringVar(&outDir, "out-dir", ".", "directory to write the config skeleton into")
	cmd.MarkFlagRequired("channels")
	return cmd
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("init: marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("init: write %s: %w", path, err)
	}
	return nil
}

func parseChannelCounts(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("init: invalid channel count %q: %w", p, err)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("init: --channels must list at least one module")
	}
	return out, nil
}
