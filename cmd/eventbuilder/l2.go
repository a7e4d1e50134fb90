package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/delila-daq/eventbuilder/internal/chconfig"
	"github.com/delila-daq/eventbuilder/internal/config"
	"github.com/delila-daq/eventbuilder/internal/event"
	"github.com/delila-daq/eventbuilder/internal/hdf5io"
	"github.com/delila-daq/eventbuilder/internal/l2engine"
	"github.com/delila-daq/eventbuilder/internal/pipeline"
)

// newL2Cmd implements the `l2` subcommand: evaluate the L2 condition
// program over the L1 event files named by --in-dir, writing only
// accepted events.
func newL2Cmd() *cobra.Command {
	var configPath, inDir, outDir string

	cmd := &cobra.Command{
		Use:   "l2",
		Short: "Run L2 condition evaluation and produce accepted events",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if settings.L2Settings == "" {
				return fmt.Errorf("l2: settings.json is missing L2Settings")
			}
			channels, err := chconfig.Load(settings.ChannelSettings)
			if err != nil {
				return err
			}
			program, err := l2engine.LoadProgram(settings.L2Settings)
			if err != nil {
				return err
			}
			engine, err := l2engine.Compile(logger, channels, program)
			if err != nil {
				return err
			}

			files, err := filepath.Glob(filepath.Join(inDir, "*.h5"))
			if err != nil {
				return fmt.Errorf("l2: glob input directory: %w", err)
			}
			if len(files) == 0 {
				return fmt.Errorf("l2: no .h5 files found in %s", inDir)
			}

			ctx, cancel := pipeline.WithSignalCancel(cmd.Context())
			defer cancel()

			opts := hdf5io.DefaultCompressionOptions()
			newWriter := func(workerIdx int) (event.EventWriter, error) {
				path := filepath.Join(outDir, fmt.Sprintf("l2_worker_%02d.h5", workerIdx))
				return hdf5io.CreateEvents(path, opts)
			}

			if err := withLedger(ctx, settings, "l2", func() error {
				return pipeline.RunL2(ctx, logger, engine, files, settings.NumberOfThread, hdf5io.OpenEvents, newWriter)
			}); err != nil {
				return err
			}
			logger.Info(fmt.Sprintf("wrote accepted events under %s", outDir), "l2")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "settings.json", "path to settings.json")
	cmd.Flags().StringVar(&inDir, "in-dir", ".", "directory of L1 event files to evaluate")
	cmd.Flags().StringVar(&outDir, "out-dir", ".", "directory to write per-worker accepted-event files into")
	return cmd
}
