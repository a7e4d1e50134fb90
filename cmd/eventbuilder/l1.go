package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/delila-daq/eventbuilder/internal/config"
	"github.com/delila-daq/eventbuilder/internal/event"
	"github.com/delila-daq/eventbuilder/internal/hdf5io"
	"github.com/delila-daq/eventbuilder/internal/l1builder"
	"github.com/delila-daq/eventbuilder/internal/pipeline"
)

// newL1Cmd implements the `l1` subcommand: run the L1 coincidence builder
// over the files named by settings.json using a previously computed
// timeSettings.json, writing one output file per worker.
func newL1Cmd() *cobra.Command {
	var configPath, timeSettingsPath, outDir string

	cmd := &cobra.Command{
		Use:   "l1",
		Short: "Run L1 coincidence building and produce raw events",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return err
			}
			files, err := filepath.Glob(filepath.Join(settings.Directory, "*.h5"))
			if err != nil {
				return fmt.Errorf("l1: glob input directory: %w", err)
			}
			if len(files) == 0 {
				return fmt.Errorf("l1: no .h5 files found in %s", settings.Directory)
			}

			builder := l1builder.New(logger, hdf5io.OpenHits)
			if err := builder.LoadChannelConfig(settings.ChannelSettings); err != nil {
				return err
			}
			if err := builder.LoadTimeOffsets(timeSettingsPath); err != nil {
				return err
			}
			if err := builder.SetFileList(files); err != nil {
				return err
			}
			if err := builder.SetCoincidenceWindow(settings.CoincidenceWindowNs); err != nil {
				return err
			}
			if err := builder.SetReference(settings.TimeReferenceMod, settings.TimeReferenceCh); err != nil {
				return err
			}

			ctx, cancel := pipeline.WithSignalCancel(cmd.Context())
			defer cancel()
			go func() {
				<-ctx.Done()
				builder.Cancel()
			}()

			opts := hdf5io.DefaultCompressionOptions()
			newWriter := func(workerIdx int) (event.EventWriter, error) {
				path := filepath.Join(outDir, fmt.Sprintf("l1_worker_%02d.h5", workerIdx))
				return hdf5io.CreateEvents(path, opts)
			}

			if err := withLedger(ctx, settings, "l1", func() error {
				return builder.Build(ctx, settings.NumberOfThread, newWriter)
			}); err != nil {
				return err
			}
			logger.Info(fmt.Sprintf("wrote L1 events under %s", outDir), "l1")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "settings.json", "path to settings.json")
	cmd.Flags().StringVar(&timeSettingsPath, "time-settings", "timeSettings.json", "path to a previously computed time offset table")
	cmd.Flags().StringVar(&outDir, "out-dir", ".", "directory to write per-worker event files into")
	return cmd
}
