package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/delila-daq/eventbuilder/internal/config"
	"github.com/delila-daq/eventbuilder/internal/hdf5io"
	"github.com/delila-daq/eventbuilder/internal/pipeline"
	"github.com/delila-daq/eventbuilder/internal/timealign"
	"github.com/delila-daq/eventbuilder/internal/timeoffset"
)

// newTimeCmd implements the `time` subcommand: run TimeAlignment over the
// files named by settings.json and write timeSettings.json.
func newTimeCmd() *cobra.Command {
	var configPath, outPath string

	cmd := &cobra.Command{
		Use:   "time",
		Short: "Run time alignment and produce timeSettings.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return err
			}
			files, err := filepath.Glob(filepath.Join(settings.Directory, "*.h5"))
			if err != nil {
				return fmt.Errorf("time: glob input directory: %w", err)
			}
			if len(files) == 0 {
				return fmt.Errorf("time: no .h5 files found in %s", settings.Directory)
			}

			engine := timealign.New(logger, hdf5io.OpenHits)
			if err := engine.LoadChannelConfig(settings.ChannelSettings); err != nil {
				return err
			}
			if err := engine.SetFileList(files); err != nil {
				return err
			}
			if err := engine.SetTimeWindow(settings.TimeWindowNs); err != nil {
				return err
			}

			ctx, cancel := pipeline.WithSignalCancel(cmd.Context())
			defer cancel()
			go func() {
				<-ctx.Done()
				engine.Cancel()
			}()

			var table *timeoffset.Table
			if err := withLedger(ctx, settings, "time", func() error {
				var runErr error
				table, runErr = engine.Run(ctx, settings.NumberOfThread)
				return runErr
			}); err != nil {
				return err
			}
			if err := timeoffset.Save(outPath, table); err != nil {
				return err
			}
			logger.Info(fmt.Sprintf("wrote time offsets to %s", outPath), "time")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "settings.json", "path to settings.json")
	cmd.Flags().StringVar(&outPath, "out", "timeSettings.json", "output path for the time offset table")
	return cmd
}
