// Command eventbuilder runs the offline multi-stage event-builder
// pipeline: time alignment, L1 coincidence building, and L2 condition
// evaluation, each as its own subcommand. Grounded on the teacher's
// decoder/main.go entrypoint shape (dual slog handlers, package-level
// configuration/logger setters) adapted to cobra's subcommand model.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose bool
	logger  *slogLogger
)

func main() {
	root := &cobra.Command{
		Use:   "eventbuilder",
		Short: "Offline multi-stage event-builder pipeline",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(verbose)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")

	root.AddCommand(newInitCmd())
	root.AddCommand(newTimeCmd())
	root.AddCommand(newL1Cmd())
	root.AddCommand(newL2Cmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging wires the compact stdout handler and JSON stderr handler,
// ported from customLogger.go/decoder/main.go's init().
func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	infoLog := slog.New(newCompactHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	errLog := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	logger = &slogLogger{info: infoLog, err: errLog}
}
