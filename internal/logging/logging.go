// Package logging defines the Logger seam every engine package depends on,
// so none of them import log/slog directly. The concrete slog-backed
// implementation lives in cmd/eventbuilder, matching how the teacher keeps
// pkg/logger.go's interface separate from decoder/customLogger.go's
// slog.Handler.
package logging

// Logger is the minimal surface engine packages need. module is a short
// component tag ("timealign", "l1builder", "l2engine", ...) mirroring the
// teacher's logger.Info(message, module) call shape.
type Logger interface {
	Info(message string, module string)
	Error(message string)
}

// Nop is a Logger that discards everything. Useful as a default so engine
// constructors never have to nil-check.
type Nop struct{}

func (Nop) Info(string, string) {}
func (Nop) Error(string)        {}
