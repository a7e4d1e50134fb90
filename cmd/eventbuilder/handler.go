package main

// A compact text handler for stdout, adapted from the DELILA decoder's
// customLogger.go. See
// https://stackoverflow.com/questions/77422213/how-to-hide-all-keys-when-using-slog-in-golang

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

type compactHandler struct {
	h   slog.Handler
	mu  *sync.Mutex
	out io.Writer
}

func newCompactHandler(o io.Writer, opts *slog.HandlerOptions) *compactHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &compactHandler{
		out: o,
		h: slog.NewTextHandler(o, &slog.HandlerOptions{
			Level:     opts.Level,
			AddSource: opts.AddSource,
		}),
		mu: &sync.Mutex{},
	}
}

func (h *compactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.h.Enabled(ctx, level)
}

func (h *compactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &compactHandler{h: h.h.WithAttrs(attrs), out: h.out, mu: h.mu}
}

func (h *compactHandler) WithGroup(name string) slog.Handler {
	return &compactHandler{h: h.h.WithGroup(name), out: h.out, mu: h.mu}
}

func (h *compactHandler) Handle(ctx context.Context, r slog.Record) error {
	formattedTime := r.Time.Format("[2006/01/02 15:04:05]")

	strs := []string{formattedTime}
	if r.NumAttrs() != 0 {
		r.Attrs(func(a slog.Attr) bool {
			strs = append(strs, fmt.Sprintf("[%s]", a.Value.String()))
			return true
		})
	}
	strs = append(strs, r.Message, "\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write([]byte(strings.Join(strs, " ")))
	return err
}

// slogLogger adapts *slog.Logger pairs (stdout info, stderr error) to the
// internal/logging.Logger interface every engine package depends on.
type slogLogger struct {
	info *slog.Logger
	err  *slog.Logger
}

func (l *slogLogger) Info(message string, module string) {
	l.info.Info(message, "module", module)
}

func (l *slogLogger) Error(message string) {
	l.err.Error(message)
}
