package main

import (
	"context"
	"fmt"

	"github.com/delila-daq/eventbuilder/internal/config"
	"github.com/delila-daq/eventbuilder/internal/runledger"
)

// withLedger runs fn, wrapped in a run_stages entry when settings.LedgerDSN
// is set. Ledger failures are logged but never block the pipeline stage
// itself: the ledger is bookkeeping, not a correctness gate.
func withLedger(ctx context.Context, settings config.Settings, stage string, fn func() error) error {
	if settings.LedgerDSN == "" {
		return fn()
	}
	l, err := runledger.Connect(ctx, settings.LedgerDSN)
	if err != nil {
		logger.Error(fmt.Sprintf("ledger connect failed, continuing without it: %v", err))
		return fn()
	}
	defer l.Close()
	if err := l.EnsureSchema(ctx); err != nil {
		logger.Error(fmt.Sprintf("ledger schema failed, continuing without it: %v", err))
		return fn()
	}

	id, err := l.Begin(ctx, settings.RunNumber, stage)
	if err != nil {
		logger.Error(fmt.Sprintf("ledger begin failed: %v", err))
		return fn()
	}
	runErr := fn()
	status, detail := "ok", ""
	if runErr != nil {
		status, detail = "failed", runErr.Error()
	}
	if err := l.Finish(ctx, id, status, detail); err != nil {
		logger.Error(fmt.Sprintf("ledger finish failed: %v", err))
	}
	return runErr
}
