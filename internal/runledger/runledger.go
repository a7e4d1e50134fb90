// Package runledger records pipeline-stage bookkeeping (which run/version
// was processed, by which stage, with what outcome) in MySQL. Grounded on
// the teacher's pkg/database.go ConnectToDatabase/sqlx.Connect pattern,
// repurposed away from sensor/Huffman-table lookups towards run
// bookkeeping.
package runledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"

	"github.com/delila-daq/eventbuilder/internal/errs"
)

// Ledger records the outcome of each pipeline stage run against a MySQL
// database.
type Ledger struct {
	db *sqlx.DB
}

// Connect opens the ledger database, mirroring ConnectToDatabase's DSN
// shape (user:pass@tcp(host:port)/dbname).
func Connect(ctx context.Context, dsn string) (*Ledger, error) {
	db, err := sqlx.ConnectContext(ctx, "mysql", dsn)
	if err != nil {
		return nil, &errs.IOError{Filename: dsn, Err: err}
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() error { return l.db.Close() }

// Entry is one row of the run_stages ledger table.
type Entry struct {
	ID        string    `db:"id"`
	RunNumber int       `db:"run_number"`
	Stage     string    `db:"stage"`
	StartedAt time.Time `db:"started_at"`
	EndedAt   time.Time `db:"ended_at"`
	Status    string    `db:"status"`
	Detail    string    `db:"detail"`
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS run_stages (
	id CHAR(36) PRIMARY KEY,
	run_number INT NOT NULL,
	stage VARCHAR(32) NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at DATETIME NULL,
	status VARCHAR(16) NOT NULL,
	detail TEXT
)`

// EnsureSchema creates the run_stages table if it does not already exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("runledger: create schema: %w", err)
	}
	return nil
}

// Begin records the start of a stage run and returns its id.
func (l *Ledger) Begin(ctx context.Context, runNumber int, stage string) (string, error) {
	id := uuid.NewString()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO run_stages (id, run_number, stage, started_at, status) VALUES (?, ?, ?, ?, ?)`,
		id, runNumber, stage, time.Now().UTC(), "running")
	if err != nil {
		return "", fmt.Errorf("runledger: begin: %w", err)
	}
	return id, nil
}

// Finish records the outcome of a previously begun stage run.
func (l *Ledger) Finish(ctx context.Context, id string, status string, detail string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE run_stages SET ended_at = ?, status = ?, detail = ? WHERE id = ?`,
		time.Now().UTC(), status, detail, id)
	if err != nil {
		return fmt.Errorf("runledger: finish: %w", err)
	}
	return nil
}

// History returns every ledger entry for a run, most recent first.
func (l *Ledger) History(ctx context.Context, runNumber int) ([]Entry, error) {
	var out []Entry
	err := l.db.SelectContext(ctx, &out,
		`SELECT id, run_number, stage, started_at, ended_at, status, detail
		 FROM run_stages WHERE run_number = ? ORDER BY started_at DESC`, runNumber)
	if err != nil {
		return nil, fmt.Errorf("runledger: history: %w", err)
	}
	return out, nil
}
