// Package memstore provides pure-Go, in-memory implementations of
// event.HitReader, event.EventWriter, and event.EventReader. Package
// tests use these instead of internal/hdf5io, which needs the HDF5 C
// library at link time.
package memstore

import (
	"io"

	"github.com/delila-daq/eventbuilder/internal/event"
)

// HitReader is event.SliceReader under a different name for readability
// at call sites that want to make the "test double" role explicit.
type HitReader = event.SliceReader

// EventWriter accumulates written events in memory, in write order.
type EventWriter struct {
	Events []event.Event
	closed bool
}

// NewEventWriter returns an empty EventWriter.
func NewEventWriter() *EventWriter { return &EventWriter{} }

// Write appends e to Events.
func (w *EventWriter) Write(e event.Event) error {
	w.Events = append(w.Events, e)
	return nil
}

// Close marks the writer closed; further writes are still accepted since
// there is no real resource to release, matching the interface contract
// that Close is idempotent-safe for callers running under defer.
func (w *EventWriter) Close() error {
	w.closed = true
	return nil
}

// Closed reports whether Close was called, for test assertions.
func (w *EventWriter) Closed() bool { return w.closed }

// EventReader is a random-access, in-memory event.EventReader.
type EventReader []event.Event

// Len returns the number of events.
func (r EventReader) Len() (int64, error) { return int64(len(r)), nil }

// At returns the event at index i.
func (r EventReader) At(i int64) (event.Event, error) {
	if i < 0 || int(i) >= len(r) {
		return event.Event{}, io.EOF
	}
	return r[i], nil
}

// Close is a no-op.
func (r EventReader) Close() error { return nil }
