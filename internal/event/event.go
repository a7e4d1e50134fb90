// Package event defines the Hit and Event data model and the abstract
// HitReader/EventWriter collaborator interfaces, grounded on
// original_source/include/EventData.hpp's RawData_t and EventData, and on
// the teacher's EventType (pkg/events.go) for the writer side's shape.
package event

// Hit is one digitiser pulse, canonical internal unit nanoseconds. Sources
// hand these out already converted from picoseconds.
type Hit struct {
	Module      uint8
	Channel     uint8
	TimestampNs float64
	ChargeLong  uint16
	ChargeShort uint16
}

// RelHit is one hit inside a built event, timestamped relative to the
// event's trigger hit.
type RelHit struct {
	IsWithAC    bool
	Module      uint8
	Channel     uint8
	ChargeLong  uint16
	ChargeShort uint16
	RelTimeNs   float64
}

// Event is one built coincidence. Hits[0] is always the
// trigger hit with RelTimeNs == 0; Hits[1:] are sorted ascending by
// RelTimeNs. Counters/Flags are populated only after L2Engine.Evaluate;
// they are nil on raw L1 output.
type Event struct {
	TriggerTimeNs float64
	Hits          []RelHit
	Counters      map[string]uint64
	Flags         map[string]bool
}

// HitReader provides random sequential access over a hit source. Len and
// At together let ChunkedHitStream address any [readStart, readEnd) slice
// without loading the whole source.
type HitReader interface {
	// Len returns the total number of records in the source.
	Len() (int64, error)
	// At decodes the record at index i.
	At(i int64) (Hit, error)
	// Close releases any resources held by the reader.
	Close() error
}

// EventWriter persists built/accepted events. Writers are exclusive per
// worker: no synchronization is required inside Write.
type EventWriter interface {
	Write(e Event) error
	Close() error
}

// EventReader provides random sequential access over a built-event source,
// the L2 engine's input. It mirrors HitReader's shape one level up the
// pipeline.
type EventReader interface {
	Len() (int64, error)
	At(i int64) (Event, error)
	Close() error
}

// SliceReader is an in-memory HitReader over a fixed slice, used as the
// backing store for package tests that do not need a real HDF5 file on
// disk.
type SliceReader []Hit

func (r SliceReader) Len() (int64, error) { return int64(len(r)), nil }

func (r SliceReader) At(i int64) (Hit, error) { return r[i], nil }

func (r SliceReader) Close() error { return nil }
