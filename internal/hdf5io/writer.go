package hdf5io

import (
	"errors"
	"fmt"

	hdf5 "github.com/next-exp/hdf5-go"

	"github.com/delila-daq/eventbuilder/internal/errs"
	"github.com/delila-daq/eventbuilder/internal/event"
)

const jsonColumnLen = 512

// eventRow is the fixed-width "events" table row: one per built/accepted
// event, pointing into the flat "event_hits" table.
type eventRow struct {
	TriggerTimeNs float64
	HitStart      uint64
	HitCount      uint32
	CountersJSON  [jsonColumnLen]byte
	FlagsJSON     [jsonColumnLen]byte
}

// relHitRow is the flat "event_hits" table row.
type relHitRow struct {
	IsWithAC    bool
	Module      uint8
	Channel     uint8
	ChargeLong  uint16
	ChargeShort uint16
	RelTimeNs   float64
}

// hitRow is the "hits" table row read by TimeAlignment/L1Builder.
type hitRow struct {
	Module      uint8
	Channel     uint8
	TimestampNs float64
	ChargeLong  uint16
	ChargeShort uint16
}

func fixedString(s string) [jsonColumnLen]byte {
	var out [jsonColumnLen]byte
	copy(out[:], s)
	return out
}

// EventWriter implements event.EventWriter against an HDF5 file with two
// extendible tables (events, event_hits), grounded on
// pkg/writer.go/pkg/hdf5.go's incremental table-append pattern.
type EventWriter struct {
	file        *hdf5.File
	group       *hdf5.Group
	eventsTable *hdf5.Dataset
	hitsTable   *hdf5.Dataset
	nEvents     uint
	nHits       uint
}

// CreateEvents creates a new HDF5 file with the events/event_hits schema.
func CreateEvents(path string, opts CompressionOptions) (*EventWriter, error) {
	file, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return nil, &errs.IOError{Filename: path, Err: err}
	}
	group, err := file.CreateGroup("EVENTS")
	if err != nil {
		return nil, &errs.IOError{Filename: path, Err: err}
	}
	eventsTable, err := createTable(group, "events", eventRow{}, opts)
	if err != nil {
		return nil, &errs.IOError{Filename: path, Err: err}
	}
	hitsTable, err := createTable(group, "event_hits", relHitRow{}, opts)
	if err != nil {
		return nil, &errs.IOError{Filename: path, Err: err}
	}
	return &EventWriter{file: file, group: group, eventsTable: eventsTable, hitsTable: hitsTable}, nil
}

// Write appends one event and its constituent relative hits.
func (w *EventWriter) Write(e event.Event) error {
	relRows := make([]relHitRow, len(e.Hits))
	for i, h := range e.Hits {
		relRows[i] = relHitRow{
			IsWithAC:    h.IsWithAC,
			Module:      h.Module,
			Channel:     h.Channel,
			ChargeLong:  h.ChargeLong,
			ChargeShort: h.ChargeShort,
			RelTimeNs:   h.RelTimeNs,
		}
	}
	if err := appendRows(w.hitsTable, relRows, w.nHits); err != nil {
		return fmt.Errorf("hdf5io: write event_hits: %w", err)
	}

	row := eventRow{
		TriggerTimeNs: e.TriggerTimeNs,
		HitStart:      uint64(w.nHits),
		HitCount:      uint32(len(e.Hits)),
		CountersJSON:  fixedString(marshalTags(e.Counters)),
		FlagsJSON:     fixedString(marshalTags(e.Flags)),
	}
	if err := appendRows(w.eventsTable, []eventRow{row}, w.nEvents); err != nil {
		return fmt.Errorf("hdf5io: write events: %w", err)
	}

	w.nHits += uint(len(relRows))
	w.nEvents++
	return nil
}

// Close releases every open HDF5 handle, joining any close errors,
// grounded on pkg/writer.go's Writer.Close.
func (w *EventWriter) Close() error {
	var joined []error
	if err := w.eventsTable.Close(); err != nil {
		joined = append(joined, fmt.Errorf("closing events table: %w", err))
	}
	if err := w.hitsTable.Close(); err != nil {
		joined = append(joined, fmt.Errorf("closing event_hits table: %w", err))
	}
	if err := w.group.Close(); err != nil {
		joined = append(joined, fmt.Errorf("closing group: %w", err))
	}
	if err := w.file.Close(); err != nil {
		joined = append(joined, fmt.Errorf("closing file: %w", err))
	}
	return errors.Join(joined...)
}

// HitWriter implements a "hits" table writer, used by fixture/conversion
// tools ahead of the actual pipeline stages: HitReader assumes something
// upstream already produced this table.
type HitWriter struct {
	file  *hdf5.File
	group *hdf5.Group
	table *hdf5.Dataset
	n     uint
}

// CreateHits creates a new HDF5 file with a single extendible "hits" table.
func CreateHits(path string, opts CompressionOptions) (*HitWriter, error) {
	file, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return nil, &errs.IOError{Filename: path, Err: err}
	}
	group, err := file.CreateGroup("HITS")
	if err != nil {
		return nil, &errs.IOError{Filename: path, Err: err}
	}
	table, err := createTable(group, "hits", hitRow{}, opts)
	if err != nil {
		return nil, &errs.IOError{Filename: path, Err: err}
	}
	return &HitWriter{file: file, group: group, table: table}, nil
}

// Write appends one hit.
func (w *HitWriter) Write(h event.Hit) error {
	row := hitRow{Module: h.Module, Channel: h.Channel, TimestampNs: h.TimestampNs, ChargeLong: h.ChargeLong, ChargeShort: h.ChargeShort}
	if err := appendRows(w.table, []hitRow{row}, w.n); err != nil {
		return fmt.Errorf("hdf5io: write hits: %w", err)
	}
	w.n++
	return nil
}

// Close releases every open HDF5 handle.
func (w *HitWriter) Close() error {
	var joined []error
	if err := w.table.Close(); err != nil {
		joined = append(joined, err)
	}
	if err := w.group.Close(); err != nil {
		joined = append(joined, err)
	}
	if err := w.file.Close(); err != nil {
		joined = append(joined, err)
	}
	return errors.Join(joined...)
}

// createTable creates a 1-D, row-extendible dataset whose element type is
// inferred from a zero value of T, mirroring pkg/hdf5.go's createTable.
func createTable[T any](group *hdf5.Group, name string, zero T, opts CompressionOptions) (*hdf5.Dataset, error) {
	dims := []uint{0}
	maxDims := []uint{uint(hdf5.UNLIMITED)}
	fileSpace, err := hdf5.CreateSimpleDataspace(dims, maxDims)
	if err != nil {
		return nil, err
	}
	plist, err := newTablePropList(opts)
	if err != nil {
		return nil, err
	}
	dtype, err := hdf5.NewDatatypeFromValue(zero)
	if err != nil {
		return nil, err
	}
	return group.CreateDatasetWith(name, dtype, fileSpace, plist)
}

// appendRows extends dataset by len(rows) and writes them starting at
// offset, mirroring pkg/hdf5.go's writeArrayToTable.
func appendRows[T any](dataset *hdf5.Dataset, rows []T, offset uint) error {
	length := uint(len(rows))
	if length == 0 {
		return nil
	}
	memSpace, err := hdf5.CreateSimpleDataspace([]uint{length}, nil)
	if err != nil {
		return err
	}
	defer memSpace.Close()

	if err := dataset.Resize([]uint{offset + length}); err != nil {
		return err
	}
	fileSpace := dataset.Space()
	defer fileSpace.Close()

	if err := fileSpace.SelectHyperslab([]uint{offset}, nil, []uint{length}, nil); err != nil {
		return err
	}
	return dataset.WriteSubset(&rows, memSpace, fileSpace)
}
