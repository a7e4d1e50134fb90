package hdf5io

import (
	"encoding/json"
	"errors"
	"fmt"

	hdf5 "github.com/next-exp/hdf5-go"

	"github.com/delila-daq/eventbuilder/internal/errs"
	"github.com/delila-daq/eventbuilder/internal/event"
)

// HitReader implements event.HitReader over an HDF5 "hits" table.
type HitReader struct {
	file  *hdf5.File
	group *hdf5.Group
	table *hdf5.Dataset
	n     int64
}

// OpenHits opens an HDF5 file written by HitWriter, matching the
// event.HitReader signature TimeAlignment/L1Builder expect.
func OpenHits(path string) (event.HitReader, error) {
	file, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, &errs.IOError{Filename: path, Err: err}
	}
	group, err := file.OpenGroup("HITS")
	if err != nil {
		return nil, &errs.IOError{Filename: path, Err: err}
	}
	table, err := group.OpenDataset("hits")
	if err != nil {
		return nil, &errs.IOError{Filename: path, Err: err}
	}
	dims, _ := table.Space().SimpleExtentDims()
	n := int64(0)
	if len(dims) > 0 {
		n = int64(dims[0])
	}
	return &HitReader{file: file, group: group, table: table, n: n}, nil
}

// Len returns the number of hits in the file.
func (r *HitReader) Len() (int64, error) { return r.n, nil }

// At decodes the hit at absolute index i.
func (r *HitReader) At(i int64) (event.Hit, error) {
	var rows [1]hitRow
	if err := readRow(r.table, uint(i), &rows); err != nil {
		return event.Hit{}, &errs.CorruptDataError{What: fmt.Sprintf("hits[%d]: %v", i, err)}
	}
	h := rows[0]
	return event.Hit{
		Module:      h.Module,
		Channel:     h.Channel,
		TimestampNs: h.TimestampNs,
		ChargeLong:  h.ChargeLong,
		ChargeShort: h.ChargeShort,
	}, nil
}

// Close releases every open HDF5 handle.
func (r *HitReader) Close() error {
	var joined []error
	if err := r.table.Close(); err != nil {
		joined = append(joined, err)
	}
	if err := r.group.Close(); err != nil {
		joined = append(joined, err)
	}
	if err := r.file.Close(); err != nil {
		joined = append(joined, err)
	}
	return errors.Join(joined...)
}

// EventReader implements event.EventReader over an HDF5 events/event_hits
// pair, the L2 stage's input.
type EventReader struct {
	file        *hdf5.File
	group       *hdf5.Group
	eventsTable *hdf5.Dataset
	hitsTable   *hdf5.Dataset
	n           int64
}

// OpenEvents opens an HDF5 file written by EventWriter.
func OpenEvents(path string) (event.EventReader, error) {
	file, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, &errs.IOError{Filename: path, Err: err}
	}
	group, err := file.OpenGroup("EVENTS")
	if err != nil {
		return nil, &errs.IOError{Filename: path, Err: err}
	}
	eventsTable, err := group.OpenDataset("events")
	if err != nil {
		return nil, &errs.IOError{Filename: path, Err: err}
	}
	hitsTable, err := group.OpenDataset("event_hits")
	if err != nil {
		return nil, &errs.IOError{Filename: path, Err: err}
	}
	dims, _ := eventsTable.Space().SimpleExtentDims()
	n := int64(0)
	if len(dims) > 0 {
		n = int64(dims[0])
	}
	return &EventReader{file: file, group: group, eventsTable: eventsTable, hitsTable: hitsTable, n: n}, nil
}

// Len returns the number of events in the file.
func (r *EventReader) Len() (int64, error) { return r.n, nil }

// At decodes the event at absolute index i, along with its constituent
// relative hits from the event_hits table.
func (r *EventReader) At(i int64) (event.Event, error) {
	var evRows [1]eventRow
	if err := readRow(r.eventsTable, uint(i), &evRows); err != nil {
		return event.Event{}, &errs.CorruptDataError{What: fmt.Sprintf("events[%d]: %v", i, err)}
	}
	ev := evRows[0]

	relRows := make([]relHitRow, ev.HitCount)
	if ev.HitCount > 0 {
		if err := readRows(r.hitsTable, uint(ev.HitStart), relRows); err != nil {
			return event.Event{}, &errs.CorruptDataError{What: fmt.Sprintf("event_hits[%d:%d]: %v", ev.HitStart, ev.HitStart+uint64(ev.HitCount), err)}
		}
	}

	hits := make([]event.RelHit, len(relRows))
	for i, h := range relRows {
		hits[i] = event.RelHit{
			IsWithAC:    h.IsWithAC,
			Module:      h.Module,
			Channel:     h.Channel,
			ChargeLong:  h.ChargeLong,
			ChargeShort: h.ChargeShort,
			RelTimeNs:   h.RelTimeNs,
		}
	}

	out := event.Event{TriggerTimeNs: ev.TriggerTimeNs, Hits: hits}
	unmarshalIfPresent(ev.CountersJSON[:], &out.Counters)
	unmarshalIfPresent(ev.FlagsJSON[:], &out.Flags)
	return out, nil
}

func unmarshalIfPresent[T any](fixed []byte, dest *T) {
	n := 0
	for n < len(fixed) && fixed[n] != 0 {
		n++
	}
	if n == 0 {
		return
	}
	_ = json.Unmarshal(fixed[:n], dest)
}

// Close releases every open HDF5 handle.
func (r *EventReader) Close() error {
	var joined []error
	if err := r.eventsTable.Close(); err != nil {
		joined = append(joined, err)
	}
	if err := r.hitsTable.Close(); err != nil {
		joined = append(joined, err)
	}
	if err := r.group.Close(); err != nil {
		joined = append(joined, err)
	}
	if err := r.file.Close(); err != nil {
		joined = append(joined, err)
	}
	return errors.Join(joined...)
}

// readRow reads a single row at offset into dest (a pointer to a [1]T
// array), mirroring writer.go's appendRows in reverse.
func readRow[T any](dataset *hdf5.Dataset, offset uint, dest *[1]T) error {
	return readRows(dataset, offset, dest[:])
}

// readRows reads len(dest) rows starting at offset.
func readRows[T any](dataset *hdf5.Dataset, offset uint, dest []T) error {
	length := uint(len(dest))
	if length == 0 {
		return nil
	}
	memSpace, err := hdf5.CreateSimpleDataspace([]uint{length}, nil)
	if err != nil {
		return err
	}
	defer memSpace.Close()

	fileSpace := dataset.Space()
	defer fileSpace.Close()
	if err := fileSpace.SelectHyperslab([]uint{offset}, nil, []uint{length}, nil); err != nil {
		return err
	}
	return dataset.ReadSubset(&dest, memSpace, fileSpace)
}
