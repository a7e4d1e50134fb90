// Package l1builder implements the L1 coincidence builder: per-file,
// per-worker chunked reconstruction of coincidence events around
// trigger-capable channels, with trigger-priority suppression and AC-veto
// annotation. Grounded on original_source/src/L1EventBuilder.cpp's
// DataReader/BuildEvent.
package l1builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/delila-daq/eventbuilder/internal/chconfig"
	"github.com/delila-daq/eventbuilder/internal/errs"
	"github.com/delila-daq/eventbuilder/internal/event"
	"github.com/delila-daq/eventbuilder/internal/hitstream"
	"github.com/delila-daq/eventbuilder/internal/logging"
	"github.com/delila-daq/eventbuilder/internal/timeoffset"
)

// OpenFunc opens a hit source file, e.g. internal/hdf5io.OpenHits.
type OpenFunc func(path string) (event.HitReader, error)

// WriterFunc opens an exclusive per-worker event sink, e.g. one HDF5 output
// file per worker.
type WriterFunc func(workerIdx int) (event.EventWriter, error)

// L1Builder runs the chunked coincidence-building algorithm.
type L1Builder struct {
	logger              logging.Logger
	Open                OpenFunc
	channels            *chconfig.Table
	offsets             *timeoffset.Table
	files               []string
	coincidenceWindowNs float64
	refMod              uint8
	refCh               uint8

	fileMu    sync.Mutex
	fileQueue []string
	cancelled atomic.Bool
}

// New creates an L1Builder engine.
func New(logger logging.Logger, open OpenFunc) *L1Builder {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &L1Builder{logger: logger, Open: open}
}

// LoadChannelConfig loads channelSettings.json.
func (b *L1Builder) LoadChannelConfig(path string) error {
	tbl, err := chconfig.Load(path)
	if err != nil {
		return err
	}
	b.channels = tbl
	return nil
}

// LoadTimeOffsets loads timeSettings.json, the output of a prior
// TimeAlignment run.
func (b *L1Builder) LoadTimeOffsets(path string) error {
	tbl, err := timeoffset.Load(path)
	if err != nil {
		return err
	}
	b.offsets = tbl
	return nil
}

// SetFileList sets the input files to process.
func (b *L1Builder) SetFileList(files []string) error {
	if len(files) == 0 {
		return &errs.ValidationError{What: "file list must not be empty"}
	}
	b.files = files
	return nil
}

// SetCoincidenceWindow sets the symmetric coincidence half-width in ns.
func (b *L1Builder) SetCoincidenceWindow(windowNs float64) error {
	if windowNs <= 0 {
		return &errs.ValidationError{What: "coincidence window must be positive"}
	}
	b.coincidenceWindowNs = windowNs
	return nil
}

// SetReference sets the (module, channel) used for offset lookup,
// bounds-checked against the channel configuration.
func (b *L1Builder) SetReference(mod, ch uint8) error {
	if b.channels == nil {
		return &errs.ValidationError{What: "channel configuration must be loaded before SetReference"}
	}
	if _, ok := b.channels.Lookup(mod, ch); !ok {
		return &errs.RangeError{What: fmt.Sprintf("reference (mod=%d, ch=%d) is not in the channel configuration", mod, ch)}
	}
	b.refMod, b.refCh = mod, ch
	return nil
}

// Cancel requests early stop; workers finish their current file and exit.
func (b *L1Builder) Cancel() { b.cancelled.Store(true) }

// Build validates state and runs nWorkers workers, each pulling files from
// a shared queue and writing to its own exclusive EventWriter.
func (b *L1Builder) Build(ctx context.Context, nWorkers int, newWriter WriterFunc) error {
	if b.channels == nil {
		return &errs.ConfigMissingError{What: "channel configuration must be loaded"}
	}
	if b.offsets == nil {
		return &errs.ConfigMissingError{What: "time offsets must be loaded"}
	}
	if len(b.files) == 0 {
		return &errs.ValidationError{What: "file list must not be empty"}
	}
	if b.coincidenceWindowNs <= 0 {
		return &errs.ValidationError{What: "coincidence window must be set"}
	}
	if !b.offsets.HasReference(b.refMod, b.refCh) {
		return &errs.RangeError{What: fmt.Sprintf("reference (mod=%d, ch=%d) has no TimeAlignment offsets", b.refMod, b.refCh)}
	}
	if nWorkers < 1 || nWorkers > 128 {
		return &errs.ValidationError{What: "n_workers must be in [1, 128]"}
	}
	if nWorkers > len(b.files) {
		nWorkers = len(b.files)
	}

	b.fileQueue = append([]string(nil), b.files...)

	group, gctx := errgroup.WithContext(ctx)
	for w := 0; w < nWorkers; w++ {
		idx := w
		group.Go(func() error {
			writer, err := newWriter(idx)
			if err != nil {
				return err
			}
			defer writer.Close()
			return b.runWorker(gctx, writer)
		})
	}
	return group.Wait()
}

func (b *L1Builder) runWorker(ctx context.Context, writer event.EventWriter) error {
	for {
		if b.cancelled.Load() || ctx.Err() != nil {
			return nil
		}
		path, ok := b.popFile()
		if !ok {
			return nil
		}
		if err := b.processFile(path, writer); err != nil {
			if !skippableFileError(err) {
				return err
			}
			b.logger.Error(fmt.Sprintf("l1builder: skipping file %s: %v", path, err))
		}
	}
}

// skippableFileError reports whether err is a per-file transient failure
// (a bad open/read or a decoded record that fails an invariant) rather
// than a fatal misconfiguration. Mirrors original_source's
// L1EventBuilder.cpp DataReader loop, which continues to the next file on
// open/tree-lookup failure instead of aborting the run.
func skippableFileError(err error) bool {
	var ioErr *errs.IOError
	var corruptErr *errs.CorruptDataError
	return errors.As(err, &ioErr) || errors.As(err, &corruptErr)
}

func (b *L1Builder) popFile() (string, bool) {
	b.fileMu.Lock()
	defer b.fileMu.Unlock()
	if len(b.fileQueue) == 0 {
		return "", false
	}
	path := b.fileQueue[0]
	b.fileQueue = b.fileQueue[1:]
	return path, true
}

// processFile runs repair, threshold+offset filter, chunked overlap-aware
// read, coincidence build restricted to each chunk's interior, and write,
// for a single file.
func (b *L1Builder) processFile(path string, writer event.EventWriter) error {
	reader, err := b.Open(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	repaired, err := hitstream.NewRepairingReader(reader)
	if err != nil {
		return err
	}

	filter := func(h event.Hit) bool {
		c, ok := b.channels.Lookup(h.Module, h.Channel)
		if !ok {
			return false
		}
		if _, ok := b.offsets.Lookup(b.refMod, b.refCh, h.Module, h.Channel); !ok {
			return false
		}
		return int(h.ChargeLong) > int(c.ThresholdADC)
	}

	stream, err := hitstream.New(repaired, filter)
	if err != nil {
		return err
	}
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		b.applyOffsets(chunk.Hits)
		resort(chunk.Hits, chunk.Idx)
		if err := b.buildFromChunk(chunk, writer); err != nil {
			return err
		}
	}
	return nil
}

// applyOffsets subtracts each hit's per-channel offset. Hits missing a
// valid offset were already dropped by the chunk filter, so Lookup here
// cannot fail.
func (b *L1Builder) applyOffsets(hits []event.Hit) {
	for i := range hits {
		offset, _ := b.offsets.Lookup(b.refMod, b.refCh, hits[i].Module, hits[i].Channel)
		hits[i].TimestampNs -= offset
	}
}

// resort re-sorts a chunk after offset subtraction, since offsets can
// reorder hits that were only sorted by raw timestamp.
func resort(hits []event.Hit, idx []int64) {
	order := make([]int, len(hits))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return hits[order[a]].TimestampNs < hits[order[b]].TimestampNs })
	sortedHits := make([]event.Hit, len(hits))
	sortedIdx := make([]int64, len(idx))
	for pos, orig := range order {
		sortedHits[pos] = hits[orig]
		sortedIdx[pos] = idx[orig]
	}
	copy(hits, sortedHits)
	copy(idx, sortedIdx)
}

func (b *L1Builder) buildFromChunk(chunk hitstream.Chunk, writer event.EventWriter) error {
	hits := chunk.Hits
	for i := range hits {
		if !chunk.InInterior(i) {
			continue
		}
		c, ok := b.channels.Lookup(hits[i].Module, hits[i].Channel)
		if !ok || !c.IsEventTrigger {
			continue
		}
		if b.suppressed(hits, i, c.ID) {
			continue
		}
		ev := b.buildEvent(hits, i)
		if err := writer.Write(ev); err != nil {
			return err
		}
	}
	return nil
}

// suppressed implements the trigger-priority rule: a candidate trigger at i
// is suppressed if a trigger-capable hit with an equal or higher channel id
// falls strictly inside the coincidence window on either side.
func (b *L1Builder) suppressed(hits []event.Hit, i int, id int32) bool {
	ts := hits[i].TimestampNs
	for j := i + 1; j < len(hits); j++ {
		dt := hits[j].TimestampNs - ts
		if dt >= b.coincidenceWindowNs {
			break
		}
		if cj, ok := b.channels.Lookup(hits[j].Module, hits[j].Channel); ok && cj.IsEventTrigger && cj.ID >= id {
			return true
		}
	}
	for j := i - 1; j >= 0; j-- {
		dt := ts - hits[j].TimestampNs
		if dt >= b.coincidenceWindowNs {
			break
		}
		if cj, ok := b.channels.Lookup(hits[j].Module, hits[j].Channel); ok && cj.IsEventTrigger && cj.ID >= id {
			return true
		}
	}
	return false
}

// buildEvent collects every hit within the coincidence window of the
// trigger at i, sorts the non-trigger hits by relative time, and applies
// AC-veto annotation.
func (b *L1Builder) buildEvent(hits []event.Hit, i int) event.Event {
	triggerTS := hits[i].TimestampNs
	relHits := make([]event.RelHit, 0, 8)
	relHits = append(relHits, toRelHit(hits[i], 0))

	for j := i + 1; j < len(hits); j++ {
		dt := hits[j].TimestampNs - triggerTS
		if dt > b.coincidenceWindowNs {
			break
		}
		relHits = append(relHits, toRelHit(hits[j], dt))
	}
	for j := i - 1; j >= 0; j-- {
		dt := hits[j].TimestampNs - triggerTS
		if dt < -b.coincidenceWindowNs {
			break
		}
		relHits = append(relHits, toRelHit(hits[j], dt))
	}

	tail := relHits[1:]
	sort.Slice(tail, func(a, c int) bool { return tail[a].RelTimeNs < tail[c].RelTimeNs })

	b.annotateAC(relHits)

	return event.Event{TriggerTimeNs: triggerTS, Hits: relHits}
}

func toRelHit(h event.Hit, relTimeNs float64) event.RelHit {
	return event.RelHit{
		Module:      h.Module,
		Channel:     h.Channel,
		ChargeLong:  h.ChargeLong,
		ChargeShort: h.ChargeShort,
		RelTimeNs:   relTimeNs,
	}
}

// annotateAC marks a hit's IsWithAC flag when its configured AC partner
// channel also fired inside the coincidence window.
func (b *L1Builder) annotateAC(hits []event.RelHit) {
	for i := range hits {
		c, ok := b.channels.Lookup(hits[i].Module, hits[i].Channel)
		if !ok || !c.HasAC {
			continue
		}
		for j := range hits {
			if j == i {
				continue
			}
			if hits[j].Module == uint8(c.ACModule) && hits[j].Channel == uint8(c.ACChannel) &&
				math.Abs(hits[j].RelTimeNs) < b.coincidenceWindowNs {
				hits[i].IsWithAC = true
				break
			}
		}
	}
}
