// Package hitstream implements ChunkedHitStream: bounded-memory, overlapped
// chunked reading of a hit source, plus single-file timestamp wraparound
// repair. Grounded on original_source/src/L1EventBuilder.cpp's DataReader
// chunk loop (readStart/readEnd with OVERLAP_SIZE, per-chunk sort by
// fineTS) and original_source/src/TimeAlignment.cpp's DataProcess chunk
// loop.
package hitstream

import (
	"errors"
	"io"
	"sort"

	"github.com/delila-daq/eventbuilder/internal/event"
)

// ChunkSize and Overlap bound how much of a hit source is held in memory
// at once. The upstream system's acquisition rate makes an overlap of
// 10,000 hits safely cover the maximum coincidence window; overlapping by
// time instead of hit count was considered and rejected as an unnecessary
// complication given how tightly acquisition rate bounds inter-hit gaps.
const (
	ChunkSize = 10_000_000
	Overlap   = 10_000
)

// WraparoundPeriodPs is the 47-bit hardware counter's period in
// picoseconds: T = 2^47 - 1.
const WraparoundPeriodPs = (int64(1) << 47) - 1

// WraparoundPeriodNs is the same period converted to the canonical internal
// unit (ns).
const WraparoundPeriodNs = float64(WraparoundPeriodPs) / 1000.0

// wraparoundK returns the per-module roll-over multiplier: modules 0 and 1
// wrap 4 periods, all others wrap 2. These constants encode hardware-
// specific behavior observed in the source data and must be preserved
// exactly.
func wraparoundK(mod uint8) float64 {
	if mod == 0 || mod == 1 {
		return 4
	}
	return 2
}

// RepairWraparound applies the single-file wraparound repair in place,
// operating on hits in their original acquisition order (NOT time-sorted).
// It is a no-op when the file did not wrap.
func RepairWraparound(hits []event.Hit) {
	n := len(hits)
	if n < 2 {
		return
	}
	firstTS := hits[0].TimestampNs
	lastTS := hits[n-1].TimestampNs
	if lastTS-firstTS <= WraparoundPeriodNs {
		return
	}
	for i := 0; i < n-1; i++ {
		if hits[i+1].TimestampNs-hits[i].TimestampNs <= WraparoundPeriodNs {
			break
		}
		hits[i].TimestampNs += wraparoundK(hits[i].Module) * WraparoundPeriodNs
	}
}

// RepairingReader wraps a HitReader and applies the wraparound repair
// lazily. It scans forward once, at construction, from index 0 to find the
// breakpoint where consecutive (unadjusted) timestamps stop growing
// anomalously, then adds the per-module correction to every hit before
// that breakpoint on every subsequent At. This keeps the repair within the
// bounded-memory streaming model: preparation costs O(breakpoint) reads,
// not O(file).
type RepairingReader struct {
	inner      event.HitReader
	breakpoint int64
}

// NewRepairingReader constructs a RepairingReader over inner, running the
// forward scan immediately.
func NewRepairingReader(inner event.HitReader) (*RepairingReader, error) {
	r := &RepairingReader{inner: inner}
	if err := r.prepare(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RepairingReader) prepare() error {
	n, err := r.inner.Len()
	if err != nil {
		return err
	}
	if n < 2 {
		return nil
	}
	first, err := r.inner.At(0)
	if err != nil {
		return err
	}
	last, err := r.inner.At(n - 1)
	if err != nil {
		return err
	}
	if last.TimestampNs-first.TimestampNs <= WraparoundPeriodNs {
		return nil
	}
	// Mirrors RepairWraparound's loop exactly: the left index of the first
	// small-gap pair is never corrected, and if every gap is big the last
	// hit (never a left index) is never corrected either.
	prev := first
	r.breakpoint = n - 1
	for i := int64(1); i < n; i++ {
		cur, err := r.inner.At(i)
		if err != nil {
			return err
		}
		if cur.TimestampNs-prev.TimestampNs <= WraparoundPeriodNs {
			r.breakpoint = i - 1
			break
		}
		prev = cur
	}
	return nil
}

// Len delegates to the wrapped reader.
func (r *RepairingReader) Len() (int64, error) { return r.inner.Len() }

// At returns the record at i with the wraparound correction applied when
// i falls before the breakpoint found during preparation.
func (r *RepairingReader) At(i int64) (event.Hit, error) {
	h, err := r.inner.At(i)
	if err != nil {
		return h, err
	}
	if i < r.breakpoint {
		h.TimestampNs += wraparoundK(h.Module) * WraparoundPeriodNs
	}
	return h, nil
}

// Close delegates to the wrapped reader.
func (r *RepairingReader) Close() error { return r.inner.Close() }

// FilterFunc decides whether a hit survives into a chunk (e.g. a threshold
// cut). A nil FilterFunc keeps every hit.
type FilterFunc func(h event.Hit) bool

// Chunk is one bounded-memory slice yielded by ChunkedHitStream.Next. Hits
// is sorted ascending by TimestampNs; Idx holds each surviving hit's
// original absolute index in the source, in the same order as Hits, so
// callers can restrict emission to a chunk's non-overlap interior and
// avoid double-counting coincidences at chunk boundaries.
type Chunk struct {
	Hits          []event.Hit
	Idx           []int64
	InteriorStart int64
	InteriorEnd   int64
}

// InInterior reports whether the hit at position i in Hits/Idx falls
// inside this chunk's non-overlap interior region.
func (c Chunk) InInterior(i int) bool {
	idx := c.Idx[i]
	return idx >= c.InteriorStart && idx < c.InteriorEnd
}

// ChunkedHitStream streams a HitReader in bounded-memory, overlapped
// chunks.
type ChunkedHitStream struct {
	reader event.HitReader
	filter FilterFunc
	n      int64
	k      int64
}

// New creates a stream over reader, applying filter to every hit before it
// is placed into a chunk.
func New(reader event.HitReader, filter FilterFunc) (*ChunkedHitStream, error) {
	n, err := reader.Len()
	if err != nil {
		return nil, err
	}
	return &ChunkedHitStream{reader: reader, filter: filter, n: n}, nil
}

// Next yields the next chunk, or io.EOF once every chunk has been produced.
func (s *ChunkedHitStream) Next() (Chunk, error) {
	if s.k*ChunkSize >= s.n {
		return Chunk{}, io.EOF
	}
	interiorStart := s.k * ChunkSize
	interiorEnd := interiorStart + ChunkSize
	if interiorEnd > s.n {
		interiorEnd = s.n
	}
	readStart := interiorStart - Overlap
	if readStart < 0 {
		readStart = 0
	}
	readEnd := interiorEnd + Overlap
	if readEnd > s.n {
		readEnd = s.n
	}

	hits := make([]event.Hit, 0, readEnd-readStart)
	idx := make([]int64, 0, readEnd-readStart)
	for i := readStart; i < readEnd; i++ {
		h, err := s.reader.At(i)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Chunk{}, err
		}
		if s.filter == nil || s.filter(h) {
			hits = append(hits, h)
			idx = append(idx, i)
		}
	}

	order := make([]int, len(hits))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return hits[order[a]].TimestampNs < hits[order[b]].TimestampNs
	})
	sortedHits := make([]event.Hit, len(hits))
	sortedIdx := make([]int64, len(idx))
	for pos, orig := range order {
		sortedHits[pos] = hits[orig]
		sortedIdx[pos] = idx[orig]
	}

	s.k++
	return Chunk{
		Hits:          sortedHits,
		Idx:           sortedIdx,
		InteriorStart: interiorStart,
		InteriorEnd:   interiorEnd,
	}, nil
}
