// Package timealign implements the TimeAlignment engine: per-worker
// (Δt x channel-id) histograms, one per trigger-capable channel, filled
// from every hit within the time window of that trigger, merged
// deterministically, and reduced to a full TimeOffsetTable by
// per-detector-type rebinning and argmax. Grounded on
// original_source/src/TimeAlignment.cpp (InitHistograms, FillHistograms,
// DataProcess, MergeThreadHistograms, CalculateTimeAlignment).
package timealign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/delila-daq/eventbuilder/internal/chconfig"
	"github.com/delila-daq/eventbuilder/internal/errs"
	"github.com/delila-daq/eventbuilder/internal/event"
	"github.com/delila-daq/eventbuilder/internal/hitstream"
	"github.com/delila-daq/eventbuilder/internal/logging"
	"github.com/delila-daq/eventbuilder/internal/timeoffset"
)

// adcHistBins mirrors original_source's TH1D(..., 32000, 0, 32000) ADC
// spectrum, kept per (mod, ch) as a non-authoritative peak-finding aid.
const adcHistBins = 32000

// histogram2D is a dense (Δt bin x channel id) accumulator, one per
// trigger-capable (mod, ch).
type histogram2D struct {
	nDt      int
	dtMin    float64
	binWidth float64
	nID      int
	counts   []float64
}

// newHistogram2D allocates axes Δt ∈ [-w, +w] at one bin per nanosecond,
// channel-id ∈ [0, nID).
func newHistogram2D(windowNs float64, nID int) *histogram2D {
	nDt := int(2 * windowNs)
	if nDt < 1 {
		nDt = 1
	}
	return &histogram2D{nDt: nDt, dtMin: -windowNs, binWidth: 1.0, nID: nID, counts: make([]float64, nDt*nID)}
}

func (h *histogram2D) fill(dt float64, id int) {
	if id < 0 || id >= h.nID {
		return
	}
	b := int((dt - h.dtMin) / h.binWidth)
	if b < 0 || b >= h.nDt {
		return
	}
	h.counts[b*h.nID+id]++
}

func (h *histogram2D) add(o *histogram2D) {
	for i := range h.counts {
		h.counts[i] += o.counts[i]
	}
}

func (h *histogram2D) total() float64 {
	var sum float64
	for _, c := range h.counts {
		sum += c
	}
	return sum
}

func (h *histogram2D) projectID(id int) []float64 {
	out := make([]float64, h.nDt)
	for b := 0; b < h.nDt; b++ {
		out[b] = h.counts[b*h.nID+id]
	}
	return out
}

func (h *histogram2D) binCenter(b int) float64 {
	return h.dtMin + (float64(b)+0.5)*h.binWidth
}

// channelKey addresses a per-(mod, ch) histogram map.
type channelKey struct {
	mod, ch uint8
}

// rebinFactor picks the per-detector-type rebinning factor: HPGe x100,
// AC x10, everything else x1.
func rebinFactor(t chconfig.DetectorType) int {
	switch t {
	case chconfig.HPGe:
		return 100
	case chconfig.AC:
		return 10
	default:
		return 1
	}
}

// rebinSum collapses counts into groups of factor adjacent bins, summing
// each group.
func rebinSum(counts []float64, factor int) []float64 {
	if factor <= 1 {
		return counts
	}
	out := make([]float64, 0, len(counts)/factor+1)
	for start := 0; start < len(counts); start += factor {
		end := start + factor
		if end > len(counts) {
			end = len(counts)
		}
		out = append(out, floats.Sum(counts[start:end]))
	}
	return out
}

// argmaxOffset rebins counts by factor and returns the bin center (in ns)
// of the highest-population group, i.e. the extracted time offset. An
// empty (all-zero) projection yields 0.
func argmaxOffset(h *histogram2D, id int, factor int) float64 {
	counts := h.projectID(id)
	grouped := rebinSum(counts, factor)
	if floats.Sum(grouped) == 0 {
		return 0
	}
	bestGroup := floats.MaxIdx(grouped)
	lo := bestGroup * factor
	hi := lo + factor
	if hi > len(counts) {
		hi = len(counts)
	}
	return h.dtMin + float64(lo+hi)/2*h.binWidth
}

// OpenFunc opens a hit source file, e.g. internal/hdf5io.OpenHits.
type OpenFunc func(path string) (event.HitReader, error)

// TimeAlignment runs the two-pass, per-worker time alignment algorithm.
type TimeAlignment struct {
	logger   logging.Logger
	Open     OpenFunc
	channels *chconfig.Table
	files    []string
	windowNs float64

	fileMu    sync.Mutex
	fileQueue []string
	cancelled atomic.Bool

	adcMu   sync.Mutex
	adcHist map[channelKey][]float64
}

// New creates a TimeAlignment engine.
func New(logger logging.Logger, open OpenFunc) *TimeAlignment {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &TimeAlignment{logger: logger, Open: open}
}

// LoadChannelConfig loads channelSettings.json.
func (t *TimeAlignment) LoadChannelConfig(path string) error {
	tbl, err := chconfig.Load(path)
	if err != nil {
		return err
	}
	t.channels = tbl
	return nil
}

// SetFileList sets the input files to process.
func (t *TimeAlignment) SetFileList(files []string) error {
	if len(files) == 0 {
		return &errs.ValidationError{What: "file list must not be empty"}
	}
	t.files = files
	return nil
}

// SetTimeWindow sets the symmetric Δt histogram range, [-windowNs, windowNs].
func (t *TimeAlignment) SetTimeWindow(windowNs float64) error {
	if windowNs <= 0 {
		return &errs.ValidationError{What: "time window must be positive"}
	}
	t.windowNs = windowNs
	return nil
}

// Cancel requests early stop; workers finish their current file and exit.
func (t *TimeAlignment) Cancel() { t.cancelled.Store(true) }

// triggerChannels lists every (mod, ch) marked isEventTrigger, the
// candidate references for offset extraction.
func (t *TimeAlignment) triggerChannels() []channelKey {
	var keys []channelKey
	t.channels.Each(func(mod, ch uint8, c chconfig.Channel) {
		if c.IsEventTrigger {
			keys = append(keys, channelKey{mod, ch})
		}
	})
	return keys
}

// Run validates state, distributes files across nWorkers, fills per-worker
// histograms in parallel, merges them in deterministic worker order, and
// reduces the merged histograms to a full TimeOffsetTable.
func (t *TimeAlignment) Run(ctx context.Context, nWorkers int) (*timeoffset.Table, error) {
	if t.channels == nil {
		return nil, &errs.ConfigMissingError{What: "channel configuration must be loaded"}
	}
	if len(t.files) == 0 {
		return nil, &errs.ValidationError{What: "file list must not be empty"}
	}
	if t.windowNs <= 0 {
		return nil, &errs.ValidationError{What: "time window must be set"}
	}
	if nWorkers < 1 || nWorkers > 128 {
		return nil, &errs.ValidationError{What: "n_workers must be in [1, 128]"}
	}
	if nWorkers > len(t.files) {
		nWorkers = len(t.files)
	}

	maxID := int(t.channels.MaxID())
	if maxID <= 0 {
		return nil, &errs.ValidationError{What: "channel configuration has no channel ids"}
	}
	refs := t.triggerChannels()
	if len(refs) == 0 {
		return nil, &errs.ValidationError{What: "channel configuration marks no channel isEventTrigger"}
	}

	t.fileQueue = append([]string(nil), t.files...)
	t.adcHist = make(map[channelKey][]float64)
	t.channels.Each(func(mod, ch uint8, c chconfig.Channel) {
		t.adcHist[channelKey{mod, ch}] = make([]float64, adcHistBins)
	})

	perWorker := make([]map[channelKey]*histogram2D, nWorkers)
	errCh := make(chan error, nWorkers)
	var wg sync.WaitGroup
	for w := 0; w < nWorkers; w++ {
		wg.Add(1)
		perWorker[w] = newHistogramSet(refs, t.windowNs, maxID)
		go func(idx int) {
			defer wg.Done()
			if err := t.fillWorker(ctx, perWorker[idx]); err != nil {
				errCh <- err
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return nil, err
		}
	}

	merged := newHistogramSet(refs, t.windowNs, maxID)
	for w := 0; w < nWorkers; w++ {
		for key, h := range perWorker[w] {
			merged[key].add(h)
		}
	}

	table := timeoffset.New(t.channelsPerModule())
	for key, h := range merged {
		if h.total() == 0 {
			continue
		}
		t.channels.Each(func(mod, ch uint8, c chconfig.Channel) {
			offset := argmaxOffset(h, int(c.ID), rebinFactor(c.Type()))
			table.Set(key.mod, key.ch, mod, ch, offset)
		})
	}

	return table, nil
}

func newHistogramSet(refs []channelKey, windowNs float64, maxID int) map[channelKey]*histogram2D {
	out := make(map[channelKey]*histogram2D, len(refs))
	for _, k := range refs {
		out[k] = newHistogram2D(windowNs, maxID)
	}
	return out
}

func (t *TimeAlignment) channelsPerModule() []int {
	out := make([]int, t.channels.NumModules())
	for m := range out {
		out[m] = t.channels.NumChannels(m)
	}
	return out
}

// fillWorker pops files off the shared queue until it is empty or the
// engine is cancelled, filling hset with (Δt, channel id) samples for
// every trigger-capable channel it owns.
func (t *TimeAlignment) fillWorker(ctx context.Context, hset map[channelKey]*histogram2D) error {
	for {
		if t.cancelled.Load() || ctx.Err() != nil {
			return nil
		}
		path, ok := t.popFile()
		if !ok {
			return nil
		}
		if err := t.fillFromFile(path, hset); err != nil {
			if !skippableFileError(err) {
				return err
			}
			t.logger.Error(fmt.Sprintf("timealign: skipping file %s: %v", path, err))
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

func (t *TimeAlignment) popFile() (string, bool) {
	t.fileMu.Lock()
	defer t.fileMu.Unlock()
	if len(t.fileQueue) == 0 {
		return "", false
	}
	path := t.fileQueue[0]
	t.fileQueue = t.fileQueue[1:]
	return path, true
}

// fillFromFile streams path through the chunked hit reader with NO
// wraparound repair: TimeAlignment reads pre-aligned raw files and applies
// no offsets itself.
func (t *TimeAlignment) fillFromFile(path string, hset map[channelKey]*histogram2D) error {
	reader, err := t.Open(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	stream, err := hitstream.New(reader, nil)
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
		t.fillChunk(chunk.Hits, hset)
	}
	return nil
}

// fillChunk fills the per-trigger-hit Δt histograms plus the per-(mod,ch)
// ADC spectrum.
func (t *TimeAlignment) fillChunk(hits []event.Hit, hset map[channelKey]*histogram2D) {
	for i, hit := range hits {
		c, ok := t.channels.Lookup(hit.Module, hit.Channel)
		if ok {
			t.fillADC(hit.Module, hit.Channel, hit.ChargeLong)
		}
		if !ok || !c.IsEventTrigger {
			continue
		}
		h := hset[channelKey{hit.Module, hit.Channel}]
		if h == nil {
			continue
		}
		ts := hit.TimestampNs
		for j := i + 1; j < len(hits); j++ {
			dt := hits[j].TimestampNs - ts
			if dt > t.windowNs {
				break
			}
			t.fillPair(hits[j], dt, h)
		}
		for j := i - 1; j >= 0; j-- {
			dt := ts - hits[j].TimestampNs
			if dt > t.windowNs {
				break
			}
			t.fillPair(hits[j], -dt, h)
		}
	}
}

func (t *TimeAlignment) fillPair(hit event.Hit, dt float64, h *histogram2D) {
	c, ok := t.channels.Lookup(hit.Module, hit.Channel)
	if !ok {
		return
	}
	h.fill(dt, int(c.ID))
}

func (t *TimeAlignment) fillADC(mod, ch uint8, chargeLong uint16) {
	if int(chargeLong) >= adcHistBins {
		return
	}
	t.adcMu.Lock()
	defer t.adcMu.Unlock()
	hist := t.adcHist[channelKey{mod, ch}]
	if hist == nil {
		return
	}
	hist[chargeLong]++
}

// ADCHistogram returns a copy of the accumulated diagnostic ADC spectrum
// for one channel, for peak-finding tools such as gonum/stat to consume.
// It is advisory only and never feeds back into offset extraction.
func (t *TimeAlignment) ADCHistogram(mod, ch uint8) []float64 {
	t.adcMu.Lock()
	defer t.adcMu.Unlock()
	hist := t.adcHist[channelKey{mod, ch}]
	if hist == nil {
		return nil
	}
	out := make([]float64, len(hist))
	copy(out, hist)
	return out
}

// EstimateADCPeak reports the mean and (population) standard deviation of
// one channel's ADC spectrum, weighting each bin's centroid by its count, as a
// Gaussian-peak sanity check. It is diagnostic only: a wide or bimodal
// spectrum does not block offset extraction, it just suggests the
// operator re-check the run's threshold settings. ok is false when the
// channel has no accumulated ADC samples, distinguishing that case from a
// genuine zero-centroid peak.
func (t *TimeAlignment) EstimateADCPeak(mod, ch uint8) (mean, sigma float64, ok bool) {
	hist := t.ADCHistogram(mod, ch)
	if hist == nil || floats.Sum(hist) == 0 {
		return 0, 0, false
	}
	bins := make([]float64, len(hist))
	for i := range bins {
		bins[i] = float64(i)
	}
	mean, sigma = stat.PopMeanStdDev(bins, hist)
	return mean, sigma, true
}
