// Package pipeline provides the cross-stage worker orchestration: worker-
// count clamping, a shared file queue, join with first-error propagation,
// and SIGINT-driven graceful cancellation. It also hosts the L2 stage
// driver, since l2engine itself is a pure per-event interpreter with no
// file-level orchestration of its own.
//
// Grounded on the teacher's worker-pool pattern (workers.go) restructured
// around golang.org/x/sync/errgroup for join/first-error semantics,
// preferring errgroup and os/signal.NotifyContext over original_source's
// global signal-handler pointer.
package pipeline

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/delila-daq/eventbuilder/internal/errs"
	"github.com/delila-daq/eventbuilder/internal/event"
	"github.com/delila-daq/eventbuilder/internal/l2engine"
	"github.com/delila-daq/eventbuilder/internal/logging"
)

// WithSignalCancel returns a context that is cancelled on SIGINT,
// replacing original_source's global g_*Builder pointer plus a bare C
// signal handler.
func WithSignalCancel(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}

// ClampWorkers enforces the worker-count rule: never spawn more workers
// than there are files, and never fewer than one.
func ClampWorkers(requested, nFiles int) int {
	if requested < 1 {
		requested = 1
	}
	if nFiles > 0 && requested > nFiles {
		requested = nFiles
	}
	return requested
}

// FileQueue is a mutex-guarded, pop-only work queue shared by a worker
// pool. It is the same shape as internal/timealign and internal/l1builder
// each keep privately; exposed here so the L2 stage driver and any future
// stage can reuse it without duplicating the locking.
type FileQueue struct {
	mu    sync.Mutex
	files []string
}

// NewFileQueue seeds a queue with files.
func NewFileQueue(files []string) *FileQueue {
	q := &FileQueue{files: append([]string(nil), files...)}
	return q
}

// Pop removes and returns the next file, or ok=false when empty.
func (q *FileQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.files) == 0 {
		return "", false
	}
	f := q.files[0]
	q.files = q.files[1:]
	return f, true
}

// L2OpenFunc opens a built-event source file, e.g. internal/hdf5io.OpenEvents.
type L2OpenFunc func(path string) (event.EventReader, error)

// L2WriterFunc opens an exclusive per-worker accepted-event sink.
type L2WriterFunc func(workerIdx int) (event.EventWriter, error)

// RunL2 distributes files across nWorkers, each worker running its own
// l2engine.Evaluator (per-worker isolated state) over every event in its
// files and writing only the accepted ones.
func RunL2(ctx context.Context, logger logging.Logger, engine *l2engine.Engine, files []string, nWorkers int, open L2OpenFunc, newWriter L2WriterFunc) error {
	if logger == nil {
		logger = logging.Nop{}
	}
	if len(files) == 0 {
		return &errs.ValidationError{What: "file list must not be empty"}
	}
	nWorkers = ClampWorkers(nWorkers, len(files))
	queue := NewFileQueue(files)
	var cancelled atomic.Bool

	group, gctx := errgroup.WithContext(ctx)
	for w := 0; w < nWorkers; w++ {
		workerIdx := w
		group.Go(func() error {
			writer, err := newWriter(workerIdx)
			if err != nil {
				return err
			}
			defer writer.Close()

			evaluator := engine.NewEvaluator()
			for {
				if cancelled.Load() || gctx.Err() != nil {
					return nil
				}
				path, ok := queue.Pop()
				if !ok {
					return nil
				}
				if err := runL2File(evaluator, path, open, writer, logger); err != nil {
					cancelled.Store(true)
					return err
				}
			}
		})
	}
	return group.Wait()
}

func runL2File(evaluator *l2engine.Evaluator, path string, open L2OpenFunc, writer event.EventWriter, logger logging.Logger) error {
	reader, err := open(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	n, err := reader.Len()
	if err != nil {
		return err
	}
	for i := int64(0); i < n; i++ {
		ev, err := reader.At(i)
		if err != nil {
			logger.Error("pipeline: skipping corrupt event record in " + path)
			continue
		}
		if evaluator.Evaluate(&ev) {
			if err := writer.Write(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
