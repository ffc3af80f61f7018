package memtable

import (
	"sync"
	"time"

	"github.com/Rishabh-malhotraa/segmentdb/internal/sstable"
)

// TableBuilder is the SSTable-writing collaborator the flush worker
// invokes for each rotated table. Implementations own the target directory
// and filename policy; the core only needs a sorted entry sequence in and a
// published file (or error) out.
type TableBuilder interface {
	Build(entries sstable.EntryIterator) error
}

// Checkpointer is the WAL-truncation collaborator notified after a table
// is durably on disk.
type Checkpointer interface {
	Checkpoint(seqNo uint64) error
}

// flushWorker drains a bounded FIFO queue of rotated tables, invoking the
// TableBuilder and then the Checkpointer for each, strictly in enqueue
// order. It never holds the Memtable's lock while doing I/O; onComplete is
// the only callback that touches Memtable state, and it takes the lock
// itself.
type flushWorker struct {
	cfg          Config
	builder      TableBuilder
	checkpointer Checkpointer
	onComplete   func(*frozenTable)

	queue chan *frozenTable
	wg    sync.WaitGroup
}

func newFlushWorker(cfg Config, builder TableBuilder, checkpointer Checkpointer, onComplete func(*frozenTable)) *flushWorker {
	w := &flushWorker{
		cfg:          cfg,
		builder:      builder,
		checkpointer: checkpointer,
		onComplete:   onComplete,
		queue:        make(chan *frozenTable, cfg.FlushQueueCapacity),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// enqueue appends a rotated table to the flush queue, blocking if the
// bounded queue is full.
func (w *flushWorker) enqueue(f *frozenTable) {
	w.queue <- f
}

// shutdown enqueues a nil sentinel behind any already-queued tasks and
// blocks until the worker has drained them all and exited: the current task
// and every earlier one complete before the sentinel is honored.
func (w *flushWorker) shutdown() {
	w.queue <- nil
	w.wg.Wait()
}

func (w *flushWorker) run() {
	defer w.wg.Done()
	for task := range w.queue {
		if task == nil {
			return
		}
		w.flushOne(task)
	}
}

// flushOne builds the SSTable and checkpoints the WAL for a single task,
// retrying each step with capped exponential backoff on failure. Errors are
// reported through cfg.Logger rather than dropped; the task is never
// abandoned, so the immutable table it flushes stays visible to readers
// until it actually succeeds.
func (w *flushWorker) flushOne(task *frozenTable) {
	maxBackoff := w.cfg.RetryBackoff * 30

	retry := func(step string, attempt func() error) {
		backoff := w.cfg.RetryBackoff
		for {
			if err := attempt(); err != nil {
				w.cfg.Logger.Printf("memtable: flush %s failed (checkpoint_seq=%d): %v", step, task.checkpointSeqNo, err)
				time.Sleep(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			return
		}
	}

	retry("build", func() error { return w.builder.Build(task.iterator()) })
	retry("checkpoint", func() error { return w.checkpointer.Checkpoint(task.checkpointSeqNo) })

	w.onComplete(task)
}
