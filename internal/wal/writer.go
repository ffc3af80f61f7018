package wal

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"
)

// DefaultBatchSize bounds how many records a single write+fsync round
// covers: up to this many records per batch, or however many have
// accumulated by the time the queue drains.
const DefaultBatchSize = 256

// WriterConfig tunes a Writer's batching behaviour.
type WriterConfig struct {
	BatchSize int
}

// DefaultWriterConfig returns the default batch size.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{BatchSize: DefaultBatchSize}
}

// queueItem is either a record to append, a Flush barrier, or a Close
// sentinel. barrier is non-nil for the latter two; shutdown marks the
// sentinel.
type queueItem struct {
	record   Record
	isRecord bool
	barrier  chan error
	shutdown bool
}

// Writer appends records to a WAL file asynchronously: Append hands a
// record to a background goroutine and returns immediately, trading
// per-call durability for throughput. Flush and Close are barriers that
// block until every record enqueued before them has been written and
// fsynced.
type Writer struct {
	file *os.File
	cfg  WriterConfig

	mu      sync.Mutex
	lastErr error

	queue chan *queueItem
	wg    sync.WaitGroup
}

// NewWriter opens (creating if necessary) the WAL file at path. A brand new
// file gets a fresh 32-byte header; an existing one has its header
// validated.
func NewWriter(path string, cfg WriterConfig) (*Writer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat: %w", err)
	}

	if info.Size() == 0 {
		hdr := encodeHeader(header{version: formatVersion, timestamp: uint64(time.Now().Unix())})
		if _, err := f.Write(hdr); err != nil {
			f.Close()
			return nil, fmt.Errorf("wal: write header: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("wal: fsync header: %w", err)
		}
	} else {
		hdrBuf := make([]byte, headerSize)
		if _, err := f.ReadAt(hdrBuf, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("wal: read header: %w", err)
		}
		if _, err := decodeHeader(hdrBuf); err != nil {
			f.Close()
			return nil, err
		}
	}

	w := &Writer{
		file:  f,
		cfg:   cfg,
		queue: make(chan *queueItem, cfg.BatchSize*2),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Append enqueues a record for the background writer. It returns promptly
// (not durable yet); call Flush to wait for durability, or check a prior
// batch's error on the next Append/Flush/Close call.
func (w *Writer) Append(r Record) error {
	w.mu.Lock()
	err := w.lastErr
	w.mu.Unlock()
	if err != nil {
		return err
	}
	w.queue <- &queueItem{record: r, isRecord: true}
	return nil
}

// Flush blocks until every record enqueued before this call has been
// written and fsynced, returning the first error encountered, if any.
func (w *Writer) Flush() error {
	done := make(chan error, 1)
	w.queue <- &queueItem{barrier: done}
	return <-done
}

// Close flushes any remaining records, stops the background worker, and
// closes the file.
func (w *Writer) Close() error {
	done := make(chan error, 1)
	w.queue <- &queueItem{barrier: done, shutdown: true}
	flushErr := <-done
	w.wg.Wait()

	closeErr := w.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (w *Writer) run() {
	defer w.wg.Done()

	var batch []*queueItem
	for {
		item, ok := <-w.queue
		if !ok {
			w.flushBatch(batch)
			return
		}
		batch = append(batch, item)
		stop := item.shutdown

	drain:
		for !stop && len(batch) < w.cfg.BatchSize {
			select {
			case next, ok := <-w.queue:
				if !ok {
					stop = true
					break drain
				}
				batch = append(batch, next)
				if next.shutdown {
					stop = true
					break drain
				}
			default:
				break drain
			}
		}

		w.flushBatch(batch)
		batch = nil
		if stop {
			return
		}
	}
}

// flushBatch writes every record item in batch, fsyncs once, and then
// notifies any Flush/Close barriers in the batch of the outcome.
func (w *Writer) flushBatch(batch []*queueItem) {
	if len(batch) == 0 {
		return
	}

	var buf bytes.Buffer
	for _, item := range batch {
		if item.isRecord {
			buf.Write(encodeRecord(item.record))
		}
	}

	var writeErr error
	if buf.Len() > 0 {
		if _, err := w.file.Write(buf.Bytes()); err != nil {
			writeErr = fmt.Errorf("wal: write batch: %w", err)
		} else if err := w.file.Sync(); err != nil {
			writeErr = fmt.Errorf("wal: fsync batch: %w", err)
		}
	}

	// The first failure is kept, so every later Append, Flush, and Close
	// reports it.
	w.mu.Lock()
	if writeErr != nil && w.lastErr == nil {
		w.lastErr = writeErr
	}
	reportErr := w.lastErr
	w.mu.Unlock()

	for _, item := range batch {
		if item.barrier != nil {
			item.barrier <- reportErr
		}
	}
}
