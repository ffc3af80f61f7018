// Package memtable implements the rotating in-memory sorted table that
// sits in front of SSTables: a mutable skip-list-backed store that rotates
// to an immutable, queued table once it crosses a size threshold, drained
// by a background flush worker.
package memtable

import (
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/Rishabh-malhotraa/segmentdb/internal/sstable"
)

// DefaultRotationThreshold is the byte-size at which the mutable table
// rotates to immutable.
const DefaultRotationThreshold = 4 * 1024 * 1024

// DefaultFlushQueueCapacity bounds how many immutable tables may be queued
// for flushing before Put blocks on a full queue.
const DefaultFlushQueueCapacity = 8

// DefaultRetryBackoff is the initial delay before retrying a failed flush
// attempt for the same task; the worker must not hot-spin on a failing
// collaborator.
const DefaultRetryBackoff = 25 * time.Millisecond

// ErrClosed is returned by Put and Delete operations issued after Close.
// Get has no error result and keeps answering lookups after Close.
var ErrClosed = errors.New("memtable: closed")

// ErrKeyTooLarge is returned when a key exceeds the 65535-byte limit.
var ErrKeyTooLarge = errors.New("memtable: key exceeds 65535 bytes")

// ErrEmptyKey is returned for a zero-length key.
var ErrEmptyKey = errors.New("memtable: key must be non-empty")

const maxKeyLen = 65535

// Entry is the in-memory representation of a write: a sequence number and
// an optional value. A nil Value denotes a tombstone.
type Entry struct {
	SeqNo uint64
	Value []byte
}

// IsTombstone reports whether this entry represents a deletion.
func (e Entry) IsTombstone() bool { return e.Value == nil }

// sizeBytes is the entry's contribution to a table's accounted size:
// seq_no (8 bytes) + value length (0 for a tombstone).
func (e Entry) sizeBytes() int64 {
	return 8 + int64(len(e.Value))
}

// Config tunes a Memtable's rotation threshold and flush worker.
type Config struct {
	// RotationThreshold is the accounted-size threshold that triggers
	// rotation.
	RotationThreshold int64
	// FlushQueueCapacity bounds the number of immutable tables awaiting
	// flush before Put blocks.
	FlushQueueCapacity int
	// RetryBackoff is the initial delay before retrying a failed flush
	// attempt for the head-of-queue task; it doubles on each consecutive
	// failure, capped at 30x the initial value.
	RetryBackoff time.Duration
	// Logger receives flush-worker diagnostics. Defaults to log.Default().
	Logger *log.Logger
}

// DefaultConfig returns the package defaults.
func DefaultConfig() Config {
	return Config{
		RotationThreshold:  DefaultRotationThreshold,
		FlushQueueCapacity: DefaultFlushQueueCapacity,
		RetryBackoff:       DefaultRetryBackoff,
		Logger:             log.Default(),
	}
}

// mutableTable is the live, writable skip list plus its accounted size.
type mutableTable struct {
	list    *skipList
	size    int64
	maxSeq  uint64
}

func newMutableTable(seed int64) *mutableTable {
	return &mutableTable{list: newSkipList(rand.New(rand.NewSource(seed)))}
}

func (t *mutableTable) put(key []byte, entry Entry) {
	old := t.list.insert(key, entry)
	t.size += int64(len(key)) + entry.sizeBytes()
	if oldEntry, ok := old.(Entry); ok {
		t.size -= int64(len(key)) + oldEntry.sizeBytes()
	}
	if entry.SeqNo > t.maxSeq {
		t.maxSeq = entry.SeqNo
	}
}

func (t *mutableTable) get(key []byte) (Entry, bool) {
	v, ok := t.list.search(key)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// frozenTableIterator adapts the skip list's iterator to EntryIterator.
type frozenTableIterator struct{ it *skipListIterator }

func (i *frozenTableIterator) Next() bool { return i.it.Next() }
func (i *frozenTableIterator) Entry() sstable.Entry {
	e := i.it.Value().(Entry)
	return sstable.Entry{Key: i.it.Key(), SeqNo: e.SeqNo, Value: e.Value}
}

// frozenTable is a rotated, read-only mutableTable held jointly by the
// Memtable's immutable queue and the flush worker's in-flight task: a
// shared pointer to one frozen value. No manual refcount is needed because
// the runtime keeps the table alive exactly as long as either side still
// holds it.
type frozenTable struct {
	table           *mutableTable
	checkpointSeqNo uint64
}

func (f *frozenTable) iterator() sstable.EntryIterator {
	return &frozenTableIterator{it: f.table.list.iterator()}
}

// Memtable is the mutable sorted view of recently written keys, plus the
// immutable queue awaiting flush and the worker draining it.
type Memtable struct {
	cfg Config

	mu        sync.Mutex
	mutable   *mutableTable
	immutable []*frozenTable
	closed    bool
	seedGen   int64

	worker *flushWorker
}

// New creates a Memtable backed by builder (the SSTable-writing
// collaborator) and checkpointer (the WAL-truncation collaborator).
func New(cfg Config, builder TableBuilder, checkpointer Checkpointer) *Memtable {
	if cfg.RotationThreshold <= 0 {
		cfg.RotationThreshold = DefaultRotationThreshold
	}
	if cfg.FlushQueueCapacity <= 0 {
		cfg.FlushQueueCapacity = DefaultFlushQueueCapacity
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	mt := &Memtable{
		cfg:     cfg,
		mutable: newMutableTable(1),
		seedGen: 1,
	}
	mt.worker = newFlushWorker(cfg, builder, checkpointer, mt.completeFlush)
	return mt
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > maxKeyLen {
		return ErrKeyTooLarge
	}
	return nil
}

// Put inserts or replaces key's value. If the post-insert size crosses the
// rotation threshold, the mutable table is rotated to immutable and
// enqueued for flushing before Put returns: rotation is eager, not lazy,
// so the caller always observes whether a given write triggered it.
func (mt *Memtable) Put(key []byte, entry Entry) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return mt.set(key, entry)
}

// Delete records a tombstone for key at seqNo.
func (mt *Memtable) Delete(key []byte, seqNo uint64) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return mt.set(key, Entry{SeqNo: seqNo, Value: nil})
}

func (mt *Memtable) set(key []byte, entry Entry) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.closed {
		return ErrClosed
	}

	mt.mutable.put(key, entry)

	if mt.mutable.size >= mt.cfg.RotationThreshold {
		frozen := &frozenTable{table: mt.mutable, checkpointSeqNo: mt.mutable.maxSeq}
		mt.seedGen++
		mt.mutable = newMutableTable(mt.seedGen)
		mt.immutable = append(mt.immutable, frozen)
		mt.worker.enqueue(frozen)
	}

	return nil
}

// Get returns the most recent entry for key, checking the mutable table
// first and then the immutable queue newest-to-oldest. A returned
// tombstone is a hit the caller must interpret: Get does not hide
// deletions.
func (mt *Memtable) Get(key []byte) (Entry, bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if entry, ok := mt.mutable.get(key); ok {
		return entry, true
	}
	for i := len(mt.immutable) - 1; i >= 0; i-- {
		if entry, ok := mt.immutable[i].table.get(key); ok {
			return entry, true
		}
	}
	return Entry{}, false
}

// Size returns the mutable table's accounted size in bytes. The immutable
// queue is not counted.
func (mt *Memtable) Size() int64 {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.mutable.size
}

// ImmutableCount reports how many tables are queued for flushing.
func (mt *Memtable) ImmutableCount() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.immutable)
}

// completeFlush removes a successfully flushed table from the immutable
// queue. Called by the flush worker outside the Memtable's own lock
// discipline only via this method, which takes the lock itself.
func (mt *Memtable) completeFlush(f *frozenTable) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for i, cand := range mt.immutable {
		if cand == f {
			mt.immutable = append(mt.immutable[:i], mt.immutable[i+1:]...)
			break
		}
	}
}

// Close rotates any remaining data in the mutable table, enqueues a
// shutdown sentinel behind it, and blocks until the flush worker has
// drained every queued table and exited.
func (mt *Memtable) Close() error {
	mt.mu.Lock()
	if mt.closed {
		mt.mu.Unlock()
		return nil
	}
	mt.closed = true

	if mt.mutable.size > 0 || mt.mutable.list.Len() > 0 {
		frozen := &frozenTable{table: mt.mutable, checkpointSeqNo: mt.mutable.maxSeq}
		mt.immutable = append(mt.immutable, frozen)
		mt.worker.enqueue(frozen)
	}
	mt.mu.Unlock()

	mt.worker.shutdown()
	return nil
}
