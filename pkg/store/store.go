// Package store is the facade that wires the WAL, Memtable, and SSTable
// components into a single embeddable key-value store:
// Open/Put/Get/Delete/Close over a data directory. It is deliberately thin,
// composing the core components through their collaborator interfaces
// rather than implementing any format or invariant itself: its own job is
// directory layout, SSTable reload on reopen (newest first), and wiring
// memtable rotation to WAL checkpointing.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Rishabh-malhotraa/segmentdb/internal/compressor"
	"github.com/Rishabh-malhotraa/segmentdb/internal/memtable"
	"github.com/Rishabh-malhotraa/segmentdb/internal/sstable"
	"github.com/Rishabh-malhotraa/segmentdb/internal/wal"
)

// ErrClosed is returned by any operation issued after Close.
var ErrClosed = errors.New("store: closed")

const walFileName = "segmentdb.wal"

// Config configures a Store's data directory and the components it wires
// together.
type Config struct {
	Dir                string
	RotationThreshold  int64
	CompressorConfig   compressor.Config
	WriterConfig       wal.WriterConfig
	BloomFPR           float64
	SyncSSTableDirFsync bool
}

// DefaultConfig returns the default configuration for every wired component.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                 dir,
		RotationThreshold:   memtable.DefaultRotationThreshold,
		CompressorConfig:    compressor.DefaultConfig(),
		WriterConfig:        wal.DefaultWriterConfig(),
		SyncSSTableDirFsync: true,
	}
}

// Store is an embeddable LSM key-value store over a single data directory.
type Store struct {
	dir        string
	compressor compressor.Codec
	cfg        Config

	mu          sync.RWMutex
	mt          *memtable.Memtable
	tables      []*sstable.Reader // newest to oldest
	walWriter   *wal.Writer
	walPath     string
	nextTableID int
	nextSeqNo   uint64
	closed      bool
}

// Open opens (creating if necessary) a store rooted at cfg.Dir, replaying
// any existing WAL and loading any existing SSTables before accepting new
// operations.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("store: Dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	codec, err := compressor.New(cfg.CompressorConfig)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:        cfg.Dir,
		compressor: codec,
		cfg:        cfg,
		walPath:    filepath.Join(cfg.Dir, walFileName),
	}

	if err := s.loadSSTables(); err != nil {
		return nil, err
	}

	mtCfg := memtable.DefaultConfig()
	if cfg.RotationThreshold > 0 {
		mtCfg.RotationThreshold = cfg.RotationThreshold
	}
	s.mt = memtable.New(mtCfg, s, s)

	if err := s.replayWAL(); err != nil {
		return nil, err
	}

	ww, err := wal.NewWriter(s.walPath, cfg.WriterConfig)
	if err != nil {
		return nil, err
	}
	s.walWriter = ww

	return s, nil
}

// loadSSTables globs the data directory for published tables, newest first
// by filename (IDs are assigned monotonically and zero-padded), and records
// the next table ID to assign.
func (s *Store) loadSSTables() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.sst"))
	if err != nil {
		return fmt.Errorf("store: glob sstables: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))

	for _, path := range matches {
		r, err := sstable.OpenReader(path, s.compressor)
		if err != nil {
			return fmt.Errorf("store: open sstable %s: %w", path, err)
		}
		s.tables = append(s.tables, r)

		var id int
		if _, err := fmt.Sscanf(filepath.Base(path), "%06d.sst", &id); err == nil && id >= s.nextTableID {
			s.nextTableID = id + 1
		}
	}
	return nil
}

// replayWAL recovers any records from a prior run's WAL into the (still
// WAL-less) memtable, then truncates away a torn tail left by a crash
// mid-append so the file is clean for the new Writer that follows.
func (s *Store) replayWAL() error {
	if _, err := os.Stat(s.walPath); os.IsNotExist(err) {
		return nil
	}

	r, err := wal.OpenReader(s.walPath)
	if err != nil {
		return fmt.Errorf("store: open wal for replay: %w", err)
	}
	defer r.Close()

	var maxSeq uint64
	for r.Next() {
		rec := r.Record()
		if rec.SeqNo > maxSeq {
			maxSeq = rec.SeqNo
		}
		var err error
		switch rec.Op {
		case wal.OpPut:
			err = s.mt.Put(rec.Key, memtable.Entry{SeqNo: rec.SeqNo, Value: rec.Value})
		case wal.OpDelete:
			err = s.mt.Delete(rec.Key, rec.SeqNo)
		default:
			err = fmt.Errorf("store: unknown wal op %d", rec.Op)
		}
		if err != nil {
			return fmt.Errorf("store: replay wal record seq_no=%d: %w", rec.SeqNo, err)
		}
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("store: replay wal: %w", err)
	}

	s.nextSeqNo = maxSeq

	if r.Truncated() {
		if err := os.Truncate(s.walPath, r.Offset()); err != nil {
			return fmt.Errorf("store: truncate torn wal tail: %w", err)
		}
	}
	return nil
}

func (s *Store) allocSeqNo() uint64 {
	s.nextSeqNo++
	return s.nextSeqNo
}

// Put durably records key=value: the write lands in the WAL before Put
// returns, then in the memtable.
func (s *Store) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	seqNo := s.allocSeqNo()
	if err := s.walWriter.Append(wal.Record{SeqNo: seqNo, Op: wal.OpPut, Key: key, Value: value}); err != nil {
		return err
	}
	if err := s.walWriter.Flush(); err != nil {
		return err
	}
	return s.mt.Put(key, memtable.Entry{SeqNo: seqNo, Value: value})
}

// Delete durably records a tombstone for key.
func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	seqNo := s.allocSeqNo()
	if err := s.walWriter.Append(wal.Record{SeqNo: seqNo, Op: wal.OpDelete, Key: key}); err != nil {
		return err
	}
	if err := s.walWriter.Flush(); err != nil {
		return err
	}
	return s.mt.Delete(key, seqNo)
}

// Get returns key's value, checking the memtable and then SSTables newest
// to oldest. A tombstone (a Delete not yet compacted away) is reported as
// not found.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, false, ErrClosed
	}
	tables := make([]*sstable.Reader, len(s.tables))
	copy(tables, s.tables)
	mt := s.mt
	s.mu.RUnlock()

	if entry, ok := mt.Get(key); ok {
		if entry.IsTombstone() {
			return nil, false, nil
		}
		return entry.Value, true, nil
	}

	for _, t := range tables {
		entry, ok, err := t.Get(key)
		if err != nil {
			return nil, false, fmt.Errorf("store: get from %s: %w", t.Path(), err)
		}
		if ok {
			if entry.IsTombstone() {
				return nil, false, nil
			}
			return entry.Value, true, nil
		}
	}
	return nil, false, nil
}

// Close flushes any remaining memtable data to an SSTable and closes the
// WAL. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.mt.Close(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walWriter.Close()
}

// Build publishes a new SSTable from it, implementing
// memtable.TableBuilder. Called by the memtable's flush worker; it owns the
// table ID and filename policy.
func (s *Store) Build(it sstable.EntryIterator) error {
	s.mu.Lock()
	id := s.nextTableID
	s.nextTableID++
	s.mu.Unlock()

	path := filepath.Join(s.dir, fmt.Sprintf("%06d.sst", id))

	wcfg, err := sstable.DefaultWriterConfig()
	if err != nil {
		return err
	}
	wcfg.Compressor = s.compressor
	wcfg.SyncParentDir = s.cfg.SyncSSTableDirFsync
	if s.cfg.BloomFPR > 0 {
		wcfg.BloomFalsePositiveRate = s.cfg.BloomFPR
	}

	w, err := sstable.NewWriter(path, wcfg)
	if err != nil {
		return err
	}
	if err := w.Build(it); err != nil {
		return err
	}

	reader, err := sstable.OpenReader(path, s.compressor)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.tables = append([]*sstable.Reader{reader}, s.tables...)
	s.mu.Unlock()
	return nil
}

// Checkpoint implements memtable.Checkpointer: it drops every WAL record
// with seq_no <= seqNo, since that data now lives durably in an SSTable,
// by rewriting the log to a temp file and publishing it atomically (the
// same publish-then-rename discipline sstable.Writer uses).
func (s *Store) Checkpoint(seqNo uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.walWriter.Flush(); err != nil {
		return fmt.Errorf("store: flush wal before checkpoint: %w", err)
	}
	if err := s.walWriter.Close(); err != nil {
		return fmt.Errorf("store: close wal before checkpoint: %w", err)
	}

	if err := rewriteWALDroppingUpTo(s.walPath, seqNo); err != nil {
		// The pre-checkpoint WAL is still intact on disk; reopen it so the
		// store keeps functioning even though this checkpoint failed.
		ww, reopenErr := wal.NewWriter(s.walPath, s.cfg.WriterConfig)
		if reopenErr == nil {
			s.walWriter = ww
		}
		return fmt.Errorf("store: checkpoint: %w", err)
	}

	ww, err := wal.NewWriter(s.walPath, s.cfg.WriterConfig)
	if err != nil {
		return fmt.Errorf("store: reopen wal after checkpoint: %w", err)
	}
	s.walWriter = ww
	return nil
}
