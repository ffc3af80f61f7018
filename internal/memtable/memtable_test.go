package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/Rishabh-malhotraa/segmentdb/internal/sstable"
)

// fakeBuilder/fakeCheckpointer stand in for the SSTable writer and WAL
// checkpoint collaborators so the memtable's rotation/flush contract can be
// tested without the sstable or wal packages.
type fakeBuilder struct {
	mu       sync.Mutex
	built    [][]sstable.Entry
	failNext bool
}

func (b *fakeBuilder) Build(it sstable.EntryIterator) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return fmt.Errorf("injected build failure")
	}
	var entries []sstable.Entry
	for it.Next() {
		entries = append(entries, it.Entry())
	}
	b.built = append(b.built, entries)
	return nil
}

func (b *fakeBuilder) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.built)
}

type fakeCheckpointer struct {
	mu   sync.Mutex
	seen []uint64
}

func (c *fakeCheckpointer) Checkpoint(seqNo uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, seqNo)
	return nil
}

func TestPutGetRoundTrip(t *testing.T) {
	mt := New(DefaultConfig(), &fakeBuilder{}, &fakeCheckpointer{})
	defer mt.Close()

	if err := mt.Put([]byte("k"), Entry{SeqNo: 1, Value: []byte("v")}); err != nil {
		t.Fatalf("put: %v", err)
	}

	entry, ok := mt.Get([]byte("k"))
	if !ok {
		t.Fatal("expected key to be found")
	}
	if entry.SeqNo != 1 || string(entry.Value) != "v" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestDeleteShadowsPut(t *testing.T) {
	mt := New(DefaultConfig(), &fakeBuilder{}, &fakeCheckpointer{})
	defer mt.Close()

	mt.Put([]byte("k"), Entry{SeqNo: 1, Value: []byte("v")})
	mt.Delete([]byte("k"), 2)

	entry, ok := mt.Get([]byte("k"))
	if !ok {
		t.Fatal("expected tombstone to be found")
	}
	if !entry.IsTombstone() || entry.SeqNo != 2 {
		t.Fatalf("expected tombstone at seq 2, got %+v", entry)
	}
}

func TestRotationEnqueuesExactlyOneFlush(t *testing.T) {
	builder := &fakeBuilder{}
	checkpointer := &fakeCheckpointer{}

	cfg := DefaultConfig()
	cfg.RotationThreshold = 4 * 1024 * 1024 // 4 MiB

	mt := New(cfg, builder, checkpointer)
	defer mt.Close()

	value := make([]byte, 4*1024) // 4 KiB values
	var maxSeq uint64
	for i := 0; i < 1024; i++ {
		seq := uint64(i + 1)
		maxSeq = seq
		key := []byte(fmt.Sprintf("key-%05d", i))
		if err := mt.Put(key, Entry{SeqNo: seq, Value: value}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	mt.Close()

	if got := builder.count(); got != 1 {
		t.Fatalf("expected exactly one flush, got %d", got)
	}

	checkpointer.mu.Lock()
	defer checkpointer.mu.Unlock()
	if len(checkpointer.seen) != 1 || checkpointer.seen[0] != maxSeq {
		t.Fatalf("expected checkpoint at seq %d, got %v", maxSeq, checkpointer.seen)
	}
}

func TestGetAfterRotationStillFindsKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RotationThreshold = 256 // tiny, to force rotation quickly

	builder := &fakeBuilder{}
	mt := New(cfg, builder, &fakeCheckpointer{})
	defer mt.Close()

	mt.Put([]byte("first"), Entry{SeqNo: 1, Value: []byte("v1")})
	for i := 0; i < 20; i++ {
		mt.Put([]byte(fmt.Sprintf("pad-%d", i)), Entry{SeqNo: uint64(i + 2), Value: make([]byte, 64)})
	}

	entry, ok := mt.Get([]byte("first"))
	if !ok {
		t.Fatal("expected to find key written before rotation")
	}
	if string(entry.Value) != "v1" {
		t.Fatalf("unexpected value: %s", entry.Value)
	}
}

func TestCloseRejectsFurtherWrites(t *testing.T) {
	mt := New(DefaultConfig(), &fakeBuilder{}, &fakeCheckpointer{})
	mt.Close()

	if err := mt.Put([]byte("k"), Entry{SeqNo: 1, Value: []byte("v")}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseFlushesRemainingMutableData(t *testing.T) {
	builder := &fakeBuilder{}
	mt := New(DefaultConfig(), builder, &fakeCheckpointer{})

	mt.Put([]byte("k"), Entry{SeqNo: 1, Value: []byte("v")})
	mt.Close()

	if builder.count() != 1 {
		t.Fatalf("expected close to flush the in-flight mutable table, got %d flushes", builder.count())
	}
}

func TestPutRejectsInvalidKeys(t *testing.T) {
	mt := New(DefaultConfig(), &fakeBuilder{}, &fakeCheckpointer{})
	defer mt.Close()

	if err := mt.Put(nil, Entry{SeqNo: 1, Value: []byte("v")}); err != ErrEmptyKey {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}

	if err := mt.Put(make([]byte, maxKeyLen+1), Entry{SeqNo: 1, Value: []byte("v")}); err != ErrKeyTooLarge {
		t.Fatalf("expected ErrKeyTooLarge, got %v", err)
	}
}

func TestFlushRetriesOnBuilderFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RotationThreshold = 16
	cfg.RetryBackoff = 1

	builder := &fakeBuilder{failNext: true}
	checkpointer := &fakeCheckpointer{}

	mt := New(cfg, builder, checkpointer)
	mt.Put([]byte("k"), Entry{SeqNo: 1, Value: []byte("0123456789abcdef")})
	mt.Close()

	if builder.count() != 1 {
		t.Fatalf("expected the retried build to eventually succeed, got %d builds", builder.count())
	}
}
