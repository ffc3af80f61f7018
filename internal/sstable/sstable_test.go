package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Rishabh-malhotraa/segmentdb/internal/compressor"
)

// sliceIterator adapts an in-memory slice to EntryIterator for tests.
type sliceIterator struct {
	entries []Entry
	pos     int
}

func newSliceIterator(entries []Entry) *sliceIterator {
	return &sliceIterator{entries: entries, pos: -1}
}

func (s *sliceIterator) Next() bool {
	s.pos++
	return s.pos < len(s.entries)
}

func (s *sliceIterator) Entry() Entry { return s.entries[s.pos] }

func makeEntries(n int) []Entry {
	entries := make([]Entry, n)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%06d", i))
		if i%97 == 0 {
			entries[i] = Entry{Key: key, SeqNo: uint64(i + 1)} // tombstone
			continue
		}
		entries[i] = Entry{Key: key, SeqNo: uint64(i + 1), Value: []byte(fmt.Sprintf("value-%d-%s", i, "payload"))}
	}
	return entries
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")

	entries := makeEntries(10000)

	cfg, err := DefaultWriterConfig()
	if err != nil {
		t.Fatalf("default writer config: %v", err)
	}
	w, err := NewWriter(path, cfg)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Build(newSliceIterator(entries)); err != nil {
		t.Fatalf("build: %v", err)
	}

	r, err := OpenReader(path, nil)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()

	if got := r.EntryCount(); got != uint32(len(entries)) {
		t.Fatalf("expected entry count %d, got %d", len(entries), got)
	}

	for _, want := range []int{0, 1, 97, 4999, 9999} {
		e, ok, err := r.Get(entries[want].Key)
		if err != nil {
			t.Fatalf("get %d: %v", want, err)
		}
		if !ok {
			t.Fatalf("expected to find entry %d", want)
		}
		if e.IsTombstone() != entries[want].IsTombstone() {
			t.Fatalf("entry %d: tombstone mismatch", want)
		}
		if !e.IsTombstone() && string(e.Value) != string(entries[want].Value) {
			t.Fatalf("entry %d: value mismatch: got %q want %q", want, e.Value, entries[want].Value)
		}
	}

	if _, ok, err := r.Get([]byte("key-999999")); err != nil || ok {
		t.Fatalf("expected absent key to be reported absent, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := r.Get([]byte("aaa-absent")); err != nil || ok {
		t.Fatalf("expected key below range to be reported absent, got ok=%v err=%v", ok, err)
	}

	it := r.Iterator()
	count := 0
	for it.Next() {
		e := it.Entry()
		if string(e.Key) != string(entries[count].Key) {
			t.Fatalf("iterator out of order at %d: got %s want %s", count, e.Key, entries[count].Key)
		}
		count++
	}
	if it.Err() != nil {
		t.Fatalf("iterator error: %v", it.Err())
	}
	if count != len(entries) {
		t.Fatalf("expected %d entries from iterator, got %d", len(entries), count)
	}
}

// failingCodec wraps a real codec but fails Compress once a call budget is
// exhausted, to exercise the writer's atomic-publish-on-failure path.
type failingCodec struct {
	underlying compressor.Codec
	failAfter  int
	calls      int
}

func (c *failingCodec) Algorithm() compressor.Algorithm { return c.underlying.Algorithm() }

func (c *failingCodec) Compress(src []byte) ([]byte, error) {
	c.calls++
	if c.calls > c.failAfter {
		return nil, fmt.Errorf("injected compression failure")
	}
	return c.underlying.Compress(src)
}

func (c *failingCodec) Decompress(src []byte, uncompressedSize int) ([]byte, error) {
	return c.underlying.Decompress(src, uncompressedSize)
}

func TestFailedBuildLeavesExistingFileUntouchedAndCleansTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")

	good, err := DefaultWriterConfig()
	if err != nil {
		t.Fatalf("default writer config: %v", err)
	}
	w, err := NewWriter(path, good)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	entries := makeEntries(500)
	if err := w.Build(newSliceIterator(entries)); err != nil {
		t.Fatalf("initial build: %v", err)
	}

	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read published file: %v", err)
	}

	underlying, _ := compressor.New(compressor.DefaultConfig())
	cfg := good
	cfg.Compressor = &failingCodec{underlying: underlying, failAfter: 0}
	fw, err := NewWriter(path, cfg)
	if err != nil {
		t.Fatalf("new failing writer: %v", err)
	}

	if err := fw.Build(newSliceIterator(makeEntries(500))); err == nil {
		t.Fatal("expected build to fail")
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("re-read published file: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("failed build must not disturb the previously published file")
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be cleaned up, stat err: %v", err)
	}
}
