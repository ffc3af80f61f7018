package store

import (
	"fmt"
	"testing"
)

func TestPutGetDelete(t *testing.T) {
	s, err := Open(DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok, err := s.Get([]byte("k1"))
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("get k1: v=%q ok=%v err=%v", v, ok, err)
	}

	if err := s.Delete([]byte("k1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err = s.Get([]byte("k1"))
	if err != nil || ok {
		t.Fatalf("expected k1 to be gone after delete, ok=%v err=%v", ok, err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		val := []byte(fmt.Sprintf("val-%03d", i))
		if err := s.Put(key, val); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		want := fmt.Sprintf("val-%03d", i)
		got, ok, err := reopened.Get(key)
		if err != nil || !ok {
			t.Fatalf("get %s after reopen: ok=%v err=%v", key, ok, err)
		}
		if string(got) != want {
			t.Fatalf("get %s after reopen: got %q want %q", key, got, want)
		}
	}
}

func TestRotationFlushesToSSTable(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig(dir)
	cfg.RotationThreshold = 4096 // force a rotation quickly

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	value := make([]byte, 256)
	for i := 0; i < 64; i++ {
		key := []byte(fmt.Sprintf("rot-%04d", i))
		if err := s.Put(key, value); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if len(reopened.tables) == 0 {
		t.Fatal("expected at least one sstable to have been published by rotation")
	}

	got, ok, err := reopened.Get([]byte("rot-0000"))
	if err != nil || !ok {
		t.Fatalf("get rot-0000 after reopen: ok=%v err=%v", ok, err)
	}
	if len(got) != len(value) {
		t.Fatalf("unexpected value length: %d", len(got))
	}
}
