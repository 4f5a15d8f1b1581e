package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/nyasuto/emberdb/internal/cache"
	"github.com/nyasuto/emberdb/internal/record"
)

func writeTable(t *testing.T, path string, n int, blockSize int) {
	t.Helper()
	w, err := NewWriter(path, uint64(n), blockSize)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		if i%10 == 0 {
			if err := w.Add(key, nil, record.KindTombstone); err != nil {
				t.Fatalf("add tombstone: %v", err)
			}
			continue
		}
		value := []byte(fmt.Sprintf("value-%05d", i))
		if err := w.Add(key, value, record.KindValue); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestWriterReader_PointLookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	writeTable(t, path, 200, 256) // small block size forces multiple blocks

	r, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	if r.NumBlocks() < 2 {
		t.Fatalf("expected multiple blocks, got %d", r.NumBlocks())
	}

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		value, ok, kind, err := r.Lookup(key)
		if err != nil {
			t.Fatalf("lookup %s: %v", key, err)
		}
		if !ok {
			t.Fatalf("expected key %s present", key)
		}
		if i%10 == 0 {
			if kind != record.KindTombstone {
				t.Errorf("expected tombstone for %s", key)
			}
			continue
		}
		want := fmt.Sprintf("value-%05d", i)
		if string(value) != want {
			t.Errorf("key %s: got %q want %q", key, value, want)
		}
	}

	if _, ok, _, err := r.Lookup([]byte("missing-key")); err != nil || ok {
		t.Errorf("expected miss for absent key, got ok=%v err=%v", ok, err)
	}
}

func TestWriterReader_Iterator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000002.sst")
	writeTable(t, path, 50, 128)

	r, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	it := r.NewIterator()
	count := 0
	var prev []byte
	for it.Next() {
		if prev != nil && record.Compare(prev, it.Key()) >= 0 {
			t.Fatalf("iterator not in ascending order: %s then %s", prev, it.Key())
		}
		prev = append([]byte(nil), it.Key()...)
		count++
	}
	if count != 50 {
		t.Errorf("expected 50 records, got %d", count)
	}
	if it.Valid() {
		t.Error("expected iterator invalid after exhaustion")
	}
}

func TestReader_BlockCaching(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000003.sst")
	writeTable(t, path, 100, 128)

	c := cache.New(1 << 20)
	r, err := Open(path, c)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		if _, _, _, err := r.Lookup(key); err != nil {
			t.Fatalf("lookup: %v", err)
		}
	}

	stats := c.Stats()
	if stats.Hits == 0 {
		t.Error("expected at least one cache hit across repeated block reads")
	}
}

func TestReader_RejectsCorruptBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000004.sst")
	writeTable(t, path, 20, 4096)

	r, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	// Flip a byte inside the single data block to break its checksum.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	raw[20] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	r2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()

	if _, _, _, err := r2.Lookup([]byte("key-00000")); err == nil {
		t.Error("expected checksum mismatch error")
	}
}

func TestWriterReader_Compression(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000005.sst")

	w, err := NewWriter(path, 100, 256, WithCompression())
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		value := []byte(fmt.Sprintf("value-%05d-padded-to-help-compression-ratio", i))
		if err := w.Add(key, value, record.KindValue); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if _, err := os.Stat(compressedMarkerPath(path)); err != nil {
		t.Fatalf("expected compression marker file, stat err: %v", err)
	}

	r, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		want := fmt.Sprintf("value-%05d-padded-to-help-compression-ratio", i)
		value, ok, _, err := r.Lookup(key)
		if err != nil || !ok {
			t.Fatalf("lookup %s: ok=%v err=%v", key, ok, err)
		}
		if string(value) != want {
			t.Errorf("key %s: got %q want %q", key, value, want)
		}
	}
}

func TestWriter_EmptyTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.sst")
	w, err := NewWriter(path, 0, DefaultBlockSize)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("finish empty table: %v", err)
	}

	r, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open empty table: %v", err)
	}
	defer r.Close()
	if r.NumBlocks() != 0 {
		t.Errorf("expected zero blocks, got %d", r.NumBlocks())
	}
	it := r.NewIterator()
	if it.Next() {
		t.Error("expected empty iterator")
	}
}
