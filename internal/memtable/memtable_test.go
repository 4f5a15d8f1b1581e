package memtable

import (
	"fmt"
	"testing"

	"github.com/nyasuto/emberdb/internal/record"
)

func TestMemTable_BasicOperations(t *testing.T) {
	mt := New(0)

	mt.Put([]byte("key1"), []byte("value1"), record.KindValue, 1)
	e, found := mt.Get([]byte("key1"))
	if !found {
		t.Fatal("expected to find key1")
	}
	if string(e.Value) != "value1" {
		t.Errorf("expected value1, got %s", e.Value)
	}

	mt.Put([]byte("key1"), []byte("new_value1"), record.KindValue, 2)
	e, found = mt.Get([]byte("key1"))
	if !found {
		t.Fatal("expected to find key1 after overwrite")
	}
	if string(e.Value) != "new_value1" {
		t.Errorf("expected new_value1, got %s", e.Value)
	}

	if _, found = mt.Get([]byte("nonexistent")); found {
		t.Error("should not find nonexistent key")
	}

	mt.Put([]byte("key1"), nil, record.KindTombstone, 3)
	e, found = mt.Get([]byte("key1"))
	if !found {
		t.Fatal("tombstoned key should still be present")
	}
	if !e.IsTombstone() {
		t.Error("expected tombstone")
	}
}

func TestMemTable_OrderedIteration(t *testing.T) {
	mt := New(0)
	keys := []string{"banana", "apple", "cherry", "date", "apricot"}
	for i, k := range keys {
		mt.Put([]byte(k), []byte(fmt.Sprintf("v%d", i)), record.KindValue, uint64(i+1))
	}

	want := []string{"apple", "apricot", "banana", "cherry", "date"}
	it := mt.NewIterator(nil)
	var got []string
	for ; it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	if len(got) != len(want) {
		t.Fatalf("got %v entries, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestMemTable_IteratorSeek(t *testing.T) {
	mt := New(0)
	for _, k := range []string{"a", "c", "e", "g"} {
		mt.Put([]byte(k), []byte("v"), record.KindValue, 1)
	}
	it := mt.NewIterator([]byte("d"))
	if !it.Valid() || string(it.Key()) != "e" {
		t.Fatalf("expected seek to land on e, got valid=%v", it.Valid())
	}
}

func TestMemTable_SizeAndCount(t *testing.T) {
	mt := New(0)
	if !mt.IsEmpty() {
		t.Fatal("new memtable should be empty")
	}
	mt.Put([]byte("k"), []byte("value"), record.KindValue, 1)
	if mt.Count() != 1 {
		t.Errorf("expected count 1, got %d", mt.Count())
	}
	if mt.Size() != int64(len("k")+len("value")) {
		t.Errorf("unexpected size %d", mt.Size())
	}
}

func TestMemTable_ShouldFlush(t *testing.T) {
	mt := New(0)
	cfg := Config{MaxSize: 10}
	mt.Put([]byte("k"), []byte("123456789"), record.KindValue, 1)
	if !mt.ShouldFlush(cfg) {
		t.Error("expected ShouldFlush to trip past threshold")
	}
}

func TestMemTable_Clear(t *testing.T) {
	mt := New(0)
	mt.Put([]byte("k"), []byte("v"), record.KindValue, 1)
	mt.Clear()
	if !mt.IsEmpty() {
		t.Error("expected empty memtable after Clear")
	}
	if _, found := mt.Get([]byte("k")); found {
		t.Error("expected Clear to drop prior entries")
	}
}

func TestMemTable_ConcurrentReaders(t *testing.T) {
	mt := New(0)
	for i := 0; i < 100; i++ {
		mt.Put([]byte(fmt.Sprintf("key%03d", i)), []byte(fmt.Sprintf("val%d", i)), record.KindValue, uint64(i))
	}

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				mt.Get([]byte(fmt.Sprintf("key%03d", j)))
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
