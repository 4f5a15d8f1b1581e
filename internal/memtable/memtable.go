// Package memtable implements the in-memory sorted write buffer: a
// skip-list over a bump arena, ordered by key, holding the latest
// value or tombstone written in the current epoch.
package memtable

import (
	"math/rand"
	"sync"
	"time"

	"github.com/nyasuto/emberdb/internal/record"
)

// MaxHeight bounds the skip-list's tower height. P[h>=k] = 2^-(k-1)
// keeps expected height logarithmic in the number of entries.
const MaxHeight = 12

const probability = 0.5

// node is one skip-list tower. Key and value bytes live in the arena;
// the node struct itself is an ordinary Go allocation — only the byte
// payload needs bump/reset semantics (see Arena).
type node struct {
	key     []byte
	value   []byte
	kind    record.Kind
	seq     uint64
	forward []*node
}

// MemTable is the mutable, ordered write buffer for one epoch of
// writes. Concurrent readers are safe while a single writer mutates
// it; the engine enforces the single-writer discipline above this type.
type MemTable struct {
	mu        sync.RWMutex
	arena     *Arena
	head      *node
	height    int
	rng       *rand.Rand
	createdAt time.Time

	size  int64 // accumulated key+value bytes, for flush-threshold checks
	count int   // distinct keys currently held

	stats Stats
}

// Stats is a point-in-time snapshot of MemTable activity.
type Stats struct {
	Entries     int
	ByteSize    int64
	PutCount    uint64
	GetCount    uint64
	DeleteCount uint64
}

// Config bounds when the engine should seal and flush a MemTable.
type Config struct {
	MaxSize int64 // bytes of accumulated key+value data
}

// DefaultConfig returns the standard 4 MiB flush threshold.
func DefaultConfig() Config {
	return Config{MaxSize: 4 * 1024 * 1024}
}

// New creates an empty MemTable. sizeHint pre-sizes the backing arena.
func New(sizeHint int) *MemTable {
	return &MemTable{
		arena:     NewArena(sizeHint),
		head:      &node{forward: make([]*node, MaxHeight)},
		height:    1,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		createdAt: time.Now(),
	}
}

func (m *MemTable) randomHeight() int {
	h := 1
	for h < MaxHeight && m.rng.Float64() < probability {
		h++
	}
	return h
}

// Put inserts or overwrites key with value, recording seq as its
// sequence number. A record.KindTombstone entry carries no value.
func (m *MemTable) Put(key, value []byte, kind record.Kind, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	update := make([]*node, MaxHeight)
	cur := m.head
	for lvl := m.height - 1; lvl >= 0; lvl-- {
		for cur.forward[lvl] != nil && record.Less(cur.forward[lvl].key, key) {
			cur = cur.forward[lvl]
		}
		update[lvl] = cur
	}
	existing := cur.forward[0]

	if existing != nil && record.Compare(existing.key, key) == 0 {
		m.size += int64(len(value)) - int64(len(existing.value))
		existing.value = m.arena.Copy(value)
		existing.kind = kind
		existing.seq = seq
		m.touchStats(kind)
		return
	}

	h := m.randomHeight()
	if h > m.height {
		for lvl := m.height; lvl < h; lvl++ {
			update[lvl] = m.head
		}
		m.height = h
	}

	n := &node{
		key:     m.arena.Copy(key),
		value:   m.arena.Copy(value),
		kind:    kind,
		seq:     seq,
		forward: make([]*node, h),
	}
	for lvl := 0; lvl < h; lvl++ {
		n.forward[lvl] = update[lvl].forward[lvl]
		update[lvl].forward[lvl] = n
	}

	m.count++
	m.size += int64(len(key) + len(value))
	m.touchStats(kind)
}

func (m *MemTable) touchStats(kind record.Kind) {
	m.stats.Entries = m.count
	m.stats.ByteSize = m.size
	if kind == record.KindTombstone {
		m.stats.DeleteCount++
	} else {
		m.stats.PutCount++
	}
}

// Get returns the latest record for key. present is false only when
// the key has never been written in this epoch; a tombstone is
// returned with present=true so the caller can distinguish "absent"
// from "deleted here."
func (m *MemTable) Get(key []byte) (e record.Entry, present bool) {
	// A full lock, not a read lock: Get updates the GetCount counter.
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.GetCount++

	cur := m.head
	for lvl := m.height - 1; lvl >= 0; lvl-- {
		for cur.forward[lvl] != nil && record.Less(cur.forward[lvl].key, key) {
			cur = cur.forward[lvl]
		}
	}
	cur = cur.forward[0]
	if cur == nil || record.Compare(cur.key, key) != 0 {
		return record.Entry{}, false
	}
	return record.Entry{Key: cur.key, Value: cur.value, Kind: cur.kind, Sequence: cur.seq}, true
}

// Size returns the accumulated key+value byte size of live entries,
// used by the engine to decide when to seal and flush.
func (m *MemTable) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Count returns the number of distinct keys held.
func (m *MemTable) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// ShouldFlush reports whether accumulated size has crossed cfg.MaxSize.
func (m *MemTable) ShouldFlush(cfg Config) bool {
	return m.Size() >= cfg.MaxSize
}

// Stats returns a snapshot of MemTable activity counters.
func (m *MemTable) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// IsEmpty reports whether the MemTable holds no entries.
func (m *MemTable) IsEmpty() bool { return m.Count() == 0 }

// Iterator walks the bottom skip-list level in ascending key order.
type Iterator struct {
	cur *node
}

// NewIterator returns a forward cursor already positioned at the first
// entry with key >= from (all entries, if from is nil). Check Valid
// before reading Key/Entry.
func (m *MemTable) NewIterator(from []byte) *Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur := m.head
	for lvl := m.height - 1; lvl >= 0; lvl-- {
		for cur.forward[lvl] != nil && from != nil && record.Less(cur.forward[lvl].key, from) {
			cur = cur.forward[lvl]
		}
	}
	return &Iterator{cur: &node{forward: []*node{cur.forward[0]}}}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.cur.forward[0] != nil }

// Key returns the current entry's key. Valid must be true.
func (it *Iterator) Key() []byte { return it.cur.forward[0].key }

// Entry returns the current full record. Valid must be true.
func (it *Iterator) Entry() record.Entry {
	n := it.cur.forward[0]
	return record.Entry{Key: n.key, Value: n.value, Kind: n.kind, Sequence: n.seq}
}

// Next advances the iterator by one position.
func (it *Iterator) Next() {
	if it.cur.forward[0] != nil {
		it.cur.forward[0] = it.cur.forward[0].forward[0]
	}
}

// Clear resets the MemTable to empty, discarding the arena in one
// bump-reset. The caller must ensure no other goroutine still holds a
// reference to entries from before the clear. The engine does not call
// Clear; after a flush it replaces its MemTable with a new one.
func (m *MemTable) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arena.Reset()
	m.head = &node{forward: make([]*node, MaxHeight)}
	m.height = 1
	m.size = 0
	m.count = 0
	m.createdAt = time.Now()
	m.stats = Stats{}
}
