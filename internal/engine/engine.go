// Package engine wires the memtable, write-ahead log, sstables,
// manifest, block cache, and background compaction into the single
// embeddable key-value store. Reads consult the memtable, then L0
// newest-first, then each higher level by key range; writes append to
// the WAL before landing in the memtable and flush to a new L0 table
// once the memtable crosses its size threshold.
package engine

import (
	"container/heap"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nyasuto/emberdb/internal/cache"
	"github.com/nyasuto/emberdb/internal/compaction"
	"github.com/nyasuto/emberdb/internal/manifest"
	"github.com/nyasuto/emberdb/internal/memtable"
	"github.com/nyasuto/emberdb/internal/record"
	"github.com/nyasuto/emberdb/internal/sstable"
	"github.com/nyasuto/emberdb/internal/wal"
)

// MaxLevel is the number of levels in the level vector, L0..L(MaxLevel-1).
const MaxLevel = 12

// Config collects the engine's fixed-at-open tunables.
type Config struct {
	MemTable           memtable.Config
	CacheSizeBytes     int64
	Compaction         compaction.Config
	CompactionInterval time.Duration
}

// DefaultConfig returns the standard defaults: 4 MiB memtable
// threshold, 4 MiB block cache, 4 KiB data blocks, L0 trigger of 4
// files, and a 10x per-level size multiplier starting at 10 MiB.
func DefaultConfig() Config {
	cfg := compaction.DefaultConfig()
	cfg.BaseLevelSizeBytes = 10 * 1024 * 1024
	return Config{
		MemTable:           memtable.DefaultConfig(),
		CacheSizeBytes:     4 * 1024 * 1024,
		Compaction:         cfg,
		CompactionInterval: 30 * time.Second,
	}
}

// tableHandle pairs a manifest record with its lazily-opened reader.
type tableHandle struct {
	meta   manifest.FileMeta
	reader *sstable.Reader
}

// Stats aggregates engine-wide counters: per-component stats plus
// per-level occupancy and compaction/flush/bloom counters.
type Stats struct {
	MemTable       memtable.Stats
	Cache          cache.Stats
	LevelFileCount [MaxLevel]int
	LevelBytes     [MaxLevel]int64
	Flushes        uint64
	Compactions    uint64
	BloomHits      uint64
	BloomSkips     uint64
}

// Engine is the embeddable ordered key-value store.
type Engine struct {
	mu  sync.RWMutex
	dir string
	cfg Config

	mem *memtable.MemTable
	log *wal.WAL
	man *manifest.Manifest
	blk *cache.Cache

	levels [MaxLevel][]*tableHandle

	worker *compaction.Worker

	stats      Stats
	closeOnce  sync.Once
	closed     bool
}

// Open initializes (or resumes) a database rooted at dir.
func Open(dir string, cfg Config) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("engine: mkdir %s: %w", dir, err)
	}

	man, err := manifest.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("engine: load manifest: %w", err)
	}
	if man == nil {
		man = manifest.New(dir)
	}

	e := &Engine{
		dir: dir,
		cfg: cfg,
		mem: memtable.New(0),
		man: man,
		blk: cache.New(cfg.CacheSizeBytes),
	}

	for _, fm := range man.Files {
		if fm.Level < 0 || fm.Level >= MaxLevel {
			continue
		}
		// A manifest-tracked data file that fails to open is fatal: the
		// manifest promises this file's key range is on disk, and a
		// missing or corrupt table here means silently losing that
		// range. A missing bloom-filter sibling is handled separately,
		// inside sstable.Open itself, and is never fatal.
		r, err := sstable.Open(fm.Filename, e.blk)
		if err != nil {
			for lvl := range e.levels {
				for _, th := range e.levels[lvl] {
					_ = th.reader.Close()
				}
			}
			return nil, fmt.Errorf("engine: open manifest table %s: %w", fm.Filename, err)
		}
		e.levels[fm.Level] = append(e.levels[fm.Level], &tableHandle{meta: fm, reader: r})
	}
	e.resortLevels()

	walPath := filepath.Join(dir, "wal.log")
	w, err := wal.Open(walPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}
	e.log = w

	if _, err := w.Recover(engineApplier{e}, man.Sequence+1); err != nil {
		return nil, fmt.Errorf("engine: recover wal: %w", err)
	}

	e.worker = compaction.NewWorker(cfg.CompactionInterval, e.runCompactionPass)
	e.worker.Start()

	return e, nil
}

// engineApplier satisfies wal.Applier, replaying WAL records into the
// memtable during recovery. It is a thin adapter rather than a method
// directly on Engine so the public write API can keep its own
// conventional Put/Delete names without colliding with the Applier
// interface's own Put signature.
type engineApplier struct{ e *Engine }

func (a engineApplier) Put(key, value []byte, kind record.Kind, seq uint64) {
	a.e.mem.Put(key, value, kind, seq)
	if a.e.man.Sequence < seq {
		a.e.man.Sequence = seq
	}
}

// resortLevels sorts L0 newest-first (by sequence, descending) and
// L1+ by ascending first key, matching Open's level ordering.
func (e *Engine) resortLevels() {
	sort.Slice(e.levels[0], func(i, j int) bool {
		return e.levels[0][i].meta.Sequence > e.levels[0][j].meta.Sequence
	})
	for lvl := 1; lvl < MaxLevel; lvl++ {
		sort.Slice(e.levels[lvl], func(i, j int) bool {
			return record.Compare(e.levels[lvl][i].meta.FirstKey, e.levels[lvl][j].meta.FirstKey) < 0
		})
	}
}

// Put writes key/value durably and applies it to the memtable,
// triggering a flush when the memtable crosses its size threshold.
func (e *Engine) Put(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine: closed")
	}

	if err := e.log.Append(key, value, record.KindValue); err != nil {
		return fmt.Errorf("engine: wal append: %w", err)
	}
	seq := e.man.NextSequence()
	e.mem.Put(key, value, record.KindValue, seq)

	if e.mem.ShouldFlush(e.cfg.MemTable) {
		if err := e.flushLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Delete records a tombstone for key.
func (e *Engine) Delete(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine: closed")
	}

	if err := e.log.Append(key, nil, record.KindTombstone); err != nil {
		return fmt.Errorf("engine: wal append: %w", err)
	}
	seq := e.man.NextSequence()
	e.mem.Put(key, nil, record.KindTombstone, seq)

	if e.mem.ShouldFlush(e.cfg.MemTable) {
		if err := e.flushLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Get looks up key, searching the memtable, then L0 newest-first,
// then each higher level by key range.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if entry, ok := e.mem.Get(key); ok {
		if entry.IsTombstone() {
			return nil, false, nil
		}
		return entry.Value, true, nil
	}

	for _, th := range e.levels[0] {
		value, hit, tombstone, err := e.lookupTable(th, key)
		if err != nil {
			return nil, false, err
		}
		if hit {
			if tombstone {
				return nil, false, nil
			}
			return value, true, nil
		}
	}

	for lvl := 1; lvl < MaxLevel; lvl++ {
		for _, th := range e.levels[lvl] {
			if record.Compare(key, th.meta.FirstKey) < 0 || record.Compare(key, th.meta.LastKey) > 0 {
				continue
			}
			value, hit, tombstone, err := e.lookupTable(th, key)
			if err != nil {
				return nil, false, err
			}
			if hit {
				if tombstone {
					return nil, false, nil
				}
				return value, true, nil
			}
			break
		}
	}

	return nil, false, nil
}

func (e *Engine) lookupTable(th *tableHandle, key []byte) (value []byte, hit bool, tombstone bool, err error) {
	if !th.reader.MightContain(key) {
		e.stats.BloomSkips++
		return nil, false, false, nil
	}
	e.stats.BloomHits++
	value, ok, kind, err := th.reader.Lookup(key)
	if err != nil {
		return nil, false, false, err
	}
	if !ok {
		return nil, false, false, nil
	}
	return value, true, kind == record.KindTombstone, nil
}

// Flush freezes the current memtable into a new L0 table immediately,
// regardless of its size. It is a no-op on an empty memtable.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

func (e *Engine) flushLocked() error {
	if e.mem.IsEmpty() {
		return nil
	}

	seq := e.man.NextSequence()
	name := filepath.Join(e.dir, fmt.Sprintf("%020d.sst", seq))
	w, err := sstable.NewWriter(name, uint64(e.mem.Count()), sstable.DefaultBlockSize)
	if err != nil {
		return fmt.Errorf("engine: flush new writer: %w", err)
	}

	it := e.mem.NewIterator(nil)
	for it.Valid() {
		entry := it.Entry()
		if err := w.Add(entry.Key, entry.Value, entry.Kind); err != nil {
			_ = w.Abort()
			return fmt.Errorf("engine: flush write: %w", err)
		}
		it.Next()
	}
	if err := w.Finish(); err != nil {
		return fmt.Errorf("engine: flush finish: %w", err)
	}

	info, err := os.Stat(name)
	if err != nil {
		return fmt.Errorf("engine: stat flushed table: %w", err)
	}
	reader, err := sstable.Open(name, e.blk)
	if err != nil {
		return fmt.Errorf("engine: reopen flushed table: %w", err)
	}

	fm := manifest.FileMeta{
		Level:    0,
		Filename: name,
		FirstKey: w.FirstKey(),
		LastKey:  w.LastKey(),
		FileSize: info.Size(),
		Sequence: seq,
	}
	e.man.AddFile(fm)
	e.levels[0] = append(e.levels[0], &tableHandle{meta: fm, reader: reader})
	e.resortLevels()

	if err := e.man.Save(); err != nil {
		return fmt.Errorf("engine: save manifest: %w", err)
	}
	if err := e.log.Rotate(); err != nil {
		return fmt.Errorf("engine: rotate wal: %w", err)
	}

	e.mem = memtable.New(0)
	e.stats.Flushes++

	if e.worker != nil {
		e.worker.Trigger()
	}
	return nil
}

// Stats returns a snapshot of engine counters and level occupancy.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := e.stats
	s.MemTable = e.mem.Stats()
	s.Cache = e.blk.Stats()
	for lvl := 0; lvl < MaxLevel; lvl++ {
		s.LevelFileCount[lvl] = len(e.levels[lvl])
		var total int64
		for _, th := range e.levels[lvl] {
			total += th.meta.FileSize
		}
		s.LevelBytes[lvl] = total
	}
	return s
}

// Close stops the compaction worker, flushes any pending writes, and
// closes all open file handles.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.worker != nil {
			e.worker.Stop()
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if flushErr := e.flushLocked(); flushErr != nil {
			err = flushErr
			return
		}
		e.closed = true

		if closeErr := e.log.Close(); closeErr != nil {
			err = closeErr
		}
		for lvl := range e.levels {
			for _, th := range e.levels[lvl] {
				_ = th.reader.Close()
			}
		}
	})
	return err
}

// scanSource is one input to the merged scan iterator: either the
// memtable cursor or one sstable iterator, ranked by priority
// (memtable=0, L0 newest=1, ... matching Get's search order).
type scanSource struct {
	memIt   *memtable.Iterator
	tableIt *sstable.Iterator
	pri     int
}

func (s *scanSource) valid() bool {
	if s.memIt != nil {
		return s.memIt.Valid()
	}
	return s.tableIt.Valid()
}
func (s *scanSource) key() []byte {
	if s.memIt != nil {
		return s.memIt.Key()
	}
	return s.tableIt.Key()
}
func (s *scanSource) value() []byte {
	if s.memIt != nil {
		return s.memIt.Entry().Value
	}
	return s.tableIt.Value()
}
func (s *scanSource) isTombstone() bool {
	if s.memIt != nil {
		return s.memIt.Entry().IsTombstone()
	}
	return s.tableIt.IsTombstone()
}
func (s *scanSource) next() {
	if s.memIt != nil {
		s.memIt.Next()
		return
	}
	s.tableIt.Next()
}

type scanHeapItem struct {
	src *scanSource
}
type scanHeap []*scanHeapItem

func (h scanHeap) Len() int { return len(h) }
func (h scanHeap) Less(i, j int) bool {
	c := record.Compare(h[i].src.key(), h[j].src.key())
	if c != 0 {
		return c < 0
	}
	return h[i].src.pri < h[j].src.pri
}
func (h scanHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scanHeap) Push(x interface{}) { *h = append(*h, x.(*scanHeapItem)) }
func (h *scanHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// ScanIterator exposes a merged, de-duplicated, tombstone-suppressed
// view across the memtable and every overlapping sstable.
type ScanIterator struct {
	end     []byte
	h       *scanHeap
	key     []byte
	value   []byte
	valid   bool
	readers []*sstable.Reader // closed by Close; Scan leaves it empty
}

// Close closes any readers recorded in the iterator. Scan records none:
// it reads through the engine's shared table readers.
func (it *ScanIterator) Close() error {
	for _, r := range it.readers {
		_ = r.Close()
	}
	it.readers = nil
	return nil
}

// Valid, Key, Value expose the current record.
func (it *ScanIterator) Valid() bool   { return it.valid }
func (it *ScanIterator) Key() []byte   { return it.key }
func (it *ScanIterator) Value() []byte { return it.value }

// Next advances to the next live, non-tombstone record in range.
func (it *ScanIterator) Next() bool {
	for it.h.Len() > 0 {
		top := (*it.h)[0]
		k := append([]byte(nil), top.src.key()...)

		if it.end != nil && record.Compare(k, it.end) > 0 {
			it.valid = false
			return false
		}

		var winner *scanSource
		for it.h.Len() > 0 && record.Compare((*it.h)[0].src.key(), k) == 0 {
			item := heap.Pop(it.h).(*scanHeapItem)
			if winner == nil {
				winner = item.src
				it.value = append([]byte(nil), item.src.value()...)
			}
			item.src.next()
			if item.src.valid() {
				heap.Push(it.h, item)
			}
		}

		if winner.isTombstone() {
			continue
		}

		it.key = k
		it.valid = true
		return true
	}
	it.valid = false
	return false
}

// Scan returns a merged iterator over [start, end]. A nil start scans
// from the first key; a nil end scans to the last key. The returned
// iterator reads through the engine's shared table readers and opens
// no file handles of its own; calling Close on it is still safe.
func (e *Engine) Scan(start, end []byte) (*ScanIterator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if end != nil && start != nil && record.Compare(start, end) > 0 {
		return &ScanIterator{valid: false, h: &scanHeap{}}, nil
	}

	h := &scanHeap{}
	heap.Init(h)
	it := &ScanIterator{end: end, h: h}

	memIt := e.mem.NewIterator(start)
	if memIt.Valid() {
		heap.Push(h, &scanHeapItem{src: &scanSource{memIt: memIt, pri: 0}})
	}

	pri := 1
	for lvl := 0; lvl < MaxLevel; lvl++ {
		for _, th := range e.levels[lvl] {
			if end != nil && record.Compare(th.meta.FirstKey, end) > 0 {
				continue
			}
			if start != nil && record.Compare(th.meta.LastKey, start) < 0 {
				continue
			}
			tIt := th.reader.NewIterator()
			if !seekIterator(tIt, start) {
				continue
			}
			heap.Push(h, &scanHeapItem{src: &scanSource{tableIt: tIt, pri: pri}})
			pri++
		}
	}

	it.Next()
	return it, nil
}

// seekIterator advances tIt to the first record >= start (or the
// first record at all, if start is nil), returning false if the
// table has no such record.
func seekIterator(tIt *sstable.Iterator, start []byte) bool {
	for tIt.Next() {
		if start == nil || record.Compare(tIt.Key(), start) >= 0 {
			return true
		}
	}
	return false
}

// runCompactionPass flushes nothing (Put/Delete own that trigger) but
// checks every level for a compaction trigger and performs one
// eligible merge per call, publishing the result under the engine
// lock while the merge I/O itself ran unlocked.
func (e *Engine) runCompactionPass() error {
	e.mu.RLock()
	l0 := metasOf(e.levels[0])
	needL0 := e.cfg.Compaction.NeedsL0Compaction(l0)
	var pickedLevel = -1
	if !needL0 {
		for lvl := 1; lvl < MaxLevel-1; lvl++ {
			if e.cfg.Compaction.NeedsLevelCompaction(lvl, metasOf(e.levels[lvl])) {
				pickedLevel = lvl
				break
			}
		}
	}
	e.mu.RUnlock()

	if needL0 {
		return e.compactLevel(0)
	}
	if pickedLevel >= 0 {
		return e.compactLevel(pickedLevel)
	}
	return nil
}

func metasOf(handles []*tableHandle) []manifest.FileMeta {
	out := make([]manifest.FileMeta, len(handles))
	for i, h := range handles {
		out[i] = h.meta
	}
	return out
}

// compactLevel merges every file in level, together with the files in
// level+1 whose key ranges overlap them, into level+1. The whole level
// is merged at once; no single victim file is picked.
func (e *Engine) compactLevel(level int) error {
	target := level + 1

	e.mu.Lock()
	sourceHandles := append([]*tableHandle(nil), e.levels[level]...)
	overlap := compaction.FindOverlapping(metasOf(e.levels[level]), metasOf(e.levels[target]))
	overlapSet := make(map[string]bool, len(overlap))
	for _, f := range overlap {
		overlapSet[f.Filename] = true
	}
	var targetHandles []*tableHandle
	for _, th := range e.levels[target] {
		if overlapSet[th.meta.Filename] {
			targetHandles = append(targetHandles, th)
		}
	}
	dropTombstones := target == MaxLevel-1
	e.mu.Unlock()

	if len(sourceHandles) == 0 {
		return nil
	}

	sources := make([]compaction.Source, 0, len(sourceHandles)+len(targetHandles))
	for _, th := range sourceHandles { // newest first: source level is always newer than target
		sources = append(sources, compaction.Source{Reader: th.reader})
	}
	for _, th := range targetHandles {
		sources = append(sources, compaction.Source{Reader: th.reader})
	}

	outputs, err := compaction.Merge(sources, e.dir, target, e.cfg.Compaction, dropTombstones, e.nextTableName)
	if err != nil {
		return fmt.Errorf("engine: compaction merge: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range outputs {
		outputs[i].Sequence = e.man.NextSequence()
	}

	removed := make(map[string]bool, len(sourceHandles)+len(targetHandles))
	for _, th := range sourceHandles {
		removed[th.meta.Filename] = true
	}
	for _, th := range targetHandles {
		removed[th.meta.Filename] = true
	}

	e.levels[level] = filterHandles(e.levels[level], removed)
	e.levels[target] = filterHandles(e.levels[target], removed)

	var newHandles []*tableHandle
	for _, fm := range outputs {
		r, openErr := sstable.Open(fm.Filename, e.blk)
		if openErr != nil {
			return fmt.Errorf("engine: open compaction output: %w", openErr)
		}
		newHandles = append(newHandles, &tableHandle{meta: fm, reader: r})
	}
	e.levels[target] = append(e.levels[target], newHandles...)
	e.resortLevels()

	for name := range removed {
		e.blk.InvalidateFile(name)
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			log.Printf("engine: remove compacted file %s: %v", name, err)
		}
		if err := os.Remove(name + ".filter"); err != nil && !os.IsNotExist(err) {
			log.Printf("engine: remove compacted filter %s: %v", name, err)
		}
	}

	e.man.RemoveFiles(removed)
	for _, fm := range outputs {
		e.man.AddFile(fm)
	}
	if err := e.man.Save(); err != nil {
		return fmt.Errorf("engine: save manifest after compaction: %w", err)
	}

	e.stats.Compactions++
	return nil
}

// nextTableName returns a fresh on-disk path for a compaction output
// file, using the manifest's sequence counter so names never collide
// with a concurrently flushed L0 table.
func (e *Engine) nextTableName() string {
	e.mu.Lock()
	seq := e.man.NextSequence()
	e.mu.Unlock()
	return filepath.Join(e.dir, fmt.Sprintf("%020d.sst", seq))
}

func filterHandles(handles []*tableHandle, removed map[string]bool) []*tableHandle {
	kept := handles[:0]
	for _, th := range handles {
		if !removed[th.meta.Filename] {
			kept = append(kept, th)
		}
	}
	return kept
}
