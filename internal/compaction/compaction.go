// Package compaction selects which SSTables should be merged and
// performs the merge itself, streaming through a fresh sstable.Writer.
// Selection picks an overlapping file set from adjacent levels; the
// merge itself is a k-way union over one sstable.Iterator per input,
// ordered by a priority heap so a key collision always resolves to the
// newest writer.
package compaction

import (
	"container/heap"
	"fmt"

	"github.com/nyasuto/emberdb/internal/manifest"
	"github.com/nyasuto/emberdb/internal/record"
	"github.com/nyasuto/emberdb/internal/sstable"
)

// Config tunes compaction triggers and output sizing.
type Config struct {
	L0CompactionTrigger int   // compact L0 once it holds more than this many files
	LevelSizeMultiplier int64 // size_limit(i) = BaseLevelSizeBytes * Multiplier^(i-1)
	BaseLevelSizeBytes  int64 // size_limit(1)
	TargetFileSize      int64 // split compaction output into files of roughly this size
	BlockSize           int   // sstable data block size for compaction output
}

// DefaultConfig returns the standard defaults: L0 trigger of 4 files,
// and a 10x per-level size multiplier starting at 4 MiB.
func DefaultConfig() Config {
	return Config{
		L0CompactionTrigger: 4,
		LevelSizeMultiplier: 10,
		BaseLevelSizeBytes:  4 * 1024 * 1024,
		TargetFileSize:      8 * 1024 * 1024,
		BlockSize:           sstable.DefaultBlockSize,
	}
}

// LevelSizeLimit returns size_limit(i) = BaseLevelSizeBytes *
// Multiplier^(i-1) for level i >= 1. Level 0 has no size limit; it is
// triggered purely by file count.
func (c Config) LevelSizeLimit(level int) int64 {
	if level <= 0 {
		return 0
	}
	limit := c.BaseLevelSizeBytes
	for i := 1; i < level; i++ {
		limit *= c.LevelSizeMultiplier
	}
	return limit
}

// NeedsL0Compaction reports whether L0 holds more files than its
// trigger threshold.
func (c Config) NeedsL0Compaction(l0Files []manifest.FileMeta) bool {
	return len(l0Files) > c.L0CompactionTrigger
}

// NeedsLevelCompaction reports whether a non-zero level's total file
// size exceeds its size limit.
func (c Config) NeedsLevelCompaction(level int, files []manifest.FileMeta) bool {
	if level <= 0 {
		return false
	}
	var total int64
	for _, f := range files {
		total += f.FileSize
	}
	return total > c.LevelSizeLimit(level)
}

// KeyRangesOverlap reports whether [min1,max1] and [min2,max2]
// intersect.
func KeyRangesOverlap(min1, max1, min2, max2 []byte) bool {
	return record.Compare(max1, min2) >= 0 && record.Compare(max2, min1) >= 0
}

// overallRange returns the min/max key spanned by files.
func overallRange(files []manifest.FileMeta) (min, max []byte) {
	if len(files) == 0 {
		return nil, nil
	}
	min, max = files[0].FirstKey, files[0].LastKey
	for _, f := range files[1:] {
		if record.Compare(f.FirstKey, min) < 0 {
			min = f.FirstKey
		}
		if record.Compare(f.LastKey, max) > 0 {
			max = f.LastKey
		}
	}
	return min, max
}

// FindOverlapping returns the subset of targetFiles whose key range
// intersects the overall range spanned by sourceFiles.
func FindOverlapping(sourceFiles, targetFiles []manifest.FileMeta) []manifest.FileMeta {
	if len(sourceFiles) == 0 {
		return nil
	}
	min, max := overallRange(sourceFiles)

	var overlapping []manifest.FileMeta
	for _, f := range targetFiles {
		if KeyRangesOverlap(min, max, f.FirstKey, f.LastKey) {
			overlapping = append(overlapping, f)
		}
	}
	return overlapping
}

// heapItem is one live sstable iterator in the merge, ranked by key
// and then by priority (lower priority value wins ties, i.e. is
// newer).
type heapItem struct {
	it       *sstable.Iterator
	priority int
}

type mergeHeap []*heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := record.Compare(h[i].it.Key(), h[j].it.Key())
	if c != 0 {
		return c < 0
	}
	return h[i].priority < h[j].priority
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Source is one input table to a merge, in priority order (index 0 is
// the newest; on a key collision, the lowest index wins).
type Source struct {
	Reader *sstable.Reader
}

// Merge streams the union of inputs (newest-first priority, so
// duplicate keys resolve to the newest writer) into one or more new
// SSTables under outDir, splitting a new file every time the running
// size crosses cfg.TargetFileSize. When dropTombstones is true
// (compacting into the deepest configured level), tombstones are
// dropped from the output instead of carried forward. nextName
// returns an on-disk filename for each new output file created.
func Merge(sources []Source, outDir string, level int, cfg Config, dropTombstones bool, nextName func() string) ([]manifest.FileMeta, error) {
	h := &mergeHeap{}
	heap.Init(h)
	for i, s := range sources {
		it := s.Reader.NewIterator()
		if it.Next() {
			heap.Push(h, &heapItem{it: it, priority: i})
		}
	}

	var outputs []manifest.FileMeta
	var w *sstable.Writer
	var curPath string
	var curSize int64

	finishCurrent := func() error {
		if w == nil {
			return nil
		}
		if err := w.Finish(); err != nil {
			return err
		}
		outputs = append(outputs, manifest.FileMeta{
			Level:    level,
			Filename: curPath,
			FirstKey: w.FirstKey(),
			LastKey:  w.LastKey(),
			FileSize: curSize,
		})
		w = nil
		return nil
	}

	var lastKey []byte
	haveLastKey := false

	for h.Len() > 0 {
		top := (*h)[0]
		key := append([]byte(nil), top.it.Key()...)
		value := append([]byte(nil), top.it.Value()...)
		isTombstone := top.it.IsTombstone()

		// Drain every entry for this key (older duplicates), keeping
		// only the newest writer's version.
		for h.Len() > 0 && record.Compare((*h)[0].it.Key(), key) == 0 {
			item := heap.Pop(h).(*heapItem)
			if item.it.Next() {
				heap.Push(h, item)
			}
		}

		if haveLastKey && record.Compare(key, lastKey) == 0 {
			continue
		}
		lastKey = key
		haveLastKey = true

		if isTombstone && dropTombstones {
			continue
		}

		if w == nil {
			curPath = nextName()
			var err error
			w, err = sstable.NewWriter(curPath, 1024, cfg.BlockSize)
			if err != nil {
				return nil, fmt.Errorf("compaction: new writer: %w", err)
			}
			curSize = 0
		}

		kind := record.KindValue
		if isTombstone {
			kind = record.KindTombstone
		}
		if err := w.Add(key, value, kind); err != nil {
			return nil, fmt.Errorf("compaction: write merged record: %w", err)
		}
		curSize += int64(len(key) + len(value))

		if curSize >= cfg.TargetFileSize {
			if err := finishCurrent(); err != nil {
				return nil, err
			}
		}
	}

	if err := finishCurrent(); err != nil {
		return nil, err
	}
	return outputs, nil
}
