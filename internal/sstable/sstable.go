// Package sstable implements the on-disk sorted string table: a
// streaming block writer, a point-lookup/iterator reader, and the
// sibling bloom filter file. Data is organized as length+CRC-framed
// blocks, a sparse index recording each block's first key and offset,
// and a fixed footer. Blocks are flushed to disk as soon as the open
// block's unframed size crosses the target, so a reader never has to
// guess where a block ends and the writer never buffers a whole table
// in memory.
package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/nyasuto/emberdb/internal/bloom"
	"github.com/nyasuto/emberdb/internal/cache"
	"github.com/nyasuto/emberdb/internal/record"
)

// compressedMarkerSuffix flags a table's data blocks as zstd-compressed.
// Its mere presence, not its content, is the signal; an empty sibling
// file keeps Open's footer/index parsing identical either way. Leaving
// compression off (the default) keeps the data section byte-for-byte
// identical to the uncompressed wire format.
const compressedMarkerSuffix = ".zst"

func compressedMarkerPath(dataPath string) string { return dataPath + compressedMarkerSuffix }

// DefaultBlockSize is the target size, in unframed bytes, for a data
// block before it is flushed.
const DefaultBlockSize = 4 * 1024

const tombstoneSentinel = ^uint64(0) // u64::MAX marks a tombstone

// footerSize is the fixed 8-byte footer: [u64 index_section_offset].
const footerSize = 8

// ErrCorrupt is returned when a block's checksum fails to verify or a
// framed section is truncated.
var ErrCorrupt = fmt.Errorf("sstable: corrupt data")

// IndexEntry is one sparse-index record: the first key of a data
// block and that block's file offset.
type IndexEntry struct {
	FirstKey []byte
	Offset   uint64
}

// filterFilePath returns the conventional sibling path for a table's
// bloom-filter file.
func filterFilePath(dataPath string) string {
	return dataPath + ".filter"
}

// Writer accepts records in strictly ascending key order and produces
// a data file plus its sibling bloom filter file.
type Writer struct {
	f         *os.File
	bw        *bufio.Writer
	path      string
	blockSize int

	pending      []byte // unframed records accumulated for the open block
	pendingFirst []byte // first key seen in the open block
	offset       uint64 // current file write offset

	index  []IndexEntry
	filter *bloom.Filter

	firstKey []byte
	lastKey  []byte
	count    uint64

	compress bool
	zenc     *zstd.Encoder
}

// Option configures an optional Writer behavior. The zero value of
// Writer (no options) always produces the plain, uncompressed wire
// format.
type Option func(*Writer)

// WithCompression zstd-compresses each data block before framing it.
// The block length and CRC in the on-disk framing describe the
// compressed bytes; a sibling marker file tells Open to
// decompress on read.
func WithCompression() Option {
	return func(w *Writer) { w.compress = true }
}

// NewWriter creates path and prepares to stream records into it.
// expectedKeys sizes the bloom filter; blockSize <= 0 uses
// DefaultBlockSize.
func NewWriter(path string, expectedKeys uint64, blockSize int, opts ...Option) (*Writer, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	f, err := os.Create(path) // #nosec G304 - path is constructed by the caller from its own data directory
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", path, err)
	}
	w := &Writer{
		f:         f,
		bw:        bufio.NewWriter(f),
		path:      path,
		blockSize: blockSize,
		filter:    bloom.New(expectedKeys, 0.01),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.compress {
		enc, encErr := zstd.NewWriter(nil)
		if encErr != nil {
			_ = f.Close()
			return nil, fmt.Errorf("sstable: new zstd encoder: %w", encErr)
		}
		w.zenc = enc
	}
	return w, nil
}

// Add appends key/value in ascending key order. value is ignored when
// kind is record.KindTombstone.
func (w *Writer) Add(key, value []byte, kind record.Kind) error {
	if len(w.pending) == 0 {
		w.pendingFirst = append([]byte(nil), key...)
	}
	if w.firstKey == nil {
		w.firstKey = append([]byte(nil), key...)
	}
	w.lastKey = append([]byte(nil), key...)
	w.count++
	w.filter.Add(key)

	valueLen := tombstoneSentinel
	if kind != record.KindTombstone {
		valueLen = uint64(len(value))
	}

	rec := make([]byte, 8+len(key)+8+len(value))
	off := 0
	binary.LittleEndian.PutUint64(rec[off:], uint64(len(key)))
	off += 8
	copy(rec[off:], key)
	off += len(key)
	binary.LittleEndian.PutUint64(rec[off:], valueLen)
	off += 8
	if kind != record.KindTombstone {
		copy(rec[off:], value)
	}

	w.pending = append(w.pending, rec...)
	if len(w.pending) >= w.blockSize {
		return w.flushBlock()
	}
	return nil
}

// flushBlock frame-writes the open block, if any, and advances the
// write offset.
func (w *Writer) flushBlock() error {
	if len(w.pending) == 0 {
		return nil
	}

	body := w.pending
	if w.compress {
		body = w.zenc.EncodeAll(w.pending, nil)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(body)))
	if _, err := w.bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.bw.Write(body); err != nil {
		return err
	}
	crc := crc32.ChecksumIEEE(body)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	if _, err := w.bw.Write(crcBuf[:]); err != nil {
		return err
	}

	w.index = append(w.index, IndexEntry{FirstKey: w.pendingFirst, Offset: w.offset})
	w.offset += uint64(8 + len(body) + 4)
	w.pending = w.pending[:0]
	w.pendingFirst = nil
	return nil
}

// Finish flushes any partial block, writes the sparse index and
// footer, fsyncs, and closes the file.
func (w *Writer) Finish() error {
	if err := w.flushBlock(); err != nil {
		return err
	}

	indexOffset := w.offset
	for _, e := range w.index {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(len(e.FirstKey)))
		if _, err := w.bw.Write(buf[:]); err != nil {
			return err
		}
		if _, err := w.bw.Write(e.FirstKey); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(buf[:], e.Offset)
		if _, err := w.bw.Write(buf[:]); err != nil {
			return err
		}
	}

	var footer [footerSize]byte
	binary.LittleEndian.PutUint64(footer[:], indexOffset)
	if _, err := w.bw.Write(footer[:]); err != nil {
		return err
	}

	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}

	filterData := w.filter.Encode()
	if err := os.WriteFile(filterFilePath(w.path), filterData, 0o600); err != nil {
		return fmt.Errorf("sstable: write filter: %w", err)
	}

	if w.compress {
		w.zenc.Close()
		if err := os.WriteFile(compressedMarkerPath(w.path), nil, 0o600); err != nil {
			return fmt.Errorf("sstable: write compression marker: %w", err)
		}
	}
	return nil
}

// Abort closes and removes a partially-written table, used when the
// caller gives up before Finish.
func (w *Writer) Abort() error {
	_ = w.f.Close()
	return os.Remove(w.path)
}

// Count returns the number of records written so far.
func (w *Writer) Count() uint64 { return w.count }

// FirstKey and LastKey report the observed key range; both are nil
// until at least one Add call has been made.
func (w *Writer) FirstKey() []byte { return w.firstKey }
func (w *Writer) LastKey() []byte  { return w.lastKey }

// Reader opens a finished table for point lookups and iteration.
type Reader struct {
	path        string
	f           *os.File
	index       []IndexEntry
	indexOffset uint64
	filter      *bloom.Filter
	cache       *cache.Cache

	compressed bool
	zdec       *zstd.Decoder
}

// Open reads the footer and sparse index of an existing table and
// loads its sibling bloom filter, if present. A nil cache disables
// block caching.
func Open(path string, blockCache *cache.Cache) (*Reader, error) {
	f, err := os.Open(path) // #nosec G304 - path is constructed by the caller from its own data directory
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if stat.Size() < footerSize {
		_ = f.Close()
		return nil, fmt.Errorf("%w: file too small for footer", ErrCorrupt)
	}

	var footer [footerSize]byte
	if _, err := f.ReadAt(footer[:], stat.Size()-footerSize); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: read footer: %w", err)
	}
	indexOffset := binary.LittleEndian.Uint64(footer[:])

	r := &Reader{path: path, f: f, indexOffset: indexOffset, cache: blockCache}
	if err := r.readIndex(stat.Size()); err != nil {
		_ = f.Close()
		return nil, err
	}

	if data, err := os.ReadFile(filterFilePath(path)); err == nil {
		filter, ferr := bloom.Decode(data)
		if ferr == nil {
			r.filter = filter
		}
	}

	if _, err := os.Stat(compressedMarkerPath(path)); err == nil {
		dec, derr := zstd.NewReader(nil)
		if derr != nil {
			_ = f.Close()
			return nil, fmt.Errorf("sstable: new zstd decoder: %w", derr)
		}
		r.compressed = true
		r.zdec = dec
	}

	return r, nil
}

func (r *Reader) readIndex(fileSize int64) error {
	section := fileSize - footerSize - int64(r.indexOffset)
	if section < 0 {
		return fmt.Errorf("%w: index offset past footer", ErrCorrupt)
	}
	buf := make([]byte, section)
	if _, err := r.f.ReadAt(buf, int64(r.indexOffset)); err != nil && err != io.EOF {
		return fmt.Errorf("sstable: read index: %w", err)
	}

	off := 0
	for off < len(buf) {
		if off+8 > len(buf) {
			return fmt.Errorf("%w: truncated index entry", ErrCorrupt)
		}
		keyLen := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		if off+int(keyLen)+8 > len(buf) {
			return fmt.Errorf("%w: truncated index entry", ErrCorrupt)
		}
		key := append([]byte(nil), buf[off:off+int(keyLen)]...)
		off += int(keyLen)
		blockOffset := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		r.index = append(r.index, IndexEntry{FirstKey: key, Offset: blockOffset})
	}
	return nil
}

// Path returns the table's data file path.
func (r *Reader) Path() string { return r.path }

// NumBlocks reports the number of data blocks.
func (r *Reader) NumBlocks() int { return len(r.index) }

// MightContain reports whether the filter allows key to be present.
// A nil filter (missing sibling file) always allows.
func (r *Reader) MightContain(key []byte) bool {
	if r.filter == nil {
		return true
	}
	return r.filter.Contains(key)
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.zdec != nil {
		r.zdec.Close()
	}
	return r.f.Close()
}

// readBlock loads the decoded record bytes of the block starting at
// fileOffset, consulting and populating the block cache.
func (r *Reader) readBlock(fileOffset uint64) ([]byte, error) {
	if r.cache != nil {
		if b, ok := r.cache.Get(cache.Key{Filename: r.path, Offset: int64(fileOffset)}); ok {
			return b, nil
		}
	}

	var lenBuf [8]byte
	if _, err := r.f.ReadAt(lenBuf[:], int64(fileOffset)); err != nil {
		return nil, fmt.Errorf("sstable: read block length: %w", err)
	}
	blockLen := binary.LittleEndian.Uint64(lenBuf[:])

	body := make([]byte, blockLen)
	if _, err := r.f.ReadAt(body, int64(fileOffset)+8); err != nil {
		return nil, fmt.Errorf("sstable: read block body: %w", err)
	}

	var crcBuf [4]byte
	if _, err := r.f.ReadAt(crcBuf[:], int64(fileOffset)+8+int64(blockLen)); err != nil {
		return nil, fmt.Errorf("sstable: read block crc: %w", err)
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, fmt.Errorf("%w: block checksum mismatch at offset %d", ErrCorrupt, fileOffset)
	}

	if r.compressed {
		decoded, derr := r.zdec.DecodeAll(body, nil)
		if derr != nil {
			return nil, fmt.Errorf("%w: zstd decode: %v", ErrCorrupt, derr)
		}
		body = decoded
	}

	if r.cache != nil {
		r.cache.Put(cache.Key{Filename: r.path, Offset: int64(fileOffset)}, body)
	}
	return body, nil
}

// Lookup performs a point lookup. ok is false if the key is absent.
// When ok is true, kind distinguishes a live value from a tombstone.
func (r *Reader) Lookup(key []byte) (value []byte, ok bool, kind record.Kind, err error) {
	if !r.MightContain(key) {
		return nil, false, 0, nil
	}

	idx := -1
	for i, e := range r.index {
		if record.Compare(e.FirstKey, key) <= 0 {
			idx = i
		} else {
			break
		}
	}
	if idx < 0 {
		return nil, false, 0, nil
	}

	block, err := r.readBlock(r.index[idx].Offset)
	if err != nil {
		return nil, false, 0, err
	}

	off := 0
	for off < len(block) {
		if off+8 > len(block) {
			return nil, false, 0, fmt.Errorf("%w: truncated record", ErrCorrupt)
		}
		keyLen := binary.LittleEndian.Uint64(block[off:])
		off += 8
		if off+int(keyLen)+8 > len(block) {
			return nil, false, 0, fmt.Errorf("%w: truncated record", ErrCorrupt)
		}
		recKey := block[off : off+int(keyLen)]
		off += int(keyLen)
		valueLen := binary.LittleEndian.Uint64(block[off:])
		off += 8

		cmp := record.Compare(recKey, key)
		if cmp > 0 {
			return nil, false, 0, nil
		}
		if cmp == 0 {
			if valueLen == tombstoneSentinel {
				return nil, true, record.KindTombstone, nil
			}
			if off+int(valueLen) > len(block) {
				return nil, false, 0, fmt.Errorf("%w: truncated value", ErrCorrupt)
			}
			v := append([]byte(nil), block[off:off+int(valueLen)]...)
			return v, true, record.KindValue, nil
		}

		if valueLen != tombstoneSentinel {
			off += int(valueLen)
		}
	}
	return nil, false, 0, nil
}

// Iterator performs a forward sequential scan of a table's records.
// Key/value slices are owned by the iterator and invalidated by the
// next call to Next or Close.
type Iterator struct {
	r        *Reader
	blockIdx int
	block    []byte
	recOff   int
	valid    bool
	key      []byte
	value    []byte
	kind     record.Kind
}

// NewIterator returns an iterator positioned before the first record.
// Call Next once to load the first record.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, blockIdx: -1}
}

// Valid reports whether the iterator currently points at a record.
func (it *Iterator) Valid() bool { return it.valid }

// Key, Value, Kind, and IsTombstone expose the current record.
func (it *Iterator) Key() []byte       { return it.key }
func (it *Iterator) Value() []byte     { return it.value }
func (it *Iterator) Kind() record.Kind { return it.kind }
func (it *Iterator) IsTombstone() bool { return it.kind == record.KindTombstone }

// Next advances to the next record, loading the next block when the
// current one is exhausted. It returns false (and sets Valid to
// false) once the data section is exhausted.
func (it *Iterator) Next() bool {
	for {
		if it.blockIdx < 0 || it.recOff >= len(it.block) {
			it.blockIdx++
			if it.blockIdx >= len(it.r.index) {
				it.valid = false
				return false
			}
			block, err := it.r.readBlock(it.r.index[it.blockIdx].Offset)
			if err != nil {
				it.valid = false
				return false
			}
			it.block = block
			it.recOff = 0
			if len(it.block) == 0 {
				continue
			}
		}

		off := it.recOff
		keyLen := binary.LittleEndian.Uint64(it.block[off:])
		off += 8
		key := it.block[off : off+int(keyLen)]
		off += int(keyLen)
		valueLen := binary.LittleEndian.Uint64(it.block[off:])
		off += 8

		var value []byte
		kind := record.KindValue
		if valueLen == tombstoneSentinel {
			kind = record.KindTombstone
		} else {
			value = it.block[off : off+int(valueLen)]
			off += int(valueLen)
		}

		it.key, it.value, it.kind = key, value, kind
		it.recOff = off
		it.valid = true
		return true
	}
}

// Close releases the iterator's reference to its block buffer.
func (it *Iterator) Close() error {
	it.block = nil
	it.key, it.value = nil, nil
	it.valid = false
	return nil
}
