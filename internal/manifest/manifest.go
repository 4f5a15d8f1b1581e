// Package manifest records the durable set of SSTables that make up a
// database: which file lives at which level, and the key range it
// covers. Saves are atomic via write-to-temp-then-rename, and records
// use the same length-prefixed field encoding as sstable and
// wal.
package manifest

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

const (
	fileName      = "manifest"
	tmpFileName   = "manifest.tmp"
	formatVersion = 1
)

// ErrCorrupt signals a manifest file truncated mid-record.
var ErrCorrupt = fmt.Errorf("manifest: corrupt data")

// FileMeta describes one SSTable tracked by the manifest. Sequence is
// the engine's monotone counter value at the moment this file was
// created (memtable flush or compaction output); it orders
// potentially-overlapping L0 files by recency independent of
// filesystem timestamps.
type FileMeta struct {
	Level    int
	Filename string
	FirstKey []byte
	LastKey  []byte
	FileSize int64
	Sequence uint64
}

// Manifest is the in-memory, mutable view of the durable file set. It
// is not safe for concurrent use; callers serialize access (the
// engine holds its own mutex around manifest mutations).
type Manifest struct {
	dir      string
	Sequence uint64
	Files    []FileMeta
}

// New returns an empty manifest rooted at dir. It is not written to
// disk until Save is called.
func New(dir string) *Manifest {
	return &Manifest{dir: dir}
}

func path(dir string) string    { return filepath.Join(dir, fileName) }
func tmpPath(dir string) string { return filepath.Join(dir, tmpFileName) }

// Load reads an existing manifest from dir. It returns (nil, nil) if
// no manifest file exists yet (a fresh database).
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(path(dir)) // #nosec G304 - dir is the caller's own data directory
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: read: %w", err)
	}

	m := &Manifest{dir: dir}
	if err := m.decode(data); err != nil {
		return nil, err
	}
	return m, nil
}

// decode parses the manifest wire format: a fixed header
// [u32 version][u64 sequence][u32 file_count] followed by one record
// per file: [u32 level][u64 name_len][name][u64 first_len][first]
// [u64 last_len][last][u64 filesize][u64 sequence]. A short read that lands exactly
// on a record boundary is tolerated as an incomplete-tail write; any
// short read inside a record is fatal.
func (m *Manifest) decode(data []byte) error {
	if len(data) < 4+8+4 {
		if len(data) == 0 {
			return nil
		}
		return fmt.Errorf("%w: truncated header", ErrCorrupt)
	}

	off := 0
	version := binary.LittleEndian.Uint32(data[off:])
	off += 4
	if version != formatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, version)
	}
	m.Sequence = binary.LittleEndian.Uint64(data[off:])
	off += 8
	fileCount := binary.LittleEndian.Uint32(data[off:])
	off += 4

	for i := uint32(0); i < fileCount; i++ {
		rec, next, err := decodeRecord(data, off)
		if err != nil {
			// A truncated final record is only tolerable if it starts
			// exactly at the current offset with zero bytes remaining;
			// anything else is a torn write mid-record.
			if off == len(data) {
				break
			}
			return err
		}
		m.Files = append(m.Files, rec)
		off = next
	}
	return nil
}

func decodeRecord(data []byte, off int) (FileMeta, int, error) {
	var rec FileMeta
	if off+4+8 > len(data) {
		return rec, 0, fmt.Errorf("%w: truncated record header", ErrCorrupt)
	}
	rec.Level = int(int32(binary.LittleEndian.Uint32(data[off:])))
	off += 4
	nameLen := binary.LittleEndian.Uint64(data[off:])
	off += 8
	if off+int(nameLen) > len(data) {
		return rec, 0, fmt.Errorf("%w: truncated filename", ErrCorrupt)
	}
	rec.Filename = string(data[off : off+int(nameLen)])
	off += int(nameLen)

	if off+8 > len(data) {
		return rec, 0, fmt.Errorf("%w: truncated firstkey length", ErrCorrupt)
	}
	firstLen := binary.LittleEndian.Uint64(data[off:])
	off += 8
	if off+int(firstLen) > len(data) {
		return rec, 0, fmt.Errorf("%w: truncated firstkey", ErrCorrupt)
	}
	rec.FirstKey = append([]byte(nil), data[off:off+int(firstLen)]...)
	off += int(firstLen)

	if off+8 > len(data) {
		return rec, 0, fmt.Errorf("%w: truncated lastkey length", ErrCorrupt)
	}
	lastLen := binary.LittleEndian.Uint64(data[off:])
	off += 8
	if off+int(lastLen) > len(data) {
		return rec, 0, fmt.Errorf("%w: truncated lastkey", ErrCorrupt)
	}
	rec.LastKey = append([]byte(nil), data[off:off+int(lastLen)]...)
	off += int(lastLen)

	if off+8 > len(data) {
		return rec, 0, fmt.Errorf("%w: truncated filesize", ErrCorrupt)
	}
	rec.FileSize = int64(binary.LittleEndian.Uint64(data[off:]))
	off += 8

	if off+8 > len(data) {
		return rec, 0, fmt.Errorf("%w: truncated sequence", ErrCorrupt)
	}
	rec.Sequence = binary.LittleEndian.Uint64(data[off:])
	off += 8

	return rec, off, nil
}

// Save writes the manifest atomically: encode in full, write to a
// temp file in dir, fsync, then rename over the canonical path.
func (m *Manifest) Save() error {
	data := m.encode()

	tmp := tmpPath(m.dir)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) // #nosec G304 - tmp is derived from the caller's data directory
	if err != nil {
		return fmt.Errorf("manifest: create temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("manifest: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("manifest: sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("manifest: close temp: %w", err)
	}
	if err := os.Rename(tmp, path(m.dir)); err != nil {
		return fmt.Errorf("manifest: rename: %w", err)
	}
	return nil
}

func (m *Manifest) encode() []byte {
	size := 4 + 8 + 4
	for _, f := range m.Files {
		size += 4 + 8 + len(f.Filename) + 8 + len(f.FirstKey) + 8 + len(f.LastKey) + 8 + 8
	}

	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], formatVersion)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], m.Sequence)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(m.Files)))
	off += 4

	for _, fi := range m.Files {
		binary.LittleEndian.PutUint32(buf[off:], uint32(int32(fi.Level)))
		off += 4
		binary.LittleEndian.PutUint64(buf[off:], uint64(len(fi.Filename)))
		off += 8
		off += copy(buf[off:], fi.Filename)
		binary.LittleEndian.PutUint64(buf[off:], uint64(len(fi.FirstKey)))
		off += 8
		off += copy(buf[off:], fi.FirstKey)
		binary.LittleEndian.PutUint64(buf[off:], uint64(len(fi.LastKey)))
		off += 8
		off += copy(buf[off:], fi.LastKey)
		binary.LittleEndian.PutUint64(buf[off:], uint64(fi.FileSize))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], fi.Sequence)
		off += 8
	}
	return buf
}

// NextSequence increments and returns the persisted sequence counter.
// Callers are responsible for eventually calling Save to persist it.
func (m *Manifest) NextSequence() uint64 {
	m.Sequence++
	return m.Sequence
}

// LevelFiles returns the files tracked at the given level, in
// manifest order (not necessarily key order).
func (m *Manifest) LevelFiles(level int) []FileMeta {
	var out []FileMeta
	for _, f := range m.Files {
		if f.Level == level {
			out = append(out, f)
		}
	}
	return out
}

// MaxLevel returns the highest level with at least one tracked file,
// or -1 if the manifest is empty.
func (m *Manifest) MaxLevel() int {
	max := -1
	for _, f := range m.Files {
		if f.Level > max {
			max = f.Level
		}
	}
	return max
}

// AddFile records a new file at level.
func (m *Manifest) AddFile(fm FileMeta) {
	m.Files = append(m.Files, fm)
}

// RemoveFiles drops every tracked file whose Filename is in names.
func (m *Manifest) RemoveFiles(names map[string]bool) {
	kept := m.Files[:0]
	for _, f := range m.Files {
		if !names[f.Filename] {
			kept = append(kept, f)
		}
	}
	m.Files = kept
}
