// Package wal implements the write-ahead log: an append-only, crash-
// recoverable redo log for every mutation applied to the live
// MemTable. Every record is forced to storage before Append returns.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"

	"github.com/nyasuto/emberdb/internal/record"
)

// opTag distinguishes a put from a delete in the WAL's own framing, so
// value_len=0 under opPut is a legal empty value, never confused with
// a tombstone.
type opTag uint8

const (
	opPut opTag = iota + 1
	opDelete
)

// headerSize is len(op) + len(keyLen) + len(valueLen).
const headerSize = 1 + 4 + 4

// WAL is the append-only redo log backing one MemTable generation.
// Every Append synchronously forces its record to storage before
// returning, rather than batching into a background flush, so a
// successful Append is durable immediately.
type WAL struct {
	file *os.File
	path string
}

// Open creates or appends to the WAL file at path.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	return &WAL{file: f, path: path}, nil
}

// Path returns the WAL's file path.
func (w *WAL) Path() string { return w.path }

// Append writes one framed record and forces it to storage before
// returning. A short write or a failed Sync is fatal to the caller's
// MemTable generation: the affected write must not be considered
// durable.
func (w *WAL) Append(key, value []byte, kind record.Kind) error {
	if len(key) == 0 {
		return ErrInvalidArgument
	}

	op := opPut
	if kind == record.KindTombstone {
		op = opDelete
		value = nil
	}

	buf := make([]byte, headerSize+len(key)+len(value))
	buf[0] = byte(op)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(value)))
	copy(buf[headerSize:], key)
	copy(buf[headerSize+len(key):], value)

	crc := crc32.ChecksumIEEE(buf)
	crcBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcBuf, crc)

	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("wal: short write: %w", err)
	}
	if _, err := w.file.Write(crcBuf); err != nil {
		return fmt.Errorf("wal: short write (checksum): %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	return nil
}

// Applier receives every record replayed from the log in order.
type Applier interface {
	Put(key, value []byte, kind record.Kind, seq uint64)
}

// Recover replays every framed record from offset 0 into dst,
// assigning each a monotonically increasing sequence number starting
// at startSeq. It returns the next unused sequence number. A short
// read exactly at a record boundary is a clean end-of-log; a short
// read mid-record (or a checksum mismatch) is a corrupt tail, which is
// truncated from the file with a logged warning. After Recover the file cursor is positioned at end-of-log, ready for
// further Append calls.
func (w *WAL) Recover(dst Applier, startSeq uint64) (nextSeq uint64, err error) {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return startSeq, fmt.Errorf("wal: seek: %w", err)
	}

	seq := startSeq
	r := &reader{f: w.file}
	var goodEnd int64 // offset just past the last intact record
	for {
		key, value, kind, ok, rerr := r.next()
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			log.Printf("wal: discarding corrupt tail of %s: %v", w.path, rerr)
			if err := w.file.Truncate(goodEnd); err != nil {
				return seq, fmt.Errorf("wal: truncate corrupt tail: %w", err)
			}
			break
		}
		if !ok {
			break
		}
		dst.Put(key, value, kind, seq)
		seq++
		if goodEnd, err = w.file.Seek(0, io.SeekCurrent); err != nil {
			return seq, fmt.Errorf("wal: seek: %w", err)
		}
	}

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return seq, fmt.Errorf("wal: seek to end: %w", err)
	}
	return seq, nil
}

// reader decodes framed records sequentially from a WAL file.
type reader struct {
	f *os.File
}

// next decodes one record. ok is false only on a clean end-of-log
// (header boundary short read); err is non-nil on a mid-record short
// read or checksum mismatch.
func (r *reader) next() (key, value []byte, kind record.Kind, ok bool, err error) {
	header := make([]byte, headerSize)
	n, rerr := io.ReadFull(r.f, header)
	if rerr == io.EOF && n == 0 {
		return nil, nil, 0, false, io.EOF
	}
	if rerr != nil {
		return nil, nil, 0, false, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}

	op := opTag(header[0])
	keyLen := binary.LittleEndian.Uint32(header[1:5])
	valueLen := binary.LittleEndian.Uint32(header[5:9])

	payload := make([]byte, keyLen+valueLen)
	if _, rerr := io.ReadFull(r.f, payload); rerr != nil {
		return nil, nil, 0, false, fmt.Errorf("%w: truncated payload", ErrCorrupt)
	}

	crcBuf := make([]byte, 4)
	if _, rerr := io.ReadFull(r.f, crcBuf); rerr != nil {
		return nil, nil, 0, false, fmt.Errorf("%w: truncated checksum", ErrCorrupt)
	}

	full := make([]byte, 0, headerSize+len(payload))
	full = append(full, header...)
	full = append(full, payload...)
	if crc32.ChecksumIEEE(full) != binary.LittleEndian.Uint32(crcBuf) {
		return nil, nil, 0, false, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	key = payload[:keyLen]
	value = payload[keyLen:]
	if op == opDelete {
		kind = record.KindTombstone
		value = nil
	} else {
		kind = record.KindValue
	}
	return key, value, kind, true, nil
}

// Rotate closes and removes the current log file, then opens a fresh
// empty one at the same path. Must only be called after the MemTable
// generation this log backed has been durably flushed and published.
func (w *WAL) Rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close for rotate: %w", err)
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wal: remove old log: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("wal: reopen after rotate: %w", err)
	}
	w.file = f
	return nil
}

// Close closes the underlying file handle.
func (w *WAL) Close() error {
	return w.file.Close()
}
