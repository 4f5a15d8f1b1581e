package memtable

// Arena is a bump allocator that owns the byte storage for every key and
// value copied into a MemTable. Individual allocations are never freed;
// the whole arena is discarded in one shot when the MemTable is cleared,
// which keeps flush-time teardown O(1) instead of walking every node.
type Arena struct {
	buf    []byte
	offset int
}

// NewArena creates an arena pre-sized to hint bytes (4096 when hint is
// not positive). The backing buffer grows via append whenever a copy
// would exceed it; growth is never an error.
func NewArena(hint int) *Arena {
	if hint <= 0 {
		hint = 4096
	}
	return &Arena{buf: make([]byte, 0, hint)}
}

// Copy appends a copy of b to the arena and returns a slice over the
// arena's own storage. The caller's b is never retained.
func (a *Arena) Copy(b []byte) []byte {
	if len(b) == 0 {
		if b == nil {
			return nil
		}
		return a.buf[a.offset:a.offset]
	}
	start := len(a.buf)
	a.buf = append(a.buf, b...)
	a.offset = len(a.buf)
	return a.buf[start:len(a.buf):len(a.buf)]
}

// Size returns the number of bytes currently held by the arena.
func (a *Arena) Size() int { return len(a.buf) }

// Reset discards all allocations in one bump-reset, reusing the
// underlying buffer's capacity for the next MemTable generation.
func (a *Arena) Reset() {
	a.buf = a.buf[:0]
	a.offset = 0
}
