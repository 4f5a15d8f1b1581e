// Package bloom implements a per-sstable bloom filter: a probabilistic
// membership test with no false negatives, used as a negative-lookup
// shortcut before touching disk.
package bloom

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Filter is a fixed-size bit array plus a Kirsch–Mitzenmacher double-
// hash family: bit_i = (h1 + i*h2) mod m, for i in [0, k).
type Filter struct {
	bits    []byte
	mBits   uint64
	kHashes uint32
	count   uint64 // items added, for diagnostics only
}

// New sizes a filter for expectedItems at the target false-positive
// rate p:
//
//	m_bits = round(-(n*ln p) / (ln 2)^2)
//	k_hash = max(1, round((m_bits/n) * ln 2))
func New(expectedItems uint64, falsePositiveRate float64) *Filter {
	if expectedItems == 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	n := float64(expectedItems)
	m := math.Round(-(n * math.Log(falsePositiveRate)) / (math.Ln2 * math.Ln2))
	if m < 8 {
		m = 8
	}
	k := math.Round((m / n) * math.Ln2)
	if k < 1 {
		k = 1
	}

	mBits := uint64(m)
	return &Filter{
		bits:    make([]byte, (mBits+7)/8),
		mBits:   mBits,
		kHashes: uint32(k),
	}
}

// hash2 returns the two independent 64-bit hashes combined via
// Kirsch–Mitzenmacher into k probe positions.
func hash2(key []byte) (h1, h2 uint64) {
	h1 = xxhash.Sum64(key)
	// A cheap, distinct second hash: hash the key again with a
	// one-byte salt prefix, matching the pack's "prefixed key" double
	// hashing idiom.
	salted := make([]byte, len(key)+1)
	salted[0] = 0x5a
	copy(salted[1:], key)
	h2 = xxhash.Sum64(salted)
	if h2 == 0 {
		h2 = 0x9e3779b97f4a7c15
	}
	return h1, h2
}

// Add records key's membership.
func (f *Filter) Add(key []byte) {
	h1, h2 := hash2(key)
	for i := uint32(0); i < f.kHashes; i++ {
		bit := (h1 + uint64(i)*h2) % f.mBits
		f.bits[bit/8] |= 1 << (bit % 8)
	}
	f.count++
}

// Contains reports whether key may be in the set. False means
// definitely absent; true means possibly present.
func (f *Filter) Contains(key []byte) bool {
	h1, h2 := hash2(key)
	for i := uint32(0); i < f.kHashes; i++ {
		bit := (h1 + uint64(i)*h2) % f.mBits
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// Encode writes the filter's on-disk format: [u64 m_bits][u64
// k_hashes][bit-array bytes].
func (f *Filter) Encode() []byte {
	out := make([]byte, 16+len(f.bits))
	binary.LittleEndian.PutUint64(out[0:8], f.mBits)
	binary.LittleEndian.PutUint64(out[8:16], uint64(f.kHashes))
	copy(out[16:], f.bits)
	return out
}

// Decode parses a filter previously written by Encode.
func Decode(b []byte) (*Filter, error) {
	if len(b) < 16 {
		return nil, fmt.Errorf("bloom: truncated header")
	}
	mBits := binary.LittleEndian.Uint64(b[0:8])
	kHashes := binary.LittleEndian.Uint64(b[8:16])
	bitBytes := b[16:]
	if mBits == 0 || kHashes == 0 {
		return nil, fmt.Errorf("bloom: invalid header")
	}
	want := (mBits + 7) / 8
	if uint64(len(bitBytes)) != want {
		return nil, fmt.Errorf("bloom: bit-array length mismatch: got %d want %d", len(bitBytes), want)
	}
	f := &Filter{
		bits:    append([]byte(nil), bitBytes...),
		mBits:   mBits,
		kHashes: uint32(kHashes),
	}
	return f, nil
}
