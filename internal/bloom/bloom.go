// Package bloom implements the probabilistic membership filter SSTables use
// to skip a block scan for keys that are definitely absent.
package bloom

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// DefaultFalsePositiveRate is used when a caller doesn't request a specific
// rate: a 1% target.
const DefaultFalsePositiveRate = 0.01

// Filter is a Bloom filter over opaque byte keys. False positives are
// possible; false negatives are not.
type Filter struct {
	bits      []byte
	numBits   uint64
	numHashes uint32
}

// New sizes a filter for expectedKeys items at the given false positive
// rate using the standard formulas:
//
//	m = ceil(-n * ln(p) / ln(2)^2)   (bits)
//	k = round(m / n * ln(2))          (hash functions)
func New(expectedKeys uint64, falsePositiveRate float64) *Filter {
	if expectedKeys == 0 {
		expectedKeys = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = DefaultFalsePositiveRate
	}

	n := float64(expectedKeys)
	m := math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	k := math.Round(m / n * math.Ln2)

	numBits := uint64(m)
	if numBits < 8 {
		numBits = 8
	}
	numHashes := uint32(k)
	if numHashes < 1 {
		numHashes = 1
	}

	return &Filter{
		bits:      make([]byte, (numBits+7)/8),
		numBits:   numBits,
		numHashes: numHashes,
	}
}

// Add records key as a member of the set.
func (f *Filter) Add(key []byte) {
	h1, h2 := f.seedHashes(key)
	for i := uint32(0); i < f.numHashes; i++ {
		bit := f.bitIndex(h1, h2, i)
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// Contains reports whether key might be a member of the set. A false
// result is definitive; a true result may be a false positive.
func (f *Filter) Contains(key []byte) bool {
	h1, h2 := f.seedHashes(key)
	for i := uint32(0); i < f.numHashes; i++ {
		bit := f.bitIndex(h1, h2, i)
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// bitIndex implements Kirsch-Mitzenmacher double hashing: h(i) = h1 + i*h2.
func (f *Filter) bitIndex(h1, h2 uint64, i uint32) uint64 {
	return (h1 + uint64(i)*h2) % f.numBits
}

// seedHashes derives two 64-bit digests from two xxhash passes (the second
// over the key followed by a 0xff byte), deterministically, so a filter
// written to disk is readable without re-hashing keys with a different
// algorithm.
func (f *Filter) seedHashes(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)
	d := xxhash.New()
	d.Write(key)
	d.Write([]byte{0xff})
	h2 := d.Sum64()
	return h1, h2
}

// Stats reports bit-array occupancy, useful for operability tooling built
// on top of the core (compaction heuristics, manifest reporting).
func (f *Filter) Stats() map[string]any {
	set := 0
	for _, b := range f.bits {
		set += popcount(b)
	}
	fill := float64(set) / float64(f.numBits)
	fpr := 1.0
	for i := uint32(0); i < f.numHashes; i++ {
		fpr *= fill
	}
	return map[string]any{
		"num_bits":      f.numBits,
		"num_hashes":    f.numHashes,
		"bits_set":      set,
		"fill_ratio":    fill,
		"estimated_fpr": fpr,
		"bytes":         len(f.bits),
	}
}

func popcount(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}

// Marshal produces the filter's stable on-disk form:
// num_bits(8) || num_hashes(4) || bits. All integers big-endian, matching
// the rest of the SSTable format.
func (f *Filter) Marshal() []byte {
	buf := make([]byte, 12+len(f.bits))
	binary.BigEndian.PutUint64(buf[0:8], f.numBits)
	binary.BigEndian.PutUint32(buf[8:12], f.numHashes)
	copy(buf[12:], f.bits)
	return buf
}

// Unmarshal reconstructs a Filter from bytes produced by Marshal.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("bloom: truncated filter: %d bytes", len(data))
	}
	numBits := binary.BigEndian.Uint64(data[0:8])
	numHashes := binary.BigEndian.Uint32(data[8:12])
	bits := make([]byte, len(data)-12)
	copy(bits, data[12:])

	wantBytes := (numBits + 7) / 8
	if uint64(len(bits)) != wantBytes {
		return nil, fmt.Errorf("bloom: bit array size mismatch: want %d bytes, got %d", wantBytes, len(bits))
	}

	return &Filter{bits: bits, numBits: numBits, numHashes: numHashes}, nil
}
