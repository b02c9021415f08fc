package storage

import (
	"encoding/binary"
	"math"
)

// BloomFilter is a space-efficient probabilistic set-membership test used
// to short-circuit negative SSTable lookups. It never produces false
// negatives.
type BloomFilter struct {
	bits     []uint64
	size     uint64
	hashFunc uint64
}

// NewBloomFilter sizes a filter for expectedItems entries at the given
// target false-positive rate, using the standard m = -n*ln(p)/(ln2)^2,
// k = (m/n)*ln2 derivation.
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	n := float64(expectedItems)
	m := math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	if m < 64 {
		m = 64
	}
	k := uint64(math.Round((m / n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	size := uint64(m)
	return &BloomFilter{
		bits:     make([]uint64, (size+63)/64),
		size:     size,
		hashFunc: k,
	}
}

func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := fnvPair(key)
	for i := uint64(0); i < bf.hashFunc; i++ {
		bit := (h1 + i*h2) % bf.size
		bf.bits[bit/64] |= 1 << (bit % 64)
	}
}

// MightContain returns the bloom verdict: false means definitely absent,
// true means possibly present.
func (bf *BloomFilter) MightContain(key []byte) bool {
	h1, h2 := fnvPair(key)
	for i := uint64(0); i < bf.hashFunc; i++ {
		bit := (h1 + i*h2) % bf.size
		if bf.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// fnvPair derives two independent-enough 64-bit hashes from a single FNV-1a
// pass (Kirsch-Mitzenmacher double hashing), so Add/MightContain agree
// across process restarts without persisting a seed.
func fnvPair(key []byte) (uint64, uint64) {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	var h1, h2 uint64 = offset, offset ^ 0x9e3779b97f4a7c15
	for _, b := range key {
		h1 = (h1 ^ uint64(b)) * prime
		h2 = (h2 ^ uint64(b)) * (prime + 2)
	}
	return h1, h2
}

// Marshal serializes the filter as size | hashFunc | bit words.
func (bf *BloomFilter) Marshal() []byte {
	buf := make([]byte, 16+len(bf.bits)*8)
	binary.LittleEndian.PutUint64(buf[0:8], bf.size)
	binary.LittleEndian.PutUint64(buf[8:16], bf.hashFunc)
	for i, word := range bf.bits {
		binary.LittleEndian.PutUint64(buf[16+i*8:16+(i+1)*8], word)
	}
	return buf
}

// UnmarshalBloomFilter reconstructs a filter from Marshal's output.
func UnmarshalBloomFilter(data []byte) *BloomFilter {
	if len(data) < 16 {
		return &BloomFilter{size: 64, hashFunc: 2, bits: make([]uint64, 1)}
	}
	bf := &BloomFilter{
		size:     binary.LittleEndian.Uint64(data[0:8]),
		hashFunc: binary.LittleEndian.Uint64(data[8:16]),
	}
	nwords := (bf.size + 63) / 64
	bits := make([]uint64, nwords)
	for i := range bits {
		off := 16 + i*8
		if off+8 > len(data) {
			break
		}
		bits[i] = binary.LittleEndian.Uint64(data[off : off+8])
	}
	bf.bits = bits
	return bf
}
