package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	keys := make([][]byte, 0, 1000)
	for i := 0; i < 1000; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		bf.Add(k)
		keys = append(keys, k)
	}
	for _, k := range keys {
		require.True(t, bf.MightContain(k))
	}
}

func TestBloomFilterFalsePositiveRateIsReasonable(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("present-%d", i)))
	}
	falsePositives := 0
	trials := 5000
	for i := 0; i < trials; i++ {
		if bf.MightContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	// Generous bound: a correct ~1% filter should stay well under 5%.
	require.Less(t, float64(falsePositives)/float64(trials), 0.05)
}

func TestBloomFilterMarshalRoundTrip(t *testing.T) {
	bf := NewBloomFilter(100, 0.01)
	bf.Add([]byte("alpha"))
	bf.Add([]byte("beta"))

	restored := UnmarshalBloomFilter(bf.Marshal())
	require.True(t, restored.MightContain([]byte("alpha")))
	require.True(t, restored.MightContain([]byte("beta")))
}
