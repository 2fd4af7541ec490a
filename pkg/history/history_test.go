package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingEvictsOldestAtCapacity(t *testing.T) {
	r := New[string](3)
	r.Append("a")
	r.Append("b")
	r.Append("c")
	r.Append("d")

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "b", snap[0].Value)
	assert.Equal(t, "d", snap[2].Value)
}

func TestRingLatestValueOnEmptyIsError(t *testing.T) {
	r := New[int](DefaultCapacity)
	_, err := r.LatestValue()
	assert.Error(t, err)
}

func TestRingMergeSortedPreservesOrderAndTruncates(t *testing.T) {
	r := New[int](3)
	r.entries = []Entry[int]{{Timestamp: 10, Value: 1}, {Timestamp: 30, Value: 3}}

	r.MergeSorted([]Entry[int]{{Timestamp: 20, Value: 2}, {Timestamp: 5, Value: 0}})

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{snap[0].Value, snap[1].Value, snap[2].Value})
}

func TestRingDefaultCapacity(t *testing.T) {
	r := New[int](0)
	assert.Equal(t, DefaultCapacity, r.capacity)
}
