package queue

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopK_KeepsBest(t *testing.T) {
	tk := NewTopK(3)
	for i, s := range []float64{0.1, 0.9, 0.5, 0.7, 0.2, 0.9} {
		tk.Offer(Entry{Index: i, Score: s})
	}

	got := tk.Sorted()
	assert.Equal(t, []Entry{
		{Index: 1, Score: 0.9},
		{Index: 5, Score: 0.9},
		{Index: 3, Score: 0.7},
	}, got)

	worst, ok := tk.Worst()
	assert.True(t, ok)
	assert.Equal(t, 3, worst.Index)
}

func TestTopK_TiesPreferLowerIndex(t *testing.T) {
	tk := NewTopK(2)
	for i := 9; i >= 0; i-- {
		tk.Offer(Entry{Index: i, Score: 1})
	}
	got := tk.Sorted()
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, 1, got[1].Index)
}

func TestTopK_MatchesFullSort(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	all := make([]Entry, 500)
	tk := NewTopK(11)
	for i := range all {
		// Coarse scores force plenty of ties.
		all[i] = Entry{Index: i, Score: math.Round(rng.Float64()*20) / 20}
		tk.Offer(all[i])
	}
	SortEntries(all)
	assert.Equal(t, all[:11], tk.Sorted())
}

func TestTopK_Zero(t *testing.T) {
	tk := NewTopK(0)
	assert.False(t, tk.Offer(Entry{Score: 1}))
	assert.Empty(t, tk.Sorted())
	_, ok := tk.Worst()
	assert.False(t, ok)
}

func TestTopK_NegativeInfinity(t *testing.T) {
	tk := NewTopK(2)
	tk.Offer(Entry{Index: 0, Score: math.Inf(-1)})
	tk.Offer(Entry{Index: 1, Score: 0})
	tk.Offer(Entry{Index: 2, Score: math.Inf(-1)})
	got := tk.Sorted()
	assert.Equal(t, 1, got[0].Index)
	assert.Equal(t, 0, got[1].Index)
}

func TestTopK_WorstIsRoot(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	tk := NewTopK(7)
	for i := 0; i < 200; i++ {
		tk.Offer(Entry{Index: i, Score: rng.Float64()})
		worst, ok := tk.Worst()
		assert.True(t, ok)
		sorted := tk.Sorted()
		assert.Equal(t, sorted[len(sorted)-1], worst)
	}
}
