package queue

import (
	"container/heap"
	"sort"
)

// Entry is a scored candidate. Index is the candidate's enumeration index and
// breaks score ties (lower index ranks first). ID is an optional caller key.
type Entry struct {
	Index int
	ID    int64
	Score float64
}

// Better reports whether a ranks before b: higher score first, then lower index.
func Better(a, b Entry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Index < b.Index
}

// Compile time check to ensure entryHeap satisfies the heap interface.
var _ heap.Interface = (*entryHeap)(nil)

// entryHeap is a min-heap by rank: the worst entry sits at the root.
type entryHeap []Entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return Better(h[j], h[i]) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// TopK keeps the k best entries seen so far. The root of the backing heap
// is the worst retained entry, so a candidate only has to beat the root.
type TopK struct {
	k     int
	items entryHeap
}

// NewTopK returns a collector retaining at most k entries.
func NewTopK(k int) *TopK {
	if k < 0 {
		k = 0
	}
	return &TopK{k: k, items: make(entryHeap, 0, k)}
}

// Len returns the number of retained entries.
func (t *TopK) Len() int { return len(t.items) }

// Offer considers e for retention and reports whether it was kept.
func (t *TopK) Offer(e Entry) bool {
	if t.k == 0 {
		return false
	}
	if len(t.items) < t.k {
		heap.Push(&t.items, e)
		return true
	}
	if !Better(e, t.items[0]) {
		return false
	}
	t.items[0] = e
	heap.Fix(&t.items, 0)
	return true
}

// Worst returns the worst retained entry.
func (t *TopK) Worst() (Entry, bool) {
	if len(t.items) == 0 {
		return Entry{}, false
	}
	return t.items[0], true
}

// Sorted returns the retained entries best first. The collector is left
// unchanged.
func (t *TopK) Sorted() []Entry {
	out := make([]Entry, len(t.items))
	copy(out, t.items)
	SortEntries(out)
	return out
}

// SortEntries orders entries best first.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return Better(entries[i], entries[j]) })
}
