package segment

import (
	"container/heap"
	"context"
	"fmt"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/index"
)

// Merge combines sources into a new segment called target, written through
// dst with its merge rate limit. Sources must be given oldest first: when the
// same document appears under a term in several sources the newest posting
// wins. ctx is checked between terms; cancellation returns an error wrapping
// ErrAborted and leaves no partial file behind.
func Merge(ctx context.Context, dst *Writer, target string, sources []*Reader) (Stats, error) {
	if len(sources) == 0 {
		return Stats{}, ErrNoSources
	}
	b, err := dst.create(ctx, target, true)
	if err != nil {
		return Stats{}, err
	}

	h := make(cursorHeap, 0, len(sources))
	for i, r := range sources {
		if r.Terms() > 0 {
			h = append(h, &cursor{r: r, age: i})
		}
	}
	heap.Init(&h)

	for h.Len() > 0 {
		term := h[0].term()
		var group []*cursor
		for h.Len() > 0 && h[0].term() == term {
			group = append(group, heap.Pop(&h).(*cursor))
		}
		postings, err := mergePostings(group)
		if err != nil {
			b.abort()
			return Stats{}, err
		}
		if err := b.add(index.TermEntry{Term: term, Postings: postings}); err != nil {
			b.abort()
			return Stats{}, err
		}
		for _, c := range group {
			c.pos++
			if c.pos < len(c.r.dict) {
				heap.Push(&h, c)
			}
		}
	}
	stats, err := b.finish()
	if err != nil {
		return Stats{}, fmt.Errorf("finishing merged segment %s: %w", target, err)
	}
	return stats, nil
}

func mergePostings(group []*cursor) (index.PostingList, error) {
	if len(group) == 1 {
		return group[0].r.postings(group[0].r.dict[group[0].pos])
	}
	sort.Slice(group, func(i, j int) bool { return group[i].age < group[j].age })
	byDoc := make(map[string]index.Posting)
	for _, c := range group {
		list, err := c.r.postings(c.r.dict[c.pos])
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", c.r.Name(), err)
		}
		for _, p := range list {
			byDoc[p.DocID] = p
		}
	}
	out := make(index.PostingList, 0, len(byDoc))
	for _, p := range byDoc {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out, nil
}

type cursor struct {
	r   *Reader
	pos int
	age int
}

func (c *cursor) term() string {
	return c.r.dict[c.pos].Term
}

type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	if ti, tj := h[i].term(), h[j].term(); ti != tj {
		return ti < tj
	}
	return h[i].age < h[j].age
}
func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)   { *h = append(*h, x.(*cursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}
