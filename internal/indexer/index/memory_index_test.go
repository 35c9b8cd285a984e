package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/tokenizer"
)

func add(m *MemoryIndex, docID, text string) bool {
	return m.AddDocument(docID, tokenizer.Tokenize(text))
}

// search looks word up under the term the tokenizer indexes it as.
func search(t *testing.T, m *MemoryIndex, word string) PostingList {
	t.Helper()
	term, ok := tokenizer.Normalize(word)
	require.True(t, ok, word)
	return m.Search(term)
}

func TestMemoryIndex_AddAndSearch(t *testing.T) {
	m := NewMemoryIndex()
	add(m, "doc-2", "merge merge scheduler")
	add(m, "doc-1", "merge policy")

	got := m.Search("merge")
	require.Len(t, got, 2)
	assert.Equal(t, "doc-1", got[0].DocID)
	assert.Equal(t, "doc-2", got[1].DocID)
	assert.Equal(t, 2, got[1].Frequency)
	assert.Equal(t, []int{0, 1}, got[1].Positions)

	assert.Nil(t, m.Search("missing"))
	assert.Equal(t, 2, m.DocCount())
	assert.Positive(t, m.Size())
}

func TestMemoryIndex_ReplaceDocument(t *testing.T) {
	m := NewMemoryIndex()
	assert.False(t, add(m, "doc-1", "kafka partitions"))
	sizeBefore := m.Size()

	assert.True(t, add(m, "doc-1", "redis cluster"))
	assert.Equal(t, 1, m.DocCount())
	assert.Nil(t, search(t, m, "kafka"), "old terms are dropped")
	assert.Nil(t, search(t, m, "partitions"))
	assert.Len(t, search(t, m, "redis"), 1)
	assert.Len(t, search(t, m, "cluster"), 1)

	assert.True(t, add(m, "doc-1", "kafka partitions"))
	assert.Equal(t, sizeBefore, m.Size())
}

func TestMemoryIndex_SnapshotAndReset(t *testing.T) {
	m := NewMemoryIndex()
	add(m, "doc-1", "zeta alpha")
	add(m, "doc-2", "alpha")

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].Term)
	assert.Len(t, snap[0].Postings, 2)
	assert.Equal(t, "zeta", snap[1].Term)

	m.Reset()
	assert.Empty(t, m.Snapshot())
	assert.Zero(t, m.DocCount())
	assert.Zero(t, m.Size())
}

const benchBody = "segments are merged in tiers by a bounded pool of merge workers"

func BenchmarkMemoryIndexAdd(b *testing.B) {
	m := NewMemoryIndex()
	tokens := tokenizer.Tokenize(benchBody)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.AddDocument(fmt.Sprintf("doc-%d", i), tokens)
	}
}

func BenchmarkMemoryIndexSearch(b *testing.B) {
	m := NewMemoryIndex()
	for i := 0; i < 10000; i++ {
		add(m, fmt.Sprintf("doc-%d", i), benchBody)
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = m.Search("merge")
		}
	})
}

func BenchmarkMemoryIndexSnapshot(b *testing.B) {
	m := NewMemoryIndex()
	for i := 0; i < 5000; i++ {
		add(m, fmt.Sprintf("doc-%d", i), benchBody)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.Snapshot()
	}
}
