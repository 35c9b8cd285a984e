// Package index holds the in-memory inverted index that buffers documents
// between segment flushes, and the posting types shared with segments.
package index

import (
	"sort"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/tokenizer"
)

// postingOverhead approximates the map and slice headers behind one posting.
const postingOverhead = 64

// MemoryIndex maps term -> docID -> posting. Indexing the same docID twice
// replaces the earlier postings.
type MemoryIndex struct {
	mu    sync.RWMutex
	terms map[string]map[string]*Posting
	docs  map[string]docEntry
	size  int64
}

type docEntry struct {
	terms []string
	size  int64
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		terms: make(map[string]map[string]*Posting),
		docs:  make(map[string]docEntry),
	}
}

// AddDocument buffers the tokens of one document and reports whether it
// replaced a document already in the index.
func (m *MemoryIndex) AddDocument(docID string, tokens []tokenizer.Token) bool {
	postings := make(map[string]*Posting)
	for _, tok := range tokens {
		p, ok := postings[tok.Term]
		if !ok {
			p = &Posting{DocID: docID, Positions: make([]int, 0, 4)}
			postings[tok.Term] = p
		}
		p.Frequency++
		p.Positions = append(p.Positions, tok.Position)
	}

	entry := docEntry{terms: make([]string, 0, len(postings))}
	for term, p := range postings {
		entry.terms = append(entry.terms, term)
		entry.size += int64(len(term)+len(docID)+len(p.Positions)*8) + postingOverhead
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	replaced := m.removeLocked(docID)
	for term, p := range postings {
		docs, ok := m.terms[term]
		if !ok {
			docs = make(map[string]*Posting)
			m.terms[term] = docs
		}
		docs[docID] = p
	}
	m.docs[docID] = entry
	m.size += entry.size
	return replaced
}

func (m *MemoryIndex) removeLocked(docID string) bool {
	old, ok := m.docs[docID]
	if !ok {
		return false
	}
	for _, term := range old.terms {
		docs := m.terms[term]
		delete(docs, docID)
		if len(docs) == 0 {
			delete(m.terms, term)
		}
	}
	delete(m.docs, docID)
	m.size -= old.size
	return true
}

// Search returns the postings for an already normalised term, by docID.
func (m *MemoryIndex) Search(term string) PostingList {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedPostings(m.terms[term])
}

// Snapshot copies the index out in term order, ready to be written as a
// segment.
func (m *MemoryIndex) Snapshot() []TermEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]TermEntry, 0, len(m.terms))
	for term, docs := range m.terms {
		entries = append(entries, TermEntry{Term: term, Postings: sortedPostings(docs)})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Term < entries[j].Term
	})
	return entries
}

func sortedPostings(docs map[string]*Posting) PostingList {
	if len(docs) == 0 {
		return nil
	}
	out := make(PostingList, 0, len(docs))
	for _, p := range docs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DocID < out[j].DocID
	})
	return out
}

// Size is an estimate of the bytes held, used as the flush threshold.
func (m *MemoryIndex) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *MemoryIndex) DocCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *MemoryIndex) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terms = make(map[string]map[string]*Posting)
	m.docs = make(map[string]docEntry)
	m.size = 0
}
