package tokenizer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func terms(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Term
	}
	return out
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("The Merging of Segments, in 3 tiers!")
	assert.Equal(t, []string{"merg", "segment", "tier"}, terms(tokens))
	for i, tok := range tokens {
		assert.Equal(t, i, tok.Position)
	}
	assert.Empty(t, Tokenize("a an the"))
	assert.Empty(t, Tokenize(""))
}

func TestStem(t *testing.T) {
	tests := map[string]string{
		"relational": "relate",
		"indexing":   "index",
		"queries":    "query",
		"documents":  "document",
		"class":      "class",
		"merged":     "merg",
		"go":         "go",
	}
	for in, want := range tests {
		assert.Equal(t, want, stem(in), in)
	}
}

func TestNormalize(t *testing.T) {
	term, ok := Normalize("Segments")
	assert.True(t, ok)
	assert.Equal(t, "segment", term)

	_, ok = Normalize("the")
	assert.False(t, ok)
	_, ok = Normalize("!!")
	assert.False(t, ok)

	for _, tok := range Tokenize("compaction throttles merging writers") {
		w := strings.Fields("compaction throttles merging writers")[tok.Position]
		got, ok := Normalize(w)
		assert.True(t, ok)
		assert.Equal(t, tok.Term, got, "query and index terms agree")
	}
}

var sampleTexts = map[string]string{
	"short": "The quick brown fox jumps over the lazy dog",
	"medium": `Segments are merged in tiers so that the number of files a search
        has to open stays logarithmic in the number of flushes. Each merge reads
        its sources term by term and writes one larger segment, after which the
        sources are deleted.`,
	"long": strings.Repeat(`A merge scheduler bounds how much merging runs at
        once. Indexing threads stall when too many merges are outstanding, and
        resume as soon as one finishes. Failed merges leave their sources in
        place and are retried after a pause. `, 20),
}

func BenchmarkTokenize(b *testing.B) {
	for name, text := range sampleTexts {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(text)))
			for i := 0; i < b.N; i++ {
				_ = Tokenize(text)
			}
		})
	}
}

func BenchmarkTokenizeParallel(b *testing.B) {
	text := sampleTexts["medium"]
	b.ReportAllocs()
	b.SetBytes(int64(len(text)))
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = Tokenize(text)
		}
	})
}

func BenchmarkTokenizeVaryingSize(b *testing.B) {
	baseWord := "segment merge scheduler tier worker "
	for _, size := range []int{10, 100, 1000, 5000} {
		text := strings.Repeat(baseWord, size/len(baseWord)+1)[:size]
		b.Run(fmt.Sprintf("bytes_%d", size), func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(text)))
			for i := 0; i < b.N; i++ {
				_ = Tokenize(text)
			}
		})
	}
}
