// Package tokenizer turns document text into index terms: input is
// lower-cased, split on non-alphanumeric boundaries, stripped of stop-words
// and stemmed with a suffix table.
package tokenizer

import (
	"strings"
	"unicode"
)

const minTermLength = 2

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "not": {}, "no": {}, "so": {}, "can": {},
}

// suffixRules are tried in order; the first suffix that leaves at least
// minLen characters wins.
var suffixRules = []struct {
	suffix      string
	replacement string
	minLen      int
}{
	{"ational", "ate", 2},
	{"tional", "tion", 2},
	{"encies", "ence", 2},
	{"ances", "ance", 2},
	{"ments", "ment", 2},
	{"izing", "ize", 2},
	{"ating", "ate", 2},
	{"iness", "y", 2},
	{"ously", "ous", 2},
	{"ively", "ive", 2},
	{"eness", "ene", 2},
	{"tion", "t", 3},
	{"sion", "s", 3},
	{"ying", "y", 2},
	{"ling", "l", 3},
	{"ies", "y", 2},
	{"ing", "", 3},
	{"ers", "er", 2},
	{"est", "", 3},
	{"ful", "", 3},
	{"ous", "", 3},
	{"ess", "", 3},
	{"ble", "", 3},
	{"ed", "", 3},
	{"er", "", 3},
	{"ly", "", 3},
	{"es", "", 3},
	{"ss", "ss", 2},
	{"s", "", 3},
}

// Token is one index term and its position among the document's terms.
type Token struct {
	Term     string
	Position int
}

// Tokenize breaks text into stemmed, lower-cased Tokens with stop-words
// removed. Positions count kept terms only.
func Tokenize(text string) []Token {
	words := split(text)
	tokens := make([]Token, 0, len(words)/2)
	for _, word := range words {
		term, ok := normalize(word)
		if !ok {
			continue
		}
		tokens = append(tokens, Token{Term: term, Position: len(tokens)})
	}
	return tokens
}

// Normalize maps a single query word to the term Tokenize would index it
// under. It reports false for words that are never indexed.
func Normalize(word string) (string, bool) {
	words := split(word)
	if len(words) == 0 {
		return "", false
	}
	return normalize(words[0])
}

func split(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(word string) (string, bool) {
	if len(word) < minTermLength {
		return "", false
	}
	if _, isStop := stopWords[word]; isStop {
		return "", false
	}
	term := stem(word)
	return term, term != ""
}

func stem(word string) string {
	for _, rule := range suffixRules {
		if strings.HasSuffix(word, rule.suffix) {
			newWord := word[:len(word)-len(rule.suffix)] + rule.replacement
			if len(newWord) >= rule.minLen {
				return newWord
			}
		}
	}
	return word
}
