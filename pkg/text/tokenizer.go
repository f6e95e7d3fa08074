package text

import (
	"strings"
	"unicode"
)

// Tokenizer splits answer and document text into comparable word units.
type Tokenizer struct {
	StopWords   map[string]bool
	ShingleSize int // Default: 2 (bigrams)
}

// DefaultStopWords returns common English stop words
func DefaultStopWords() map[string]bool {
	words := []string{
		"a", "an", "and", "are", "as", "at", "be", "by", "for",
		"from", "has", "have", "in", "is", "it", "its", "of", "on",
		"that", "the", "their", "there", "these", "this", "those",
		"to", "was", "were", "which", "will", "with", "would", "about",
	}
	stopWords := make(map[string]bool, len(words))
	for _, w := range words {
		stopWords[w] = true
	}
	return stopWords
}

// NewTokenizer creates a tokenizer. Stop words are dropped when useStopWords is set.
func NewTokenizer(useStopWords bool, shingleSize int) *Tokenizer {
	var stopWords map[string]bool
	if useStopWords {
		stopWords = DefaultStopWords()
	}
	if shingleSize <= 0 {
		shingleSize = 2
	}
	return &Tokenizer{
		StopWords:   stopWords,
		ShingleSize: shingleSize,
	}
}

// Tokenize splits text into lowercase words (Unicode-aware)
func (t *Tokenizer) Tokenize(text string) []string {
	var tokens []string
	var word strings.Builder

	flush := func() {
		if word.Len() == 0 {
			return
		}
		w := word.String()
		word.Reset()
		if t.StopWords != nil && t.StopWords[w] {
			return
		}
		tokens = append(tokens, w)
	}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			word.WriteRune(unicode.ToLower(r))
			continue
		}
		flush()
	}
	flush()

	return tokens
}

// Shingles creates n-gram shingles from tokens
func (t *Tokenizer) Shingles(tokens []string) []string {
	if len(tokens) == 0 {
		return []string{}
	}
	if len(tokens) < t.ShingleSize {
		return []string{strings.Join(tokens, " ")}
	}

	shingles := make([]string, 0, len(tokens)-t.ShingleSize+1)
	for i := 0; i <= len(tokens)-t.ShingleSize; i++ {
		shingles = append(shingles, strings.Join(tokens[i:i+t.ShingleSize], " "))
	}
	return shingles
}

// Jaccard computes |a ∩ b| / |a ∪ b| over two sets of strings.
// Two empty sets are identical.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	setA := make(map[string]bool, len(a))
	union := make(map[string]bool, len(a)+len(b))
	for _, s := range a {
		setA[s] = true
		union[s] = true
	}

	seen := make(map[string]bool, len(b))
	intersection := 0
	for _, s := range b {
		if setA[s] && !seen[s] {
			intersection++
		}
		seen[s] = true
		union[s] = true
	}

	return float64(intersection) / float64(len(union))
}

// Overlap tokenizes, shingles and compares two texts.
func (t *Tokenizer) Overlap(text1, text2 string) float64 {
	return Jaccard(t.Shingles(t.Tokenize(text1)), t.Shingles(t.Tokenize(text2)))
}
