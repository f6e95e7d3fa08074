package text

import (
	"strings"
	"unicode"
)

// Sentences splits text on terminal punctuation (. ! ?) followed by whitespace
// or end of input, and on line breaks. Fragments are trimmed; empty ones are dropped.
func Sentences(text string) []string {
	var out []string
	var cur strings.Builder

	emit := func() {
		s := strings.TrimSpace(cur.String())
		cur.Reset()
		if s != "" {
			out = append(out, s)
		}
	}

	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' {
			emit()
			continue
		}
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				emit()
			}
		}
	}
	emit()

	return out
}

// ImportantWords returns up to limit distinct lowercase words longer than
// minLen characters, in order of first appearance.
func ImportantWords(sentence string, minLen, limit int) []string {
	tok := Tokenizer{}
	seen := make(map[string]bool)
	var words []string
	for _, w := range tok.Tokenize(sentence) {
		if len([]rune(w)) <= minLen || seen[w] {
			continue
		}
		seen[w] = true
		words = append(words, w)
		if limit > 0 && len(words) == limit {
			break
		}
	}
	return words
}

// WordSet returns the set of lowercase words in text.
func WordSet(text string) map[string]bool {
	tok := Tokenizer{}
	set := make(map[string]bool)
	for _, w := range tok.Tokenize(text) {
		set[w] = true
	}
	return set
}
