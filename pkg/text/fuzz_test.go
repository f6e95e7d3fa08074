package text

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func FuzzTokenize(f *testing.F) {
	f.Add("Hello, world!")
	f.Add("Unicode: 你好世界 🌍😊")
	f.Add("")
	f.Add(strings.Repeat("word ", 1000))

	f.Fuzz(func(t *testing.T, text string) {
		if !utf8.ValidString(text) {
			return
		}
		for _, token := range NewTokenizer(false, 2).Tokenize(text) {
			if token == "" {
				t.Error("empty token returned")
			}
		}
	})
}

func FuzzSentences(f *testing.F) {
	f.Add("One. Two? Three!")
	f.Add("no terminal punctuation")
	f.Add("...\n\n!!")

	f.Fuzz(func(t *testing.T, text string) {
		if !utf8.ValidString(text) {
			return
		}
		for _, s := range Sentences(text) {
			if strings.TrimSpace(s) != s || s == "" {
				t.Errorf("sentence %q is not trimmed", s)
			}
		}
	})
}

func FuzzOverlap(f *testing.F) {
	f.Add("The quick brown fox", "The fast brown fox")
	f.Add("", "")

	f.Fuzz(func(t *testing.T, text1, text2 string) {
		if !utf8.ValidString(text1) || !utf8.ValidString(text2) {
			return
		}
		tok := NewTokenizer(false, 2)
		overlap := tok.Overlap(text1, text2)
		if overlap < 0.0 || overlap > 1.0 {
			t.Errorf("overlap out of bounds: %.3f", overlap)
		}
		if rev := tok.Overlap(text2, text1); rev != overlap {
			t.Errorf("overlap not symmetric: %.3f != %.3f", overlap, rev)
		}
	})
}
