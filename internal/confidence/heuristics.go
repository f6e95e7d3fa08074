package confidence

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fractal-lba/ragguard/internal/api"
	"github.com/fractal-lba/ragguard/pkg/text"
)

// ReputableOutlets are source substrings that earn the factual bonus.
var ReputableOutlets = []string{
	"reuters", "apnews", "associated press", "bbc", "nytimes", "wsj",
	"ft.com", "financial times", "bloomberg", "economist", "theguardian",
	"washingtonpost", "npr.org", "nature.com", "science.org",
}

var (
	yearPattern     = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	currencyPattern = regexp.MustCompile(`[$€£¥]\s?\d`)
	percentPattern  = regexp.MustCompile(`\d+(\.\d+)?\s?%`)
	bulletPattern   = regexp.MustCompile(`(?m)^\s*([-*•]|\d+\.)\s+\S`)
)

var hedges = []string{
	"might", "may be", "possibly", "perhaps", "unclear", "not sure",
	"i think", "it seems", "appears to", "could be", "uncertain",
	"i don't know", "no information",
}

const (
	day = 24 * time.Hour

	// attribution
	minSentenceLen  = 20
	minWordLen      = 4
	wordsPerClaim   = 10
	supportFraction = 0.4

	temporalDocs = 5
)

// RetrievalScore is the mean of the top three document scores, penalised
// when they disagree and rewarded when the evidence set is large.
func RetrievalScore(docs []api.ScoredDocument) float64 {
	if len(docs) == 0 {
		return 0
	}
	scores := make([]float64, len(docs))
	for i, d := range docs {
		scores[i] = d.Score
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(scores)))

	top := scores[:min(3, len(scores))]
	var sum float64
	for _, s := range top {
		sum += s
	}
	score := sum / float64(len(top))

	if top[0]-top[len(top)-1] > 0.3 {
		score -= 0.1
	}
	if len(docs) >= 5 {
		score += 0.1
	}
	return api.Clamp01(score)
}

// GenerationScore rates answer quality from its surface form.
func GenerationScore(answer string) float64 {
	score := 0.5
	n := len([]rune(strings.TrimSpace(answer)))
	switch {
	case n < 50:
		score -= 0.2
	case n >= 100 && n <= 2000:
		score += 0.1
	}

	for _, p := range []*regexp.Regexp{yearPattern, currencyPattern, percentPattern, bulletPattern} {
		if p.MatchString(answer) {
			score += 0.05
		}
	}
	if strings.Contains(answer, "\n\n") {
		score += 0.05
	}

	lower := strings.ToLower(answer)
	var penalty float64
	for _, h := range hedges {
		if strings.Contains(lower, h) {
			penalty += 0.05
		}
	}
	score -= math.Min(penalty, 0.2)

	return api.Clamp01(score)
}

// AttributionScore is the fraction of substantive answer sentences whose
// important words mostly appear in the documents. Without documents nothing
// is attributable and the score is 0; with documents but no sentence worth
// checking it is 0.5.
func AttributionScore(answer string, docs []api.ScoredDocument) float64 {
	if len(docs) == 0 {
		return 0
	}
	var corpus strings.Builder
	for _, d := range docs {
		corpus.WriteString(d.Title)
		corpus.WriteByte(' ')
		corpus.WriteString(d.Content)
		corpus.WriteByte(' ')
	}
	vocab := text.WordSet(corpus.String())

	var checked, supported int
	for _, s := range text.Sentences(answer) {
		if len([]rune(s)) <= minSentenceLen {
			continue
		}
		words := text.ImportantWords(s, minWordLen, wordsPerClaim)
		if len(words) == 0 {
			continue
		}
		checked++
		var hits int
		for _, w := range words {
			if vocab[w] {
				hits++
			}
		}
		if float64(hits)/float64(len(words)) >= supportFraction {
			supported++
		}
	}
	if checked == 0 {
		return 0.5
	}
	return float64(supported) / float64(checked)
}

// FactualScore rewards corroboration across sources, reputable outlets and
// recent coverage.
func FactualScore(docs []api.ScoredDocument, now time.Time) float64 {
	score := 0.6
	sources := make(map[string]bool)
	var reputable bool
	var recent int
	for _, d := range docs {
		src := strings.ToLower(strings.TrimSpace(d.Source))
		if src != "" {
			sources[src] = true
			if isReputable(src) {
				reputable = true
			}
		}
		if d.PublishedAt != nil && now.Sub(*d.PublishedAt) < 7*day {
			recent++
		}
	}
	if len(docs) >= 3 && len(sources) >= 2 {
		score += 0.15
	}
	if reputable {
		score += 0.1
	}
	if recent >= 2 {
		score += 0.1
	}
	return math.Min(score, 1)
}

func isReputable(source string) bool {
	for _, o := range ReputableOutlets {
		if strings.Contains(source, o) {
			return true
		}
	}
	return false
}

// Freshness buckets the age of a document.
func Freshness(age time.Duration) float64 {
	switch {
	case age <= day:
		return 1.0
	case age <= 7*day:
		return 0.9
	case age <= 30*day:
		return 0.7
	case age <= 90*day:
		return 0.5
	default:
		return 0.3
	}
}

// TemporalScore averages the freshness of the first five documents. Undated
// documents count as 0.5, as does an empty set.
func TemporalScore(docs []api.ScoredDocument, now time.Time) float64 {
	docs = docs[:min(temporalDocs, len(docs))]
	if len(docs) == 0 {
		return 0.5
	}
	var sum float64
	for _, d := range docs {
		if d.PublishedAt == nil {
			sum += 0.5
			continue
		}
		sum += Freshness(now.Sub(*d.PublishedAt))
	}
	return sum / float64(len(docs))
}

// Warnings lists the weak spots of a score.
func Warnings(dims api.ConfidenceDimensions, docCount int) []string {
	warnings := []string{}
	if dims.Retrieval < 0.5 {
		warnings = append(warnings, "retrieved documents have low relevance to the query")
	}
	if dims.Temporal < 0.5 {
		warnings = append(warnings, "sources may be outdated")
	}
	if docCount < 2 {
		warnings = append(warnings, "limited sources: fewer than 2 documents support this answer")
	}
	return warnings
}

type namedScore struct {
	name  string
	value float64
}

// Explain renders a one-line description of a score naming its strongest
// and weakest dimensions.
func Explain(overall float64, level api.ConfidenceLevel, dims api.ConfidenceDimensions) string {
	named := []namedScore{
		{"retrieval", dims.Retrieval},
		{"generation", dims.Generation},
		{"attribution", dims.Attribution},
		{"factual", dims.Factual},
		{"temporal", dims.Temporal},
	}
	strongest, weakest := named[0], named[0]
	for _, n := range named[1:] {
		if n.value > strongest.value {
			strongest = n
		}
		if n.value < weakest.value {
			weakest = n
		}
	}
	return fmt.Sprintf("Confidence is %s (%.0f%%). Strongest signal: %s (%.2f). Weakest signal: %s (%.2f).",
		level, overall*100, strongest.name, strongest.value, weakest.name, weakest.value)
}
