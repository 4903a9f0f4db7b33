package vector

import (
	"math"
	"strings"
	"unicode"
)

// BM25 parameters per the usual Okapi defaults.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// stopwords is the fixed English stopword set dropped during tokenization.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "has": {}, "have": {},
	"he": {}, "her": {}, "his": {}, "if": {}, "in": {}, "into": {}, "is": {},
	"it": {}, "its": {}, "no": {}, "not": {}, "of": {}, "on": {}, "or": {},
	"she": {}, "so": {}, "such": {}, "that": {}, "the": {}, "their": {},
	"then": {}, "there": {}, "these": {}, "they": {}, "this": {}, "to": {},
	"was": {}, "were": {}, "will": {}, "with": {}, "you": {}, "your": {},
}

// Tokenize lowercases, splits on non-alphanumeric runs, and drops tokens of
// length <= 1 plus stopwords.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) <= 1 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// BM25Scores computes the Okapi BM25 score of each document against the
// query tokens. Documents are pre-tokenized; average document length is
// computed across the given set.
func BM25Scores(queryTokens []string, docs [][]string) []float64 {
	scores := make([]float64, len(docs))
	if len(docs) == 0 || len(queryTokens) == 0 {
		return scores
	}

	n := float64(len(docs))
	totalLen := 0.0
	docFreq := make(map[string]int)
	termFreqs := make([]map[string]int, len(docs))
	for i, doc := range docs {
		totalLen += float64(len(doc))
		tf := make(map[string]int, len(doc))
		for _, tok := range doc {
			tf[tok]++
		}
		termFreqs[i] = tf
		for tok := range tf {
			docFreq[tok]++
		}
	}
	avgLen := totalLen / n
	if avgLen == 0 {
		return scores
	}

	for _, q := range queryTokens {
		df := docFreq[q]
		if df == 0 {
			continue
		}
		idf := math.Log((n-float64(df)+0.5)/(float64(df)+0.5) + 1)
		for i := range docs {
			tf := float64(termFreqs[i][q])
			if tf == 0 {
				continue
			}
			dl := float64(len(docs[i]))
			scores[i] += idf * (tf * (bm25K1 + 1)) / (tf + bm25K1*(1-bm25B+bm25B*dl/avgLen))
		}
	}
	return scores
}

// CosineSimilarity is the dot product over L2 norms. A zero-magnitude
// vector on either side yields 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// normalizeMax divides every score by the slice maximum, floored at 0.001
// to avoid division by zero.
func normalizeMax(scores []float64) []float64 {
	maxScore := 0.0
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	if maxScore < 0.001 {
		maxScore = 0.001
	}
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = s / maxScore
	}
	return out
}
