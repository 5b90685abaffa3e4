package search

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 parameters (standard values).
const (
	bm25K1 = 1.2  // term frequency saturation
	bm25B  = 0.75 // length normalization
)

// LexicalIndex is an inverted index with BM25 scoring over fragment text.
// It provides keyword relevance independent of embeddings, used by hybrid
// search as the fallback when a collection produces no vector hits.
type LexicalIndex struct {
	mu sync.RWMutex

	documents     map[string]string         // docID -> indexed text
	invertedIndex map[string]map[string]int // term -> docID -> term frequency
	docLengths    map[string]int
	avgDocLength  float64
	docCount      int
}

// NewLexicalIndex creates an empty lexical index.
func NewLexicalIndex() *LexicalIndex {
	return &LexicalIndex{
		documents:     make(map[string]string),
		invertedIndex: make(map[string]map[string]int),
		docLengths:    make(map[string]int),
	}
}

// Index adds or replaces a document.
func (l *LexicalIndex) Index(id, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.removeLocked(id)

	tokens := tokenize(text)
	if len(tokens) == 0 {
		return
	}

	l.documents[id] = text
	l.docLengths[id] = len(tokens)
	l.docCount++

	termFreq := make(map[string]int)
	for _, token := range tokens {
		termFreq[token]++
	}
	for term, freq := range termFreq {
		if l.invertedIndex[term] == nil {
			l.invertedIndex[term] = make(map[string]int)
		}
		l.invertedIndex[term][id] = freq
	}

	l.updateAvgDocLength()
}

// Remove deletes a document from the index.
func (l *LexicalIndex) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(id)
}

func (l *LexicalIndex) removeLocked(id string) {
	text, exists := l.documents[id]
	if !exists {
		return
	}

	for _, token := range tokenize(text) {
		if docs, ok := l.invertedIndex[token]; ok {
			delete(docs, id)
			if len(docs) == 0 {
				delete(l.invertedIndex, token)
			}
		}
	}

	delete(l.documents, id)
	delete(l.docLengths, id)
	l.docCount--
	l.updateAvgDocLength()
}

// Search runs BM25 keyword scoring, highest score first, ties broken by
// document ID for determinism. Terms also match indexed terms by prefix at
// a reduced weight.
func (l *LexicalIndex) Search(query string, limit int) []hit {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.docCount == 0 {
		return nil
	}

	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil
	}

	scores := make(map[string]float64)
	for _, term := range queryTerms {
		if docs, exists := l.invertedIndex[term]; exists {
			l.scoreTerm(scores, docs, l.idf(term))
		}

		for indexedTerm, docs := range l.invertedIndex {
			if indexedTerm != term && strings.HasPrefix(indexedTerm, term) {
				l.scoreTerm(scores, docs, l.idf(indexedTerm)*0.8)
			}
		}
	}

	results := make([]hit, 0, len(scores))
	for id, score := range scores {
		results = append(results, hit{ID: id, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (l *LexicalIndex) scoreTerm(scores map[string]float64, docs map[string]int, idf float64) {
	for docID, termFreq := range docs {
		docLen := float64(l.docLengths[docID])
		tf := float64(termFreq)
		numerator := tf * (bm25K1 + 1)
		denominator := tf + bm25K1*(1-bm25B+bm25B*(docLen/l.avgDocLength))
		scores[docID] += idf * (numerator / denominator)
	}
}

// idf uses the Lucene BM25 variant with +1 smoothing so common terms never
// go negative.
func (l *LexicalIndex) idf(term string) float64 {
	df := float64(len(l.invertedIndex[term]))
	n := float64(l.docCount)

	idf := math.Log(1 + (n-df+0.5)/(df+0.5))
	if idf < 0 {
		return 0
	}
	return idf
}

func (l *LexicalIndex) updateAvgDocLength() {
	if l.docCount == 0 {
		l.avgDocLength = 0
		return
	}
	var total int
	for _, length := range l.docLengths {
		total += length
	}
	l.avgDocLength = float64(total) / float64(l.docCount)
}

// Count returns the number of indexed documents.
func (l *LexicalIndex) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.docCount
}

// tokenize lowercases, splits on non-alphanumerics, and drops stop words
// and single characters.
func tokenize(text string) []string {
	text = strings.ToLower(text)

	words := strings.FieldsFunc(text, func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})

	var tokens []string
	for _, word := range words {
		if len(word) < 2 || stopWords[word] {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

// Minimal stop word list. Subject terms like "differentiation" or "kinetics"
// are deliberately not filtered.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "he": true, "in": true, "is": true,
	"it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "to": true, "was": true, "were": true,
	"with": true, "this": true, "but": true, "they": true,
	"we": true, "you": true, "your": true, "my": true, "their": true,
	"been": true, "do": true, "does": true, "did": true,
}
