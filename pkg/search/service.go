package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/revisely/insight/pkg/storage"
)

// oversampleFactor widens index queries before subject filtering. The ANN
// index cannot filter by subject itself, so candidates are fetched with
// headroom and filtered against fragment metadata afterwards.
const oversampleFactor = 4

// Result is one enriched search hit.
type Result struct {
	Fragment   *storage.Fragment
	Similarity float64
	Source     storage.Collection
	Lexical    bool // true when the hit came from the keyword fallback
}

// HybridOptions selects which collections a hybrid query fans out to.
//
// QueryText feeds the lexical fallback for collections whose vector search
// comes back empty; when it is empty the fallback is skipped.
type HybridOptions struct {
	IncludeQuestions bool
	IncludeSyllabus  bool
	QueryText        string
}

type collectionIndex struct {
	vectors *HNSW
	lexical *LexicalIndex
}

// Service owns one similarity index and one lexical index per fragment
// collection and implements single-collection and hybrid queries.
//
// Reads are concurrent; inserts serialize per collection inside the
// underlying indexes.
type Service struct {
	engine storage.Engine
	logger *zap.Logger

	mu          sync.RWMutex
	collections map[storage.Collection]*collectionIndex
}

// NewService creates a search service with an index pair per collection.
// dimensions fixes the embedding dimension of each collection.
func NewService(engine storage.Engine, dimensions map[storage.Collection]int, params HNSWParams, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	collections := make(map[storage.Collection]*collectionIndex, len(dimensions))
	for col, dim := range dimensions {
		collections[col] = &collectionIndex{
			vectors: NewHNSW(dim, params),
			lexical: NewLexicalIndex(),
		}
	}

	return &Service{
		engine:      engine,
		logger:      logger.Named("search"),
		collections: collections,
	}
}

// Dimensions returns the fixed embedding dimension for a collection, or 0
// for an unknown collection.
func (s *Service) Dimensions(col storage.Collection) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ci, ok := s.collections[col]; ok {
		return ci.vectors.Dimensions()
	}
	return 0
}

func (s *Service) collection(col storage.Collection) (*collectionIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ci, ok := s.collections[col]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", col)
	}
	return ci, nil
}

// IndexFragment adds a fragment to its collection's similarity and lexical
// indexes. The embedding dimension is validated here; a mismatch is
// rejected, never truncated or padded.
func (s *Service) IndexFragment(f *storage.Fragment) error {
	ci, err := s.collection(f.Collection)
	if err != nil {
		return err
	}

	if len(f.Embedding) != ci.vectors.Dimensions() {
		return ErrDimensionMismatch
	}
	if err := ci.vectors.Add(f.ID, f.Embedding); err != nil {
		return err
	}

	ci.lexical.Index(f.ID, lexicalText(f))
	return nil
}

// RemoveFragment drops a fragment from both indexes of its collection.
func (s *Service) RemoveFragment(col storage.Collection, id string) error {
	ci, err := s.collection(col)
	if err != nil {
		return err
	}
	ci.vectors.Remove(id)
	ci.lexical.Remove(id)
	return nil
}

// BuildIndexes populates the indexes from every fragment in storage.
// Used at startup with a durable engine.
func (s *Service) BuildIndexes(ctx context.Context) error {
	count := 0
	err := s.engine.IterateFragments("", func(f *storage.Fragment) bool {
		if ctx.Err() != nil {
			return false
		}
		if err := s.IndexFragment(f); err != nil {
			s.logger.Warn("skipping unindexable fragment",
				zap.String("fragment", f.ID), zap.Error(err))
			return true
		}
		count++
		if count%500 == 0 {
			s.logger.Info("index build progress", zap.Int("indexed", count))
		}
		return true
	})
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.logger.Info("index build complete", zap.Int("indexed", count))
	return nil
}

// Query runs a vector similarity search against one collection.
//
// Results have similarity >= threshold, match the subject, and are ordered
// by similarity descending with ties broken by fragment ID. An unknown
// subject yields an empty result set, not an error.
func (s *Service) Query(ctx context.Context, col storage.Collection, embedding []float32, subject string, threshold float64, k int) ([]Result, error) {
	ci, err := s.collection(col)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Result{}, nil
	}

	hits, err := ci.vectors.Search(ctx, embedding, k*oversampleFactor, threshold)
	if err != nil {
		if errors.Is(err, ErrDimensionMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	results := s.enrich(hits, col, subject, false)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// HybridSearch fans a vector query out to the enabled collections and merges
// the results into one ranking.
//
// Each enabled collection receives an equal share of the result budget
// (the first collection absorbs any rounding remainder). The merged list is
// ordered by similarity descending; ties break by most recent creation
// timestamp. Only a collection whose vector search returns nothing falls
// back to a keyword match, which fills the remainder up to limit.
func (s *Service) HybridSearch(ctx context.Context, embedding []float32, subject string, opts HybridOptions, threshold float64, limit int) ([]Result, error) {
	if limit <= 0 {
		return []Result{}, nil
	}

	var enabled []storage.Collection
	if opts.IncludeQuestions {
		enabled = append(enabled, storage.CollectionQuestions)
	}
	if opts.IncludeSyllabus {
		enabled = append(enabled, storage.CollectionSyllabus)
	}
	if len(enabled) == 0 {
		return []Result{}, nil
	}

	// Equal recall split, remainder to the first enabled collection.
	budget := limit / len(enabled)
	firstBudget := limit - budget*(len(enabled)-1)

	var merged []Result
	var starved []storage.Collection // collections with zero vector hits

	for i, col := range enabled {
		b := budget
		if i == 0 {
			b = firstBudget
		}
		results, err := s.Query(ctx, col, embedding, subject, threshold, b)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 {
			starved = append(starved, col)
			continue
		}
		merged = append(merged, results...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Similarity != merged[j].Similarity {
			return merged[i].Similarity > merged[j].Similarity
		}
		return merged[i].Fragment.CreatedAt.After(merged[j].Fragment.CreatedAt)
	})

	// Keyword fallback only for collections the vector side left empty.
	if opts.QueryText != "" {
		for _, col := range starved {
			if len(merged) >= limit {
				break
			}
			fill := s.lexicalFill(col, subject, opts.QueryText, limit-len(merged))
			merged = append(merged, fill...)
		}
	}

	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// lexicalFill runs a BM25 keyword match against one collection with the
// same subject filter as the vector path.
func (s *Service) lexicalFill(col storage.Collection, subject, query string, k int) []Result {
	ci, err := s.collection(col)
	if err != nil || k <= 0 {
		return nil
	}

	hits := ci.lexical.Search(query, k*oversampleFactor)
	results := s.enrich(hits, col, subject, true)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// enrich resolves raw index hits against storage, applying the subject
// filter. Hits whose fragment has vanished are dropped.
func (s *Service) enrich(hits []hit, col storage.Collection, subject string, lexical bool) []Result {
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		f, err := s.engine.GetFragment(h.ID)
		if err != nil {
			continue
		}
		if subject != "" && f.Subject != subject {
			continue
		}
		results = append(results, Result{
			Fragment:   f,
			Similarity: h.Score,
			Source:     col,
			Lexical:    lexical,
		})
	}
	return results
}

// lexicalText concatenates the searchable fields of a fragment: raw text,
// plus topic title and extracted keywords for syllabus fragments.
func lexicalText(f *storage.Fragment) string {
	parts := []string{f.Text}
	if f.TopicTitle != "" {
		parts = append(parts, f.TopicTitle)
	}
	if len(f.Keywords) > 0 {
		parts = append(parts, strings.Join(f.Keywords, " "))
	}
	return strings.Join(parts, " ")
}
