// Package insight provides the main API for embedded insight usage.
//
// The Engine ties the storage, search, topics and interactions components
// into one retrieval and analytics surface for exam-question content:
//
//   - Fragment storage with per-collection embedding indexes
//   - Vector similarity search and hybrid multi-collection search
//     with a keyword fallback
//   - Question-to-syllabus topic mappings and versioned occurrence
//     aggregates
//   - Reappearance probability estimates per topic
//   - An idempotent interaction ledger feeding trending and popularity
//     rankings
//
// Example:
//
//	cfg := config.Default()
//	cfg.Storage.DataDir = "./data"
//
//	eng, err := insight.Open(cfg, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Close()
//
//	if err := eng.BuildIndexes(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	results, err := eng.HybridSearch(ctx, embedding, "Pure Mathematics",
//		search.HybridOptions{IncludeQuestions: true, IncludeSyllabus: true},
//		0.25, 20)
package insight

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revisely/insight/pkg/cache"
	"github.com/revisely/insight/pkg/config"
	"github.com/revisely/insight/pkg/interactions"
	"github.com/revisely/insight/pkg/search"
	"github.com/revisely/insight/pkg/storage"
	"github.com/revisely/insight/pkg/topics"
)

// Errors returned by Engine operations.
var (
	ErrClosed       = errors.New("engine is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// RefreshStatus is the typed outcome of an aggregate refresh request.
type RefreshStatus string

const (
	// RefreshOK: a new aggregate version was computed and published.
	RefreshOK RefreshStatus = "ok"
	// RefreshFallback: a refresh was already in flight; this request was
	// coalesced into it and the current version keeps serving.
	RefreshFallback RefreshStatus = "fallback"
	// RefreshFailed: the rebuild errored; the previous version is retained.
	RefreshFailed RefreshStatus = "failed"
)

// Engine is the top-level insight instance.
//
// All methods are safe for concurrent use. Read paths never block behind an
// aggregate refresh; analytics failures degrade rather than propagate.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	store       storage.Engine
	search      *search.Service
	mappings    *topics.MappingStore
	aggregator  *topics.Aggregator
	probability *topics.ProbabilityEngine
	recorder    *interactions.Recorder
	ranker      *interactions.Ranker
	results     *cache.ResultCache

	closed atomic.Bool
}

// Open creates an Engine from the configuration.
//
// A nil cfg uses config.Default(). A nil logger builds one from the config's
// logging section. With durable storage, call BuildIndexes afterwards to
// repopulate the search indexes before serving queries.
func Open(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		var err error
		logger, err = NewLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
	}

	var store storage.Engine
	if cfg.Storage.InMemory {
		store = storage.NewMemoryEngine()
	} else {
		var err error
		store, err = storage.NewBadgerEngine(storage.BadgerOptions{
			DataDir: cfg.Storage.DataDir,
		})
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	svc := search.NewService(store, map[storage.Collection]int{
		storage.CollectionQuestions: cfg.Search.QuestionDimensions,
		storage.CollectionSyllabus:  cfg.Search.SyllabusDimensions,
	}, search.HNSWParams{
		M:              cfg.Search.M,
		EfConstruction: cfg.Search.EfConstruction,
		EfSearch:       cfg.Search.EfSearch,
	}, logger)

	aggregator := topics.NewAggregator(store, cfg.Topics.AggregateMaxAge, logger)

	results := cache.New(cfg.Cache.Size, cfg.Cache.TTL)
	results.SetEnabled(cfg.Cache.Enabled)

	eng := &Engine{
		cfg:        cfg,
		logger:     logger.Named("insight"),
		store:      store,
		search:     svc,
		mappings:   topics.NewMappingStore(store, cfg.Topics.ConfidenceFloor),
		aggregator: aggregator,
		probability: topics.NewProbabilityEngine(aggregator, topics.Thresholds{
			High:   cfg.Topics.ProbabilityHigh,
			Medium: cfg.Topics.ProbabilityMedium,
		}, logger),
		recorder: interactions.NewRecorder(store, logger),
		ranker: interactions.NewRanker(store, interactions.Weights{
			View:     cfg.Interactions.ViewWeight,
			Favorite: cfg.Interactions.FavoriteWeight,
			Age:      cfg.Interactions.AgeWeight,
		}, logger),
		results: results,
	}

	eng.logger.Info("engine opened", zap.String("config", cfg.String()))
	return eng, nil
}

// BuildIndexes repopulates the search indexes from storage. Called once at
// startup when the store is durable.
func (e *Engine) BuildIndexes(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.search.BuildIndexes(ctx)
}

// AddQuestionFragment stores and indexes an exam-question fragment.
//
// An empty ID is assigned. MathHeavy is derived from the extracted equations
// unless already set. The embedding must match the questions collection
// dimension.
func (e *Engine) AddQuestionFragment(ctx context.Context, f *storage.Fragment) (*storage.Fragment, error) {
	f.Collection = storage.CollectionQuestions
	if f.State == "" {
		f.State = storage.StateComplete
	}
	if !f.MathHeavy && len(f.Equations) > 0 {
		f.MathHeavy = true
	}
	return e.addFragment(ctx, f)
}

// AddSyllabusFragment stores and indexes a syllabus objective fragment.
func (e *Engine) AddSyllabusFragment(ctx context.Context, f *storage.Fragment) (*storage.Fragment, error) {
	f.Collection = storage.CollectionSyllabus
	f.State = storage.StateComplete
	return e.addFragment(ctx, f)
}

func (e *Engine) addFragment(ctx context.Context, f *storage.Fragment) (*storage.Fragment, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Subject == "" || f.Text == "" {
		return nil, fmt.Errorf("%w: subject and text required", ErrInvalidInput)
	}
	if len(f.Embedding) != e.search.Dimensions(f.Collection) {
		return nil, search.ErrDimensionMismatch
	}

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now

	if err := e.store.CreateFragment(f); err != nil {
		return nil, err
	}
	if err := e.search.IndexFragment(f); err != nil {
		// Keep storage consistent with the indexes.
		if delErr := e.store.DeleteFragment(f.ID); delErr != nil {
			e.logger.Error("orphaned fragment after index failure",
				zap.String("fragment", f.ID), zap.Error(delErr))
		}
		return nil, err
	}

	e.results.Clear()
	return f, nil
}

// GetFragment returns a stored fragment by ID.
func (e *Engine) GetFragment(id string) (*storage.Fragment, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.store.GetFragment(id)
}

// DeleteFragment removes a fragment from storage (cascading to its topic
// mappings) and from the search indexes.
func (e *Engine) DeleteFragment(id string) error {
	if e.closed.Load() {
		return ErrClosed
	}

	f, err := e.store.GetFragment(id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteFragment(id); err != nil {
		return err
	}
	if err := e.search.RemoveFragment(f.Collection, id); err != nil {
		e.logger.Warn("index removal failed", zap.String("fragment", id), zap.Error(err))
	}

	e.results.Clear()
	return nil
}

// MapQuestionToTopic links a question fragment to a syllabus topic.
//
// Semantic and keyword mappings below the confidence floor are rejected;
// manual mappings bypass the floor. The pair is unique.
func (e *Engine) MapQuestionToTopic(questionID, topicID string, confidence float64, provenance storage.MappingProvenance) (*storage.TopicMapping, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	m, err := e.mappings.Create(questionID, topicID, confidence, provenance)
	if err != nil {
		return nil, err
	}
	e.results.Clear()
	return m, nil
}

// Search runs a vector similarity query against one collection. Results
// below threshold are dropped; a negative threshold uses the configured
// default minimum similarity.
func (e *Engine) Search(ctx context.Context, col storage.Collection, embedding []float32, subject string, threshold float64, limit int) ([]search.Result, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.search.Query(ctx, col, embedding, subject, e.minSimilarity(threshold), limit)
}

// HybridSearch fans a query out to the enabled collections and merges the
// rankings. A negative threshold uses the configured default minimum
// similarity. See search.Service.HybridSearch for the budget and fallback
// semantics.
func (e *Engine) HybridSearch(ctx context.Context, embedding []float32, subject string, opts search.HybridOptions, threshold float64, limit int) ([]search.Result, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.search.HybridSearch(ctx, embedding, subject, opts, e.minSimilarity(threshold), limit)
}

func (e *Engine) minSimilarity(threshold float64) float64 {
	if threshold < 0 {
		return e.cfg.Search.MinSimilarity
	}
	return threshold
}

// GetTopicProbability estimates how likely a topic is to reappear, based on
// its occurrence pattern over the last yearsBack years. A non-positive
// yearsBack uses the configured default window.
func (e *Engine) GetTopicProbability(ctx context.Context, topic, subject string, yearsBack int) topics.Probability {
	if e.closed.Load() {
		return topics.Probability{Topic: topic, Subject: subject, Category: topics.CategoryLow}
	}
	if yearsBack <= 0 {
		yearsBack = e.cfg.Topics.YearsBack
	}

	key := cache.Key("probability", subject, topic, strconv.Itoa(yearsBack))
	if v, ok := e.results.Get(key); ok {
		return v.(topics.Probability)
	}

	p := e.probability.Probability(ctx, topic, subject, yearsBack)
	e.results.Put(key, p)
	return p
}

// RefreshTopicAggregates rebuilds the topic-occurrence aggregate cache.
//
// Returns RefreshOK when a new version was published, RefreshFallback when
// the request coalesced into a refresh already in flight, and RefreshFailed
// (with the error) when the rebuild failed — the previously published
// version keeps serving in both non-OK cases.
func (e *Engine) RefreshTopicAggregates(ctx context.Context) (RefreshStatus, error) {
	if e.closed.Load() {
		return RefreshFailed, ErrClosed
	}

	refreshed, err := e.aggregator.Refresh(ctx)
	if err != nil {
		return RefreshFailed, err
	}
	if !refreshed {
		return RefreshFallback, nil
	}
	e.results.Clear()
	return RefreshOK, nil
}

// AggregatorState reports the aggregate cache lifecycle state and version.
func (e *Engine) AggregatorState() (topics.State, uint64) {
	return e.aggregator.State(), e.aggregator.Version()
}

// RecordInteraction appends one interaction event to the ledger. Replays of
// the same (item, actor, type, timestamp) tuple report duplicate and leave
// the counters untouched. A zero timestamp defaults to now.
//
// Rankings are not invalidated per event; the result cache TTL bounds how
// long a stale ranking can serve.
func (e *Engine) RecordInteraction(itemID, actorID string, typ storage.InteractionType, ts time.Time) interactions.Result {
	if e.closed.Load() {
		return interactions.Result{Status: interactions.StatusFailed, Err: ErrClosed}
	}
	return e.recorder.Record(itemID, actorID, typ, ts)
}

// GetCounters returns the popularity counters for an item; zero counters for
// items that were never interacted with.
func (e *Engine) GetCounters(itemID string) (*storage.Counters, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.recorder.Counters(itemID)
}

// GetTrending ranks completed question fragments by recent-activity trend
// score. Computation failures degrade to an empty ranking rather than an
// error — trending is advisory, never load-bearing.
func (e *Engine) GetTrending(ctx context.Context, subject string, limit int) []*interactions.Ranked {
	if e.closed.Load() {
		return nil
	}

	key := cache.Key("trending", subject, strconv.Itoa(limit))
	if v, ok := e.results.Get(key); ok {
		return v.([]*interactions.Ranked)
	}

	ranked, err := e.ranker.Trending(ctx, subject, e.cfg.Interactions.TrendingWindow, limit)
	if err != nil {
		e.logger.Warn("trending degraded to empty",
			zap.String("subject", subject), zap.Error(err))
		return []*interactions.Ranked{}
	}
	e.results.Put(key, ranked)
	return ranked
}

// GetPopularBySubject ranks a subject's question fragments by lifetime view
// count, favorites breaking ties, then recency.
func (e *Engine) GetPopularBySubject(ctx context.Context, subject string, limit int) ([]*interactions.Ranked, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	key := cache.Key("popular", subject, strconv.Itoa(limit))
	if v, ok := e.results.Get(key); ok {
		return v.([]*interactions.Ranked), nil
	}

	ranked, err := e.ranker.PopularBySubject(ctx, subject, limit)
	if err != nil {
		return nil, err
	}
	e.results.Put(key, ranked)
	return ranked, nil
}

// Stats is a point-in-time snapshot of engine internals.
type Stats struct {
	AggregatorState   topics.State
	AggregateVersion  uint64
	QuestionFragments int
	SyllabusFragments int
	Mappings          int
	Cache             cache.Stats
}

// Stats gathers engine statistics. Fragment counts iterate storage, so this
// is for operational tooling, not hot paths.
func (e *Engine) Stats() (Stats, error) {
	if e.closed.Load() {
		return Stats{}, ErrClosed
	}

	st := Stats{
		AggregatorState:  e.aggregator.State(),
		AggregateVersion: e.aggregator.Version(),
		Cache:            e.results.Stats(),
	}

	err := e.store.IterateFragments("", func(f *storage.Fragment) bool {
		switch f.Collection {
		case storage.CollectionQuestions:
			st.QuestionFragments++
		case storage.CollectionSyllabus:
			st.SyllabusFragments++
		}
		return true
	})
	if err != nil {
		return Stats{}, err
	}

	err = e.store.IterateMappings(func(*storage.TopicMapping) bool {
		st.Mappings++
		return true
	})
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

// Close releases storage resources. Subsequent calls are no-ops.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.results.Clear()
	err := e.store.Close()
	e.logger.Info("engine closed")
	return err
}
