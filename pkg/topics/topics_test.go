package topics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revisely/insight/pkg/storage"
)

func seedQuestion(t *testing.T, engine storage.Engine, id, subject string, year int, paper string, mathHeavy bool) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, engine.CreateFragment(&storage.Fragment{
		ID:         id,
		Collection: storage.CollectionQuestions,
		Subject:    subject,
		Text:       "question text",
		Year:       year,
		Paper:      paper,
		MathHeavy:  mathHeavy,
		State:      storage.StateComplete,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
}

func seedTopic(t *testing.T, engine storage.Engine, id, subject, module, title string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, engine.CreateFragment(&storage.Fragment{
		ID:         id,
		Collection: storage.CollectionSyllabus,
		Subject:    subject,
		Text:       "objective text",
		Module:     module,
		TopicTitle: title,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
}

func TestMappingStore_CreateAndDuplicate(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	seedQuestion(t, engine, "q1", "Pure Mathematics", 2021, "Paper 1", true)
	seedTopic(t, engine, "s1", "Pure Mathematics", "Calculus", "Differentiation")

	store := NewMappingStore(engine, 0)

	m, err := store.Create("q1", "s1", 0.85, storage.ProvenanceSemantic)
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, storage.ProvenanceSemantic, m.Provenance)

	_, err = store.Create("q1", "s1", 0.9, storage.ProvenanceSemantic)
	assert.ErrorIs(t, err, ErrDuplicateMapping)
}

func TestMappingStore_ConfidenceFloor(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	seedQuestion(t, engine, "q1", "Physics", 2020, "", false)
	seedTopic(t, engine, "s1", "Physics", "Mechanics", "Kinematics")

	store := NewMappingStore(engine, 0.6)

	_, err := store.Create("q1", "s1", 0.5, storage.ProvenanceSemantic)
	assert.ErrorIs(t, err, ErrLowConfidence)

	// Manual mappings bypass the floor.
	_, err = store.Create("q1", "s1", 0.5, storage.ProvenanceManual)
	require.NoError(t, err)

	_, err = store.Create("q1", "s1", 1.5, storage.ProvenanceManual)
	assert.ErrorIs(t, err, ErrInvalidConfidence)
}

func TestMappingStore_EndpointValidation(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	seedQuestion(t, engine, "q1", "Physics", 2020, "", false)
	seedTopic(t, engine, "s1", "Physics", "Mechanics", "Kinematics")

	store := NewMappingStore(engine, 0)

	_, err := store.Create("missing", "s1", 0.9, storage.ProvenanceSemantic)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Both endpoints must be in their expected collections.
	_, err = store.Create("s1", "q1", 0.9, storage.ProvenanceSemantic)
	assert.ErrorIs(t, err, storage.ErrInvalidData)
}

func seedAggregationData(t *testing.T, engine storage.Engine) *MappingStore {
	t.Helper()
	store := NewMappingStore(engine, 0)
	seedTopic(t, engine, "s-diff", "Pure Mathematics", "Calculus", "Differentiation")

	// Three questions across two years, two papers, two math-heavy.
	seedQuestion(t, engine, "q1", "Pure Mathematics", 2020, "Paper 1", true)
	seedQuestion(t, engine, "q2", "Pure Mathematics", 2020, "Paper 2", false)
	seedQuestion(t, engine, "q3", "Pure Mathematics", 2021, "Paper 1", true)
	// No year: excluded from aggregation.
	seedQuestion(t, engine, "q4", "Pure Mathematics", 0, "Paper 1", false)

	for i, q := range []string{"q1", "q2", "q3", "q4"} {
		_, err := store.Create(q, "s-diff", 0.7+float64(i)*0.05, storage.ProvenanceSemantic)
		require.NoError(t, err)
	}
	return store
}

func TestAggregator_RefreshAndQuery(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	seedAggregationData(t, engine)

	agg := NewAggregator(engine, 0, nil)
	assert.Equal(t, StateEmpty, agg.State())

	refreshed, err := agg.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, StateReady, agg.State())
	assert.Equal(t, uint64(1), agg.Version())

	years, err := agg.TopicYears(context.Background(), "Pure Mathematics", "Differentiation")
	require.NoError(t, err)
	require.Len(t, years, 2) // q4 has no year

	y2020 := years[2020]
	require.NotNil(t, y2020)
	assert.Equal(t, 2, y2020.OccurrenceCount)
	assert.Equal(t, 2, y2020.PaperCount)
	assert.Equal(t, 1, y2020.MathHeavyCount)
	assert.InDelta(t, 0.725, y2020.AvgConfidence, 1e-9) // (0.70+0.75)/2

	y2021 := years[2021]
	require.NotNil(t, y2021)
	assert.Equal(t, 1, y2021.OccurrenceCount)
	assert.Equal(t, 1, y2021.MathHeavyCount)
}

func TestAggregator_TopicTitleSharedAcrossModules(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	store := NewMappingStore(engine, 0)
	seedTopic(t, engine, "s-c1", "Pure Mathematics", "Calculus 1", "Differentiation")
	seedTopic(t, engine, "s-c2", "Pure Mathematics", "Calculus 2", "Differentiation")

	currentYear := time.Now().UTC().Year()
	seedQuestion(t, engine, "q1", "Pure Mathematics", currentYear, "Paper 1", false)
	seedQuestion(t, engine, "q2", "Pure Mathematics", currentYear, "Paper 2", true)

	_, err := store.Create("q1", "s-c1", 0.8, storage.ProvenanceSemantic)
	require.NoError(t, err)
	_, err = store.Create("q2", "s-c2", 0.6, storage.ProvenanceSemantic)
	require.NoError(t, err)

	agg := NewAggregator(engine, 0, nil)

	// Live aggregation (EMPTY) and the published snapshot must agree.
	live, err := agg.TopicYears(context.Background(), "Pure Mathematics", "Differentiation")
	require.NoError(t, err)

	_, err = agg.Refresh(context.Background())
	require.NoError(t, err)
	published, err := agg.TopicYears(context.Background(), "Pure Mathematics", "Differentiation")
	require.NoError(t, err)

	for name, years := range map[string]map[int]*Aggregate{"live": live, "published": published} {
		row := years[currentYear]
		require.NotNil(t, row, name)
		assert.Equal(t, 2, row.OccurrenceCount, name)
		assert.Equal(t, 2, row.PaperCount, name)
		assert.Equal(t, 1, row.MathHeavyCount, name)
		assert.InDelta(t, 0.7, row.AvgConfidence, 1e-9, name) // (0.8+0.6)/2
	}

	prob := NewProbabilityEngine(agg, DefaultThresholds(), nil)
	p := prob.Probability(context.Background(), "Differentiation", "Pure Mathematics", 10)
	assert.Equal(t, 2, p.TotalAppearances)
	assert.Equal(t, 2, p.RecentAppearances)
	assert.Equal(t, 1, p.YearsAppeared)
}

func TestAggregator_EmptyFallsBackToLiveAggregation(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	seedAggregationData(t, engine)

	agg := NewAggregator(engine, 0, nil)
	require.Equal(t, StateEmpty, agg.State())

	// No refresh has ever run; the read must still be answered.
	years, err := agg.TopicYears(context.Background(), "Pure Mathematics", "Differentiation")
	require.NoError(t, err)
	assert.Len(t, years, 2)
	assert.Equal(t, StateEmpty, agg.State())
}

// flakyEngine makes mapping iteration fail on demand.
type flakyEngine struct {
	storage.Engine
	fail bool
}

func (f *flakyEngine) IterateMappings(fn func(*storage.TopicMapping) bool) error {
	if f.fail {
		return errors.New("simulated store outage")
	}
	return f.Engine.IterateMappings(fn)
}

func TestAggregator_FailedRefreshRetainsPreviousVersion(t *testing.T) {
	mem := storage.NewMemoryEngine()
	defer mem.Close()
	seedAggregationData(t, mem)

	engine := &flakyEngine{Engine: mem}
	agg := NewAggregator(engine, 0, nil)

	_, err := agg.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), agg.Version())

	before, err := agg.TopicYears(context.Background(), "Pure Mathematics", "Differentiation")
	require.NoError(t, err)

	engine.fail = true
	refreshed, err := agg.Refresh(context.Background())
	assert.Error(t, err)
	assert.False(t, refreshed)

	// Previous version still published and unchanged.
	assert.Equal(t, StateReady, agg.State())
	assert.Equal(t, uint64(1), agg.Version())

	after, err := agg.TopicYears(context.Background(), "Pure Mathematics", "Differentiation")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAggregator_CancelledRefreshRetainsPreviousVersion(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()
	seedAggregationData(t, engine)

	agg := NewAggregator(engine, 0, nil)
	_, err := agg.Refresh(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = agg.Refresh(ctx)
	assert.Error(t, err)
	assert.Equal(t, uint64(1), agg.Version())
	assert.Equal(t, StateReady, agg.State())
}

func TestProbability_ScoreAndCategory(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	store := NewMappingStore(engine, 0)
	seedTopic(t, engine, "s-diff", "Pure Mathematics", "Calculus", "Differentiation")

	// Occurrences in 8 of the last 10 years.
	currentYear := time.Now().UTC().Year()
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("q%d", i)
		seedQuestion(t, engine, id, "Pure Mathematics", currentYear-i, "Paper 1", false)
		_, err := store.Create(id, "s-diff", 0.8, storage.ProvenanceSemantic)
		require.NoError(t, err)
	}

	agg := NewAggregator(engine, 0, nil)
	_, err := agg.Refresh(context.Background())
	require.NoError(t, err)

	prob := NewProbabilityEngine(agg, DefaultThresholds(), nil)
	p := prob.Probability(context.Background(), "Differentiation", "Pure Mathematics", 10)

	assert.Equal(t, 8, p.TotalAppearances)
	assert.Equal(t, 8, p.YearsAppeared)
	assert.Equal(t, 8, p.RecentAppearances)
	assert.InDelta(t, 0.8, p.Score, 1e-9)
	assert.Equal(t, CategoryHigh, p.Category)
}

func TestProbability_NoDataIsLowNotError(t *testing.T) {
	engine := storage.NewMemoryEngine()
	defer engine.Close()

	agg := NewAggregator(engine, 0, nil)
	prob := NewProbabilityEngine(agg, DefaultThresholds(), nil)

	p := prob.Probability(context.Background(), "Unmapped Topic", "Physics", 10)
	assert.Equal(t, 0.0, p.Score)
	assert.Equal(t, CategoryLow, p.Category)
	assert.Equal(t, 0, p.TotalAppearances)
}

func TestProbability_CategoryBoundaries(t *testing.T) {
	prob := NewProbabilityEngine(nil, DefaultThresholds(), nil)

	assert.Equal(t, CategoryHigh, prob.categorize(0.7))
	assert.Equal(t, CategoryMedium, prob.categorize(0.69))
	assert.Equal(t, CategoryMedium, prob.categorize(0.3))
	assert.Equal(t, CategoryLow, prob.categorize(0.29))
	assert.Equal(t, CategoryLow, prob.categorize(0))
}
