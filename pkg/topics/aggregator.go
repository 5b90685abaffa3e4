package topics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/revisely/insight/pkg/storage"
)

// State is the aggregator lifecycle. The only externally observable
// transition is the atomic swap from one READY version to the next; readers
// never see a partially rebuilt aggregate set.
type State string

const (
	StateEmpty     State = "EMPTY"
	StateComputing State = "COMPUTING"
	StateReady     State = "READY"
)

// AggregateKey is the grouping tuple of the aggregate cache.
type AggregateKey struct {
	Subject string
	Module  string
	Topic   string
	Year    int
}

// Aggregate is one occurrence-count row, uniquely keyed by its grouping
// tuple. Rows are rebuilt wholesale on refresh and never mutated in place.
type Aggregate struct {
	Key             AggregateKey
	OccurrenceCount int     // distinct questions mapped to the topic that year
	PaperCount      int     // distinct non-empty papers
	MathHeavyCount  int     // distinct math-heavy questions
	AvgConfidence   float64 // mean mapping confidence
}

// snapshot is one immutable published aggregate version.
type snapshot struct {
	version    uint64
	computedAt time.Time
	rows       []*Aggregate
}

// Aggregator maintains the topic-occurrence aggregate cache.
//
// Refresh is compute-then-swap: a complete replacement set is built off to
// the side and published atomically. A failed or cancelled refresh leaves
// the previous version untouched. While no version has ever been published
// (EMPTY), reads fall back to live aggregation against the fragment and
// mapping stores — slower, but correct on a cold system.
type Aggregator struct {
	engine storage.Engine
	logger *zap.Logger

	// maxAge marks a published snapshot stale; stale reads fall back to
	// live aggregation. Zero disables staleness checks.
	maxAge time.Duration

	current atomic.Pointer[snapshot]

	mu         sync.Mutex
	refreshing bool
	version    uint64
}

// NewAggregator creates an aggregator in the EMPTY state.
func NewAggregator(engine storage.Engine, maxAge time.Duration, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		engine: engine,
		logger: logger.Named("aggregator"),
		maxAge: maxAge,
	}
}

// State reports the aggregator lifecycle state.
func (a *Aggregator) State() State {
	a.mu.Lock()
	refreshing := a.refreshing
	a.mu.Unlock()

	if refreshing {
		return StateComputing
	}
	if a.current.Load() == nil {
		return StateEmpty
	}
	return StateReady
}

// Version returns the published snapshot version, 0 when EMPTY.
func (a *Aggregator) Version() uint64 {
	if snap := a.current.Load(); snap != nil {
		return snap.version
	}
	return 0
}

// Refresh rebuilds the aggregate cache and atomically publishes the result.
//
// Only one refresh runs at a time; a request arriving while one is in
// flight is coalesced into it and returns immediately with refreshed=false.
// On failure the previously published version remains readable and the
// error is returned for reporting — callers must not propagate it to query
// paths.
func (a *Aggregator) Refresh(ctx context.Context) (refreshed bool, err error) {
	a.mu.Lock()
	if a.refreshing {
		a.mu.Unlock()
		return false, nil
	}
	a.refreshing = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.refreshing = false
		a.mu.Unlock()
	}()

	rows, err := a.compute(ctx, "", "")
	if err != nil {
		a.logger.Error("aggregate refresh failed, previous version retained",
			zap.Uint64("version", a.Version()), zap.Error(err))
		return false, err
	}

	a.mu.Lock()
	a.version++
	version := a.version
	a.mu.Unlock()

	a.current.Store(&snapshot{
		version:    version,
		computedAt: time.Now().UTC(),
		rows:       rows,
	})

	a.logger.Info("aggregate cache published",
		zap.Uint64("version", version), zap.Int("rows", len(rows)))
	return true, nil
}

// TopicYears returns the aggregate rows for one (subject, topic) pair,
// keyed by year. Serves the published snapshot when fresh; otherwise
// computes the slice live.
func (a *Aggregator) TopicYears(ctx context.Context, subject, topic string) (map[int]*Aggregate, error) {
	snap := a.current.Load()
	if snap != nil && (a.maxAge == 0 || time.Since(snap.computedAt) <= a.maxAge) {
		var matched []*Aggregate
		for _, row := range snap.rows {
			if row.Key.Subject == subject && row.Key.Topic == topic {
				matched = append(matched, row)
			}
		}
		return collapseYears(matched), nil
	}

	// Cold or stale cache: aggregate the requested slice on demand.
	rows, err := a.compute(ctx, subject, topic)
	if err != nil {
		return nil, err
	}
	return collapseYears(rows), nil
}

// collapseYears folds aggregate rows into one row per year. The same topic
// title can live under several modules of a subject; their counts sum and
// the confidence average is weighted by occurrences. A merged row spans
// modules, so its Module is cleared. Input rows are never mutated.
func collapseYears(rows []*Aggregate) map[int]*Aggregate {
	out := make(map[int]*Aggregate, len(rows))
	for _, row := range rows {
		cur, ok := out[row.Key.Year]
		if !ok {
			clone := *row
			out[row.Key.Year] = &clone
			continue
		}

		total := cur.OccurrenceCount + row.OccurrenceCount
		if total > 0 {
			cur.AvgConfidence = (cur.AvgConfidence*float64(cur.OccurrenceCount) +
				row.AvgConfidence*float64(row.OccurrenceCount)) / float64(total)
		}
		cur.OccurrenceCount = total
		cur.PaperCount += row.PaperCount
		cur.MathHeavyCount += row.MathHeavyCount
		cur.Key.Module = ""
	}
	return out
}

// accumulator gathers per-key working state during a rebuild.
type accumulator struct {
	questions   map[string]bool
	mathHeavy   map[string]bool
	papers      map[string]bool
	confidences []float64
}

// compute joins fragments through their topic mappings and groups
// occurrence counts by (subject, module, topic, year). Empty subject/topic
// arguments compute the full set; otherwise only the matching slice.
// Fragments without a year are excluded.
func (a *Aggregator) compute(ctx context.Context, subject, topic string) ([]*Aggregate, error) {
	byKey := make(map[AggregateKey]*accumulator)

	err := a.engine.IterateMappings(func(m *storage.TopicMapping) bool {
		if ctx.Err() != nil {
			return false
		}

		question, err := a.engine.GetFragment(m.QuestionID)
		if err != nil {
			return true // dangling mapping, skip
		}
		if question.Year == 0 {
			return true // no year, excluded from year-based aggregation
		}

		topicFrag, err := a.engine.GetFragment(m.TopicID)
		if err != nil {
			return true
		}

		if subject != "" && question.Subject != subject {
			return true
		}
		if topic != "" && topicFrag.TopicTitle != topic {
			return true
		}

		key := AggregateKey{
			Subject: question.Subject,
			Module:  topicFrag.Module,
			Topic:   topicFrag.TopicTitle,
			Year:    question.Year,
		}

		acc := byKey[key]
		if acc == nil {
			acc = &accumulator{
				questions: make(map[string]bool),
				mathHeavy: make(map[string]bool),
				papers:    make(map[string]bool),
			}
			byKey[key] = acc
		}

		acc.questions[question.ID] = true
		if question.MathHeavy {
			acc.mathHeavy[question.ID] = true
		}
		if question.Paper != "" {
			acc.papers[question.Paper] = true
		}
		acc.confidences = append(acc.confidences, m.Confidence)
		return true
	})
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	rows := make([]*Aggregate, 0, len(byKey))
	for key, acc := range byKey {
		var sum float64
		for _, c := range acc.confidences {
			sum += c
		}
		avg := 0.0
		if len(acc.confidences) > 0 {
			avg = sum / float64(len(acc.confidences))
		}

		rows = append(rows, &Aggregate{
			Key:             key,
			OccurrenceCount: len(acc.questions),
			PaperCount:      len(acc.papers),
			MathHeavyCount:  len(acc.mathHeavy),
			AvgConfidence:   avg,
		})
	}
	return rows, nil
}
