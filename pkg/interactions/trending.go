package interactions

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/revisely/insight/pkg/storage"
)

// Weights are the trend score coefficients:
//
//	score = recentViews*View + favorites*Favorite + ageDays*Age
//
// Age is normally negative so older items decay.
type Weights struct {
	View     float64
	Favorite float64
	Age      float64
}

// DefaultWeights returns the production trend coefficients.
func DefaultWeights() Weights {
	return Weights{View: 2.0, Favorite: 3.0, Age: -0.1}
}

// Ranked is one scored item in a trending or popularity ranking.
type Ranked struct {
	Fragment *storage.Fragment
	Counters storage.Counters

	// RecentViews counts view events inside the trending window. Zero for
	// popularity rankings, which use lifetime counters.
	RecentViews int64

	// Score is the trend score. Zero for popularity rankings.
	Score float64
}

// Ranker computes trending and popularity rankings over question fragments.
type Ranker struct {
	engine  storage.Engine
	weights Weights
	logger  *zap.Logger
	now     func() time.Time
}

// NewRanker creates a ranker. Zero weights fall back to DefaultWeights.
func NewRanker(engine storage.Engine, weights Weights, logger *zap.Logger) *Ranker {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{
		engine:  engine,
		weights: weights,
		logger:  logger.Named("ranker"),
		now:     time.Now,
	}
}

// Trending ranks question fragments by recent-activity trend score.
//
// Only fragments that completed ingestion are eligible. Recent views are
// counted from the ledger over the given window; favorites use the lifetime
// counter. Results are ordered by score descending, ties broken by newest
// CreatedAt first.
func (r *Ranker) Trending(ctx context.Context, subject string, window time.Duration, limit int) ([]*Ranked, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := r.now().UTC()
	since := now.Add(-window)

	var (
		ranked  []*Ranked
		iterErr error
	)
	err := r.engine.IterateFragments(storage.CollectionQuestions, func(f *storage.Fragment) bool {
		if ctx.Err() != nil {
			return false
		}
		if f.State != storage.StateComplete {
			return true
		}
		if subject != "" && f.Subject != subject {
			return true
		}

		counters, err := r.engine.GetCounters(f.ID)
		if err != nil {
			iterErr = err
			return false
		}

		var recentViews int64
		if counters.ViewCount > 0 {
			err = r.engine.IterateEvents(f.ID, storage.InteractionView, since, func(*storage.InteractionEvent) bool {
				recentViews++
				return true
			})
			if err != nil {
				iterErr = err
				return false
			}
		}

		ageDays := now.Sub(f.CreatedAt).Hours() / 24
		score := float64(recentViews)*r.weights.View +
			float64(counters.FavoriteCount)*r.weights.Favorite +
			ageDays*r.weights.Age

		ranked = append(ranked, &Ranked{
			Fragment:    f,
			Counters:    *counters,
			RecentViews: recentViews,
			Score:       score,
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Fragment.CreatedAt.After(ranked[j].Fragment.CreatedAt)
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// PopularBySubject ranks a subject's question fragments by lifetime view
// count, favorites breaking ties, newest CreatedAt breaking the rest.
// Fragments that were never interacted with rank with zero counters.
func (r *Ranker) PopularBySubject(ctx context.Context, subject string, limit int) ([]*Ranked, error) {
	if limit <= 0 {
		return nil, nil
	}

	var (
		ranked  []*Ranked
		iterErr error
	)
	err := r.engine.IterateFragments(storage.CollectionQuestions, func(f *storage.Fragment) bool {
		if ctx.Err() != nil {
			return false
		}
		if subject != "" && f.Subject != subject {
			return true
		}

		counters, err := r.engine.GetCounters(f.ID)
		if err != nil {
			iterErr = err
			return false
		}
		ranked = append(ranked, &Ranked{Fragment: f, Counters: *counters})
		return true
	})
	if err != nil {
		return nil, err
	}
	if iterErr != nil {
		return nil, iterErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Counters.ViewCount != b.Counters.ViewCount {
			return a.Counters.ViewCount > b.Counters.ViewCount
		}
		if a.Counters.FavoriteCount != b.Counters.FavoriteCount {
			return a.Counters.FavoriteCount > b.Counters.FavoriteCount
		}
		return a.Fragment.CreatedAt.After(b.Fragment.CreatedAt)
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}
