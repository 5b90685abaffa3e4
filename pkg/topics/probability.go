package topics

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Category buckets a reappearance score. The thresholds are configured
// policy, not derived statistics.
type Category string

const (
	CategoryHigh   Category = "High"
	CategoryMedium Category = "Medium"
	CategoryLow    Category = "Low"
)

// Thresholds maps a score to a category: score >= High is High,
// score >= Medium is Medium, anything below is Low.
type Thresholds struct {
	High   float64
	Medium float64
}

// DefaultThresholds returns the production category boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.7, Medium: 0.3}
}

// Probability is the reappearance estimate for one topic.
type Probability struct {
	Topic   string
	Subject string

	// TotalAppearances counts topic occurrences across all recorded years.
	TotalAppearances int
	// YearsAppeared counts distinct years with at least one occurrence.
	YearsAppeared int
	// RecentAppearances counts occurrences inside the lookback window.
	RecentAppearances int

	// Score is distinctYearsWithAppearanceInWindow / max(yearsBack, 1).
	Score    float64
	Category Category
}

// ProbabilityEngine derives reappearance likelihood from the aggregator's
// yearly occurrence pattern.
type ProbabilityEngine struct {
	aggregator *Aggregator
	thresholds Thresholds
	logger     *zap.Logger
	now        func() time.Time
}

// NewProbabilityEngine creates a probability engine over an aggregator.
func NewProbabilityEngine(aggregator *Aggregator, thresholds Thresholds, logger *zap.Logger) *ProbabilityEngine {
	if thresholds.High == 0 && thresholds.Medium == 0 {
		thresholds = DefaultThresholds()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProbabilityEngine{
		aggregator: aggregator,
		thresholds: thresholds,
		logger:     logger.Named("probability"),
		now:        time.Now,
	}
}

// Probability estimates how likely a topic is to reappear, based on how
// many distinct years inside the lookback window it occurred in.
//
// A topic with no aggregate rows scores 0 / Low. Aggregation failures also
// degrade to 0 / Low — this is advisory analytics, never a query error.
func (p *ProbabilityEngine) Probability(ctx context.Context, topic, subject string, yearsBack int) Probability {
	result := Probability{Topic: topic, Subject: subject, Category: CategoryLow}

	years, err := p.aggregator.TopicYears(ctx, subject, topic)
	if err != nil {
		p.logger.Warn("probability degraded to Low",
			zap.String("topic", topic), zap.String("subject", subject), zap.Error(err))
		return result
	}

	if yearsBack < 1 {
		yearsBack = 1
	}
	currentYear := p.now().UTC().Year()
	windowStart := currentYear - yearsBack

	yearsInWindow := 0
	for year, row := range years {
		result.TotalAppearances += row.OccurrenceCount
		result.YearsAppeared++
		if year >= windowStart && year <= currentYear {
			result.RecentAppearances += row.OccurrenceCount
			yearsInWindow++
		}
	}

	result.Score = float64(yearsInWindow) / float64(yearsBack)
	result.Category = p.categorize(result.Score)
	return result
}

func (p *ProbabilityEngine) categorize(score float64) Category {
	switch {
	case score >= p.thresholds.High:
		return CategoryHigh
	case score >= p.thresholds.Medium:
		return CategoryMedium
	default:
		return CategoryLow
	}
}
