// Package interactions records user interaction events and derives the
// popularity counters and trending rankings from them.
package interactions

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/revisely/insight/pkg/storage"
)

// Status is the typed outcome of recording an interaction. A duplicate is
// an idempotent no-op, never conflated with a failure.
type Status string

const (
	StatusRecorded  Status = "recorded"
	StatusDuplicate Status = "duplicate"
	StatusFailed    Status = "failed"
)

// Result reports the outcome of one Record call. Err is set only for
// StatusFailed.
type Result struct {
	Status Status
	Err    error
}

// Recorder appends interaction events to the ledger.
//
// The underlying storage engine performs the dedup check, ledger insert and
// counter increment as one atomic unit, so recording is safe to retry under
// at-least-once delivery: a replayed tuple reports duplicate and leaves the
// counters untouched.
type Recorder struct {
	engine storage.Engine
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder creates a ledger recorder.
func NewRecorder(engine storage.Engine, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		engine: engine,
		logger: logger.Named("interactions"),
		now:    time.Now,
	}
}

// Record appends one interaction event. A zero timestamp defaults to the
// current time.
func (r *Recorder) Record(itemID, actorID string, typ storage.InteractionType, ts time.Time) Result {
	if itemID == "" {
		return Result{Status: StatusFailed, Err: fmt.Errorf("item id: %w", storage.ErrInvalidID)}
	}
	if !typ.Valid() {
		return Result{Status: StatusFailed, Err: fmt.Errorf("interaction type %q: %w", typ, storage.ErrInvalidData)}
	}
	if ts.IsZero() {
		ts = r.now().UTC()
	}

	inserted, err := r.engine.AppendEvent(&storage.InteractionEvent{
		ItemID:    itemID,
		ActorID:   actorID,
		Type:      typ,
		Timestamp: ts,
	})
	if err != nil {
		r.logger.Error("interaction append failed",
			zap.String("item", itemID), zap.String("type", string(typ)), zap.Error(err))
		return Result{Status: StatusFailed, Err: err}
	}
	if !inserted {
		return Result{Status: StatusDuplicate}
	}
	return Result{Status: StatusRecorded}
}

// Counters returns the popularity counters for an item; zero counters for
// items that were never interacted with.
func (r *Recorder) Counters(itemID string) (*storage.Counters, error) {
	return r.engine.GetCounters(itemID)
}
