// Package storage provides the durable record types and storage engine
// interface for the insight engine.
//
// Two implementations are provided:
//   - MemoryEngine: in-memory maps, used by tests and cold-start tooling
//   - BadgerEngine: durable key-value storage on BadgerDB
//
// The storage layer owns the two durable inputs the engine must never lose
// (fragments and interaction events) plus their derived projections (topic
// mappings, popularity counters). The interaction ledger append and the
// counter increment are a single atomic unit: an event that deduplicates
// never touches the counters, and a retained event increments its counter
// exactly once.
package storage

import (
	"errors"
	"time"
)

// Common errors returned by storage engines.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrStorageClosed = errors.New("storage closed")
)

// Collection identifies a fragment corpus. Each collection has a fixed
// embedding dimension enforced at insert time.
type Collection string

const (
	// CollectionQuestions holds extracted exam-question fragments.
	CollectionQuestions Collection = "questions"

	// CollectionSyllabus holds syllabus objective fragments.
	CollectionSyllabus Collection = "syllabus"
)

// ProcessingState tracks a fragment through the ingestion pipeline.
// Only fragments in StateComplete are eligible for trending rankings.
type ProcessingState string

const (
	StatePending  ProcessingState = "pending"
	StateComplete ProcessingState = "complete"
	StateFailed   ProcessingState = "failed"
)

// EquationKind tags an extracted equation as inline ($...$) or
// display ($$...$$) math.
type EquationKind string

const (
	EquationInline  EquationKind = "inline"
	EquationDisplay EquationKind = "display"
)

// Equation is a LaTeX equation extracted from a question fragment.
type Equation struct {
	Latex string       `json:"latex"`
	Kind  EquationKind `json:"kind"`
}

// Fragment is a stored unit of question or syllabus text with an attached
// embedding vector and classification metadata.
//
// Question fragments carry Year/Paper/Label and the extracted sub-images and
// equations. Syllabus fragments carry Module/TopicTitle/Keywords. A fragment
// without a Year is excluded from year-based aggregation.
type Fragment struct {
	ID         string     `json:"id"`
	Collection Collection `json:"collection"`
	Subject    string     `json:"subject"`
	Text       string     `json:"text"`
	Embedding  []float32  `json:"embedding,omitempty"`

	// Question metadata
	Year      int        `json:"year,omitempty"` // 0 = unknown
	Paper     string     `json:"paper,omitempty"`
	Label     string     `json:"label,omitempty"` // question label, e.g. "3(b)"
	SubImages []string   `json:"subImages,omitempty"`
	Equations []Equation `json:"equations,omitempty"`

	// Classification
	Topic      string   `json:"topic,omitempty"`
	SubTopic   string   `json:"subTopic,omitempty"`
	Module     string   `json:"module,omitempty"`     // syllabus only
	TopicTitle string   `json:"topicTitle,omitempty"` // syllabus only
	Keywords   []string `json:"keywords,omitempty"`   // syllabus only

	Confidence float64         `json:"confidence"`
	MathHeavy  bool            `json:"mathHeavy"`
	State      ProcessingState `json:"state"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MappingProvenance records how a question-to-topic link was established.
type MappingProvenance string

const (
	ProvenanceSemantic MappingProvenance = "semantic"
	ProvenanceKeyword  MappingProvenance = "keyword"
	ProvenanceManual   MappingProvenance = "manual"
)

// TopicMapping links a question fragment to a syllabus fragment with a
// confidence score. Unique per (QuestionID, TopicID) pair; deleted when
// either endpoint is deleted.
type TopicMapping struct {
	ID         string            `json:"id"`
	QuestionID string            `json:"questionId"`
	TopicID    string            `json:"topicId"`
	Confidence float64           `json:"confidence"`
	Provenance MappingProvenance `json:"provenance"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// InteractionType enumerates user interaction events.
type InteractionType string

const (
	InteractionView     InteractionType = "view"
	InteractionShare    InteractionType = "share"
	InteractionFavorite InteractionType = "favorite"
)

// Valid reports whether t is a known interaction type.
func (t InteractionType) Valid() bool {
	switch t {
	case InteractionView, InteractionShare, InteractionFavorite:
		return true
	}
	return false
}

// InteractionEvent is one row of the append-only interaction ledger.
//
// No two events with an identical (ItemID, ActorID, Type, Timestamp) tuple
// are retained. This is the idempotent-retry mechanism, not an anti-spam
// guarantee.
type InteractionEvent struct {
	ItemID    string          `json:"itemId"`
	ActorID   string          `json:"actorId"`
	Type      InteractionType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
}

// Counters holds the denormalized popularity counters for one item.
//
// Strictly a projection of the interaction ledger: whenever the ledger is
// quiescent, each count equals the number of corresponding ledger rows.
// LastViewedAt is monotonic — an out-of-order older view event never
// regresses it.
type Counters struct {
	ViewCount     int64     `json:"viewCount"`
	ShareCount    int64     `json:"shareCount"`
	FavoriteCount int64     `json:"favoriteCount"`
	LastViewedAt  time.Time `json:"lastViewedAt"`
}

// Engine is the storage interface consumed by the search, topics and
// interactions components.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// CreateFragment persists a new fragment. ErrAlreadyExists if the ID is
	// taken, ErrInvalidID for an empty ID.
	CreateFragment(f *Fragment) error

	// GetFragment returns the fragment with the given ID, or ErrNotFound.
	GetFragment(id string) (*Fragment, error)

	// UpdateFragment replaces an existing fragment. ErrNotFound if absent.
	UpdateFragment(f *Fragment) error

	// DeleteFragment removes a fragment and cascades to any topic mappings
	// referencing it. Deleting an absent fragment returns ErrNotFound.
	DeleteFragment(id string) error

	// IterateFragments streams fragments in a collection. Return false from
	// fn to stop early. An empty collection iterates all fragments.
	IterateFragments(col Collection, fn func(*Fragment) bool) error

	// CreateMapping persists a topic mapping. ErrAlreadyExists if the
	// (QuestionID, TopicID) pair is already mapped.
	CreateMapping(m *TopicMapping) error

	// GetMapping returns the mapping for a pair, or ErrNotFound.
	GetMapping(questionID, topicID string) (*TopicMapping, error)

	// IterateMappings streams all topic mappings.
	IterateMappings(fn func(*TopicMapping) bool) error

	// AppendEvent appends an interaction event and, when the event is not a
	// duplicate, increments the matching counter in the same atomic unit.
	// Returns (false, nil) for a duplicate tuple.
	AppendEvent(ev *InteractionEvent) (bool, error)

	// GetCounters returns the popularity counters for an item. Items with no
	// recorded interactions return zero counters, not an error.
	GetCounters(itemID string) (*Counters, error)

	// IterateEvents streams ledger rows for one item and type with
	// Timestamp >= since, in timestamp order.
	IterateEvents(itemID string, typ InteractionType, since time.Time, fn func(*InteractionEvent) bool) error

	// IterateCounters streams the counters of every item that has at least
	// one retained interaction.
	IterateCounters(fn func(itemID string, c *Counters) bool) error

	// Close releases storage resources.
	Close() error
}
