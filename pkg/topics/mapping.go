// Package topics maintains question-to-syllabus topic mappings, the
// versioned topic-occurrence aggregate cache, and the reappearance
// probability engine built on top of it.
package topics

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/revisely/insight/pkg/storage"
)

var (
	// ErrDuplicateMapping is returned when the (question, topic) pair is
	// already mapped.
	ErrDuplicateMapping = errors.New("duplicate topic mapping")

	// ErrLowConfidence is returned when a semantic or keyword mapping falls
	// below the ingestion confidence floor. Manual mappings bypass the floor.
	ErrLowConfidence = errors.New("mapping confidence below floor")

	// ErrInvalidConfidence is returned for confidence outside [0, 1].
	ErrInvalidConfidence = errors.New("confidence must be in [0, 1]")
)

// DefaultConfidenceFloor is the minimum confidence the classifier must
// report before a semantic or keyword mapping is stored.
const DefaultConfidenceFloor = 0.6

// MappingStore creates and validates topic mappings.
type MappingStore struct {
	engine          storage.Engine
	confidenceFloor float64
}

// NewMappingStore creates a mapping store. A non-positive floor falls back
// to DefaultConfidenceFloor.
func NewMappingStore(engine storage.Engine, confidenceFloor float64) *MappingStore {
	if confidenceFloor <= 0 {
		confidenceFloor = DefaultConfidenceFloor
	}
	return &MappingStore{engine: engine, confidenceFloor: confidenceFloor}
}

// Create links a question fragment to a syllabus topic.
//
// Both endpoints must exist and live in the expected collections. Returns
// ErrDuplicateMapping when the pair is already linked.
func (s *MappingStore) Create(questionID, topicID string, confidence float64, provenance storage.MappingProvenance) (*storage.TopicMapping, error) {
	if confidence < 0 || confidence > 1 {
		return nil, ErrInvalidConfidence
	}
	if provenance != storage.ProvenanceManual && confidence < s.confidenceFloor {
		return nil, fmt.Errorf("%w: %.2f < %.2f", ErrLowConfidence, confidence, s.confidenceFloor)
	}

	question, err := s.engine.GetFragment(questionID)
	if err != nil {
		return nil, fmt.Errorf("question %s: %w", questionID, err)
	}
	if question.Collection != storage.CollectionQuestions {
		return nil, fmt.Errorf("fragment %s is not a question: %w", questionID, storage.ErrInvalidData)
	}

	topic, err := s.engine.GetFragment(topicID)
	if err != nil {
		return nil, fmt.Errorf("topic %s: %w", topicID, err)
	}
	if topic.Collection != storage.CollectionSyllabus {
		return nil, fmt.Errorf("fragment %s is not a syllabus topic: %w", topicID, storage.ErrInvalidData)
	}

	mapping := &storage.TopicMapping{
		ID:         uuid.NewString(),
		QuestionID: questionID,
		TopicID:    topicID,
		Confidence: confidence,
		Provenance: provenance,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.engine.CreateMapping(mapping); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrDuplicateMapping
		}
		return nil, err
	}
	return mapping, nil
}

// Get returns the mapping for a (question, topic) pair, or
// storage.ErrNotFound.
func (s *MappingStore) Get(questionID, topicID string) (*storage.TopicMapping, error) {
	return s.engine.GetMapping(questionID, topicID)
}
