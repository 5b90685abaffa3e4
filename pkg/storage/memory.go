package storage

import (
	"sort"
	"sync"
	"time"
)

// MemoryEngine is an in-memory storage engine.
//
// It implements the full Engine contract, including ledger dedup and the
// atomic counter increment, and is the engine of choice for tests and for
// tooling that rebuilds state from scratch.
type MemoryEngine struct {
	mu     sync.RWMutex
	closed bool

	fragments map[string]*Fragment
	mappings  map[string]*TopicMapping     // keyed by (question, topic) pair
	events    map[string]*InteractionEvent // keyed by event digest
	counters  map[string]*Counters
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		fragments: make(map[string]*Fragment),
		mappings:  make(map[string]*TopicMapping),
		events:    make(map[string]*InteractionEvent),
		counters:  make(map[string]*Counters),
	}
}

func (m *MemoryEngine) CreateFragment(f *Fragment) error {
	if f == nil || f.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.fragments[f.ID]; exists {
		return ErrAlreadyExists
	}

	m.fragments[f.ID] = cloneFragment(f)
	return nil
}

func (m *MemoryEngine) GetFragment(id string) (*Fragment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	f, ok := m.fragments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFragment(f), nil
}

func (m *MemoryEngine) UpdateFragment(f *Fragment) error {
	if f == nil || f.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.fragments[f.ID]; !exists {
		return ErrNotFound
	}

	m.fragments[f.ID] = cloneFragment(f)
	return nil
}

func (m *MemoryEngine) DeleteFragment(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.fragments[id]; !exists {
		return ErrNotFound
	}

	delete(m.fragments, id)

	// Cascade: drop mappings touching the fragment on either side.
	for key, mapping := range m.mappings {
		if mapping.QuestionID == id || mapping.TopicID == id {
			delete(m.mappings, key)
		}
	}

	return nil
}

func (m *MemoryEngine) IterateFragments(col Collection, fn func(*Fragment) bool) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStorageClosed
	}

	snapshot := make([]*Fragment, 0, len(m.fragments))
	for _, f := range m.fragments {
		if col == "" || f.Collection == col {
			snapshot = append(snapshot, cloneFragment(f))
		}
	}
	m.mu.RUnlock()

	// Deterministic order keeps iteration-dependent callers stable.
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })

	for _, f := range snapshot {
		if !fn(f) {
			return nil
		}
	}
	return nil
}

func (m *MemoryEngine) CreateMapping(mapping *TopicMapping) error {
	if mapping == nil || mapping.QuestionID == "" || mapping.TopicID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	key := mappingPairKey(mapping.QuestionID, mapping.TopicID)
	if _, exists := m.mappings[key]; exists {
		return ErrAlreadyExists
	}

	clone := *mapping
	m.mappings[key] = &clone
	return nil
}

func (m *MemoryEngine) GetMapping(questionID, topicID string) (*TopicMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	mapping, ok := m.mappings[mappingPairKey(questionID, topicID)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *mapping
	return &clone, nil
}

func (m *MemoryEngine) IterateMappings(fn func(*TopicMapping) bool) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStorageClosed
	}

	snapshot := make([]*TopicMapping, 0, len(m.mappings))
	for _, mapping := range m.mappings {
		clone := *mapping
		snapshot = append(snapshot, &clone)
	}
	m.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })

	for _, mapping := range snapshot {
		if !fn(mapping) {
			return nil
		}
	}
	return nil
}

func (m *MemoryEngine) AppendEvent(ev *InteractionEvent) (bool, error) {
	if ev == nil || ev.ItemID == "" || ev.ActorID == "" {
		return false, ErrInvalidID
	}
	if !ev.Type.Valid() {
		return false, ErrInvalidData
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrStorageClosed
	}

	digest := eventDigest(ev)
	if _, exists := m.events[digest]; exists {
		return false, nil
	}

	clone := *ev
	m.events[digest] = &clone

	c := m.counters[ev.ItemID]
	if c == nil {
		c = &Counters{}
		m.counters[ev.ItemID] = c
	}
	applyEvent(c, ev)

	return true, nil
}

func (m *MemoryEngine) GetCounters(itemID string) (*Counters, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	c, ok := m.counters[itemID]
	if !ok {
		return &Counters{}, nil
	}
	clone := *c
	return &clone, nil
}

func (m *MemoryEngine) IterateEvents(itemID string, typ InteractionType, since time.Time, fn func(*InteractionEvent) bool) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStorageClosed
	}

	var matched []*InteractionEvent
	for _, ev := range m.events {
		if ev.ItemID != itemID || ev.Type != typ {
			continue
		}
		if ev.Timestamp.Before(since) {
			continue
		}
		clone := *ev
		matched = append(matched, &clone)
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })

	for _, ev := range matched {
		if !fn(ev) {
			return nil
		}
	}
	return nil
}

func (m *MemoryEngine) IterateCounters(fn func(itemID string, c *Counters) bool) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStorageClosed
	}

	ids := make([]string, 0, len(m.counters))
	for id := range m.counters {
		ids = append(ids, id)
	}
	counters := make(map[string]Counters, len(m.counters))
	for id, c := range m.counters {
		counters[id] = *c
	}
	m.mu.RUnlock()

	sort.Strings(ids)

	for _, id := range ids {
		c := counters[id]
		if !fn(id, &c) {
			return nil
		}
	}
	return nil
}

func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// applyEvent folds one retained ledger row into an item's counters.
// Caller holds the write lock (or the Badger transaction).
func applyEvent(c *Counters, ev *InteractionEvent) {
	switch ev.Type {
	case InteractionView:
		c.ViewCount++
		if ev.Timestamp.After(c.LastViewedAt) {
			c.LastViewedAt = ev.Timestamp
		}
	case InteractionShare:
		c.ShareCount++
	case InteractionFavorite:
		c.FavoriteCount++
	}
}

func cloneFragment(f *Fragment) *Fragment {
	clone := *f
	if f.Embedding != nil {
		clone.Embedding = make([]float32, len(f.Embedding))
		copy(clone.Embedding, f.Embedding)
	}
	if f.SubImages != nil {
		clone.SubImages = append([]string(nil), f.SubImages...)
	}
	if f.Equations != nil {
		clone.Equations = append([]Equation(nil), f.Equations...)
	}
	if f.Keywords != nil {
		clone.Keywords = append([]string(nil), f.Keywords...)
	}
	return &clone
}
