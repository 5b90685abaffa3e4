package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Key prefixes. Secondary index keys carry empty values; the primary row
// holds the JSON-encoded record.
//
//	frag:<id>                      fragment row
//	fragcol:<collection>:<id>      collection index
//	map:<qid>\x00<tid>             topic mapping row (pair-unique by key)
//	mapq:<qid>:<tid>               mapping index by question
//	mapt:<tid>:<qid>               mapping index by topic
//	evt:<item>:<type>:<ts>:<dig>   ledger row, timestamp-ordered
//	evd:<digest>                   ledger dedup marker
//	ctr:<item>                     popularity counters
const (
	prefixFragment    = "frag:"
	prefixFragmentCol = "fragcol:"
	prefixMapping     = "map:"
	prefixMappingByQ  = "mapq:"
	prefixMappingByT  = "mapt:"
	prefixEvent       = "evt:"
	prefixEventDedup  = "evd:"
	prefixCounters    = "ctr:"
)

// BadgerEngine is a durable storage engine backed by BadgerDB.
//
// Ledger appends serialize through a single writer mutex so that the
// dedup check, the row insert and the counter increment commit as one
// transaction without write conflicts.
type BadgerEngine struct {
	db *badger.DB

	// Serializes AppendEvent. Fragment and mapping writes rely on Badger's
	// own transaction conflict detection.
	ledgerMu sync.Mutex
}

// BadgerOptions configures the Badger engine.
type BadgerOptions struct {
	// DataDir is the directory for Badger's LSM tree and value log.
	DataDir string

	// InMemory runs Badger without touching disk (tests).
	InMemory bool

	// Logger receives Badger's internal logging. nil silences it.
	Logger badger.Logger
}

// NewBadgerEngine opens (or creates) a Badger-backed store.
func NewBadgerEngine(opts BadgerOptions) (*BadgerEngine, error) {
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(opts.DataDir)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &BadgerEngine{db: db}, nil
}

func fragmentKey(id string) []byte { return []byte(prefixFragment + id) }

func fragmentColKey(col Collection, id string) []byte {
	return []byte(prefixFragmentCol + string(col) + ":" + id)
}

func mappingKey(questionID, topicID string) []byte {
	return []byte(prefixMapping + mappingPairKey(questionID, topicID))
}

func countersKey(itemID string) []byte { return []byte(prefixCounters + itemID) }

func (b *BadgerEngine) CreateFragment(f *Fragment) error {
	if f == nil || f.ID == "" {
		return ErrInvalidID
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fragment: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := fragmentKey(f.ID)
		if _, err := txn.Get(key); err == nil {
			return ErrAlreadyExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(fragmentColKey(f.Collection, f.ID), nil)
	})
}

func (b *BadgerEngine) GetFragment(id string) (*Fragment, error) {
	var f *Fragment
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fragmentKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			f = &Fragment{}
			return json.Unmarshal(val, f)
		})
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (b *BadgerEngine) UpdateFragment(f *Fragment) error {
	if f == nil || f.ID == "" {
		return ErrInvalidID
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fragment: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := fragmentKey(f.ID)
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		// The collection index moves if the collection changed.
		var prev Fragment
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &prev) }); err != nil {
			return err
		}
		if prev.Collection != f.Collection {
			if err := txn.Delete(fragmentColKey(prev.Collection, f.ID)); err != nil {
				return err
			}
			if err := txn.Set(fragmentColKey(f.Collection, f.ID), nil); err != nil {
				return err
			}
		}

		return txn.Set(key, data)
	})
}

func (b *BadgerEngine) DeleteFragment(id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		key := fragmentKey(id)
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var f Fragment
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &f) }); err != nil {
			return err
		}

		if err := txn.Delete(fragmentColKey(f.Collection, id)); err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}

		// Cascade mapping deletes from both sides.
		if err := b.deleteMappingsInTxn(txn, prefixMappingByQ+id+":", func(other string) []string {
			return []string{string(mappingKey(id, other)), prefixMappingByT + other + ":" + id}
		}); err != nil {
			return err
		}
		return b.deleteMappingsInTxn(txn, prefixMappingByT+id+":", func(other string) []string {
			return []string{string(mappingKey(other, id)), prefixMappingByQ + other + ":" + id}
		})
	})
}

// deleteMappingsInTxn walks one mapping index prefix and deletes the index
// entry, the primary row, and the mirror index entry for each match.
func (b *BadgerEngine) deleteMappingsInTxn(txn *badger.Txn, prefix string, related func(other string) []string) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var toDelete []string
	for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		key := string(it.Item().Key())
		other := strings.TrimPrefix(key, prefix)
		toDelete = append(toDelete, key)
		toDelete = append(toDelete, related(other)...)
	}

	for _, key := range toDelete {
		if err := txn.Delete([]byte(key)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
	}
	return nil
}

func (b *BadgerEngine) IterateFragments(col Collection, fn func(*Fragment) bool) error {
	if col == "" {
		return b.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			it := txn.NewIterator(opts)
			defer it.Close()

			prefix := []byte(prefixFragment)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var f Fragment
				err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &f) })
				if err != nil {
					return err
				}
				if !fn(&f) {
					return nil
				}
			}
			return nil
		})
	}

	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixFragmentCol + string(col) + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			item, err := txn.Get(fragmentKey(id))
			if err != nil {
				continue // index ahead of a deleted row
			}
			var f Fragment
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &f) }); err != nil {
				return err
			}
			if !fn(&f) {
				return nil
			}
		}
		return nil
	})
}

func (b *BadgerEngine) CreateMapping(m *TopicMapping) error {
	if m == nil || m.QuestionID == "" || m.TopicID == "" {
		return ErrInvalidID
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		key := mappingKey(m.QuestionID, m.TopicID)
		if _, err := txn.Get(key); err == nil {
			return ErrAlreadyExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if err := txn.Set(key, data); err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixMappingByQ+m.QuestionID+":"+m.TopicID), nil); err != nil {
			return err
		}
		return txn.Set([]byte(prefixMappingByT+m.TopicID+":"+m.QuestionID), nil)
	})
}

func (b *BadgerEngine) GetMapping(questionID, topicID string) (*TopicMapping, error) {
	var m *TopicMapping
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(mappingKey(questionID, topicID))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			m = &TopicMapping{}
			return json.Unmarshal(val, m)
		})
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (b *BadgerEngine) IterateMappings(fn func(*TopicMapping) bool) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixMapping)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m TopicMapping
			err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &m) })
			if err != nil {
				return err
			}
			if !fn(&m) {
				return nil
			}
		}
		return nil
	})
}

func (b *BadgerEngine) AppendEvent(ev *InteractionEvent) (bool, error) {
	if ev == nil || ev.ItemID == "" || ev.ActorID == "" {
		return false, ErrInvalidID
	}
	if !ev.Type.Valid() {
		return false, ErrInvalidData
	}

	b.ledgerMu.Lock()
	defer b.ledgerMu.Unlock()

	digest := eventDigest(ev)
	inserted := false

	err := b.db.Update(func(txn *badger.Txn) error {
		dedupKey := []byte(prefixEventDedup + digest)
		if _, err := txn.Get(dedupKey); err == nil {
			return nil // duplicate tuple, ledger unchanged
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}

		rowKey := []byte(prefixEvent + ev.ItemID + ":" + string(ev.Type) + ":" +
			tsKey(ev.Timestamp.UnixNano()) + ":" + digest[:16])
		if err := txn.Set(rowKey, data); err != nil {
			return err
		}
		if err := txn.Set(dedupKey, nil); err != nil {
			return err
		}

		// Counter increment rides the same transaction as the insert.
		c := &Counters{}
		if item, err := txn.Get(countersKey(ev.ItemID)); err == nil {
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, c) }); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		applyEvent(c, ev)

		cdata, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := txn.Set(countersKey(ev.ItemID), cdata); err != nil {
			return err
		}

		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (b *BadgerEngine) GetCounters(itemID string) (*Counters, error) {
	c := &Counters{}
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(countersKey(itemID))
		if err == badger.ErrKeyNotFound {
			return nil // zero counters for unseen items
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, c) })
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (b *BadgerEngine) IterateEvents(itemID string, typ InteractionType, since time.Time, fn func(*InteractionEvent) bool) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixEvent + itemID + ":" + string(typ) + ":")
		seek := append(append([]byte{}, prefix...), []byte(tsKey(since.UnixNano()))...)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var ev InteractionEvent
			err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &ev) })
			if err != nil {
				return err
			}
			if ev.Timestamp.Before(since) {
				continue
			}
			if !fn(&ev) {
				return nil
			}
		}
		return nil
	})
}

func (b *BadgerEngine) IterateCounters(fn func(itemID string, c *Counters) bool) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixCounters)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			itemID := strings.TrimPrefix(string(it.Item().Key()), prefixCounters)
			var c Counters
			err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &c) })
			if err != nil {
				return err
			}
			if !fn(itemID, &c) {
				return nil
			}
		}
		return nil
	})
}

func (b *BadgerEngine) Close() error {
	return b.db.Close()
}
