// Package eventstore implements §4.2's event store: an append-only
// log of envelopes queryable by entity, type or time
// range. It sits on corestore.LocalGrid the same way the teacher layers
// its state.PersistentState on a PersistenceBackend — a small
// capability contract underneath, indexing and query shape on top.
package eventstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/eventsourcing-core/pkg/corestore"
	"github.com/R3E-Network/eventsourcing-core/pkg/envelope"
)

// Store is an append-only event log keyed by (sequence, entityKey).
// Appends are durable in the grid before Append returns; there are no
// deletes in normal operation (§4.2's truncation-only guarantee is left
// to an external retention policy this module does not implement).
type Store struct {
	grid *corestore.LocalGrid[*envelope.Envelope]
	ids  *envelope.IDGenerator

	mu        sync.RWMutex
	byEntity  map[string][]envelope.CompositeKey
	byType    map[string][]envelope.CompositeKey
}

// New creates an event store using ids to assign composite sequence
// keys on append.
func New(ids *envelope.IDGenerator) *Store {
	return &Store{
		grid:     corestore.NewLocalGrid[*envelope.Envelope](32),
		ids:      ids,
		byEntity: make(map[string][]envelope.CompositeKey),
		byType:   make(map[string][]envelope.CompositeKey),
	}
}

func gridKey(k envelope.CompositeKey) string {
	return fmt.Sprintf("%020d:%s", k.Sequence, k.EntityKey)
}

// Append assigns rec the next sequence for entityKey and writes it
// durably. The grid shards by the whole "sequence:entityKey" key, so one
// entity's events can sit on different shards; ByEntity finds them
// through the per-entity key index rather than a single-shard read.
func (s *Store) Append(entityKey string, rec *envelope.Envelope) (envelope.CompositeKey, error) {
	key := s.ids.CompositeKeyFor(entityKey)
	rec.EntityKey = entityKey

	s.grid.Put(gridKey(key), rec)

	s.mu.Lock()
	s.byEntity[entityKey] = append(s.byEntity[entityKey], key)
	s.byType[rec.EventType] = append(s.byType[rec.EventType], key)
	s.mu.Unlock()

	return key, nil
}

// ByEntity returns every event for entityKey in sequence order — a
// restartable read of the entity's finite history (§4.2).
func (s *Store) ByEntity(entityKey string) []*envelope.Envelope {
	s.mu.RLock()
	keys := append([]envelope.CompositeKey(nil), s.byEntity[entityKey]...)
	s.mu.RUnlock()
	return s.resolve(keys)
}

// ByType returns up to limit of the most recent events of eventType, in
// ascending sequence order. limit <= 0 means unbounded.
func (s *Store) ByType(eventType string, limit int) []*envelope.Envelope {
	s.mu.RLock()
	keys := append([]envelope.CompositeKey(nil), s.byType[eventType]...)
	s.mu.RUnlock()

	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	return s.resolve(keys)
}

// ByTimeRange returns every event whose OccurredAt falls within
// [lo, hi], ascending by OccurredAt.
func (s *Store) ByTimeRange(lo, hi time.Time) []*envelope.Envelope {
	matched := s.grid.Scan(func(_ string, rec *envelope.Envelope) bool {
		return !rec.OccurredAt.Before(lo) && !rec.OccurredAt.After(hi)
	})
	out := make([]*envelope.Envelope, 0, len(matched))
	for _, rec := range matched {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out
}

// EntityKeys returns every distinct entity key with recorded history —
// the iteration source for a partitioned, resumable view rebuild (§4.3).
func (s *Store) EntityKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byEntity))
	for k := range s.byEntity {
		out = append(out, k)
	}
	return out
}

// Count returns the number of events recorded for entityKey.
func (s *Store) Count(entityKey string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.byEntity[entityKey]))
}

func (s *Store) resolve(keys []envelope.CompositeKey) []*envelope.Envelope {
	out := make([]*envelope.Envelope, 0, len(keys))
	for _, k := range keys {
		if rec, ok := s.grid.Get(gridKey(k)); ok {
			out = append(out, rec)
		}
	}
	return out
}
