// Package viewstore implements §4.3's view store: the read-model table
// that pipeline APPLY stages mutate exactly once per event, via a
// partition-local entry processor so no distributed lock is needed.
package viewstore

import (
	"fmt"
	"time"

	"github.com/R3E-Network/eventsourcing-core/pkg/corestore"
	"github.com/R3E-Network/eventsourcing-core/pkg/envelope"
	"github.com/R3E-Network/eventsourcing-core/pkg/eventstore"
)

// EntityView is the materialized read model for one entity key.
type EntityView struct {
	Key       string
	Version   int64
	Data      map[string]any
	UpdatedAt time.Time
}

// Updater folds an event onto the current view (nil if absent) to
// produce the next view. Per §9's design note, updaters are registered
// by name and looked up at apply time rather than captured as
// closures, so the same registry works whether APPLY runs in-process
// or — in a real cluster — on a different node than the caller.
type Updater func(old *EntityView, rec *envelope.Envelope) *EntityView

// ErrUpdaterNotRegistered is returned when applyEvent/rebuild reference
// an updater name with no matching registration.
var ErrUpdaterNotRegistered = fmt.Errorf("viewstore: updater not registered")

// Store is the view store described in §4.3.
type Store struct {
	grid     *corestore.LocalGrid[*EntityView]
	events   *eventstore.Store
	updaters map[string]Updater
}

// New creates a view store backed by events for rebuild/rebuildAll.
func New(events *eventstore.Store) *Store {
	return &Store{
		grid:     corestore.NewLocalGrid[*EntityView](32),
		events:   events,
		updaters: make(map[string]Updater),
	}
}

// RegisterUpdater associates name with fn. Registration must happen
// identically on every node before ApplyEvent/Rebuild reference name.
func (s *Store) RegisterUpdater(name string, fn Updater) {
	s.updaters[name] = fn
}

// Get returns the current view for key, if one exists.
func (s *Store) Get(key string) (*EntityView, bool) {
	return s.grid.Get(key)
}

// Put writes a view unconditionally, bypassing the updater pipeline —
// used to seed a view or restore one from a snapshot.
func (s *Store) Put(key string, view *EntityView) {
	s.grid.Put(key, view)
}

// ApplyEvent atomically mutates the view for key using the named
// updater: read-modify-write happens under the grid's partition lock
// for key, so two events for the same entity can never race (§4.3).
func (s *Store) ApplyEvent(key string, rec *envelope.Envelope, updaterName string) (*EntityView, error) {
	fn, ok := s.updaters[updaterName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUpdaterNotRegistered, updaterName)
	}
	result := s.grid.EntryProcess(key, func(cur *EntityView, exists bool) (*EntityView, bool) {
		var old *EntityView
		if exists {
			old = cur
		}
		next := fn(old, rec)
		if next == nil {
			return nil, false
		}
		next.Key = key
		next.UpdatedAt = time.Now()
		return next, true
	})
	return result, nil
}

// Rebuild replays every recorded event for key through updaterName,
// producing a fresh view from scratch (§4.3).
func (s *Store) Rebuild(key string, updaterName string) (*EntityView, error) {
	fn, ok := s.updaters[updaterName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUpdaterNotRegistered, updaterName)
	}

	var view *EntityView
	for _, rec := range s.events.ByEntity(key) {
		view = fn(view, rec)
	}
	if view != nil {
		view.Key = key
		view.Version++
		view.UpdatedAt = time.Now()
	}
	s.grid.Put(key, view)
	return view, nil
}

// RebuildAll rebuilds every known entity's view using updaterName, one
// entity key at a time in no defined order, and stops at the first
// error. Each key rebuilds independently, but no progress is recorded:
// a second call rebuilds every key again.
func (s *Store) RebuildAll(updaterName string) error {
	for _, key := range s.events.EntityKeys() {
		if _, err := s.Rebuild(key, updaterName); err != nil {
			return err
		}
	}
	return nil
}
