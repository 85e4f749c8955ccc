// Package store implements §4.11's saga state store: a map on the
// shared cluster keyed by sagaId where every transition is a CAS
// (replace(old, new)), never a read-modify-write (§9's design note).
// Grounded on the teacher's infrastructure/state.PersistentState, which
// the same compare-and-swap discipline already shows — generalized here
// from a single PersistenceBackend to the Redis-backed shared grid and
// specialized to the saga lifecycle fields §4.11 names.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/eventsourcing-core/pkg/corestore"
)

// Status is a saga's lifecycle state.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusRunning      Status = "RUNNING"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
	StatusTimedOut     Status = "TIMED_OUT"
)

// IsTerminal reports whether status is one no further transition may
// leave (§9's P9 finality invariant).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// StepRecord logs one step's outcome within a saga.
type StepRecord struct {
	StepNumber      int
	StepName        string
	Service         string
	Outcome         string // "completed", "failed", "compensated", "compensation_failed"
	Reason          string
	RecordedAt      time.Time
}

// SagaState is the immutable-per-version record for one saga
// execution. Every mutation produces a new value written via CAS.
type SagaState struct {
	SagaID         string
	SagaType       string
	CorrelationID  string
	Status         Status
	StepCount      int
	CompletedSteps int
	Steps          []StepRecord
	Deadline       time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int64
}

const mapName = "saga-state"
const sagaIDsSet = "saga-ids"
const deadlineIndex = "saga-deadlines"

// ErrInvalidTransition is returned when an operation targets an
// unknown saga or attempts to mutate one already in a terminal state.
var ErrInvalidTransition = errors.New("store: invalid saga transition")

// ErrCASConflict is returned after exhausting CAS retries against a
// saga record under concurrent mutation from another instance.
var ErrCASConflict = errors.New("store: saga state CAS conflict")

const maxCASAttempts = 10

// Store is the saga state store described in §4.11.
type Store struct {
	grid *corestore.SharedGrid
}

// New creates a Store over the shared grid.
func New(grid *corestore.SharedGrid) *Store {
	return &Store{grid: grid}
}

func encode(s *SagaState) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(raw string) (*SagaState, error) {
	var s SagaState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// casUpdate loads the current state (raw string, "" if absent),
// applies mutate to a copy, and CASes it in, retrying on conflicting
// concurrent writers up to maxCASAttempts times.
func (s *Store) casUpdate(ctx context.Context, sagaID string, mutate func(cur *SagaState) (*SagaState, error)) (*SagaState, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rawOld, exists, err := s.grid.Get(ctx, mapName, sagaID)
		if err != nil {
			return nil, err
		}

		var cur *SagaState
		if exists {
			cur, err = decode(rawOld)
			if err != nil {
				return nil, err
			}
		}

		next, err := mutate(cur)
		if err != nil {
			return nil, err
		}
		next.UpdatedAt = time.Now()
		next.Version = versionOf(cur) + 1

		rawNew, err := encode(next)
		if err != nil {
			return nil, err
		}

		oldForCAS := ""
		if exists {
			oldForCAS = rawOld
		}
		ok, err := s.grid.CompareAndSwap(ctx, mapName, sagaID, oldForCAS, rawNew)
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
	}
	return nil, ErrCASConflict
}

func versionOf(s *SagaState) int64 {
	if s == nil {
		return 0
	}
	return s.Version
}

// StartSaga creates a new saga record. Fails with ErrInvalidTransition
// if sagaID already exists.
func (s *Store) StartSaga(ctx context.Context, sagaID, sagaType, correlationID string, stepCount int, deadline time.Time) (*SagaState, error) {
	result, err := s.casUpdate(ctx, sagaID, func(cur *SagaState) (*SagaState, error) {
		if cur != nil {
			return nil, fmt.Errorf("%w: saga %s already started", ErrInvalidTransition, sagaID)
		}
		return &SagaState{
			SagaID:        sagaID,
			SagaType:      sagaType,
			CorrelationID: correlationID,
			Status:        StatusStarted,
			StepCount:     stepCount,
			Deadline:      deadline,
			CreatedAt:     time.Now(),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	_ = s.grid.SetAdd(ctx, sagaIDsSet, sagaID)
	_ = s.grid.IndexAdd(ctx, deadlineIndex, sagaID, float64(deadline.Unix()))
	return result, nil
}

func (s *Store) mutateNonTerminal(ctx context.Context, sagaID string, fn func(cur *SagaState) (*SagaState, error)) (*SagaState, error) {
	return s.casUpdate(ctx, sagaID, func(cur *SagaState) (*SagaState, error) {
		if cur == nil {
			return nil, fmt.Errorf("%w: unknown saga %s", ErrInvalidTransition, sagaID)
		}
		if cur.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: saga %s already terminal (%s)", ErrInvalidTransition, sagaID, cur.Status)
		}
		return fn(cur)
	})
}

// RecordStepCompleted appends a completed-step record and
// auto-transitions to COMPLETED once every step has reported in
// (§4.9's auto-transition rule).
func (s *Store) RecordStepCompleted(ctx context.Context, sagaID string, stepNumber int, stepName, service string) (*SagaState, error) {
	return s.mutateNonTerminal(ctx, sagaID, func(cur *SagaState) (*SagaState, error) {
		next := *cur
		next.Steps = append(append([]StepRecord(nil), cur.Steps...), StepRecord{
			StepNumber: stepNumber, StepName: stepName, Service: service,
			Outcome: "completed", RecordedAt: time.Now(),
		})
		next.CompletedSteps = cur.CompletedSteps + 1
		next.Status = StatusRunning
		if next.CompletedSteps >= next.StepCount {
			next.Status = StatusCompleted
		}
		return &next, nil
	})
}

// RecordStepFailed appends a failed-step record and transitions the
// saga to COMPENSATING.
func (s *Store) RecordStepFailed(ctx context.Context, sagaID string, stepNumber int, stepName, service, reason string) (*SagaState, error) {
	return s.mutateNonTerminal(ctx, sagaID, func(cur *SagaState) (*SagaState, error) {
		next := *cur
		next.Steps = append(append([]StepRecord(nil), cur.Steps...), StepRecord{
			StepNumber: stepNumber, StepName: stepName, Service: service,
			Outcome: "failed", Reason: reason, RecordedAt: time.Now(),
		})
		next.Status = StatusCompensating
		return &next, nil
	})
}

// RecordCompensationStarted transitions the saga to COMPENSATING
// without requiring a prior step failure (e.g. explicit cancel).
func (s *Store) RecordCompensationStarted(ctx context.Context, sagaID string) (*SagaState, error) {
	return s.mutateNonTerminal(ctx, sagaID, func(cur *SagaState) (*SagaState, error) {
		next := *cur
		next.Status = StatusCompensating
		return &next, nil
	})
}

// RecordCompensationStep appends a compensation-step outcome.
func (s *Store) RecordCompensationStep(ctx context.Context, sagaID string, stepNumber int, stepName, service string, failed bool, reason string) (*SagaState, error) {
	return s.mutateNonTerminal(ctx, sagaID, func(cur *SagaState) (*SagaState, error) {
		outcome := "compensated"
		if failed {
			outcome = "compensation_failed"
		}
		next := *cur
		next.Steps = append(append([]StepRecord(nil), cur.Steps...), StepRecord{
			StepNumber: stepNumber, StepName: stepName, Service: service,
			Outcome: outcome, Reason: reason, RecordedAt: time.Now(),
		})
		return &next, nil
	})
}

// CompleteSaga sets the saga to a terminal status and removes it from
// the deadline-scan index.
func (s *Store) CompleteSaga(ctx context.Context, sagaID string, status Status) (*SagaState, error) {
	result, err := s.mutateNonTerminal(ctx, sagaID, func(cur *SagaState) (*SagaState, error) {
		if !status.IsTerminal() {
			return nil, fmt.Errorf("%w: %s is not a terminal status", ErrInvalidTransition, status)
		}
		next := *cur
		next.Status = status
		return &next, nil
	})
	if err != nil {
		return nil, err
	}
	_ = s.grid.IndexRemove(ctx, deadlineIndex, sagaID)
	return result, nil
}

// GetSagaState returns the current state for sagaID.
func (s *Store) GetSagaState(ctx context.Context, sagaID string) (*SagaState, bool, error) {
	raw, ok, err := s.grid.Get(ctx, mapName, sagaID)
	if err != nil || !ok {
		return nil, ok, err
	}
	state, err := decode(raw)
	return state, true, err
}

func (s *Store) allStates(ctx context.Context) ([]*SagaState, error) {
	ids, err := s.grid.SetMembers(ctx, sagaIDsSet)
	if err != nil {
		return nil, err
	}
	out := make([]*SagaState, 0, len(ids))
	for _, id := range ids {
		state, ok, err := s.GetSagaState(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, state)
		}
	}
	return out, nil
}

// FindByStatus returns every saga currently in status. Implemented as a
// scan over the known-sagaIDs set rather than a status-specific index —
// adequate at the per-process saga volumes this module targets.
func (s *Store) FindByStatus(ctx context.Context, status Status) ([]*SagaState, error) {
	all, err := s.allStates(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, st := range all {
		if st.Status == status {
			out = append(out, st)
		}
	}
	return out, nil
}

// FindByCorrelationID returns every saga sharing correlationID.
func (s *Store) FindByCorrelationID(ctx context.Context, correlationID string) ([]*SagaState, error) {
	all, err := s.allStates(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, st := range all {
		if st.CorrelationID == correlationID {
			out = append(out, st)
		}
	}
	return out, nil
}

// FindByType returns every saga of sagaType.
func (s *Store) FindByType(ctx context.Context, sagaType string) ([]*SagaState, error) {
	all, err := s.allStates(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, st := range all {
		if st.SagaType == sagaType {
			out = append(out, st)
		}
	}
	return out, nil
}

// FindByDeadline returns every non-terminal saga whose deadline is
// before cutoff — the timeout scanner's input query (§4.10).
func (s *Store) FindByDeadline(ctx context.Context, cutoff time.Time) ([]*SagaState, error) {
	ids, err := s.grid.IndexRange(ctx, deadlineIndex, 0, float64(cutoff.Unix()))
	if err != nil {
		return nil, err
	}
	out := make([]*SagaState, 0, len(ids))
	for _, id := range ids {
		state, ok, err := s.GetSagaState(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok && !state.Status.IsTerminal() {
			out = append(out, state)
		}
	}
	return out, nil
}
