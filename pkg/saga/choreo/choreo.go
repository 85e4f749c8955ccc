// Package choreo implements §4.9's choreographed saga listeners: each
// service subscribes to one event type on the shared cluster topic and
// reacts independently, with no central coordinator. A listener's
// invocation sequence is fixed by this package: the §4.9 guard (skip
// non-saga records), the idempotency check (§4.8, P6), the
// resilience-wrapped business call, the saga-state-store write recording
// the step outcome, and the emitted follow-on event via the outbox.
//
// Grounded on the teacher's internal/app/services/automation dispatch
// loop for the "subscribe, guard, invoke, record" shape, generalized
// from automation-job dispatch to event-type listeners.
package choreo

import (
	"context"
	"fmt"

	"github.com/R3E-Network/eventsourcing-core/internal/eventbus"
	"github.com/R3E-Network/eventsourcing-core/pkg/envelope"
	"github.com/R3E-Network/eventsourcing-core/pkg/idempotency"
	"github.com/R3E-Network/eventsourcing-core/pkg/logger"
	"github.com/R3E-Network/eventsourcing-core/pkg/outbox"
	"github.com/R3E-Network/eventsourcing-core/pkg/resilience"
	"github.com/R3E-Network/eventsourcing-core/pkg/saga/compensation"
	"github.com/R3E-Network/eventsourcing-core/pkg/saga/store"
)

// StepHandler performs one saga step's business logic for rec and
// returns the follow-on event to emit (forward, or a failure event
// when the step could not complete), or nil to emit nothing.
type StepHandler func(ctx context.Context, rec *envelope.Envelope) (*envelope.Envelope, error)

// StepConfig describes one choreographed listener's binding to a saga
// step.
type StepConfig struct {
	// EventType is the event this listener subscribes to.
	EventType string
	// StepNumber and StepName identify this step in the saga-state
	// store's step log (§4.11).
	StepNumber int
	StepName   string
	// Service is this process's name, recorded against the step.
	Service string
	// ResilienceName selects the circuit-breaker/retry instance this
	// step's business call runs under (§4.7).
	ResilienceName string
	// IsCompensation marks this listener as a compensation handler:
	// the step is recorded via RecordCompensationStep rather than
	// RecordStepCompleted/RecordStepFailed, and idempotency is still
	// enforced (compensations must themselves be idempotent, §4.9).
	IsCompensation bool
}

// Listener is one choreographed saga step, bound to its event type on
// the shared cluster and wired to the idempotency guard, resilience
// registry, saga state store and outbox.
type Listener struct {
	cfg     StepConfig
	bus     *eventbus.Bus
	guard   *idempotency.Guard
	breaker *resilience.Registry
	store   *store.Store
	out     *outbox.Store
	log     *logger.Logger
	handler StepHandler
}

// NewListener creates a Listener. handler performs the step's business
// logic once the guard and idempotency check pass.
func NewListener(
	cfg StepConfig,
	bus *eventbus.Bus,
	guard *idempotency.Guard,
	breaker *resilience.Registry,
	stateStore *store.Store,
	out *outbox.Store,
	log *logger.Logger,
	handler StepHandler,
) *Listener {
	if log == nil {
		log = logger.NewDefault("choreo:" + cfg.EventType)
	}
	return &Listener{cfg: cfg, bus: bus, guard: guard, breaker: breaker, store: stateStore, out: out, log: log, handler: handler}
}

// Start subscribes the listener to its shared topic. It blocks until
// ctx is canceled; callers run it in its own goroutine (mirroring
// eventbus.Bus.SubscribeShared's contract).
func (l *Listener) Start(ctx context.Context) error {
	return l.bus.SubscribeShared(ctx, l.cfg.EventType, l.handle)
}

func (l *Listener) handle(ctx context.Context, rec *envelope.Envelope) error {
	// §4.9's guard: events without saga metadata never reach a
	// choreographed listener's business logic.
	if !rec.HasSaga() {
		return nil
	}

	first, err := l.guard.TryProcess(ctx, rec.EventID)
	if err != nil {
		return fmt.Errorf("choreo[%s]: idempotency check: %w", l.cfg.EventType, err)
	}
	if !first {
		// P6: redelivery of an already-seen eventId is silently
		// skipped, producing the same side effects as a single delivery.
		return nil
	}

	next, err := resilience.Execute(ctx, l.breaker, l.cfg.ResilienceName, func(ctx context.Context) (*envelope.Envelope, error) {
		return l.handler(ctx, rec)
	})

	if err != nil {
		l.recordFailure(ctx, rec, err)
		return nil // on error, no follow-on or failure event is emitted; only the failure is recorded
	}

	l.recordSuccess(ctx, rec)

	if next == nil {
		return nil
	}
	return l.emit(next)
}

func (l *Listener) recordSuccess(ctx context.Context, rec *envelope.Envelope) {
	var err error
	if l.cfg.IsCompensation {
		_, err = l.store.RecordCompensationStep(ctx, rec.Saga.SagaID, l.cfg.StepNumber, l.cfg.StepName, l.cfg.Service, false, "")
	} else {
		_, err = l.store.RecordStepCompleted(ctx, rec.Saga.SagaID, l.cfg.StepNumber, l.cfg.StepName, l.cfg.Service)
	}
	if err != nil {
		l.log.WithField("saga_id", rec.Saga.SagaID).WithError(err).Error("choreo: failed to record step outcome")
	}
}

func (l *Listener) recordFailure(ctx context.Context, rec *envelope.Envelope, cause error) {
	l.log.WithField("saga_id", rec.Saga.SagaID).WithError(cause).Warn("choreo: step failed")
	var err error
	if l.cfg.IsCompensation {
		_, err = l.store.RecordCompensationStep(ctx, rec.Saga.SagaID, l.cfg.StepNumber, l.cfg.StepName, l.cfg.Service, true, cause.Error())
	} else {
		_, err = l.store.RecordStepFailed(ctx, rec.Saga.SagaID, l.cfg.StepNumber, l.cfg.StepName, l.cfg.Service, cause.Error())
	}
	if err != nil {
		l.log.WithField("saga_id", rec.Saga.SagaID).WithError(err).Error("choreo: failed to record step failure")
	}
}

// emit appends next to the outbox for cross-cluster delivery — the
// same path the pipeline uses for saga-carrying events (§4.5, §4.8).
func (l *Listener) emit(next *envelope.Envelope) error {
	if err := l.out.Append(next); err != nil {
		return fmt.Errorf("choreo[%s]: emit %s: %w", l.cfg.EventType, next.EventType, err)
	}
	return nil
}

// CompensationTarget resolves the compensation event type registered
// for forwardEventType, for handlers that need to build the
// compensation envelope themselves.
func CompensationTarget(reg *compensation.Registry, forwardEventType string) string {
	return reg.CompensationFor(forwardEventType)
}
