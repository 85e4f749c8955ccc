// Package pipeline implements §4.5's four-stage dataflow: PERSIST,
// APPLY, PUBLISH, COMPLETE. It is sourced from a PENDING map via the
// grid's change-journal listener and partitioned by entity key so a
// given entity's events process in append order while different
// entities run fully in parallel across a worker pool.
package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/R3E-Network/eventsourcing-core/internal/eventbus"
	"github.com/R3E-Network/eventsourcing-core/pkg/corestore"
	"github.com/R3E-Network/eventsourcing-core/pkg/envelope"
	"github.com/R3E-Network/eventsourcing-core/pkg/eventstore"
	"github.com/R3E-Network/eventsourcing-core/pkg/logger"
	"github.com/R3E-Network/eventsourcing-core/pkg/metrics"
	"github.com/R3E-Network/eventsourcing-core/pkg/viewstore"
)

// CompletionRecord is written to the COMPLETION map once per event,
// whether the pipeline succeeded or failed (§4.5, §4.6).
type CompletionRecord struct {
	EventID       string
	SeqKey        envelope.CompositeKey
	Success       bool
	FailureReason string
	CompletedAt   time.Time
}

// OutboxAppender is the subset of the outbox's API the pipeline needs.
// Defined here so that pipeline does not import pkg/outbox;
// outbox.Store satisfies it.
type OutboxAppender interface {
	Append(rec *envelope.Envelope) error
}

// Config configures a Pipeline.
type Config struct {
	Workers     int
	UpdaterName string
	Logger      *logger.Logger
	Outbox      OutboxAppender // optional; used for saga-carrying events (§4.5)
}

type job struct {
	eventID string
	rec     *envelope.Envelope
}

// Pipeline owns the PENDING and COMPLETION maps and the worker pool
// that drains PENDING through the four stages.
type Pipeline struct {
	pending    *corestore.LocalGrid[*envelope.Envelope]
	completion *corestore.LocalGrid[*CompletionRecord]

	events *eventstore.Store
	views  *viewstore.Store
	bus    *eventbus.Bus
	outbox OutboxAppender

	updaterName string
	workers     int
	log         *logger.Logger

	partitions []chan job
}

// New creates a Pipeline wired to the given stores and bus.
func New(events *eventstore.Store, views *viewstore.Store, bus *eventbus.Bus, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("pipeline")
	}

	p := &Pipeline{
		pending:     corestore.NewLocalGrid[*envelope.Envelope](32),
		completion:  corestore.NewLocalGrid[*CompletionRecord](32),
		events:      events,
		views:       views,
		bus:         bus,
		outbox:      cfg.Outbox,
		updaterName: cfg.UpdaterName,
		workers:     cfg.Workers,
		log:         cfg.Logger,
		partitions:  make([]chan job, cfg.Workers),
	}
	for i := range p.partitions {
		p.partitions[i] = make(chan job, 256)
	}
	return p
}

func partitionOf(entityKey string, n int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(entityKey))
	return int(h.Sum64() % uint64(n))
}

// Start launches the worker pool and wires the PENDING map's
// entry-added listener to dispatch into the owning partition.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx, p.partitions[i])
	}
	p.pending.OnPut(p.dispatch)
}

// dispatch routes a freshly-PUT pending event into the partition that owns
// its entity key. If that partition's queue is saturated the job is
// dropped, but PENDING[eventID] must still be cleared (P4) and a failed
// CompletionRecord still written so the controller's future resolves with
// an error instead of hanging until its own 30s timeout — mirrors fail()'s
// stage-failure bookkeeping.
func (p *Pipeline) dispatch(eventID string, rec *envelope.Envelope) {
	idx := partitionOf(rec.EntityKey, p.workers)
	select {
	case p.partitions[idx] <- job{eventID: eventID, rec: rec}:
	default:
		p.log.WithField("entity_key", rec.EntityKey).WithField("event_id", eventID).
			Warn("pipeline partition queue full, dropping event")
		metrics.PipelineStageFailures.WithLabelValues("dispatch", rec.EventType).Inc()
		p.pending.Delete(eventID)
		metrics.PipelinePendingEvents.Set(float64(p.pending.Count()))
		p.completion.Put(eventID, &CompletionRecord{
			EventID:       eventID,
			Success:       false,
			FailureReason: "dispatch: partition queue full",
			CompletedAt:   time.Now(),
		})
	}
}

// Submit stages rec into PENDING, keyed by eventID. The controller is
// the only intended caller (§4.6).
func (p *Pipeline) Submit(eventID string, rec *envelope.Envelope) {
	p.pending.Put(eventID, rec)
	metrics.PipelinePendingEvents.Set(float64(p.pending.Count()))
}

// OnCompletion subscribes fn to every CompletionRecord written, mirroring
// §4.6's "listener subscribed to the COMPLETION map" design.
func (p *Pipeline) OnCompletion(fn func(rec *CompletionRecord)) {
	p.completion.OnPut(func(_ string, rec *CompletionRecord) { fn(rec) })
}

func (p *Pipeline) worker(ctx context.Context, queue chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-queue:
			p.process(j)
			p.pending.Delete(j.eventID)
			metrics.PipelinePendingEvents.Set(float64(p.pending.Count()))
		}
	}
}

func (p *Pipeline) process(j job) {
	rec := j.rec
	metrics.PipelineEvents.WithLabelValues(rec.EventType, "persist").Inc()

	seqKey, err := p.timedStage("persist", rec.EventType, func() (envelope.CompositeKey, error) {
		return p.events.Append(rec.EntityKey, rec)
	})
	if err != nil {
		p.fail(j.eventID, seqKey, "persist", rec.EventType, err)
		return
	}

	metrics.PipelineEvents.WithLabelValues(rec.EventType, "apply").Inc()
	if _, err := p.timedStageNoKey("apply", rec.EventType, func() error {
		_, err := p.views.ApplyEvent(rec.EntityKey, rec, p.updaterName)
		return err
	}); err != nil {
		p.fail(j.eventID, seqKey, "apply", rec.EventType, err)
		return
	}

	metrics.PipelineEvents.WithLabelValues(rec.EventType, "publish").Inc()
	if _, err := p.timedStageNoKey("publish", rec.EventType, func() error {
		return p.bus.Publish(context.Background(), rec)
	}); err != nil {
		p.fail(j.eventID, seqKey, "publish", rec.EventType, err)
		return
	}

	metrics.PipelineEvents.WithLabelValues(rec.EventType, "complete").Inc()
	p.completion.Put(j.eventID, &CompletionRecord{
		EventID:     j.eventID,
		SeqKey:      seqKey,
		Success:     true,
		CompletedAt: time.Now(),
	})

	// Republish to the shared cluster only for saga-carrying events, via
	// an outbox append in the same partition as the completion write —
	// exactly-once to the outbox, at-least-once thereafter (§4.5's
	// stated non-goal).
	if rec.HasSaga() && p.outbox != nil {
		if err := p.outbox.Append(rec); err != nil {
			p.log.WithField("event_id", j.eventID).WithError(err).Error("pipeline: outbox append failed")
		}
	}
}

func (p *Pipeline) fail(eventID string, seqKey envelope.CompositeKey, stage, eventType string, cause error) {
	metrics.PipelineStageFailures.WithLabelValues(stage, eventType).Inc()
	p.completion.Put(eventID, &CompletionRecord{
		EventID:       eventID,
		SeqKey:        seqKey,
		Success:       false,
		FailureReason: fmt.Sprintf("%s: %v", stage, cause),
		CompletedAt:   time.Now(),
	})
}

func (p *Pipeline) timedStage(stage, eventType string, fn func() (envelope.CompositeKey, error)) (envelope.CompositeKey, error) {
	start := time.Now()
	key, err := fn()
	metrics.PipelineStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	return key, err
}

func (p *Pipeline) timedStageNoKey(stage, eventType string, fn func() error) (struct{}, error) {
	start := time.Now()
	err := fn()
	metrics.PipelineStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	return struct{}{}, err
}
