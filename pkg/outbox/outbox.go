// Package outbox implements §4.8's outbox: a producer-side durable queue
// of events pending cross-cluster publication. Entries are written on
// the local grid in the same colocation as the pipeline's COMPLETION
// map; a scheduled publisher drains PENDING entries in createdAt order
// and delivers them to the shared cluster's topic(eventType), retrying
// up to a configured maximum before handing the entry to the DLQ.
// Grounded on the teacher's internal/app/services/automation.Scheduler
// ticker-loop shape, generalized from job dispatch to outbox draining
// and driven by robfig/cron instead of a bare time.Ticker, per §4.5 and
// §9's "scheduled tasks" design note.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/eventsourcing-core/pkg/corestore"
	"github.com/R3E-Network/eventsourcing-core/pkg/dlq"
	"github.com/R3E-Network/eventsourcing-core/pkg/envelope"
	"github.com/R3E-Network/eventsourcing-core/pkg/logger"
	"github.com/R3E-Network/eventsourcing-core/pkg/metrics"
)

// Status is an outbox entry's delivery state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
)

// Entry is the OutboxEntry record described in §3.
type Entry struct {
	EventID       string
	EventType     string
	TopicName     string
	EntityKey     string
	Payload       []byte // serialized envelope, the "eventRecord" of §3
	Status        Status
	RetryCount    int
	CreatedAt     time.Time
	LastAttemptAt time.Time
	FailureReason string
}

const mapName = "outbox"
const pendingIndex = "outbox-pending-by-created-at"

// Publisher is the subset of the event bus the outbox needs to deliver
// to the shared cluster topic.
type Publisher interface {
	PublishRaw(ctx context.Context, topic string, payload []byte) error
}

// Store is the outbox described in §4.8, backed by the local grid so
// its writes share the pipeline's completion-record colocation.
type Store struct {
	grid *corestore.LocalGrid[*Entry]
	ttl  time.Duration
}

// New creates a Store with the given entry TTL (default 24h if ttl <= 0).
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{grid: corestore.NewLocalGrid[*Entry](32), ttl: ttl}
}

// Append builds and writes a PENDING entry from rec — the pipeline's
// post-COMPLETE outbox append for saga-carrying events (§4.5). It
// satisfies pipeline.OutboxAppender.
func (s *Store) Append(rec *envelope.Envelope) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("outbox: marshal envelope: %w", err)
	}
	return s.Write(Entry{
		EventID:   rec.EventID,
		EventType: rec.EventType,
		TopicName: rec.EventType,
		EntityKey: rec.EntityKey,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	})
}

// Write stores entry, defaulting CreatedAt/Status if the caller left
// them unset.
func (s *Store) Write(entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.Status == "" {
		entry.Status = StatusPending
	}
	e := entry
	s.grid.PutTTL(entry.EventID, &e, s.ttl)
	metrics.OutboxEntries.WithLabelValues("written").Inc()
	return nil
}

// PollPending returns up to batch PENDING entries ordered by CreatedAt
// ascending — the index-backed predicate query §4.8 requires to avoid a
// full scan in a real grid; here a full in-memory scan over a bounded
// local map stands in for it (§6.1's predicate-query capability).
func (s *Store) PollPending(batch int) []*Entry {
	return s.grid.ScanOrdered(
		func(_ string, e *Entry) bool { return e.Status == StatusPending },
		func(a, b *Entry) bool { return a.CreatedAt.Before(b.CreatedAt) },
		batch,
	)
}

// MarkDelivered transitions eventID to DELIVERED.
func (s *Store) MarkDelivered(eventID string) {
	s.grid.EntryProcess(eventID, func(cur *Entry, exists bool) (*Entry, bool) {
		if !exists {
			return cur, false
		}
		next := *cur
		next.Status = StatusDelivered
		next.LastAttemptAt = time.Now()
		return &next, true
	})
	metrics.OutboxEntries.WithLabelValues("delivered").Inc()
}

// IncrementRetry bumps eventID's retry count and records reason,
// leaving it PENDING for the next poll.
func (s *Store) IncrementRetry(eventID, reason string) {
	s.grid.EntryProcess(eventID, func(cur *Entry, exists bool) (*Entry, bool) {
		if !exists {
			return cur, false
		}
		next := *cur
		next.RetryCount++
		next.FailureReason = reason
		next.LastAttemptAt = time.Now()
		return &next, true
	})
}

// MarkFailed transitions eventID to FAILED after exhausting retries.
func (s *Store) MarkFailed(eventID, reason string) {
	s.grid.EntryProcess(eventID, func(cur *Entry, exists bool) (*Entry, bool) {
		if !exists {
			return cur, false
		}
		next := *cur
		next.Status = StatusFailed
		next.FailureReason = reason
		next.LastAttemptAt = time.Now()
		return &next, true
	})
	metrics.OutboxEntries.WithLabelValues("failed").Inc()
}

// Get returns the entry for eventID, if present.
func (s *Store) Get(eventID string) (*Entry, bool) {
	return s.grid.Get(eventID)
}

// PublisherConfig configures the scheduled outbox publisher.
type PublisherConfig struct {
	PollInterval time.Duration
	MaxBatchSize int
	MaxRetries   int
	Logger       *logger.Logger
}

// ScheduledPublisher drains the outbox on a cron-driven tick: poll a
// batch, publish each PENDING entry to its shared topic, mark
// DELIVERED on success or increment-retry on failure, and forward to
// the DLQ once an entry's failed attempts reach MaxRetries (§4.8).
type ScheduledPublisher struct {
	store *Store
	bus   Publisher
	dlq   *dlq.Queue
	cfg   PublisherConfig
	log   *logger.Logger

	mu      sync.Mutex
	cronRun *cron.Cron
}

// NewScheduledPublisher creates a ScheduledPublisher. dlqQueue may be
// nil if the DLQ is disabled (§6.3's dlq.enabled), in which case
// entries that exhaust retries are only marked FAILED and logged.
func NewScheduledPublisher(store *Store, bus Publisher, dlqQueue *dlq.Queue, cfg PublisherConfig) *ScheduledPublisher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("outbox-publisher")
	}
	return &ScheduledPublisher{store: store, bus: bus, dlq: dlqQueue, cfg: cfg, log: cfg.Logger}
}

// Start schedules the drain tick on a cron.Cron running its own
// goroutine. Every tick is a bounded batch with exceptions caught and
// logged so the cron scheduler goroutine can never die (§9's
// "scheduled tasks" design note).
func (p *ScheduledPublisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cronRun != nil {
		return
	}
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))
	spec := fmt.Sprintf("@every %s", p.cfg.PollInterval)
	_, err := c.AddFunc(spec, func() { p.tick(ctx) })
	if err != nil {
		p.log.WithError(err).Error("outbox: failed to schedule publisher tick")
		return
	}
	c.Start()
	p.cronRun = c

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
}

// Stop halts the scheduled tick. Safe to call multiple times.
func (p *ScheduledPublisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cronRun == nil {
		return
	}
	p.cronRun.Stop()
	p.cronRun = nil
}

func (p *ScheduledPublisher) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("outbox: publisher tick panicked")
		}
	}()

	for _, entry := range p.store.PollPending(p.cfg.MaxBatchSize) {
		p.deliver(ctx, entry)
	}
}

func (p *ScheduledPublisher) deliver(ctx context.Context, entry *Entry) {
	err := p.bus.PublishRaw(ctx, entry.TopicName, entry.Payload)
	if err == nil {
		p.store.MarkDelivered(entry.EventID)
		return
	}

	p.log.WithField("event_id", entry.EventID).WithError(err).Warn("outbox: delivery attempt failed")
	p.store.IncrementRetry(entry.EventID, err.Error())

	if entry.RetryCount+1 < p.cfg.MaxRetries {
		return
	}

	p.store.MarkFailed(entry.EventID, err.Error())
	if p.dlq == nil {
		return
	}
	dlqErr := p.dlq.Add(ctx, dlq.DeadLetterEntry{
		ID:        entry.EventID,
		EventID:   entry.EventID,
		EventType: entry.EventType,
		EntityKey: entry.EntityKey,
		TopicName: entry.TopicName,
		Payload:   entry.Payload,
		Reason:    fmt.Sprintf("outbox: exceeded %d retries: %v", p.cfg.MaxRetries, err),
	})
	if dlqErr != nil {
		p.log.WithField("event_id", entry.EventID).WithError(dlqErr).Error("outbox: failed to forward exhausted entry to DLQ")
	}
}
