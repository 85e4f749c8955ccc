// Package envelope implements §3's EventEnvelope and §4.1's identity and
// metadata contracts: event ID generation, a monotonic per-process
// sequence generator, and the composite sequence key that keeps an
// entity's events co-partitioned.
package envelope

import (
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// SagaMetadata marks an envelope as saga-participating. A nil SagaMetadata
// on an envelope means the event is invisible to choreographed saga
// listeners (§4.9's guard).
type SagaMetadata struct {
	SagaID         string
	SagaType       string
	StepNumber     int
	IsCompensating bool
}

// Envelope is the abstract event envelope described in §3.
type Envelope struct {
	EventID         string
	EventType       string
	SchemaVersion   int
	SourceService   string
	OccurredAt      time.Time
	EntityKey       string
	CorrelationID   string
	Saga            *SagaMetadata
	SubmittedAt     time.Time
	PipelineEntryAt time.Time

	// Payload carries the domain-specific event fields as an opaque
	// schema-evolvable record (§6.2): readers tolerate unknown/absent
	// fields, so this is a plain map rather than a fixed struct.
	Payload map[string]any
}

// CompositeKey is the (sequence, entityKey) pair from §3. Its hash equals
// hash(entityKey) so all events for one entity land on the same partition.
type CompositeKey struct {
	Sequence  int64
	EntityKey string
}

// PartitionHash returns the partition-locality hash for this key. It is
// defined purely in terms of EntityKey, never Sequence, which is the
// locality invariant from §3.
func (k CompositeKey) PartitionHash() uint64 {
	return hashEntityKey(k.EntityKey)
}

func hashEntityKey(entityKey string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(entityKey))
	return h.Sum64()
}

// IDGenerator produces globally-unique event IDs and a monotonic,
// per-process, globally-sortable sequence. Event IDs are used for
// correlation and dedupe only — ordering derives from the sequence
// number (§4.1).
type IDGenerator struct {
	seq *atomic.Int64
}

// NewIDGenerator creates an IDGenerator seeded from the current wall
// clock so sequences across process restarts do not collide with a
// high likelihood of overlap; callers that need strict cross-restart
// monotonicity should seed from persisted state instead.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{seq: atomic.NewInt64(time.Now().UnixNano())}
}

// NewEventID generates a new globally-unique event ID. Lexicographic
// ordering is not guaranteed or required (§4.1).
func (g *IDGenerator) NewEventID() string {
	return uuid.NewString()
}

// NextSequence returns the next value in the strictly increasing,
// per-process sequence.
func (g *IDGenerator) NextSequence() int64 {
	return g.seq.Inc()
}

// NewCorrelationID generates a correlation ID for events arriving
// without one.
func (g *IDGenerator) NewCorrelationID() string {
	return uuid.NewString()
}

// CompositeKeyFor assigns the next sequence to entityKey, producing the
// CompositeKey under which the event store records an appended envelope.
func (g *IDGenerator) CompositeKeyFor(entityKey string) CompositeKey {
	return CompositeKey{Sequence: g.NextSequence(), EntityKey: entityKey}
}

// Stamp fills in EventID, CorrelationID, SubmittedAt and OccurredAt only
// where the caller left them unset, and always sets PipelineEntryAt to
// the current time.
func (g *IDGenerator) Stamp(e *Envelope) {
	if e.EventID == "" {
		e.EventID = g.NewEventID()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = g.NewCorrelationID()
	}
	now := time.Now()
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = now
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.PipelineEntryAt = now
}

// HasSaga reports whether this envelope carries saga metadata — the
// guard choreographed listeners use to ignore non-saga events (§4.9).
func (e *Envelope) HasSaga() bool {
	return e.Saga != nil && e.Saga.SagaID != ""
}

// Clone returns a deep-enough copy of the envelope for safe concurrent
// hand-off between pipeline stages and the outbox.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Saga != nil {
		saga := *e.Saga
		clone.Saga = &saga
	}
	if e.Payload != nil {
		clone.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			clone.Payload[k] = v
		}
	}
	return &clone
}
