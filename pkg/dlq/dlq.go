// Package dlq implements §4.8's dead-letter queue: a shared-cluster map
// of entries a listener could not process after retries, available for
// inspection, replay or discard, retained for 7 days by default.
package dlq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/R3E-Network/eventsourcing-core/pkg/corestore"
	"github.com/R3E-Network/eventsourcing-core/pkg/metrics"
)

// Status tracks a dead-letter entry's disposition.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusReplayed  Status = "REPLAYED"
	StatusDiscarded Status = "DISCARDED"
)

// DeadLetterEntry captures an event a listener gave up on.
type DeadLetterEntry struct {
	ID          string
	EventID     string
	EventType   string
	EntityKey   string
	TopicName   string
	Payload     []byte
	Reason      string
	Status      Status
	ReplayCount int
	AddedAt     time.Time
}

const mapName = "dlq"
const indexName = "dlq-by-added-at"

// Publisher is the subset of the event bus the DLQ needs to replay an
// entry back onto its original topic.
type Publisher interface {
	PublishRaw(ctx context.Context, topic string, payload []byte) error
}

// Queue is the dead letter queue described in §4.8.
type Queue struct {
	grid    *corestore.SharedGrid
	entryTTL time.Duration
}

// New creates a Queue with the given entry retention (default 7 days
// if ttl <= 0).
func New(grid *corestore.SharedGrid, ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Queue{grid: grid, entryTTL: ttl}
}

// Add stores entry on the shared cluster so other services can inspect
// it.
func (q *Queue) Add(ctx context.Context, entry DeadLetterEntry) error {
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now()
	}
	if entry.Status == "" {
		entry.Status = StatusPending
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := q.grid.Put(ctx, mapName, entry.ID, string(raw), q.entryTTL); err != nil {
		return err
	}
	metrics.DLQEntries.WithLabelValues("added").Inc()
	return q.grid.IndexAdd(ctx, indexName, entry.ID, float64(entry.AddedAt.UnixNano()))
}

// Get returns the entry with the given id.
func (q *Queue) Get(ctx context.Context, id string) (*DeadLetterEntry, bool, error) {
	raw, ok, err := q.grid.Get(ctx, mapName, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	var entry DeadLetterEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

// List returns up to limit of the oldest entries still in the queue.
func (q *Queue) List(ctx context.Context, limit int) ([]*DeadLetterEntry, error) {
	ids, err := q.grid.IndexRange(ctx, indexName, 0, float64(time.Now().UnixNano()))
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*DeadLetterEntry, 0, len(ids))
	for _, id := range ids {
		entry, ok, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Replay publishes the stored event record back to its original topic
// and marks it REPLAYED. The entry is left in the queue; callers that
// want it removed after a successful replay should follow with
// Discard.
func (q *Queue) Replay(ctx context.Context, id string, pub Publisher) error {
	entry, ok, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := pub.PublishRaw(ctx, entry.TopicName, entry.Payload); err != nil {
		return err
	}
	entry.Status = StatusReplayed
	entry.ReplayCount++
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := q.grid.Put(ctx, mapName, entry.ID, string(raw), q.entryTTL); err != nil {
		return err
	}
	metrics.DLQEntries.WithLabelValues("replayed").Inc()
	return nil
}

// Discard deletes an entry and its index entry permanently; no DISCARDED
// record is kept.
func (q *Queue) Discard(ctx context.Context, id string) error {
	if err := q.grid.Delete(ctx, mapName, id); err != nil {
		return err
	}
	metrics.DLQEntries.WithLabelValues("discarded").Inc()
	return q.grid.IndexRemove(ctx, indexName, id)
}

// ErrNotFound is returned by Replay when id has no matching entry.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "dlq: entry not found" }
