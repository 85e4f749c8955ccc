// Package idempotency implements §4.8's idempotency guard: a single
// shared-cluster map from eventId to a first-seen timestamp, with a TTL
// (default 1h) and an atomic tryProcess used by every saga listener
// before doing any work (§4.9's "idempotency check" step, P6).
package idempotency

import (
	"context"
	"strconv"
	"time"

	"github.com/R3E-Network/eventsourcing-core/pkg/corestore"
	"github.com/R3E-Network/eventsourcing-core/pkg/metrics"
)

const mapName = "idempotency"

// Guard is the idempotency guard described in §4.8.
type Guard struct {
	grid *corestore.SharedGrid
	ttl  time.Duration
}

// New creates a Guard with the given TTL (default 1h if ttl <= 0).
func New(grid *corestore.SharedGrid, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Guard{grid: grid, ttl: ttl}
}

// TryProcess performs an atomic putIfAbsent for eventID, returning true
// iff this call was the first to see it. Callers must skip processing
// entirely when it returns false — that is the idempotent-listener
// invariant (P6).
func (g *Guard) TryProcess(ctx context.Context, eventID string) (bool, error) {
	first, err := g.grid.PutIfAbsent(ctx, mapName, eventID, strconv.FormatInt(time.Now().UnixNano(), 10), g.ttl)
	if err != nil {
		return false, err
	}
	if first {
		metrics.IdempotencyChecks.WithLabelValues("miss").Inc()
	} else {
		metrics.IdempotencyChecks.WithLabelValues("hit").Inc()
	}
	return first, nil
}
