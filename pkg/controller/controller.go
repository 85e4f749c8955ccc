// Package controller implements §4.6: the sole entry point business
// code uses to submit an event. It stamps identity metadata, stages the
// envelope into the pipeline's PENDING map and returns a future that
// resolves when the pipeline's COMPLETION listener reports a result, or
// times out.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/eventsourcing-core/pkg/envelope"
	"github.com/R3E-Network/eventsourcing-core/pkg/metrics"
	"github.com/R3E-Network/eventsourcing-core/pkg/pipeline"
)

// SagaMetadata is the optional saga envelope the caller attaches to an
// event, per §4.6's handle() contract.
type SagaMetadata = envelope.SagaMetadata

// Future resolves once, either with the pipeline's CompletionRecord or
// with an error (pipeline failure or timeout).
type Future struct {
	done   chan struct{}
	once   sync.Once
	result *pipeline.CompletionRecord
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(rec *pipeline.CompletionRecord, err error) {
	f.once.Do(func() {
		f.result = rec
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the future resolves or ctx is canceled.
func (f *Future) Wait(ctx context.Context) (*pipeline.CompletionRecord, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ErrTimeout is the error a Future resolves with when its deadline
// passes before the pipeline completes the event.
var ErrTimeout = fmt.Errorf("controller: event timed out waiting for completion")

// Config configures a Controller.
type Config struct {
	// Timeout bounds how long a pending future waits for completion
	// before resolving with ErrTimeout and being marked orphaned.
	// Defaults to 30s (§4.6).
	Timeout time.Duration
}

// Controller is the sole submission entry point described in §4.6.
type Controller struct {
	pipeline *pipeline.Pipeline
	ids      *envelope.IDGenerator
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]*Future
}

// New creates a Controller wired to p. It subscribes to p's completion
// listener immediately.
func New(p *pipeline.Pipeline, ids *envelope.IDGenerator, cfg Config) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Controller{
		pipeline: p,
		ids:      ids,
		timeout:  cfg.Timeout,
		pending:  make(map[string]*Future),
	}
	p.OnCompletion(c.handleCompletion)
	return c
}

func (c *Controller) handleCompletion(rec *pipeline.CompletionRecord) {
	c.mu.Lock()
	fut, ok := c.pending[rec.EventID]
	if ok {
		delete(c.pending, rec.EventID)
	}
	c.mu.Unlock()

	if !ok {
		return // already resolved by timeout
	}
	if rec.Success {
		fut.resolve(rec, nil)
	} else {
		fut.resolve(rec, fmt.Errorf("controller: event failed: %s", rec.FailureReason))
	}
}

// Handle stamps missing metadata onto rec, assigns it a sequence key,
// registers a pending future, stages it into the pipeline and returns
// the future (§4.6's handle() contract). If saga is non-nil, its
// fields are stamped onto the envelope before staging so choreographed
// saga listeners downstream can see them (§4.6's saga-metadata guard).
func (c *Controller) Handle(entityKey string, rec *envelope.Envelope, correlationID string, saga *SagaMetadata) *Future {
	rec.EntityKey = entityKey
	if correlationID != "" {
		rec.CorrelationID = correlationID
	}
	if saga != nil {
		rec.Saga = saga
	}
	c.ids.Stamp(rec)

	fut := newFuture()
	c.mu.Lock()
	c.pending[rec.EventID] = fut
	c.mu.Unlock()
	metrics.PipelinePendingCompletions.Inc()

	go c.awaitTimeout(rec.EventID, fut)

	c.pipeline.Submit(rec.EventID, rec)
	return fut
}

func (c *Controller) awaitTimeout(eventID string, fut *Future) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-fut.done:
		metrics.PipelinePendingCompletions.Dec()
	case <-timer.C:
		c.mu.Lock()
		_, stillPending := c.pending[eventID]
		if stillPending {
			delete(c.pending, eventID)
		}
		c.mu.Unlock()

		if stillPending {
			fut.resolve(nil, ErrTimeout)
			metrics.PipelinePendingCompletions.Dec()
			metrics.PipelineCompletionsOrphaned.Inc()
		}
	}
}
