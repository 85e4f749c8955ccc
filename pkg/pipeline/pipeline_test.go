package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/eventsourcing-core/internal/eventbus"
	"github.com/R3E-Network/eventsourcing-core/pkg/envelope"
	"github.com/R3E-Network/eventsourcing-core/pkg/eventstore"
	"github.com/R3E-Network/eventsourcing-core/pkg/viewstore"
)

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *eventstore.Store, *viewstore.Store) {
	t.Helper()
	ids := envelope.NewIDGenerator()
	events := eventstore.New(ids)
	views := viewstore.New(events)
	views.RegisterUpdater("count", func(old *viewstore.EntityView, rec *envelope.Envelope) *viewstore.EntityView {
		n := 0
		if old != nil {
			n = old.Data["n"].(int)
		}
		return &viewstore.EntityView{Data: map[string]any{"n": n + 1}}
	})
	bus := eventbus.New(eventbus.Config{})
	cfg.UpdaterName = "count"
	p := New(events, views, bus, cfg)
	return p, events, views
}

func TestPipelineSucceedsThroughAllStages(t *testing.T) {
	p, events, views := newTestPipeline(t, Config{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	completed := make(chan *CompletionRecord, 1)
	p.OnCompletion(func(rec *CompletionRecord) { completed <- rec })

	p.Submit("evt-1", &envelope.Envelope{EventID: "evt-1", EventType: "OrderCreated", EntityKey: "order-1"})

	select {
	case rec := <-completed:
		if !rec.Success {
			t.Fatalf("expected success, got failure: %s", rec.FailureReason)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for completion")
	}

	if events.Count("order-1") != 1 {
		t.Fatalf("expected event to be persisted")
	}
	view, ok := views.Get("order-1")
	if !ok || view.Data["n"] != 1 {
		t.Fatalf("expected view to be applied once, got %v", view)
	}
}

func TestPipelineOrdersEventsPerEntity(t *testing.T) {
	p, _, views := newTestPipeline(t, Config{Workers: 4})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	completions := make(chan *CompletionRecord, 20)
	p.OnCompletion(func(rec *CompletionRecord) { completions <- rec })

	for i := 0; i < 10; i++ {
		p.Submit(
			string(rune('a'+i)),
			&envelope.Envelope{EventID: string(rune('a' + i)), EventType: "Tick", EntityKey: "order-1"},
		)
	}

	for i := 0; i < 10; i++ {
		select {
		case rec := <-completions:
			if !rec.Success {
				t.Fatalf("expected success, got %s", rec.FailureReason)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for completion %d", i)
		}
	}

	view, ok := views.Get("order-1")
	if !ok || view.Data["n"] != 10 {
		t.Fatalf("expected all 10 ticks applied in order, got %v", view)
	}
}

type failingOutbox struct{ appended []*envelope.Envelope }

func (f *failingOutbox) Append(rec *envelope.Envelope) error {
	f.appended = append(f.appended, rec)
	return nil
}

func TestPipelineAppendsSagaEventsToOutbox(t *testing.T) {
	ob := &failingOutbox{}
	p, _, _ := newTestPipeline(t, Config{Workers: 1, Outbox: ob})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	completed := make(chan *CompletionRecord, 1)
	p.OnCompletion(func(rec *CompletionRecord) { completed <- rec })

	p.Submit("evt-1", &envelope.Envelope{
		EventID:   "evt-1",
		EventType: "OrderCreated",
		EntityKey: "order-1",
		Saga:      &envelope.SagaMetadata{SagaID: "saga-1"},
	})

	<-completed
	time.Sleep(20 * time.Millisecond)
	if len(ob.appended) != 1 {
		t.Fatalf("expected saga event to be appended to outbox, got %d", len(ob.appended))
	}
}

// TestPipelineDropsPendingEntryWhenPartitionQueueIsFull locks in P4 ("no
// dead weight in PENDING") for the backpressure path: when a partition's
// queue is saturated, dispatch must still remove the event from PENDING
// and write a failed CompletionRecord rather than silently dropping the
// job and leaking the PENDING entry forever.
func TestPipelineDropsPendingEntryWhenPartitionQueueIsFull(t *testing.T) {
	p, _, _ := newTestPipeline(t, Config{Workers: 1})
	// No worker goroutines started: nothing drains p.partitions[0], so
	// filling it to capacity deterministically saturates the only
	// partition. Wire the dispatch listener directly, same as Start does,
	// without launching p.worker so the queue stays full.
	p.pending.OnPut(p.dispatch)
	idx := partitionOf("order-1", p.workers)
	for i := 0; i < cap(p.partitions[idx]); i++ {
		p.partitions[idx] <- job{eventID: "filler", rec: &envelope.Envelope{EntityKey: "order-1"}}
	}

	completed := make(chan *CompletionRecord, 1)
	p.OnCompletion(func(rec *CompletionRecord) { completed <- rec })

	p.Submit("evt-overflow", &envelope.Envelope{EventID: "evt-overflow", EventType: "OrderCreated", EntityKey: "order-1"})

	select {
	case rec := <-completed:
		if rec.Success {
			t.Fatalf("expected a failed completion for the dropped event, got success")
		}
		if rec.EventID != "evt-overflow" {
			t.Fatalf("expected completion for evt-overflow, got %s", rec.EventID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the dropped event's completion")
	}

	if _, ok := p.pending.Get("evt-overflow"); ok {
		t.Fatalf("expected PENDING entry to be cleared for a dropped event (P4)")
	}
}
