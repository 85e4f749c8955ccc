package viewstore

import (
	"sync"
	"testing"

	"github.com/R3E-Network/eventsourcing-core/pkg/envelope"
	"github.com/R3E-Network/eventsourcing-core/pkg/eventstore"
)

func orderTotalUpdater(old *EntityView, rec *envelope.Envelope) *EntityView {
	total := 0.0
	if old != nil {
		if v, ok := old.Data["total"].(float64); ok {
			total = v
		}
	}
	if amt, ok := rec.Payload["amount"].(float64); ok {
		total += amt
	}
	version := int64(0)
	if old != nil {
		version = old.Version
	}
	return &EntityView{Version: version + 1, Data: map[string]any{"total": total}}
}

func TestApplyEventIsAtomicPerKey(t *testing.T) {
	events := eventstore.New(envelope.NewIDGenerator())
	s := New(events)
	s.RegisterUpdater("order-total", orderTotalUpdater)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.ApplyEvent("order-1", &envelope.Envelope{Payload: map[string]any{"amount": 1.0}}, "order-total")
		}()
	}
	wg.Wait()

	view, ok := s.Get("order-1")
	if !ok {
		t.Fatalf("expected view to exist")
	}
	if view.Data["total"].(float64) != 50 {
		t.Fatalf("expected total 50, got %v", view.Data["total"])
	}
}

func TestApplyEventUnregisteredUpdaterErrors(t *testing.T) {
	events := eventstore.New(envelope.NewIDGenerator())
	s := New(events)

	_, err := s.ApplyEvent("order-1", &envelope.Envelope{}, "missing")
	if err == nil {
		t.Fatalf("expected error for unregistered updater")
	}
}

func TestRebuildReplaysFullHistory(t *testing.T) {
	events := eventstore.New(envelope.NewIDGenerator())
	s := New(events)
	s.RegisterUpdater("order-total", orderTotalUpdater)

	_, _ = events.Append("order-1", &envelope.Envelope{Payload: map[string]any{"amount": 10.0}})
	_, _ = events.Append("order-1", &envelope.Envelope{Payload: map[string]any{"amount": 5.0}})

	view, err := s.Rebuild("order-1", "order-total")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if view.Data["total"].(float64) != 15 {
		t.Fatalf("expected total 15, got %v", view.Data["total"])
	}
}

func TestRebuildAllCoversEveryEntity(t *testing.T) {
	events := eventstore.New(envelope.NewIDGenerator())
	s := New(events)
	s.RegisterUpdater("order-total", orderTotalUpdater)

	_, _ = events.Append("order-1", &envelope.Envelope{Payload: map[string]any{"amount": 1.0}})
	_, _ = events.Append("order-2", &envelope.Envelope{Payload: map[string]any{"amount": 2.0}})

	if err := s.RebuildAll("order-total"); err != nil {
		t.Fatalf("rebuild all: %v", err)
	}

	v1, _ := s.Get("order-1")
	v2, _ := s.Get("order-2")
	if v1.Data["total"].(float64) != 1 || v2.Data["total"].(float64) != 2 {
		t.Fatalf("expected both views rebuilt, got %v and %v", v1, v2)
	}
}
