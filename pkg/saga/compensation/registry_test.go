package compensation

import "testing"

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(Binding{ForwardEventType: "StockReserved", CompensationEventType: "StockReservationReleased", ResponsibleService: "inventory"})

	b, ok := r.Lookup("StockReserved")
	if !ok {
		t.Fatalf("expected binding to be found")
	}
	if b.CompensationEventType != "StockReservationReleased" {
		t.Fatalf("unexpected compensation event type: %s", b.CompensationEventType)
	}

	if _, ok := r.Lookup("Unknown"); ok {
		t.Fatalf("expected no binding for unregistered event type")
	}
}

func TestCompensationForReturnsEmptyWhenUnregistered(t *testing.T) {
	r := NewRegistry()
	if got := r.CompensationFor("Unknown"); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestRegisterReplacesExistingBinding(t *testing.T) {
	r := NewRegistry()
	r.Register(Binding{ForwardEventType: "PaymentCharged", CompensationEventType: "PaymentRefunded", ResponsibleService: "payments"})
	r.Register(Binding{ForwardEventType: "PaymentCharged", CompensationEventType: "PaymentVoided", ResponsibleService: "payments"})

	if got := r.CompensationFor("PaymentCharged"); got != "PaymentVoided" {
		t.Fatalf("expected replacement binding to win, got %q", got)
	}
}
