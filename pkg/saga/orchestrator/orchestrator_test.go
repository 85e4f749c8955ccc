package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/R3E-Network/eventsourcing-core/pkg/corestore"
	"github.com/R3E-Network/eventsourcing-core/pkg/saga/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestEngine(t *testing.T, listeners Listeners) (*Engine, *store.Store, *corestore.SharedGrid) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	grid := corestore.NewSharedGrid(client)
	st := store.New(grid)
	return New(st, listeners, nil), st, grid
}

func successStep(name string) Step {
	return Step{
		Name:       name,
		Service:    "svc",
		MaxRetries: 1,
		Timeout:    time.Second,
		Action: func(_ context.Context, sctx *Context) (StepResult, error) {
			return StepResult{Status: StatusSuccess, Data: map[string]any{name: true}}, nil
		},
	}
}

func TestEngineRunsAllStepsToCompletion(t *testing.T) {
	engine, st, _ := newTestEngine(t, Listeners{})
	def := NewDefinition("OrderFulfillment", time.Minute,
		successStep("reserve-stock"),
		successStep("process-payment"),
		successStep("confirm-order"),
	)

	status, err := engine.Start(context.Background(), "saga-1", def, "corr-1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if status != store.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", status)
	}

	state, ok, err := st.GetSagaState(context.Background(), "saga-1")
	if err != nil || !ok {
		t.Fatalf("expected saga state to exist: %v", err)
	}
	if state.CompletedSteps != 3 {
		t.Fatalf("expected 3 completed steps, got %d", state.CompletedSteps)
	}
}

func TestEngineRejectsDuplicateStart(t *testing.T) {
	engine, _, _ := newTestEngine(t, Listeners{})
	blocking := make(chan struct{})
	def := NewDefinition("Slow", time.Minute, Step{
		Name:       "wait",
		MaxRetries: 1,
		Action: func(ctx context.Context, _ *Context) (StepResult, error) {
			<-blocking
			return StepResult{Status: StatusSuccess}, nil
		},
	})

	go func() { _, _ = engine.Start(context.Background(), "saga-dup", def, "", nil) }()
	time.Sleep(50 * time.Millisecond)

	_, err := engine.Start(context.Background(), "saga-dup", def, "", nil)
	if !errors.Is(err, ErrDuplicateSaga) {
		t.Fatalf("expected ErrDuplicateSaga, got %v", err)
	}
	close(blocking)
}

func TestEngineCompensatesInReverseOrderOnFailure(t *testing.T) {
	var order []string
	compStep := func(name string) Step {
		return Step{
			Name:       name,
			MaxRetries: 1,
			Action: func(_ context.Context, _ *Context) (StepResult, error) {
				return StepResult{Status: StatusSuccess}, nil
			},
			Compensation: func(_ context.Context, _ *Context) (StepResult, error) {
				order = append(order, name)
				return StepResult{Status: StatusSuccess}, nil
			},
		}
	}

	failingStep := Step{
		Name:       "fail-me",
		MaxRetries: 1,
		Action: func(_ context.Context, _ *Context) (StepResult, error) {
			return StepResult{Status: StatusFailure, ErrorMessage: "boom"}, nil
		},
	}

	engine, _, _ := newTestEngine(t, Listeners{})
	def := NewDefinition("Compensating", time.Minute, compStep("s0"), compStep("s1"), failingStep)

	status, err := engine.Start(context.Background(), "saga-2", def, "", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if status != store.StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", status)
	}
	if len(order) != 2 || order[0] != "s1" || order[1] != "s0" {
		t.Fatalf("expected reverse-order compensation [s1, s0], got %v", order)
	}
}

func TestEngineTimesOutSlowStepAndCompensates(t *testing.T) {
	compensated := false
	slow := Step{
		Name:       "payment",
		MaxRetries: 1,
		Timeout:    50 * time.Millisecond,
		Action: func(ctx context.Context, _ *Context) (StepResult, error) {
			select {
			case <-time.After(500 * time.Millisecond):
				return StepResult{Status: StatusSuccess}, nil
			case <-ctx.Done():
				return StepResult{}, ctx.Err()
			}
		},
	}
	reserve := Step{
		Name:       "reserve-stock",
		MaxRetries: 1,
		Action: func(_ context.Context, _ *Context) (StepResult, error) {
			return StepResult{Status: StatusSuccess}, nil
		},
		Compensation: func(_ context.Context, _ *Context) (StepResult, error) {
			compensated = true
			return StepResult{Status: StatusSuccess}, nil
		},
	}

	engine, _, _ := newTestEngine(t, Listeners{})
	def := NewDefinition("OrderFulfillment", time.Minute, reserve, slow)

	status, err := engine.Start(context.Background(), "saga-3", def, "", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if status != store.StatusTimedOut {
		t.Fatalf("expected TIMED_OUT, got %s", status)
	}
	if !compensated {
		t.Fatalf("expected prior step to be compensated after timeout")
	}
}

func TestHandleStepResultResolvesAsyncStep(t *testing.T) {
	engine, _, _ := newTestEngine(t, Listeners{})
	def := NewDefinition("Async", time.Minute, Step{
		Name:       "external-call",
		MaxRetries: 1,
		Timeout:    time.Second,
		Action: func(ctx context.Context, _ *Context) (StepResult, error) {
			<-ctx.Done()
			return StepResult{}, ctx.Err()
		},
	})

	resultCh := make(chan store.Status, 1)
	go func() {
		status, _ := engine.Start(context.Background(), "saga-async", def, "", nil)
		resultCh <- status
	}()

	time.Sleep(20 * time.Millisecond)
	if err := engine.HandleStepResult("saga-async", "external-call", StepResult{Status: StatusSuccess}); err != nil {
		t.Fatalf("handle step result: %v", err)
	}

	select {
	case status := <-resultCh:
		if status != store.StatusCompleted {
			t.Fatalf("expected COMPLETED, got %s", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for saga to complete")
	}
}

func TestHandleStepResultRejectsUnknownSaga(t *testing.T) {
	engine, _, _ := newTestEngine(t, Listeners{})
	err := engine.HandleStepResult("no-such-saga", "step", StepResult{Status: StatusSuccess})
	if !errors.Is(err, ErrUnknownSaga) {
		t.Fatalf("expected ErrUnknownSaga, got %v", err)
	}
}
