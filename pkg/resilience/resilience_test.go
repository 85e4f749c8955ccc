package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/eventsourcing-core/pkg/config"
)

func testConfig() config.ResilienceConfig {
	return config.ResilienceConfig{
		Enabled: true,
		Instances: map[string]config.ResilienceInstanceConfig{
			"inventory": {
				FailureRateThreshold:     50,
				MinimumCalls:             2,
				SlidingWindowSize:        10,
				WaitDurationInOpen:       20 * time.Millisecond,
				PermittedCallsInHalfOpen: 1,
				MaxAttempts:              3,
				WaitDuration:             time.Millisecond,
				Multiplier:               1, // constant backoff keeps the test fast
			},
		},
	}
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	r := NewRegistry(testConfig())
	attempts := 0

	result, err := Execute(context.Background(), r, "inventory", func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %q", result)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteDoesNotRetryNonRetryableErrors(t *testing.T) {
	r := NewRegistry(testConfig())
	attempts := 0

	_, err := Execute(context.Background(), r, "inventory", func(ctx context.Context) (string, error) {
		attempts++
		return "", NonRetryable(errors.New("insufficient stock"))
	})
	if err == nil || !IsNonRetryable(err) {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable error, got %d", attempts)
	}
}

func TestCircuitOpensAfterFailureThreshold(t *testing.T) {
	r := NewRegistry(testConfig())

	fail := func(ctx context.Context) (string, error) { return "", errors.New("boom") }
	for i := 0; i < 2; i++ {
		_, _ = Execute(context.Background(), r, "inventory", fail)
	}

	_, err := Execute(context.Background(), r, "inventory", func(ctx context.Context) (string, error) {
		t.Fatalf("op should not run while circuit is open")
		return "", nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestNonRetryableErrorsDoNotOpenTheCircuit(t *testing.T) {
	r := NewRegistry(testConfig())

	for i := 0; i < 5; i++ {
		_, err := Execute(context.Background(), r, "inventory", func(ctx context.Context) (string, error) {
			return "", NonRetryable(errors.New("invalid state"))
		})
		if !IsNonRetryable(err) {
			t.Fatalf("expected non-retryable error on attempt %d, got %v", i, err)
		}
	}

	_, err := Execute(context.Background(), r, "inventory", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected circuit to remain closed after only non-retryable errors, got %v", err)
	}
}

// TestRegistryIsSafeForConcurrentInstanceCreation exercises the same race
// multiple saga choreography listeners hit in production: each listener
// goroutine shares one process-wide Registry and calls Execute under its
// own resilience name (some new, some already registered) with no outside
// synchronization. This must pass under `go test -race`.
func TestRegistryIsSafeForConcurrentInstanceCreation(t *testing.T) {
	r := NewRegistry(testConfig())

	const goroutines = 50
	const callsPerGoroutine = 20
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			// Half the goroutines share one name ("shared"), the other
			// half each get their own distinct name — both the
			// first-insert race and the read-after-insert race are
			// exercised this way.
			name := "shared"
			if g%2 == 0 {
				name = fmt.Sprintf("distinct-%d", g)
			}
			for c := 0; c < callsPerGoroutine; c++ {
				_, _ = Execute(context.Background(), r, name, func(ctx context.Context) (string, error) {
					return "ok", nil
				})
			}
		}(g)
	}
	wg.Wait()

	stats := r.StatsFor("shared")
	if stats.Successes != (goroutines/2)*callsPerGoroutine {
		t.Fatalf("expected %d successes on the shared instance, got %d", (goroutines/2)*callsPerGoroutine, stats.Successes)
	}
}
