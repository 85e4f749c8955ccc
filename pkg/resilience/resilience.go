// Package resilience implements §4.7: a per-name circuit breaker
// composed with a retry policy, and a NonRetryable error classification
// that both the retry loop and the breaker's failure predicate respect.
// Adapted from the teacher's infrastructure/resilience package (the
// same per-name instance registry and CLOSED/OPEN/HALF_OPEN shape) but
// built on the libraries that package names without importing: gobreaker
// for the breaker state machine and cenkalti/backoff for retry.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/eventsourcing-core/pkg/config"
	"github.com/R3E-Network/eventsourcing-core/pkg/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/atomic"
)

// nonRetryable marks an error the retry loop must not retry and the
// circuit breaker must not count as a failure (§4.7).
type nonRetryable struct{ err error }

func (n *nonRetryable) Error() string { return n.err.Error() }
func (n *nonRetryable) Unwrap() error { return n.err }

// NonRetryable wraps err so IsNonRetryable reports true for it — used
// for domain errors like insufficient stock, invalid state or not-found
// that retrying can never fix.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryable{err: err}
}

// IsNonRetryable reports whether err (or anything it wraps) was marked
// via NonRetryable.
func IsNonRetryable(err error) bool {
	var n *nonRetryable
	return errors.As(err, &n)
}

// ErrCircuitOpen is returned when a call is rejected because its
// circuit breaker is OPEN.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// Stats are the per-instance counters from §4.7's "Events" section.
type Stats struct {
	Attempts  int64
	Retries   int64
	Successes int64
	Failures  int64
	Ignored   int64 // NonRetryable errors, never retried or counted against the breaker
	Rejected  int64 // calls rejected because the breaker was OPEN
}

// atomicStats is instance's live counter set: every field is mutated
// concurrently by every caller sharing the Registry (e.g. one choreography
// listener goroutine per saga step), so each counter is its own atomic
// cell rather than a plain struct guarded by a single coarse lock.
type atomicStats struct {
	attempts  atomic.Int64
	retries   atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	ignored   atomic.Int64
	rejected  atomic.Int64
}

func (s *atomicStats) snapshot() Stats {
	return Stats{
		Attempts:  s.attempts.Load(),
		Retries:   s.retries.Load(),
		Successes: s.successes.Load(),
		Failures:  s.failures.Load(),
		Ignored:   s.ignored.Load(),
		Rejected:  s.rejected.Load(),
	}
}

type instance struct {
	name    string
	cfg     config.ResilienceInstanceConfig
	breaker *gobreaker.CircuitBreaker[any]
	stats   atomicStats
}

// Registry holds one named resilience instance per downstream
// dependency, each with its own breaker state and counters. instances
// is read on every Execute call and written on the first call for a
// new name, from as many goroutines as there are concurrent callers
// (e.g. saga choreography listeners), so it is guarded by a mutex —
// the same fine-grained-registry pattern as
// pkg/saga/compensation.Registry's bindings map.
type Registry struct {
	cfg       config.ResilienceConfig
	mu        sync.RWMutex
	instances map[string]*instance
}

// NewRegistry creates a Registry. Instances are created lazily on first
// use of Execute, using cfg.Instances[name] if present or a
// conservative default otherwise.
func NewRegistry(cfg config.ResilienceConfig) *Registry {
	return &Registry{cfg: cfg, instances: make(map[string]*instance)}
}

func defaultInstanceConfig() config.ResilienceInstanceConfig {
	return config.ResilienceInstanceConfig{
		FailureRateThreshold:     50,
		MinimumCalls:             10,
		SlidingWindowSize:        20,
		WaitDurationInOpen:       30 * time.Second,
		PermittedCallsInHalfOpen: 3,
		MaxAttempts:              3,
		WaitDuration:             100 * time.Millisecond,
		Multiplier:               2.0,
	}
}

func (r *Registry) instanceFor(name string) *instance {
	r.mu.RLock()
	inst, ok := r.instances[name]
	r.mu.RUnlock()
	if ok {
		return inst
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[name]; ok {
		return inst
	}

	cfg, ok := r.cfg.Instances[name]
	if !ok {
		cfg = defaultInstanceConfig()
	}

	inst = &instance{name: name, cfg: cfg}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.PermittedCallsInHalfOpen),
		Timeout:     cfg.WaitDurationInOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.MinimumCalls) {
				return false
			}
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
			return failureRate >= cfg.FailureRateThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsNonRetryable(err)
		},
	}
	inst.breaker = gobreaker.NewCircuitBreaker[any](settings)
	r.instances[name] = inst
	return inst
}

// Execute runs op under name's circuit breaker, retrying failed
// attempts per name's retry config unless op returns a NonRetryable
// error. A single execute(name, op) call corresponds to §4.7's
// composition rule: retry wraps op, the breaker wraps the retry chain.
func Execute[T any](ctx context.Context, r *Registry, name string, op func(ctx context.Context) (T, error)) (T, error) {
	inst := r.instanceFor(name)

	result, err := inst.breaker.Execute(func() (any, error) {
		return retryWithStats(ctx, inst, op)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			inst.stats.rejected.Inc()
			metrics.ResilienceRetries.WithLabelValues(name, "rejected").Inc()
			var zero T
			return zero, fmt.Errorf("%w: %s", ErrCircuitOpen, name)
		}
		var zero T
		return zero, err
	}
	return result.(T), nil
}

func retryWithStats[T any](ctx context.Context, inst *instance, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	attempt := 0

	b := backoffFor(inst.cfg)
	b = backoff.WithMaxRetries(b, uint64(maxInt(inst.cfg.MaxAttempts-1, 0)))
	b = backoff.WithContext(b, ctx)

	err := backoff.Retry(func() error {
		attempt++
		inst.stats.attempts.Inc()
		if attempt > 1 {
			inst.stats.retries.Inc()
		}

		r, err := op(ctx)
		if err == nil {
			result = r
			inst.stats.successes.Inc()
			metrics.ResilienceRetries.WithLabelValues(inst.name, "success").Inc()
			return nil
		}
		if IsNonRetryable(err) {
			inst.stats.ignored.Inc()
			metrics.ResilienceRetries.WithLabelValues(inst.name, "ignored").Inc()
			return backoff.Permanent(err)
		}
		inst.stats.failures.Inc()
		metrics.ResilienceRetries.WithLabelValues(inst.name, "retry").Inc()
		return err
	}, b)

	return result, err
}

func backoffFor(cfg config.ResilienceInstanceConfig) backoff.BackOff {
	if cfg.Multiplier <= 1 {
		return backoff.NewConstantBackOff(cfg.WaitDuration)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.WaitDuration
	eb.Multiplier = cfg.Multiplier
	eb.MaxElapsedTime = 0
	return eb
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// StatsFor returns a snapshot of name's counters, for tests and
// diagnostics. Returns the zero value if name has never been executed.
func (r *Registry) StatsFor(name string) Stats {
	r.mu.RLock()
	inst, ok := r.instances[name]
	r.mu.RUnlock()
	if ok {
		return inst.stats.snapshot()
	}
	return Stats{}
}
