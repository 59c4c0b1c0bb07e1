// Package circuitbreaker wraps sony/gobreaker for calls from offline
// terminals to the dispensary API. When the server is unreachable the
// breaker opens quickly so the sync loop stops burning its per-item
// timeout on every queued entry.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// State is the breaker state as exposed to callers.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds circuit breaker tuning.
type Config struct {
	// Name identifies the breaker in logs and metrics.
	Name string
	// MaxRequests is how many probe requests pass in half-open state.
	MaxRequests uint32
	// Interval clears the rolling counts while closed.
	Interval time.Duration
	// Timeout is how long the circuit stays open before probing again.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker while the sample is small.
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests have been seen.
	FailureRatio float64
	// MinRequests is the sample size required before the ratio applies.
	MinRequests uint32
}

// DefaultConfig returns tuning suited to a sync agent draining a local
// queue: trip after a few consecutive connection failures, probe again
// after 15 seconds so reconnection is noticed within one sync pass.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 3,
		FailureRatio:        0.6,
		MinRequests:         10,
	}
}

// Breaker wraps gobreaker with logging and otel counters.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger

	requestCounter  metric.Int64Counter
	rejectedCounter metric.Int64Counter

	mu    sync.RWMutex
	state State
}

// New builds a breaker from cfg. IsSuccessful is left at its default:
// the caller decides which errors count as failures by not routing
// terminal (validation) errors through the breaker at all.
func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		name:   cfg.Name,
		logger: logger,
		state:  StateClosed,
	}

	meter := otel.Meter("circuitbreaker")
	var err error
	b.requestCounter, err = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Requests routed through the breaker"))
	if err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}
	b.rejectedCounter, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Requests rejected while the circuit was open"))
	if err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(from, to)
		},
	})

	return b, nil
}

// Execute runs fn through the breaker. When the circuit is open the
// call is rejected immediately with ErrOpen.
func (b *Breaker) Execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	b.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("name", b.name)))

	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("name", b.name)))
			return nil, ErrOpen
		}
		return nil, err
	}
	return result, nil
}

// ErrOpen is returned when the circuit rejects a call without trying it.
var ErrOpen = errors.New("circuit open")

// GetState returns the breaker state.
func (b *Breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// IsOpen reports whether calls are currently rejected.
func (b *Breaker) IsOpen() bool { return b.GetState() == StateOpen }

// Counts exposes gobreaker's rolling counts.
func (b *Breaker) Counts() gobreaker.Counts { return b.cb.Counts() }

func (b *Breaker) onStateChange(from, to gobreaker.State) {
	b.mu.Lock()
	b.state = mapState(to)
	b.mu.Unlock()

	b.logger.Warn("circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.String("from", string(mapState(from))),
		zap.String("to", string(mapState(to))))
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
