package store

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the Circuit Breaker (C4) wrapping Remote Store
// writes.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that trips the
	// breaker open. Default 5.
	Threshold uint32
	// Timeout is how long the breaker stays open before probing with a
	// half-open trial request. Default 60s.
	Timeout time.Duration
}

// DefaultBreakerConfig returns spec.md §4.4's defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Timeout: 60 * time.Second}
}

// NewBreaker wraps cfg into a generic gobreaker instance. T is the return
// type of calls routed through it — here, struct{} for write calls that
// only report success/failure. onStateChange, if non-nil, is invoked with
// gobreaker.StateClosed/HalfOpen/Open on every transition, letting the
// caller mirror breaker state into a metrics gauge.
func NewBreaker[T any](name string, cfg BreakerConfig, onStateChange func(name string, from, to gobreaker.State)) *gobreaker.CircuitBreaker[T] {
	if cfg.Threshold == 0 {
		cfg = DefaultBreakerConfig()
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Threshold
		},
	}
	if onStateChange != nil {
		settings.OnStateChange = onStateChange
	}
	return gobreaker.NewCircuitBreaker[T](settings)
}
