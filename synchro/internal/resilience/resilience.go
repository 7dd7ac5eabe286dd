// Package resilience wraps outbound calls in retry with exponential backoff
// and per-host circuit breakers.
//
// Retries handle transient faults: a timeout, a 503, a dropped connection.
// Breakers handle persistent ones: when a host fails repeatedly, further
// calls to it short-circuit for a cool-down period instead of burning the
// run's time budget on a dead endpoint. One breaker per host, so a dead
// PDF server does not block HTML sources on another host.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig shapes the exponential backoff schedule.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, first call included.
	// Default: 3.
	MaxAttempts uint64 `json:"max_attempts" yaml:"max_attempts"`

	// InitialInterval is the first wait. Default: 1s.
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`

	// Multiplier grows the wait between attempts. Default: 2.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// MaxInterval caps a single wait. Default: 32s.
	MaxInterval time.Duration `json:"max_interval" yaml:"max_interval"`

	// RandomizationFactor jitters each wait. Default: 0.5.
	RandomizationFactor float64 `json:"randomization_factor" yaml:"randomization_factor"`
}

func (c *RetryConfig) defaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 32 * time.Second
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
}

// BreakerConfig shapes the per-host circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the
	// breaker. Default: 3.
	FailureThreshold uint32 `json:"failure_threshold" yaml:"failure_threshold"`

	// ResetTimeout is how long an open breaker waits before letting a
	// probe call through. Default: 60s.
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout"`
}

func (c *BreakerConfig) defaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
}

// Config combines retry and breaker settings.
type Config struct {
	Retry   RetryConfig   `json:"retry" yaml:"retry"`
	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`
}

// Permanent marks an error as not worth retrying. Retry stops immediately
// and returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsOpen reports whether err came from an open or saturated breaker.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Retry runs op under the backoff schedule until it succeeds, returns a
// permanent error, exhausts MaxAttempts, or ctx is cancelled.
func Retry(ctx context.Context, cfg RetryConfig, logger *slog.Logger, op func() error) error {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.Multiplier = cfg.Multiplier
	bo.MaxInterval = cfg.MaxInterval
	bo.RandomizationFactor = cfg.RandomizationFactor
	bo.MaxElapsedTime = 0 // bounded by attempts, not wall time

	schedule := backoff.WithContext(backoff.WithMaxRetries(bo, cfg.MaxAttempts-1), ctx)
	notify := func(err error, wait time.Duration) {
		logger.Debug("retrying after error", "error", err, "wait", wait)
	}
	return backoff.RetryNotify(op, schedule, notify)
}

// Policy is the combined retry-plus-breaker wrapper handed to fetchers and
// API clients.
type Policy struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a Policy. Breakers are created lazily per key.
func New(cfg Config, logger *slog.Logger) *Policy {
	cfg.Retry.defaults()
	cfg.Breaker.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (p *Policy) breaker(key string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[key]; ok {
		return cb
	}
	threshold := p.cfg.Breaker.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    key,
		Timeout: p.cfg.Breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("circuit breaker state change",
				"key", name, "from", from.String(), "to", to.String())
		},
	})
	p.breakers[key] = cb
	return cb
}

// Do runs op under the key's breaker with retry around it. An open breaker
// aborts the remaining attempts: waiting out the backoff schedule cannot
// close it.
func (p *Policy) Do(ctx context.Context, key string, op func() error) error {
	attempt := func() error {
		_, err := p.breaker(key).Execute(func() (any, error) {
			return nil, op()
		})
		if IsOpen(err) {
			return backoff.Permanent(fmt.Errorf("resilience: %s: %w", key, err))
		}
		return err
	}
	return Retry(ctx, p.cfg.Retry, p.logger, attempt)
}

// State returns the breaker state for a key: "closed", "half-open" or
// "open". Keys never used report "closed".
func (p *Policy) State(key string) string {
	p.mu.Lock()
	cb, ok := p.breakers[key]
	p.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// States snapshots all breaker states for the status surfaces.
func (p *Policy) States() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.breakers))
	for key, cb := range p.breakers {
		out[key] = cb.State().String()
	}
	return out
}
