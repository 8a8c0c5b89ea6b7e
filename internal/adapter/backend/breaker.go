package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"shelfsync/internal/domain"
	"shelfsync/internal/infra/config"
)

const (
	defaultCBMaxFailures uint32 = 5
	defaultCBTimeout            = 30 * time.Second
	defaultCBInterval           = 60 * time.Second
)

// Breaker wraps a domain.Backend with circuit breaker protection. When
// the backend fails repeatedly the circuit opens and submissions fail
// fast, so dozens of device sessions cannot pile retries onto a dead
// upstream. Duplicate answers count as success.
type Breaker struct {
	inner   domain.Backend
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

// NewBreaker wraps inner with a circuit breaker configured from cfg.
func NewBreaker(inner domain.Backend, cfg config.BackendConfig, logger *slog.Logger) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	wait := cfg.BreakerWait
	if wait == 0 {
		wait = defaultCBTimeout
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1, // one probe in half-open state
		Interval:    defaultCBInterval,
		Timeout:     wait,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &Breaker{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Register implements domain.Backend.
func (b *Breaker) Register(ctx context.Context, dev domain.Device) (domain.ConfigSnapshot, error) {
	v, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Register(ctx, dev)
	})
	if err != nil {
		return domain.ConfigSnapshot{}, b.wrap(err)
	}
	return v.(domain.ConfigSnapshot), nil
}

// SubmitStockUpdate implements domain.Backend.
func (b *Breaker) SubmitStockUpdate(ctx context.Context, delta domain.StockDelta) (domain.SubmitResult, error) {
	v, err := b.breaker.Execute(func() (any, error) {
		return b.inner.SubmitStockUpdate(ctx, delta)
	})
	if err != nil {
		return domain.SubmitError, b.wrap(err)
	}
	return v.(domain.SubmitResult), nil
}

// FetchConfig implements domain.Backend.
func (b *Breaker) FetchConfig(ctx context.Context, deviceID string) (domain.ConfigSnapshot, error) {
	v, err := b.breaker.Execute(func() (any, error) {
		return b.inner.FetchConfig(ctx, deviceID)
	})
	if err != nil {
		return domain.ConfigSnapshot{}, b.wrap(err)
	}
	return v.(domain.ConfigSnapshot), nil
}

func (b *Breaker) wrap(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return domain.NewDomainError("backend.breaker", domain.ErrUpstream,
			fmt.Sprintf("circuit open: %v", err))
	}
	return err
}

// State returns the current circuit breaker state for the status API.
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}

var _ domain.Backend = (*Breaker)(nil)
