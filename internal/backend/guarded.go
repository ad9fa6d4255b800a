package backend

import (
	"context"
	"errors"
	"time"

	"github.com/atinyakov/smartmark/internal/metrics"
	"github.com/atinyakov/smartmark/internal/models"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig tunes the circuit breaker in front of a DataStore.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns the breaker settings used by the server.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// GuardedStore wraps a DataStore with a per-call timeout, a circuit
// breaker and call metrics.
type GuardedStore struct {
	next    DataStore
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics *metrics.Collector
}

// NewGuardedStore wraps next. A zero timeout disables the per-call deadline;
// m may be nil.
func NewGuardedStore(next DataStore, cfg BreakerConfig, timeout time.Duration, m *metrics.Collector, log *zap.Logger) *GuardedStore {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("data store breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// Caller mistakes are not backend failures.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNotFound) ||
				errors.Is(err, ErrInvalidRecord) ||
				errors.Is(err, ErrUnauthorized)
		},
	})
	return &GuardedStore{next: next, cb: cb, timeout: timeout, metrics: m}
}

func (g *GuardedStore) ListBookmarks(ctx context.Context, sess models.Session) ([]models.Bookmark, error) {
	var out []models.Bookmark
	err := g.do(ctx, "list", func(ctx context.Context) error {
		var err error
		out, err = g.next.ListBookmarks(ctx, sess)
		return err
	})
	return out, err
}

func (g *GuardedStore) InsertBookmark(ctx context.Context, sess models.Session, nb models.NewBookmark) error {
	return g.do(ctx, "insert", func(ctx context.Context) error {
		return g.next.InsertBookmark(ctx, sess, nb)
	})
}

func (g *GuardedStore) DeleteBookmark(ctx context.Context, sess models.Session, id int64) error {
	return g.do(ctx, "delete", func(ctx context.Context) error {
		return g.next.DeleteBookmark(ctx, sess, id)
	})
}

func (g *GuardedStore) do(ctx context.Context, op string, fn func(context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	started := time.Now()
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = errors.Join(ErrUnavailable, err)
	}
	g.metrics.ObserveBackend(op, started, err)
	return err
}
