package viewmodel

import (
	"context"
	"sync"
	"time"

	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/metrics"
	"github.com/atinyakov/smartmark/internal/models"
	"go.uber.org/zap"
)

// feedTarget is the subscription the view-model wants. A nil session means
// no subscription.
type feedTarget struct {
	gen     uint64
	session *models.Session
	handler func(models.ChangeEvent)
}

// feedWorker owns the change-feed subscription. Targets are applied in
// order on one goroutine, and the previous subscription is always released
// before the next one is opened, so at most one is live. Targets that are
// superseded before the worker gets to them are skipped. A failed subscribe
// is retried with capped backoff until it succeeds or the target changes.
type feedWorker struct {
	feed         backend.ChangeFeed
	log          *zap.Logger
	metrics      *metrics.Collector
	initial      time.Duration
	max          time.Duration
	onFailed     func(gen uint64, err error)
	onSubscribed func(gen uint64)

	mu      sync.Mutex
	desired *feedTarget
	notify  chan struct{}

	ctx     context.Context
	stopped chan struct{}
}

func newFeedWorker(ctx context.Context, feed backend.ChangeFeed, log *zap.Logger, m *metrics.Collector,
	retry RetryPolicy, onFailed func(uint64, error), onSubscribed func(uint64)) *feedWorker {
	w := &feedWorker{
		feed:         feed,
		log:          log,
		metrics:      m,
		initial:      retry.Initial,
		max:          retry.FeedMax,
		onFailed:     onFailed,
		onSubscribed: onSubscribed,
		notify:       make(chan struct{}, 1),
		ctx:          ctx,
		stopped:      make(chan struct{}),
	}
	go w.run()
	return w
}

// switchTo records t as the wanted subscription. It never blocks.
func (w *feedWorker) switchTo(gen uint64, sess *models.Session, handler func(models.ChangeEvent)) {
	w.mu.Lock()
	w.desired = &feedTarget{gen: gen, session: sess, handler: handler}
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// stop waits for the worker to release its subscription and exit. The
// worker context must already be cancelled.
func (w *feedWorker) stop() {
	<-w.stopped
}

func (w *feedWorker) run() {
	defer close(w.stopped)
	var current backend.Subscription
	release := func() {
		if current != nil {
			current.Unsubscribe()
			current = nil
			w.metrics.AddSubscriptions(-1)
		}
	}
	defer release()

	pending := false
	for {
		if !pending {
			select {
			case <-w.ctx.Done():
				return
			case <-w.notify:
			}
		}
		pending = false

		w.mu.Lock()
		t := w.desired
		w.desired = nil
		w.mu.Unlock()
		if t == nil {
			continue
		}

		release()
		if t.session == nil || w.feed == nil {
			continue
		}
		sub, superseded := w.subscribe(t)
		if sub == nil {
			if w.ctx.Err() != nil {
				return
			}
			pending = superseded
			continue
		}
		current = sub
		w.metrics.AddSubscriptions(1)
		w.log.Debug("change feed subscribed", zap.String("identity", t.session.Identity.ID))
		w.onSubscribed(t.gen)
	}
}

// subscribe opens the subscription for t, retrying with backoff. It gives
// up with superseded set when a newer target arrives, and with a nil
// subscription when the worker stops.
func (w *feedWorker) subscribe(t *feedTarget) (backend.Subscription, bool) {
	wait := w.initial
	for attempt := 1; ; attempt++ {
		sub, err := w.feed.Subscribe(w.ctx, *t.session, t.handler)
		if err == nil {
			return sub, false
		}
		if w.ctx.Err() != nil {
			return nil, false
		}
		w.log.Warn("change feed subscribe failed",
			zap.String("identity", t.session.Identity.ID),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))
		if attempt == 1 {
			w.onFailed(t.gen, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-w.ctx.Done():
			timer.Stop()
			return nil, false
		case <-w.notify:
			timer.Stop()
			return nil, true
		case <-timer.C:
		}
		wait *= 2
		if wait > w.max {
			wait = w.max
		}
	}
}
