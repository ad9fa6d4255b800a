// Package pgnotify is a change feed over Postgres LISTEN/NOTIFY. One
// listener connection serves every subscriber; notifications are routed by
// the owner id carried in the payload.
package pgnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/models"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// source is the part of *pq.Listener the feed consumes.
type source interface {
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

type payload struct {
	Type       models.ChangeType `json:"type"`
	Table      string            `json:"table"`
	UserID     string            `json:"user_id"`
	CommitTime time.Time         `json:"commit_timestamp"`
}

type subscriber struct {
	owner string
	fn    func(models.ChangeEvent)
}

// Feed implements backend.ChangeFeed.
type Feed struct {
	src source
	log *zap.Logger

	mu   sync.Mutex
	next int
	subs map[int]subscriber

	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Listen opens a listener on dsn for channel and starts dispatching.
func Listen(dsn, channel string, log *zap.Logger) (*Feed, error) {
	if log == nil {
		log = zap.NewNop()
	}
	l := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			log.Warn("change feed listener connection lost", zap.Error(err))
		case pq.ListenerEventReconnected:
			log.Info("change feed listener reconnected")
		}
	})
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	return newFeed(l, log), nil
}

func newFeed(src source, log *zap.Logger) *Feed {
	f := &Feed{
		src:     src,
		log:     log,
		subs:    make(map[int]subscriber),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go f.run()
	return f
}

// Subscribe registers fn for changes to rows owned by the session identity.
func (f *Feed) Subscribe(ctx context.Context, sess models.Session, fn func(models.ChangeEvent)) (backend.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-f.done:
		return nil, fmt.Errorf("subscribe: %w", backend.ErrUnavailable)
	default:
	}
	f.mu.Lock()
	f.next++
	id := f.next
	f.subs[id] = subscriber{owner: sess.Identity.ID, fn: fn}
	f.mu.Unlock()

	return backend.SubscriptionFunc(func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}), nil
}

// Close stops dispatching and closes the listener connection.
func (f *Feed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		err = f.src.Close()
		<-f.stopped
	})
	return err
}

func (f *Feed) run() {
	defer close(f.stopped)
	ch := f.src.NotificationChannel()
	for {
		select {
		case <-f.done:
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			f.dispatch(n)
		}
	}
}

// dispatch routes one notification. A nil notification follows a reconnect,
// when anything may have been missed, so every subscriber is told to
// reconcile.
func (f *Feed) dispatch(n *pq.Notification) {
	if n == nil {
		f.broadcast("", models.ChangeEvent{Type: models.ChangeUpdate, CommitTime: time.Now()})
		return
	}
	var p payload
	if err := json.Unmarshal([]byte(n.Extra), &p); err != nil || p.UserID == "" {
		f.log.Warn("ignoring malformed change notification",
			zap.String("channel", n.Channel), zap.String("payload", n.Extra), zap.Error(err))
		return
	}
	f.broadcast(p.UserID, models.ChangeEvent{Type: p.Type, Table: p.Table, CommitTime: p.CommitTime})
}

// broadcast delivers ev to the subscribers of owner, or to all of them when
// owner is empty.
func (f *Feed) broadcast(owner string, ev models.ChangeEvent) {
	f.mu.Lock()
	fns := make([]func(models.ChangeEvent), 0, len(f.subs))
	for _, s := range f.subs {
		if owner == "" || s.owner == owner {
			fns = append(fns, s.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
