// Package realtime is a change feed over Supabase Realtime. Each
// subscription holds its own socket joined to a postgres_changes channel
// filtered to the session identity, and rejoins after the socket drops.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/models"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// Config locates the Realtime endpoint and tunes the socket.
type Config struct {
	// URL is the project base URL; the scheme is switched to ws(s).
	URL     string
	AnonKey string
	Schema  string
	Table   string

	Heartbeat    time.Duration
	JoinTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.Schema == "" {
		c.Schema = "public"
	}
	if c.Table == "" {
		c.Table = "bookmarks"
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	return c
}

// endpoint returns the websocket URL for the project.
func (c Config) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.URL, "/"))
	if err != nil {
		return "", fmt.Errorf("realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path += "/realtime/v1/websocket"
	q := url.Values{}
	q.Set("apikey", c.AnonKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// message is a Phoenix channel frame.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token"`
}

type replyPayload struct {
	Status   string `json:"status"`
	Response struct {
		Reason string `json:"reason"`
	} `json:"response"`
}

type changePayload struct {
	Data struct {
		Type       models.ChangeType `json:"type"`
		Table      string            `json:"table"`
		CommitTime time.Time         `json:"commit_timestamp"`
	} `json:"data"`
}

const joinRef = "1"

// Feed implements backend.ChangeFeed.
type Feed struct {
	cfg Config
	log *zap.Logger
}

// New returns a Realtime feed. log may be nil.
func New(cfg Config, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{cfg: cfg.withDefaults(), log: log}
}

// Subscribe joins a channel for the session identity and returns once the
// join is confirmed.
func (f *Feed) Subscribe(ctx context.Context, sess models.Session, fn func(models.ChangeEvent)) (backend.Subscription, error) {
	ch := &channel{
		feed:  f,
		sess:  sess,
		fn:    fn,
		topic:   "realtime:bookmarks:" + sess.Identity.ID,
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
	conn, err := f.join(ctx, ch.topic, sess)
	if err != nil {
		return nil, err
	}
	ch.ctx, ch.cancel = context.WithCancel(context.Background())
	go ch.serve(conn)
	return backend.SubscriptionFunc(ch.close), nil
}

func (f *Feed) join(ctx context.Context, topic string, sess models.Session) (*websocket.Conn, error) {
	endpoint, err := f.cfg.endpoint()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.JoinTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", errors.Join(backend.ErrUnavailable, err))
	}

	var jp joinPayload
	jp.AccessToken = sess.AccessToken
	jp.Config.PostgresChanges = []changeFilter{{
		Event:  "*",
		Schema: f.cfg.Schema,
		Table:  f.cfg.Table,
		Filter: "user_id=eq." + sess.Identity.ID,
	}}
	payload, err := json.Marshal(jp)
	if err != nil {
		conn.CloseNow()
		return nil, err
	}
	if err := wsjson.Write(ctx, conn, message{Topic: topic, Event: "phx_join", Payload: payload, Ref: joinRef}); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("join %s: %w", topic, errors.Join(backend.ErrUnavailable, err))
	}

	for {
		var m message
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			conn.CloseNow()
			return nil, fmt.Errorf("join %s: %w", topic, errors.Join(backend.ErrUnavailable, err))
		}
		if m.Topic != topic || m.Event != "phx_reply" || m.Ref != joinRef {
			continue
		}
		var r replyPayload
		if err := json.Unmarshal(m.Payload, &r); err != nil {
			conn.CloseNow()
			return nil, fmt.Errorf("join %s: bad reply: %w", topic, err)
		}
		if r.Status != "ok" {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			err := fmt.Errorf("join %s rejected: %s", topic, r.Response.Reason)
			reason := strings.ToLower(r.Response.Reason)
			if strings.Contains(reason, "token") || strings.Contains(reason, "jwt") {
				return nil, errors.Join(backend.ErrUnauthorized, err)
			}
			return nil, err
		}
		return conn, nil
	}
}

// channel is one joined subscription.
type channel struct {
	feed  *Feed
	sess  models.Session
	fn    func(models.ChangeEvent)
	topic string
	ref   atomic.Uint64

	// ctx bounds rejoin attempts and is cancelled on release.
	ctx    context.Context
	cancel context.CancelFunc
	// release is closed by close; a live socket answers it with phx_leave.
	release chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (c *channel) close() {
	c.once.Do(func() {
		close(c.release)
		c.cancel()
		<-c.done
	})
}

func (c *channel) released() bool {
	select {
	case <-c.release:
		return true
	default:
		return false
	}
}

func (c *channel) nextRef() string {
	return strconv.FormatUint(c.ref.Add(1)+1, 10)
}

// serve pumps conn until the subscription is released, rejoining with
// backoff whenever the socket fails.
func (c *channel) serve(conn *websocket.Conn) {
	defer close(c.done)
	log := c.feed.log.With(zap.String("topic", c.topic))
	wait := c.feed.cfg.ReconnectMin
	for {
		err := c.pump(conn)
		if c.released() {
			conn.CloseNow()
			return
		}
		conn.CloseNow()
		log.Warn("realtime socket lost, rejoining", zap.Error(err))

		for {
			select {
			case <-c.release:
				return
			case <-time.After(wait):
			}
			conn, err = c.feed.join(c.ctx, c.topic, c.sess)
			if err == nil {
				break
			}
			if errors.Is(err, backend.ErrUnauthorized) {
				log.Warn("realtime rejoin rejected, giving up", zap.Error(err))
				<-c.release
				return
			}
			log.Debug("realtime rejoin failed", zap.Error(err))
			wait *= 2
			if wait > c.feed.cfg.ReconnectMax {
				wait = c.feed.cfg.ReconnectMax
			}
		}
		wait = c.feed.cfg.ReconnectMin
		log.Info("realtime channel rejoined")
		// Changes made while disconnected were not delivered.
		c.fn(models.ChangeEvent{Type: models.ChangeUpdate, Table: c.feed.cfg.Table, CommitTime: time.Now()})
	}
}

// pump reads frames and sends heartbeats until conn fails or the
// subscription is released. On release the writer sends phx_leave and closes
// the socket, which ends the read.
func (c *channel) pump(conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	defer func() {
		cancel()
		<-writerDone
	}()

	go func() {
		defer close(writerDone)
		t := time.NewTicker(c.feed.cfg.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.release:
				c.leave(conn)
				return
			case <-t.C:
				hb := message{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: c.nextRef()}
				if err := wsjson.Write(ctx, conn, hb); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var m message
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			return err
		}
		if m.Topic != c.topic || c.released() {
			continue
		}
		switch m.Event {
		case "postgres_changes":
			var p changePayload
			if err := json.Unmarshal(m.Payload, &p); err != nil {
				c.feed.log.Warn("ignoring malformed realtime change", zap.Error(err))
				continue
			}
			c.fn(models.ChangeEvent{Type: p.Data.Type, Table: p.Data.Table, CommitTime: p.Data.CommitTime})
		case "phx_close", "phx_error":
			return fmt.Errorf("channel %s: %s", c.topic, m.Event)
		}
	}
}

// leave tells the server the channel is done and closes the socket.
func (c *channel) leave(conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, message{Topic: c.topic, Event: "phx_leave", Payload: json.RawMessage(`{}`), Ref: c.nextRef()}); err != nil {
		c.feed.log.Debug("realtime leave not sent", zap.String("topic", c.topic), zap.Error(err))
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
