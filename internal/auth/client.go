// Package auth implements backend.AuthBackend for one client: a browser
// session on the server, or the terminal client. It runs the PKCE sign-in
// flow against GoTrue, persists the session, renews it before expiry and
// pushes auth-state changes to listeners.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/models"
	"go.uber.org/zap"
)

// ErrNoPendingSignIn is returned by Complete without a preceding sign-in.
var ErrNoPendingSignIn = errors.New("no sign-in in progress")

// Provider is the GoTrue surface the client needs.
type Provider interface {
	AuthorizeURL(provider, redirectTo string) (string, string, error)
	Exchange(ctx context.Context, code, verifier string) (models.Session, error)
	Refresh(ctx context.Context, refreshToken string) (models.Session, error)
	Logout(ctx context.Context, accessToken string) error
}

// State is what a client persists between requests or runs.
type State struct {
	Session *models.Session `json:"session,omitempty"`
	// Verifier is the PKCE code verifier of a sign-in in progress.
	Verifier string `json:"verifier,omitempty"`
}

// Persister loads and stores a client's State.
type Persister interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, st State) error
}

// Options tunes a Client.
type Options struct {
	// RedirectTo is where GoTrue sends the browser after consent.
	RedirectTo string
	// RefreshMargin is how long before expiry the session is renewed.
	RefreshMargin time.Duration
	// RetryAfter spaces renewal attempts after a transient failure.
	RetryAfter time.Duration
	// Verifier cross-checks the identity of exchanged tokens. Optional.
	Verifier *Verifier
	Logger   *zap.Logger
}

// Client is the auth backend of one client.
type Client struct {
	provider Provider
	persist  Persister
	opts     Options
	log      *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	loaded    bool
	state     State
	next      int
	listeners map[int]func(models.AuthEvent)
	timer     *time.Timer
	closed    bool
}

// NewClient returns a client persisting through persist.
func NewClient(provider Provider, persist Persister, opts Options) *Client {
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = time.Minute
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		provider:  provider,
		persist:   persist,
		opts:      opts,
		log:       log,
		now:       time.Now,
		listeners: make(map[int]func(models.AuthEvent)),
	}
}

func (c *Client) load(ctx context.Context) error {
	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	st, err := c.persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("load auth state: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		c.state = st
		c.loaded = true
		c.scheduleLocked()
	}
	return nil
}

// CurrentSession returns the stored session, renewing it first when it has
// expired. It returns backend.ErrNoSession when there is none.
func (c *Client) CurrentSession(ctx context.Context) (*models.Session, error) {
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	sess := c.state.Session
	c.mu.Unlock()
	if sess == nil {
		return nil, backend.ErrNoSession
	}
	if sess.Expired(c.now()) {
		renewed, err := c.renew(ctx, *sess)
		if err != nil {
			return nil, err
		}
		sess = renewed
	}
	s := *sess
	return &s, nil
}

// OnAuthStateChange registers fn for every auth-state change.
func (c *Client) OnAuthStateChange(fn func(models.AuthEvent)) backend.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := c.next
	c.listeners[id] = fn
	return backend.SubscriptionFunc(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	})
}

// SignInWithOAuth starts a PKCE flow and returns the provider URL. The
// verifier is persisted until Complete.
func (c *Client) SignInWithOAuth(ctx context.Context, provider string) (string, error) {
	if err := c.load(ctx); err != nil {
		return "", err
	}
	u, verifier, err := c.provider.AuthorizeURL(provider, c.opts.RedirectTo)
	if err != nil {
		return "", fmt.Errorf("authorize: %w", err)
	}
	c.mu.Lock()
	c.state.Verifier = verifier
	st := c.state
	c.mu.Unlock()
	if err := c.persist.Save(ctx, st); err != nil {
		return "", fmt.Errorf("save auth state: %w", err)
	}
	return u, nil
}

// Complete exchanges the authorization code from the provider redirect for a
// session and announces it.
func (c *Client) Complete(ctx context.Context, code string) (models.Session, error) {
	if err := c.load(ctx); err != nil {
		return models.Session{}, err
	}
	c.mu.Lock()
	verifier := c.state.Verifier
	c.mu.Unlock()
	if verifier == "" {
		return models.Session{}, ErrNoPendingSignIn
	}

	sess, err := c.provider.Exchange(ctx, code, verifier)
	if err != nil {
		return models.Session{}, err
	}
	if err := c.check(sess); err != nil {
		return models.Session{}, err
	}
	if err := c.set(ctx, &sess, models.SignedIn); err != nil {
		return models.Session{}, err
	}
	c.log.Info("signed in", zap.String("identity", sess.Identity.ID))
	return sess, nil
}

// SignOut revokes the session at the provider, best effort, then forgets it
// and announces the change.
func (c *Client) SignOut(ctx context.Context) error {
	if err := c.load(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	sess := c.state.Session
	c.mu.Unlock()
	if sess != nil {
		if err := c.provider.Logout(ctx, sess.AccessToken); err != nil {
			c.log.Warn("provider logout failed", zap.String("identity", sess.Identity.ID), zap.Error(err))
		}
	}
	return c.set(ctx, nil, models.SignedOut)
}

// Close stops the renewal timer. Listeners are kept.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) check(sess models.Session) error {
	if err := models.Validate(sess); err != nil {
		return errors.Join(backend.ErrUnauthorized, err)
	}
	if c.opts.Verifier == nil {
		return nil
	}
	claims, err := c.opts.Verifier.Verify(sess.AccessToken)
	if err != nil {
		return err
	}
	if claims.Subject != sess.Identity.ID {
		return fmt.Errorf("token subject %q does not match identity %q: %w",
			claims.Subject, sess.Identity.ID, backend.ErrUnauthorized)
	}
	return nil
}

// set replaces the session, persists it and notifies listeners with kind.
func (c *Client) set(ctx context.Context, sess *models.Session, kind models.AuthEventKind) error {
	c.mu.Lock()
	c.state = State{Session: sess}
	st := c.state
	c.scheduleLocked()
	fns := c.listenersLocked()
	c.mu.Unlock()

	err := c.persist.Save(ctx, st)
	if err != nil {
		err = fmt.Errorf("save auth state: %w", err)
	}
	ev := models.AuthEvent{Kind: kind}
	if sess != nil {
		s := *sess
		ev.Session = &s
	}
	for _, fn := range fns {
		fn(ev)
	}
	return err
}

func (c *Client) listenersLocked() []func(models.AuthEvent) {
	fns := make([]func(models.AuthEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	return fns
}

// scheduleLocked arms the renewal timer for the current session.
func (c *Client) scheduleLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.closed || c.state.Session == nil || c.state.Session.ExpiresAt.IsZero() || c.state.Session.RefreshToken == "" {
		return
	}
	sess := *c.state.Session
	wait := sess.ExpiresAt.Sub(c.now()) - c.opts.RefreshMargin
	if wait < 0 {
		wait = 0
	}
	c.armLocked(wait, sess)
}

func (c *Client) armLocked(wait time.Duration, sess models.Session) {
	c.timer = time.AfterFunc(wait, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := c.renew(ctx, sess); err != nil && !errors.Is(err, backend.ErrNoSession) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.closed || c.state.Session == nil || c.state.Session.AccessToken != sess.AccessToken {
				return
			}
			c.armLocked(c.opts.RetryAfter, sess)
		}
	})
}

// renew exchanges the refresh token of sess. A rejected refresh ends the
// session with an Expired event; a transient failure leaves it in place.
func (c *Client) renew(ctx context.Context, sess models.Session) (*models.Session, error) {
	if sess.RefreshToken == "" {
		c.expire(ctx, sess)
		return nil, backend.ErrNoSession
	}
	renewed, err := c.provider.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) || sess.Expired(c.now()) {
			c.log.Info("session could not be renewed", zap.String("identity", sess.Identity.ID), zap.Error(err))
			c.expire(ctx, sess)
			return nil, backend.ErrNoSession
		}
		c.log.Warn("session renewal failed", zap.String("identity", sess.Identity.ID), zap.Error(err))
		return nil, err
	}

	c.mu.Lock()
	current := c.state.Session
	c.mu.Unlock()
	if current == nil {
		return nil, backend.ErrNoSession
	}
	if current.AccessToken != sess.AccessToken {
		// Replaced meanwhile.
		s := *current
		return &s, nil
	}
	if err := c.set(ctx, &renewed, models.TokenRefreshed); err != nil {
		c.log.Warn("persist renewed session failed", zap.Error(err))
	}
	c.log.Debug("session renewed", zap.String("identity", renewed.Identity.ID))
	return &renewed, nil
}

func (c *Client) expire(ctx context.Context, sess models.Session) {
	c.mu.Lock()
	current := c.state.Session
	c.mu.Unlock()
	if current == nil || current.AccessToken != sess.AccessToken {
		return
	}
	if err := c.set(ctx, nil, models.Expired); err != nil {
		c.log.Warn("persist expired session failed", zap.Error(err))
	}
}
