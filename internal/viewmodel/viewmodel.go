// Package viewmodel implements the session and bookmark view-model: a
// client-side mirror of who is signed in and which bookmarks they own, kept
// consistent with the backend by full reconciliation reads.
//
// A ViewModel is an actor. One goroutine owns the state and runs commands
// sent over a channel; backend calls run on their own goroutines and report
// back as commands. The bookmark collection is only ever replaced whole, by a
// refresh result tagged with the identity generation it was issued for.
package viewmodel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/metrics"
	"github.com/atinyakov/smartmark/internal/models"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed view-model.
var ErrClosed = errors.New("view-model closed")

// User-visible notices. A notice is cleared by the next success of the
// same operation.
const (
	NoticeLoadFailed    = "Could not load bookmarks."
	NoticeSaveFailed    = "Could not save bookmark."
	NoticeDeleteFailed  = "Could not delete bookmark."
	NoticeSessionFailed = "Could not restore session."
	NoticeLiveFailed    = "Live updates unavailable."
	NoticeSignInFailed  = "Could not start sign-in."
	NoticeSignOutFailed = "Could not sign out."
)

// Status is the state machine position.
type Status string

const (
	SignedOut Status = "signed_out"
	SignedIn  Status = "signed_in"
)

// Pending is the not yet submitted create input.
type Pending struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Snapshot is an immutable copy of the view-model state.
type Snapshot struct {
	Status    Status            `json:"status"`
	Identity  *models.Identity  `json:"identity,omitempty"`
	Bookmarks []models.Bookmark `json:"bookmarks"`
	Pending   Pending           `json:"pending"`
	Notice    string            `json:"notice,omitempty"`
	Version   uint64            `json:"version"`
}

// Config wires a view-model to its backend.
type Config struct {
	Auth    backend.AuthBackend
	Store   backend.DataStore
	Feed    backend.ChangeFeed
	Logger  *zap.Logger
	Metrics *metrics.Collector
	Retry   RetryPolicy
}

// ViewModel mirrors one client's session and bookmarks.
type ViewModel struct {
	auth    backend.AuthBackend
	store   backend.DataStore
	log     *zap.Logger
	metrics *metrics.Collector
	retry   RetryPolicy

	cmds    chan func()
	done    chan struct{}
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	closeOnce sync.Once
	updates   chan Snapshot
	latestMu  sync.RWMutex
	latest    Snapshot

	feed *feedWorker
	// gen mirrors state.gen for cheap reads off the actor goroutine.
	gen atomic.Uint64

	// Owned by the actor goroutine.
	state   state
	authSub backend.Subscription
}

type state struct {
	session   *models.Session
	gen       uint64
	bookmarks []models.Bookmark
	pending   Pending
	notice    string
	version   uint64
}

// New starts a view-model in the SignedOut state and registers its
// auth-state listener. Call RestoreSession to pick up an existing session
// and Close to release every subscription.
func New(cfg Config) *ViewModel {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	vm := &ViewModel{
		auth:    cfg.Auth,
		store:   cfg.Store,
		log:     log,
		metrics: cfg.Metrics,
		retry:   cfg.Retry.withDefaults(),
		cmds:    make(chan func()),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		updates: make(chan Snapshot, 1),
	}
	vm.latest = vm.snapshotLocked()
	vm.feed = newFeedWorker(ctx, cfg.Feed, log, cfg.Metrics, vm.retry, vm.onSubscribeFailed, vm.onSubscribed)
	go vm.loop()
	vm.authSub = vm.auth.OnAuthStateChange(func(ev models.AuthEvent) {
		vm.post(func() { vm.applyAuthEvent(ev) })
	})
	vm.metrics.AddViewModels(1)
	return vm
}

func (vm *ViewModel) loop() {
	defer close(vm.stopped)
	for {
		select {
		case fn := <-vm.cmds:
			fn()
		case <-vm.done:
			return
		}
	}
}

// call runs fn on the actor goroutine and waits for it.
func (vm *ViewModel) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case vm.cmds <- func() { fn(); close(finished) }:
	case <-vm.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// post hands fn to the actor without waiting for it to run. It reports
// whether the actor accepted it.
func (vm *ViewModel) post(fn func()) bool {
	select {
	case vm.cmds <- fn:
		return true
	case <-vm.done:
		return false
	}
}

// Close releases the auth and change-feed subscriptions, cancels in-flight
// backend calls and closes the Updates channel. It is safe to call twice.
func (vm *ViewModel) Close() {
	vm.closeOnce.Do(func() {
		vm.authSub.Unsubscribe()
		vm.cancel()
		close(vm.done)
		<-vm.stopped
		vm.feed.stop()
		vm.wg.Wait()
		close(vm.updates)
		vm.metrics.AddViewModels(-1)
	})
}

// Updates delivers a snapshot after every state change. It holds at most the
// latest snapshot, so a slow reader skips intermediate states. The channel
// is closed by Close.
func (vm *ViewModel) Updates() <-chan Snapshot {
	return vm.updates
}

// Snapshot returns the most recently published state.
func (vm *ViewModel) Snapshot() Snapshot {
	vm.latestMu.RLock()
	defer vm.latestMu.RUnlock()
	return vm.latest
}

// publish must run on the actor goroutine.
func (vm *ViewModel) publish() {
	vm.state.version++
	snap := vm.snapshotLocked()
	vm.latestMu.Lock()
	vm.latest = snap
	vm.latestMu.Unlock()
	select {
	case <-vm.updates:
	default:
	}
	vm.updates <- snap
}

func (vm *ViewModel) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:    SignedOut,
		Bookmarks: append(make([]models.Bookmark, 0, len(vm.state.bookmarks)), vm.state.bookmarks...),
		Pending:   vm.state.pending,
		Notice:    vm.state.notice,
		Version:   vm.state.version,
	}
	if vm.state.session != nil {
		id := vm.state.session.Identity
		snap.Status = SignedIn
		snap.Identity = &id
	}
	return snap
}

func (vm *ViewModel) setNotice(msg string) {
	vm.state.notice = msg
}

// clearNotice drops msg if it is the current notice.
func (vm *ViewModel) clearNotice(msg string) bool {
	if vm.state.notice == msg {
		vm.state.notice = ""
		return true
	}
	return false
}

// RestoreSession asks the auth backend for an existing session and, when
// there is one, signs the view-model in. No session is not an error.
func (vm *ViewModel) RestoreSession(ctx context.Context) error {
	sess, err := vm.auth.CurrentSession(ctx)
	if errors.Is(err, backend.ErrNoSession) || (err == nil && sess == nil) {
		return nil
	}
	if err != nil {
		vm.log.Warn("restore session failed", zap.Error(err))
		_ = vm.call(ctx, func() {
			vm.setNotice(NoticeSessionFailed)
			vm.publish()
		})
		return err
	}
	return vm.call(ctx, func() {
		vm.clearNotice(NoticeSessionFailed)
		vm.applySession(*sess)
	})
}

// applyAuthEvent handles an auth-state push on the actor goroutine.
func (vm *ViewModel) applyAuthEvent(ev models.AuthEvent) {
	if ev.Session != nil {
		vm.log.Debug("auth state: session present",
			zap.String("event", string(ev.Kind)),
			zap.String("identity", ev.Session.Identity.ID))
		vm.applySession(*ev.Session)
		return
	}
	vm.log.Debug("auth state: session absent", zap.String("event", string(ev.Kind)))
	vm.signOutLocal()
}

// applySession adopts sess, re-scopes the change feed and starts a refresh.
// A different identity starts a new generation with an empty collection, so
// results and events of the previous identity are discarded.
func (vm *ViewModel) applySession(sess models.Session) {
	prev := vm.state.session
	if prev == nil || prev.Identity.ID != sess.Identity.ID {
		vm.nextGeneration()
		vm.state.bookmarks = nil
	}
	vm.state.session = &sess
	vm.feed.switchTo(vm.state.gen, &sess, vm.changeHandler(vm.state.gen))
	vm.publish()
	vm.startRefresh()
}

// signOutLocal clears identity and collection without any network call.
func (vm *ViewModel) signOutLocal() {
	if vm.state.session == nil {
		return
	}
	vm.nextGeneration()
	vm.state.session = nil
	vm.state.bookmarks = nil
	vm.feed.switchTo(vm.state.gen, nil, nil)
	vm.publish()
}

func (vm *ViewModel) nextGeneration() {
	vm.state.gen++
	vm.gen.Store(vm.state.gen)
}

// changeHandler returns the feed callback for generation gen. Events for a
// generation that is no longer current are dropped.
func (vm *ViewModel) changeHandler(gen uint64) func(models.ChangeEvent) {
	return func(ev models.ChangeEvent) {
		vm.post(func() {
			if gen != vm.state.gen || vm.state.session == nil {
				vm.log.Debug("dropping change event for previous identity", zap.Uint64("gen", gen))
				return
			}
			vm.log.Debug("change event, reconciling", zap.String("type", string(ev.Type)))
			vm.startRefresh()
		})
	}
}

func (vm *ViewModel) onSubscribeFailed(gen uint64, err error) {
	vm.post(func() {
		if gen != vm.state.gen {
			return
		}
		vm.setNotice(NoticeLiveFailed)
		vm.publish()
	})
}

func (vm *ViewModel) onSubscribed(gen uint64) {
	vm.post(func() {
		if gen == vm.state.gen && vm.clearNotice(NoticeLiveFailed) {
			vm.publish()
		}
	})
}

// clearNoticeAsync drops msg once the actor gets to it.
func (vm *ViewModel) clearNoticeAsync(msg string) {
	vm.post(func() {
		if vm.clearNotice(msg) {
			vm.publish()
		}
	})
}

// startRefresh launches a background reconciliation read for the current
// generation. Must run on the actor goroutine.
func (vm *ViewModel) startRefresh() {
	if vm.state.session == nil {
		return
	}
	gen, sess := vm.state.gen, *vm.state.session
	vm.wg.Add(1)
	go func() {
		defer vm.wg.Done()
		_ = vm.reconcile(vm.ctx, gen, sess)
	}()
}

// Refresh runs a reconciliation read now and waits until its result has been
// applied. Without a session it does nothing.
func (vm *ViewModel) Refresh(ctx context.Context) error {
	var (
		gen  uint64
		sess *models.Session
	)
	if err := vm.call(ctx, func() {
		gen = vm.state.gen
		if vm.state.session != nil {
			s := *vm.state.session
			sess = &s
		}
	}); err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	return vm.reconcile(ctx, gen, *sess)
}

// reconcile reads the full collection for sess and replaces the local one,
// unless the identity generation moved on while the read was in flight.
func (vm *ViewModel) reconcile(ctx context.Context, gen uint64, sess models.Session) error {
	var list []models.Bookmark
	err := vm.retry.do(ctx, func() bool { return vm.gen.Load() == gen }, func() error {
		var err error
		list, err = vm.store.ListBookmarks(ctx, sess)
		return err
	})
	applyErr := vm.call(ctx, func() {
		if gen != vm.state.gen {
			vm.metrics.ObserveRefresh("stale")
			vm.log.Debug("discarding refresh for previous identity",
				zap.String("identity", sess.Identity.ID))
			return
		}
		if err != nil {
			vm.metrics.ObserveRefresh("error")
			vm.log.Warn("refresh bookmarks failed",
				zap.String("identity", sess.Identity.ID), zap.Error(err))
			vm.setNotice(NoticeLoadFailed)
			vm.publish()
			return
		}
		vm.metrics.ObserveRefresh("ok")
		vm.state.bookmarks = list
		vm.clearNotice(NoticeLoadFailed)
		vm.publish()
	})
	if err != nil {
		return err
	}
	return applyErr
}

// SetTitle replaces the pending title.
func (vm *ViewModel) SetTitle(ctx context.Context, title string) error {
	return vm.call(ctx, func() {
		vm.state.pending.Title = title
		vm.publish()
	})
}

// SetURL replaces the pending url.
func (vm *ViewModel) SetURL(ctx context.Context, url string) error {
	return vm.call(ctx, func() {
		vm.state.pending.URL = url
		vm.publish()
	})
}

// Submit creates a bookmark from the pending input. See AddBookmark.
func (vm *ViewModel) Submit(ctx context.Context) error {
	var p Pending
	if err := vm.call(ctx, func() { p = vm.state.pending }); err != nil {
		return err
	}
	return vm.AddBookmark(ctx, p.Title, p.URL)
}

// AddBookmark creates a bookmark owned by the current identity. It is a
// silent no-op when title or url is empty or nobody is signed in. On
// success the pending input is cleared and the collection is reconciled
// before AddBookmark returns; on failure the pending input is kept.
func (vm *ViewModel) AddBookmark(ctx context.Context, title, url string) error {
	if title == "" || url == "" {
		return nil
	}
	var (
		gen  uint64
		sess *models.Session
	)
	if err := vm.call(ctx, func() {
		gen = vm.state.gen
		if vm.state.session != nil {
			s := *vm.state.session
			sess = &s
		}
	}); err != nil {
		return err
	}
	if sess == nil {
		return nil
	}

	nb := models.NewBookmark{Title: title, URL: url}
	if err := vm.store.InsertBookmark(ctx, *sess, nb); err != nil {
		vm.log.Warn("add bookmark failed",
			zap.String("identity", sess.Identity.ID), zap.Error(err))
		_ = vm.call(ctx, func() {
			vm.setNotice(NoticeSaveFailed)
			vm.publish()
		})
		return err
	}

	if err := vm.call(ctx, func() {
		vm.state.pending = Pending{}
		vm.clearNotice(NoticeSaveFailed)
		vm.publish()
	}); err != nil {
		return err
	}
	// The insert landed. A failed read is reported as a notice.
	_ = vm.reconcile(ctx, gen, *sess)
	return nil
}

// DeleteBookmark asks the backend to delete id. The local collection is not
// touched; the deletion shows up with the next reconciliation, normally the
// one triggered by the change feed.
func (vm *ViewModel) DeleteBookmark(ctx context.Context, id int64) error {
	var sess *models.Session
	if err := vm.call(ctx, func() {
		if vm.state.session != nil {
			s := *vm.state.session
			sess = &s
		}
	}); err != nil {
		return err
	}
	if sess == nil {
		return backend.ErrNoSession
	}
	if err := vm.store.DeleteBookmark(ctx, *sess, id); err != nil {
		vm.log.Warn("delete bookmark failed",
			zap.String("identity", sess.Identity.ID),
			zap.Int64("id", id), zap.Error(err))
		_ = vm.call(ctx, func() {
			vm.setNotice(NoticeDeleteFailed)
			vm.publish()
		})
		return err
	}
	return vm.call(ctx, func() {
		if vm.clearNotice(NoticeDeleteFailed) {
			vm.publish()
		}
	})
}

// SignIn starts the OAuth flow and returns the URL to visit. The session
// arrives later as an auth-state push.
func (vm *ViewModel) SignIn(ctx context.Context, provider string) (string, error) {
	u, err := vm.auth.SignInWithOAuth(ctx, provider)
	if err != nil {
		vm.log.Warn("sign in failed", zap.String("provider", provider), zap.Error(err))
		_ = vm.call(ctx, func() {
			vm.setNotice(NoticeSignInFailed)
			vm.publish()
		})
		return "", err
	}
	vm.clearNoticeAsync(NoticeSignInFailed)
	return u, nil
}

// SignOut ends the session. The state change arrives as an auth-state push.
func (vm *ViewModel) SignOut(ctx context.Context) error {
	if err := vm.auth.SignOut(ctx); err != nil {
		vm.log.Warn("sign out failed", zap.Error(err))
		_ = vm.call(ctx, func() {
			vm.setNotice(NoticeSignOutFailed)
			vm.publish()
		})
		return err
	}
	vm.clearNoticeAsync(NoticeSignOutFailed)
	return nil
}

// RetryPolicy bounds the retries of a failed reconciliation read. A failed
// change-feed subscribe starts at Initial too, but keeps retrying with waits
// capped at FeedMax for as long as the identity is signed in.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	FeedMax  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Initial <= 0 {
		p.Initial = 200 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 2 * time.Second
	}
	if p.FeedMax <= 0 {
		p.FeedMax = 30 * time.Second
	}
	return p
}

// do runs fn until it succeeds, the attempts run out, ctx ends, the error is
// permanent or current reports false.
func (p RetryPolicy) do(ctx context.Context, current func() bool, fn func() error) error {
	wait := p.Initial
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !retryable(err) || attempt >= p.Attempts {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		if !current() {
			return err
		}
		wait *= 2
		if wait > p.Max {
			wait = p.Max
		}
	}
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, backend.ErrUnauthorized),
		errors.Is(err, backend.ErrInvalidRecord),
		errors.Is(err, backend.ErrNotFound):
		return false
	}
	return true
}
