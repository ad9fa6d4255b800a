// Package backendtest provides in-memory implementations of the backend
// contract for tests.
package backendtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atinyakov/smartmark/internal/backend"
	"github.com/atinyakov/smartmark/internal/models"
)

// Session builds a session for the given identity.
func Session(id, email string) models.Session {
	return models.Session{
		AccessToken:  "token-" + id,
		RefreshToken: "refresh-" + id,
		ExpiresAt:    time.Now().Add(time.Hour),
		Identity:     models.Identity{ID: id, Email: email},
	}
}

// Store is an in-memory DataStore. Rows are scoped to the session identity
// the way row-level security scopes them in the hosted database. Every
// successful write is published on Feed when it is set.
type Store struct {
	mu     sync.Mutex
	rows   []models.Bookmark
	nextID int64
	base   time.Time

	Feed *Feed

	ListErr   error
	InsertErr error
	DeleteErr error
	// ListHook runs before every list with the session's identity id. It
	// may block to hold a read in flight.
	ListHook func(ownerID string)

	ListCalls   int
	InsertCalls int
	DeleteCalls int
}

// NewStore returns an empty store publishing to feed (may be nil).
func NewStore(feed *Feed) *Store {
	return &Store{Feed: feed, base: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Seed adds a row directly, bypassing the feed, and returns its id.
func (s *Store) Seed(ownerID, title, url string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(ownerID, title, url).ID
}

func (s *Store) addLocked(ownerID, title, url string) models.Bookmark {
	s.nextID++
	b := models.Bookmark{
		ID:        s.nextID,
		Title:     title,
		URL:       url,
		UserID:    ownerID,
		CreatedAt: s.base.Add(time.Duration(s.nextID) * time.Second),
	}
	s.rows = append(s.rows, b)
	return b
}

// Rows returns the rows owned by ownerID, newest first.
func (s *Store) Rows(ownerID string) []models.Bookmark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownedLocked(ownerID)
}

func (s *Store) ownedLocked(ownerID string) []models.Bookmark {
	out := make([]models.Bookmark, 0)
	for _, b := range s.rows {
		if b.UserID == ownerID {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// SetListErr makes subsequent lists fail with err (nil to recover).
func (s *Store) SetListErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ListErr = err
}

// SetInsertErr makes subsequent inserts fail with err.
func (s *Store) SetInsertErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InsertErr = err
}

// SetDeleteErr makes subsequent deletes fail with err.
func (s *Store) SetDeleteErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteErr = err
}

// SetListHook installs hook; see ListHook.
func (s *Store) SetListHook(hook func(ownerID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ListHook = hook
}

// Calls returns the list, insert and delete call counters.
func (s *Store) Calls() (list, insert, del int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ListCalls, s.InsertCalls, s.DeleteCalls
}

func (s *Store) ListBookmarks(ctx context.Context, sess models.Session) ([]models.Bookmark, error) {
	s.mu.Lock()
	s.ListCalls++
	hook, err := s.ListHook, s.ListErr
	s.mu.Unlock()
	if hook != nil {
		hook(sess.Identity.ID)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownedLocked(sess.Identity.ID), nil
}

func (s *Store) InsertBookmark(ctx context.Context, sess models.Session, nb models.NewBookmark) error {
	s.mu.Lock()
	s.InsertCalls++
	if s.InsertErr != nil {
		err := s.InsertErr
		s.mu.Unlock()
		return err
	}
	s.addLocked(sess.Identity.ID, nb.Title, nb.URL)
	s.mu.Unlock()
	s.publish(sess.Identity.ID, models.ChangeInsert)
	return nil
}

func (s *Store) DeleteBookmark(ctx context.Context, sess models.Session, id int64) error {
	s.mu.Lock()
	s.DeleteCalls++
	if s.DeleteErr != nil {
		err := s.DeleteErr
		s.mu.Unlock()
		return err
	}
	idx := -1
	for i, b := range s.rows {
		if b.ID == id && b.UserID == sess.Identity.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("delete %d: %w", id, backend.ErrNotFound)
	}
	s.rows = append(s.rows[:idx], s.rows[idx+1:]...)
	s.mu.Unlock()
	s.publish(sess.Identity.ID, models.ChangeDelete)
	return nil
}

func (s *Store) publish(ownerID string, t models.ChangeType) {
	if s.Feed != nil {
		s.Feed.Publish(ownerID, models.ChangeEvent{Type: t, Table: "bookmarks", CommitTime: time.Now()})
	}
}

// Feed is an in-memory ChangeFeed. It records subscribe and release calls
// in order as "sub:<owner>" and "unsub:<owner>".
type Feed struct {
	mu   sync.Mutex
	next int
	subs map[int]feedSub
	log  []string

	SubscribeErr error
	// Manual disables delivery from Publish; use Deliver instead.
	Manual bool
}

type feedSub struct {
	owner string
	fn    func(models.ChangeEvent)
}

// NewFeed returns a feed with no subscribers.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]feedSub)}
}

func (f *Feed) Subscribe(ctx context.Context, sess models.Session, fn func(models.ChangeEvent)) (backend.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		return nil, f.SubscribeErr
	}
	owner := sess.Identity.ID
	f.next++
	id := f.next
	f.subs[id] = feedSub{owner: owner, fn: fn}
	f.log = append(f.log, "sub:"+owner)
	return backend.SubscriptionFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
		f.log = append(f.log, "unsub:"+owner)
	}), nil
}

// SetSubscribeErr makes subsequent subscribes fail with err (nil to recover).
func (f *Feed) SetSubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubscribeErr = err
}

// Publish delivers ev to every subscriber filtered to ownerID.
func (f *Feed) Publish(ownerID string, ev models.ChangeEvent) {
	f.mu.Lock()
	manual := f.Manual
	f.mu.Unlock()
	if manual {
		return
	}
	f.Deliver(ownerID, ev)
}

// Deliver delivers ev regardless of Manual.
func (f *Feed) Deliver(ownerID string, ev models.ChangeEvent) {
	f.mu.Lock()
	fns := make([]func(models.ChangeEvent), 0, len(f.subs))
	for _, s := range f.subs {
		if s.owner == ownerID {
			fns = append(fns, s.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Active returns the number of live subscriptions for ownerID.
func (f *Feed) Active(ownerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if s.owner == ownerID {
			n++
		}
	}
	return n
}

// Log returns the subscribe/release history.
func (f *Feed) Log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

// Auth is an in-memory AuthBackend whose state changes are driven by the
// test through Emit.
type Auth struct {
	mu        sync.Mutex
	session   *models.Session
	next      int
	listeners map[int]func(models.AuthEvent)

	CurrentErr error
	SignInURL  string
	SignInErr  error
	SignOutErr error

	SignInCalls  int
	SignOutCalls int
}

// NewAuth returns an auth backend holding sess (nil for signed out).
func NewAuth(sess *models.Session) *Auth {
	return &Auth{session: sess, listeners: make(map[int]func(models.AuthEvent)), SignInURL: "https://auth.example.com/authorize"}
}

func (a *Auth) CurrentSession(ctx context.Context) (*models.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.CurrentErr != nil {
		return nil, a.CurrentErr
	}
	if a.session == nil {
		return nil, backend.ErrNoSession
	}
	s := *a.session
	return &s, nil
}

func (a *Auth) OnAuthStateChange(fn func(models.AuthEvent)) backend.Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	id := a.next
	a.listeners[id] = fn
	return backend.SubscriptionFunc(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	})
}

// Listeners returns the number of registered auth listeners.
func (a *Auth) Listeners() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.listeners)
}

func (a *Auth) SignInWithOAuth(ctx context.Context, provider string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.SignInCalls++
	if a.SignInErr != nil {
		return "", a.SignInErr
	}
	return a.SignInURL + "?provider=" + provider, nil
}

func (a *Auth) SignOut(ctx context.Context) error {
	a.mu.Lock()
	a.SignOutCalls++
	if a.SignOutErr != nil {
		err := a.SignOutErr
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()
	a.Emit(models.AuthEvent{Kind: models.SignedOut})
	return nil
}

// Emit stores the event's session and delivers the event to every listener.
func (a *Auth) Emit(ev models.AuthEvent) {
	a.mu.Lock()
	a.session = ev.Session
	fns := make([]func(models.AuthEvent), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
