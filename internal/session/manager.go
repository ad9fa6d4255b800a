package session

import (
	"sync"
	"time"

	"github.com/atinyakov/smartmark/internal/auth"
	"github.com/google/uuid"
)

// Manager hands out the auth client of a browser session. Every live user
// of the same session id gets the same client, so a sign-in or sign-out in
// one tab reaches the others.
type Manager struct {
	store    Store
	ttl      time.Duration
	provider auth.Provider
	opts     auth.Options

	mu      sync.Mutex
	clients map[string]*entry
}

type entry struct {
	client *auth.Client
	refs   int
}

// NewManager returns a manager persisting into store with ttl.
func NewManager(store Store, ttl time.Duration, provider auth.Provider, opts auth.Options) *Manager {
	return &Manager{
		store:    store,
		ttl:      ttl,
		provider: provider,
		opts:     opts,
		clients:  make(map[string]*entry),
	}
}

// NewID returns a fresh browser session id.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id looks like an id from NewID.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// TTL is how long an idle session is kept.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Acquire returns the client for id and a release func. The client is closed
// once every holder has released it.
func (m *Manager) Acquire(id string) (*auth.Client, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.clients[id]
	if !ok {
		e = &entry{client: auth.NewClient(m.provider, Persister(m.store, id, m.ttl), m.opts)}
		m.clients[id] = e
	}
	e.refs++

	var once sync.Once
	return e.client, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			e.refs--
			if e.refs == 0 {
				e.client.Close()
				delete(m.clients, id)
			}
		})
	}
}

// Active returns the number of sessions with a live client.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}
