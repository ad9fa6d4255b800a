// Package session keeps browser sessions: the auth state stored per session
// cookie, and the auth clients shared by all tabs of one browser.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/atinyakov/smartmark/internal/auth"
	"go.uber.org/zap"
)

// Store persists auth state by browser session id.
type Store interface {
	// Get returns the state for id, or a zero State when there is none.
	Get(ctx context.Context, id string) (auth.State, error)
	// Put stores st for id, expiring after ttl.
	Put(ctx context.Context, id string, st auth.State, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// Persister returns the auth.Persister for one browser session. Saving an
// empty state deletes the record.
func Persister(store Store, id string, ttl time.Duration) auth.Persister {
	return &scoped{store: store, id: id, ttl: ttl}
}

type scoped struct {
	store Store
	id    string
	ttl   time.Duration
}

func (s *scoped) Load(ctx context.Context) (auth.State, error) {
	return s.store.Get(ctx, s.id)
}

func (s *scoped) Save(ctx context.Context, st auth.State) error {
	if st.Session == nil && st.Verifier == "" {
		return s.store.Delete(ctx, s.id)
	}
	return s.store.Put(ctx, s.id, st, s.ttl)
}

type memEntry struct {
	state   auth.State
	expires time.Time
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]memEntry
	now  func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]memEntry), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, id string) (auth.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[id]
	if !ok || !m.now().Before(e.expires) {
		return auth.State{}, nil
	}
	return e.state, nil
}

func (m *MemoryStore) Put(_ context.Context, id string, st auth.State, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = memEntry{state: st, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}

// Sweep drops expired sessions and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, e := range m.data {
		if !now.Before(e.expires) {
			delete(m.data, id)
			n++
		}
	}
	return n
}

// StartSweeper calls Sweep every interval until ctx is done.
func (m *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					log.Info("swept expired sessions", zap.Int("removed", n))
				}
			}
		}
	}()
}
