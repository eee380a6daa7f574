// Package store provides session store implementations backed by process
// memory and Redis. The durable MongoDB variant lives in the mongodb
// package.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.pilab.hu/authbff"
)

// MemoryStore keeps sessions in a mutex-guarded map. Suitable for local and
// single-process deployments; records do not survive a restart.
//
// Memory does not expire records physically, so the read path treats an
// expired record as absent and deletes it eagerly. An optional janitor
// sweeps leftovers on an interval.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*authbff.Session

	janitorStop chan struct{}
	stopOnce    sync.Once

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*authbff.Session),
		janitorStop: make(chan struct{}),
		now:         time.Now,
	}
}

// CreateSession upserts the session by ID.
func (m *MemoryStore) CreateSession(_ context.Context, session *authbff.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

// GetSession returns a copy of the stored session, or ErrSessionNotFound.
// Expired records are removed on the spot.
func (m *MemoryStore) GetSession(_ context.Context, id string) (*authbff.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, authbff.ErrSessionNotFound
	}
	if sess.Expired(m.now()) {
		delete(m.sessions, id)
		return nil, authbff.ErrSessionNotFound
	}

	cp := *sess
	return &cp, nil
}

// UpdateSession merges the update into an existing record. Updating an
// absent or expired record reports false and creates nothing.
func (m *MemoryStore) UpdateSession(_ context.Context, id string, update authbff.SessionUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return false, nil
	}
	if sess.Expired(m.now()) {
		delete(m.sessions, id)
		return false, nil
	}

	update.Apply(sess)
	return true, nil
}

// DeleteSession removes the session and reports whether it was present.
func (m *MemoryStore) DeleteSession(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.sessions[id]
	delete(m.sessions, id)
	return ok, nil
}

// CleanupExpiredSessions removes every session past its deadline.
func (m *MemoryStore) CleanupExpiredSessions(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, sess := range m.sessions {
		if sess.Expired(now) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// StartJanitor launches a background sweep at the given interval. The
// janitor runs until Shutdown and never blocks request-path operations.
func (m *MemoryStore) StartJanitor(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, _ := m.CleanupExpiredSessions(context.Background())
				if n > 0 {
					log.Debug().Int("removed", n).Msg("session janitor sweep")
				}
			case <-m.janitorStop:
				return
			}
		}
	}()
}

// Shutdown stops the janitor. Safe to call multiple times.
func (m *MemoryStore) Shutdown(_ context.Context) error {
	m.stopOnce.Do(func() { close(m.janitorStop) })
	return nil
}

// Len reports the number of physically stored sessions, expired included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

var _ authbff.SessionStore = (*MemoryStore)(nil)
