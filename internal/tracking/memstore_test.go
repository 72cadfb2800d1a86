package tracking

import (
	"context"
	"sync"
)

// memStore is an in-memory Store for service tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	visits   []PageVisit

	// block, when set, makes every call wait for ctx.
	block bool
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*Session)}
}

func (m *memStore) wait(ctx context.Context) error {
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (m *memStore) InsertSession(ctx context.Context, s *Session) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.sessions {
		if cur.App == s.App && cur.User == s.User && cur.Status.Open() {
			return ErrDuplicateActiveSession
		}
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memStore) UpdateSessionAtomic(
	ctx context.Context, id string, expected Status,
	mutate func(*Session) error,
) (bool, error) {
	if err := m.wait(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok || cur.Status != expected {
		return false, nil
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return false, err
	}
	m.sessions[id] = next
	return true, nil
}

func (m *memStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s.Clone(), nil
	}
	return nil, nil
}

func (m *memStore) FindOpenSession(ctx context.Context, app, user string) (*Session, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.App == app && s.User == user && s.Status.Open() {
			return s.Clone(), nil
		}
	}
	return nil, nil
}

func (m *memStore) InsertVisit(ctx context.Context, v *PageVisit) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v.ID = int64(len(m.visits) + 1)
	m.visits = append(m.visits, *v)
	return nil
}

func (m *memStore) QueryVisits(
	ctx context.Context, app, user string, r *TimeRange,
) ([]PageVisit, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PageVisit
	for _, v := range m.visits {
		if v.App == app && (AllUsers(user) || v.User == user) &&
			r.Contains(v.Timestamp) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *memStore) QuerySessions(
	ctx context.Context, app, user string, r *TimeRange,
) ([]Session, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.App == app && (AllUsers(user) || s.User == user) &&
			r.Contains(s.CreatedAt) {
			out = append(out, *s.Clone())
		}
	}
	return out, nil
}
