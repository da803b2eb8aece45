// Package memstore is an in-process Store. It backs unit tests and the
// single-process dev mode; nothing survives a restart.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/SirClappington/ldnq/internal/domain"
	"github.com/SirClappington/ldnq/internal/storage"
)

type Store struct {
	mu   sync.Mutex
	rows map[string]domain.Message
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{rows: make(map[string]domain.Message)}
}

func (s *Store) Enqueue(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[m.ID]; ok {
		return fmt.Errorf("enqueue %s: duplicate id", m.ID)
	}
	s.rows[m.ID] = clone(*m)
	return nil
}

func (s *Store) SelectReadyToProcess(_ context.Context, now time.Time, maxAttempts int) ([]domain.Message, error) {
	return s.selectWhere(func(m *domain.Message) bool { return m.ReadyToProcess(now, maxAttempts) }), nil
}

func (s *Store) SelectLeaseExpired(_ context.Context, now time.Time, maxAttempts int) ([]domain.Message, error) {
	return s.selectWhere(func(m *domain.Message) bool { return m.LeaseExpired(now, maxAttempts) }), nil
}

func (s *Store) selectWhere(pred func(*domain.Message) bool) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.rows {
		if pred(&m) {
			out = append(out, clone(m))
		}
	}
	slices.SortFunc(out, domain.ByPriority)
	return out
}

func (s *Store) TryClaim(_ context.Context, c storage.Claim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[c.ID]
	if !ok || !c.Matches(m) {
		return false, nil
	}
	s.rows[c.ID] = c.Apply(m)
	return true, nil
}

func (s *Store) ReportOutcome(_ context.Context, r storage.Report) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[r.ID]
	if !ok || !r.Matches(m) {
		return false, nil
	}
	s.rows[r.ID] = r.Apply(m)
	return true, nil
}

func (s *Store) Get(_ context.Context, id string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	return clone(m), nil
}

// List pages in creation order.
func (s *Store) List(_ context.Context, f storage.ListFilter) ([]domain.Message, error) {
	f = f.Normalize()
	s.mu.Lock()
	all := make([]domain.Message, 0, len(s.rows))
	for _, m := range s.rows {
		if f.Status == "" || m.Status == f.Status {
			all = append(all, clone(m))
		}
	}
	s.mu.Unlock()

	slices.SortFunc(all, func(a, b domain.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	if f.Offset >= len(all) {
		return []domain.Message{}, nil
	}
	end := min(f.Offset+f.Limit, len(all))
	return all[f.Offset:end], nil
}

func (s *Store) CountByStatus(_ context.Context) (map[domain.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Status]int)
	for _, m := range s.rows {
		out[m.Status]++
	}
	return out, nil
}

// Put overwrites a row as-is. Tests use it to stage arbitrary states.
func (s *Store) Put(m domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[m.ID] = clone(m)
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

func clone(m domain.Message) domain.Message {
	if m.Payload != nil {
		m.Payload = append([]byte(nil), m.Payload...)
	}
	if m.LastError != nil {
		e := *m.LastError
		m.LastError = &e
	}
	return m
}
