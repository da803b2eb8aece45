// Package pebblestore is an embedded Store on top of Pebble. A single process
// owns the directory; compare-and-swap is serialized in process.
package pebblestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/SirClappington/ldnq/internal/domain"
	"github.com/SirClappington/ldnq/internal/storage"
)

type Options struct {
	// Dir is the Pebble database directory.
	Dir string
	// InMemory keeps everything in a memory filesystem (tests).
	InMemory bool
	// NoSync skips the WAL fsync on commit.
	NoSync bool
}

type Store struct {
	db    *pebble.DB
	write *pebble.WriteOptions

	// mu serializes read-modify-write so claims and reports are atomic per row.
	mu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

func Open(opts Options) (*Store, error) {
	po := &pebble.Options{}
	dir := opts.Dir
	if opts.InMemory {
		po.FS = vfs.NewMem()
		if dir == "" {
			dir = "ldnq"
		}
	}
	if dir == "" {
		return nil, errors.New("pebble: Options.Dir is required")
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	write := pebble.Sync
	if opts.NoSync {
		write = pebble.NoSync
	}
	return &Store{db: db, write: write}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(context.Context) error {
	_, closer, err := s.db.Get([]byte(prefixMsg))
	if err == nil {
		return closer.Close()
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

// record is the on-disk shape of a message.
type record struct {
	ID            string        `json:"id"`
	Status        domain.Status `json:"status"`
	Attempts      int           `json:"attempts"`
	LeaseDeadline time.Time     `json:"lease_deadline"`
	LastStartTime time.Time     `json:"last_start_time"`
	PayloadRef    string        `json:"payload_ref"`
	Payload       []byte        `json:"payload"`
	LastError     *string       `json:"last_error,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func toRecord(m domain.Message) record {
	return record{
		ID: m.ID, Status: m.Status, Attempts: m.Attempts,
		LeaseDeadline: m.LeaseDeadline.UTC(), LastStartTime: m.LastStartTime.UTC(),
		PayloadRef: m.PayloadRef, Payload: m.Payload, LastError: m.LastError,
		CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC(),
	}
}

func (r record) message() domain.Message {
	return domain.Message{
		ID: r.ID, Status: r.Status, Attempts: r.Attempts,
		LeaseDeadline: r.LeaseDeadline, LastStartTime: r.LastStartTime,
		PayloadRef: r.PayloadRef, Payload: r.Payload, LastError: r.LastError,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func (s *Store) load(id string) (domain.Message, error) {
	val, closer, err := s.db.Get(msgKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return domain.Message{}, domain.ErrNotFound
		}
		return domain.Message{}, fmt.Errorf("get %s: %w", id, err)
	}
	defer closer.Close()
	var r record
	if err := json.Unmarshal(val, &r); err != nil {
		return domain.Message{}, fmt.Errorf("decode %s: %w", id, err)
	}
	return r.message(), nil
}

// writeRow replaces prev (nil on insert) with next and moves its index entry.
func (s *Store) writeRow(prev *domain.Message, next domain.Message) error {
	data, err := json.Marshal(toRecord(next))
	if err != nil {
		return fmt.Errorf("encode %s: %w", next.ID, err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if prev != nil {
		if err := b.Delete(idxKey(prev.Status, prev.LeaseDeadline, prev.ID), nil); err != nil {
			return fmt.Errorf("delete index %s: %w", prev.ID, err)
		}
	}
	if err := b.Set(msgKey(next.ID), data, nil); err != nil {
		return fmt.Errorf("write %s: %w", next.ID, err)
	}
	if err := b.Set(idxKey(next.Status, next.LeaseDeadline, next.ID), nil, nil); err != nil {
		return fmt.Errorf("write index %s: %w", next.ID, err)
	}
	if err := b.Commit(s.write); err != nil {
		return fmt.Errorf("commit %s: %w", next.ID, err)
	}
	return nil
}

func (s *Store) Enqueue(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.load(m.ID); err == nil {
		return fmt.Errorf("enqueue %s: duplicate id", m.ID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return s.writeRow(nil, *m)
}

func (s *Store) SelectReadyToProcess(_ context.Context, now time.Time, maxAttempts int) ([]domain.Message, error) {
	return s.scanDue(domain.Queued, now, func(m *domain.Message) bool { return m.ReadyToProcess(now, maxAttempts) })
}

func (s *Store) SelectLeaseExpired(_ context.Context, now time.Time, maxAttempts int) ([]domain.Message, error) {
	return s.scanDue(domain.Processing, now, func(m *domain.Message) bool { return m.LeaseExpired(now, maxAttempts) })
}

// scanDue walks idx/{st}/ in deadline order up to now and applies pred to
// the loaded records.
func (s *Store) scanDue(st domain.Status, now time.Time, pred func(*domain.Message) bool) ([]domain.Message, error) {
	prefix := statusPrefix(st)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	cutoff := encodeTime(now)
	var out []domain.Message
	for iter.First(); iter.Valid(); iter.Next() {
		deadline, id, ok := parseIdxKey(prefix, iter.Key())
		if !ok {
			continue
		}
		if deadline >= cutoff {
			// sorted by deadline; nothing further is due
			break
		}
		m, err := s.load(id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if pred(&m) {
			out = append(out, m)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", st, err)
	}
	slices.SortFunc(out, domain.ByPriority)
	return out, nil
}

func (s *Store) TryClaim(_ context.Context, c storage.Claim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load(c.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !c.Matches(m) {
		return false, nil
	}
	if err := s.writeRow(&m, c.Apply(m)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ReportOutcome(_ context.Context, r storage.Report) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load(r.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !r.Matches(m) {
		return false, nil
	}
	if err := s.writeRow(&m, r.Apply(m)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Get(_ context.Context, id string) (domain.Message, error) {
	return s.load(id)
}

func (s *Store) scanAll(fn func(domain.Message)) error {
	prefix := []byte(prefixMsg)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var r record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		fn(r.message())
	}
	return iter.Error()
}

// List pages in creation order. It scans every record; the admin surface is
// not on the hot path.
func (s *Store) List(_ context.Context, f storage.ListFilter) ([]domain.Message, error) {
	f = f.Normalize()
	var all []domain.Message
	err := s.scanAll(func(m domain.Message) {
		if f.Status == "" || m.Status == f.Status {
			all = append(all, m)
		}
	})
	if err != nil {
		return nil, err
	}
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
	return all[f.Offset:min(f.Offset+f.Limit, len(all))], nil
}

func (s *Store) CountByStatus(context.Context) (map[domain.Status]int, error) {
	out := make(map[domain.Status]int)
	if err := s.scanAll(func(m domain.Message) { out[m.Status]++ }); err != nil {
		return nil, err
	}
	return out, nil
}
