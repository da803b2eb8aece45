// Package postgres is the shared Store used when several processes work the
// same queue. Row-level compare-and-swap is a single conditional UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SirClappington/ldnq/internal/domain"
	"github.com/SirClappington/ldnq/internal/storage"
)

type Store struct{ db *pgxpool.Pool }

var _ storage.Store = (*Store)(nil)

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// Connect opens a pool and checks it answers.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

const columns = `id, status, attempts, lease_deadline, last_start_time,
payload_ref, payload, last_error, created_at, updated_at`

// orderBy matches domain.ByPriority; never-started rows have a NULL start.
const orderBy = `order by attempts desc, last_start_time asc nulls first, created_at asc, id asc`

// Enqueue persists the record (source of truth).
func (s *Store) Enqueue(ctx context.Context, m *domain.Message) error {
	_, err := s.db.Exec(ctx, `insert into ldn_messages(`+columns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.ID, string(m.Status), m.Attempts, m.LeaseDeadline.UTC(), nullTime(m.LastStartTime),
		m.PayloadRef, m.Payload, m.LastError, m.CreatedAt.UTC(), m.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", m.ID, err)
	}
	return nil
}

func (s *Store) SelectReadyToProcess(ctx context.Context, now time.Time, maxAttempts int) ([]domain.Message, error) {
	return s.query(ctx, `select `+columns+` from ldn_messages
where status = 'queued' and attempts < $1 and lease_deadline < $2
`+orderBy, maxAttempts, now.UTC())
}

func (s *Store) SelectLeaseExpired(ctx context.Context, now time.Time, maxAttempts int) ([]domain.Message, error) {
	return s.query(ctx, `select `+columns+` from ldn_messages
where status = 'processing' and attempts <= $1 and lease_deadline < $2
`+orderBy, maxAttempts, now.UTC())
}

func (s *Store) TryClaim(ctx context.Context, c storage.Claim) (bool, error) {
	now := c.Now.UTC()
	tag, err := s.db.Exec(ctx, `update ldn_messages
   set status = 'processing',
       attempts = attempts + 1,
       lease_deadline = $4,
       last_start_time = $5,
       updated_at = $5
 where id = $1 and status = $2 and attempts = $3`,
		c.ID, string(c.ExpectedStatus), c.ExpectedAttempts, now.Add(c.LeaseDuration), now,
	)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", c.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReportOutcome(ctx context.Context, r storage.Report) (bool, error) {
	tag, err := s.db.Exec(ctx, `update ldn_messages
   set status = $3::text,
       lease_deadline = case when $3::text = 'queued' then $4::timestamptz else lease_deadline end,
       last_error = case
           when $5::text <> '' then $5::text
           when $3::text = 'processed' then null
           else last_error
       end,
       updated_at = $6
 where id = $1 and status = 'processing' and attempts = $2`,
		r.ID, r.ExpectedAttempts, string(r.Status), r.LeaseDeadline.UTC(), r.Reason, r.Now.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("report %s: %w", r.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Get(ctx context.Context, id string) (domain.Message, error) {
	row := s.db.QueryRow(ctx, `select `+columns+` from ldn_messages where id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Message{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("get %s: %w", id, err)
	}
	return m, nil
}

// List pages in creation order.
func (s *Store) List(ctx context.Context, f storage.ListFilter) ([]domain.Message, error) {
	f = f.Normalize()
	return s.query(ctx, `select `+columns+` from ldn_messages
where ($1::text = '' or status = $1::text)
order by created_at asc, id asc
limit $2 offset $3`, string(f.Status), f.Limit, f.Offset)
}

func (s *Store) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.Query(ctx, `select status, count(*) from ldn_messages group by status`)
	if err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.Status]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("count: %w", err)
		}
		out[domain.Status(st)] = n
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	out := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return out, nil
}

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		m         domain.Message
		status    string
		lastStart *time.Time
	)
	err := row.Scan(&m.ID, &status, &m.Attempts, &m.LeaseDeadline, &lastStart,
		&m.PayloadRef, &m.Payload, &m.LastError, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return domain.Message{}, err
	}
	m.Status = domain.Status(status)
	m.LeaseDeadline = m.LeaseDeadline.UTC()
	if lastStart != nil {
		m.LastStartTime = lastStart.UTC()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
