package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no session matches the lookup.
var ErrNotFound = errors.New("session: not found")

// ErrConflict is returned when a uniqueness constraint rejects a write.
var ErrConflict = errors.New("session: conflict")

// Store persists payment sessions and their append-only event log.
type Store struct {
	Pool *pgxpool.Pool
}

// NewStore wraps a pgx pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const sessionColumns = "id, provider_id, correlation_id, amount, currency_code, data, created_at, updated_at"

// Create registers a new payment session.
func (s *Store) Create(ctx context.Context, p CreateParams) (Session, error) {
	data, err := encodeData(p.Data)
	if err != nil {
		return Session{}, err
	}
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO payment_sessions (provider_id, correlation_id, amount, currency_code, data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+sessionColumns,
		p.ProviderID, p.CorrelationID, p.Amount, p.CurrencyCode, data)
	sess, err := scanSession(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Session{}, fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		}
		return Session{}, fmt.Errorf("session: create: %w", err)
	}
	return sess, nil
}

// GetByID fetches one session.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (Session, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("session: get: %w", err)
	}
	return sess, nil
}

// FindByCorrelation returns all sessions matching the gateway correlation id
// for one provider, most recently created first. Webhook reconciliation uses
// the first entry as the deterministic tie-break when duplicates exist.
func (s *Store) FindByCorrelation(ctx context.Context, correlationID, providerID string) ([]Session, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM payment_sessions
		WHERE correlation_id = $1 AND provider_id = $2
		ORDER BY created_at DESC`,
		correlationID, providerID)
	if err != nil {
		return nil, fmt.Errorf("session: find by correlation: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("session: scan: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: iterate: %w", err)
	}
	return out, nil
}

// MergeData merges patch into the session's data mapping. The JSONB || merge
// is last-write-wins per key and preserves every key absent from the patch,
// which is exactly the contract webhook reconciliation relies on.
func (s *Store) MergeData(ctx context.Context, id uuid.UUID, patch map[string]any) (Session, error) {
	encoded, err := encodeData(patch)
	if err != nil {
		return Session{}, err
	}
	row := s.Pool.QueryRow(ctx, `
		UPDATE payment_sessions
		SET data = data || $2::jsonb, updated_at = now()
		WHERE id = $1
		RETURNING `+sessionColumns,
		id, encoded)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("session: merge data: %w", err)
	}
	return sess, nil
}

// InsertEvent appends to the session's audit trail. Failures here are not
// worth failing a webhook acknowledgment over; callers log and continue.
func (s *Store) InsertEvent(ctx context.Context, sessionID uuid.UUID, action string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO payment_session_events (session_id, action, payload)
		VALUES ($1, $2, $3)`,
		sessionID, action, payload)
	if err != nil {
		return fmt.Errorf("session: insert event: %w", err)
	}
	return nil
}

func encodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("session: encode data: %w", err)
	}
	return encoded, nil
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		sess Session
		raw  []byte
	)
	if err := row.Scan(&sess.ID, &sess.ProviderID, &sess.CorrelationID, &sess.Amount,
		&sess.CurrencyCode, &raw, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return Session{}, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &sess.Data); err != nil {
			return Session{}, fmt.Errorf("decode data: %w", err)
		}
	}
	if sess.Data == nil {
		sess.Data = map[string]any{}
	}
	return sess, nil
}
