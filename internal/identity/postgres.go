package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Schema creates the identities table used by PostgresStore.
const Schema = `CREATE TABLE IF NOT EXISTS identities (
	id               UUID PRIMARY KEY,
	email            TEXT NOT NULL,
	provider_subject TEXT UNIQUE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS identities_email_lower_idx ON identities (lower(email));`

const selectIdentity = `SELECT id, email, COALESCE(provider_subject, '') AS provider_subject, created_at, updated_at FROM identities`

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect identity database: %w", err)
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate identities: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindBySubject(ctx context.Context, subject string) (*Identity, error) {
	if subject == "" {
		return nil, ErrNotFound
	}
	return s.get(ctx, selectIdentity+` WHERE provider_subject = $1`, subject)
}

func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	if email == "" {
		return nil, ErrNotFound
	}
	return s.get(ctx, selectIdentity+` WHERE lower(email) = lower($1) ORDER BY created_at LIMIT 1`, email)
}

func (s *PostgresStore) get(ctx context.Context, query string, arg any) (*Identity, error) {
	var id Identity
	if err := s.db.GetContext(ctx, &id, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query identity: %w", err)
	}
	return &id, nil
}

func (s *PostgresStore) LinkSubject(ctx context.Context, id, subject string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET provider_subject = $1, updated_at = $2 WHERE id = $3 AND provider_subject IS NULL`,
		subject, s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("link provider subject: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("link provider subject: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Nothing updated: the identity is missing or already linked.
	var current sql.NullString
	err = s.db.GetContext(ctx, &current, `SELECT provider_subject FROM identities WHERE id = $1`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("link provider subject: %w", err)
	case current.Valid && current.String == subject:
		return nil
	default:
		return ErrSubjectConflict
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
