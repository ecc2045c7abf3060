package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var identityColumns = []string{"id", "email", "provider_subject", "created_at", "updated_at"}

func newTestStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewPostgresStore(sqlx.NewDb(mockDB, "postgres")), mock
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Put(Identity{ID: "u-1", Email: "Jane@Example.com"})

	_, err := s.FindBySubject(ctx, "001.abc.002")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.FindByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ID)

	require.NoError(t, s.LinkSubject(ctx, "u-1", "001.abc.002"))
	got, err = s.FindBySubject(ctx, "001.abc.002")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ID)
	assert.False(t, got.UpdatedAt.IsZero())

	assert.ErrorIs(t, s.LinkSubject(ctx, "missing", "x"), ErrNotFound)
	assert.NoError(t, s.LinkSubject(ctx, "u-1", "001.abc.002"))
	assert.ErrorIs(t, s.LinkSubject(ctx, "u-1", "009.zzz.009"), ErrSubjectConflict)
	got, err = s.FindBySubject(ctx, "001.abc.002")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ID, "an existing link must survive a conflicting one")
	_, err = s.FindByEmail(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Ping(ctx))
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	s.Put(Identity{ID: "u-1", Email: "a@b.c"})

	got, err := s.FindByEmail(context.Background(), "a@b.c")
	require.NoError(t, err)
	got.Email = "mutated"

	again, err := s.FindByEmail(context.Background(), "a@b.c")
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", again.Email)
}

func TestPostgresFindBySubject(t *testing.T) {
	s, mock := newTestStore(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT (.+) FROM identities WHERE provider_subject = \$1`).
		WithArgs("001.abc.002").
		WillReturnRows(sqlmock.NewRows(identityColumns).
			AddRow("u-1", "jane@example.com", "001.abc.002", now, now))

	got, err := s.FindBySubject(context.Background(), "001.abc.002")
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ID)
	assert.Equal(t, "jane@example.com", got.Email)
	assert.Equal(t, now, got.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindByEmailNotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM identities WHERE lower\(email\) = lower\(\$1\)`).
		WithArgs("nobody@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err := s.FindByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueryError(t *testing.T) {
	s, mock := newTestStore(t)
	boom := errors.New("connection reset")

	mock.ExpectQuery(`SELECT (.+) FROM identities`).WillReturnError(boom)

	_, err := s.FindBySubject(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestPostgresEmptyKeysSkipQuery(t *testing.T) {
	s, mock := newTestStore(t)

	_, err := s.FindBySubject(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindByEmail(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLinkSubject(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`UPDATE identities SET provider_subject = \$1, updated_at = \$2 WHERE id = \$3 AND provider_subject IS NULL`).
		WithArgs("001.abc.002", sqlmock.AnyArg(), "u-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.LinkSubject(context.Background(), "u-1", "001.abc.002"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLinkSubjectNotUpdated(t *testing.T) {
	tests := []struct {
		name    string
		current *sqlmock.Rows
		err     error
		want    error
	}{
		{"missing identity", nil, sql.ErrNoRows, ErrNotFound},
		{"linked to another subject", sqlmock.NewRows([]string{"provider_subject"}).AddRow("009.zzz.009"), nil, ErrSubjectConflict},
		{"already linked to this subject", sqlmock.NewRows([]string{"provider_subject"}).AddRow("001.abc.002"), nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStore(t)

			mock.ExpectExec(`UPDATE identities .+ AND provider_subject IS NULL`).
				WithArgs("001.abc.002", sqlmock.AnyArg(), "u-1").
				WillReturnResult(sqlmock.NewResult(0, 0))
			q := mock.ExpectQuery(`SELECT provider_subject FROM identities WHERE id = \$1`).WithArgs("u-1")
			if tt.err != nil {
				q.WillReturnError(tt.err)
			} else {
				q.WillReturnRows(tt.current)
			}

			err := s.LinkSubject(context.Background(), "u-1", "001.abc.002")
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresMigrate(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS identities`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

type mockWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (m *mockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msgs...)
	return nil
}

func (m *mockWriter) Close() error {
	m.closed = true
	return nil
}

func TestKafkaPublishLinked(t *testing.T) {
	w := &mockWriter{}
	p := &KafkaPublisher{writer: w, topic: "identity.events"}

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := NewLinkEvent(&Identity{ID: "u-1", Email: "jane@example.com"}, "001.abc.002", at)
	require.NoError(t, p.PublishLinked(context.Background(), ev))

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "identity.events", msg.Topic)
	assert.Equal(t, "u-1", string(msg.Key))

	var decoded LinkEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, EventLinked, decoded.Type)
	assert.Equal(t, "001.abc.002", decoded.ProviderSubject)
	assert.Equal(t, "jane@example.com", decoded.Email)
	assert.True(t, at.Equal(decoded.OccurredAt))
	assert.NotEmpty(t, decoded.EventID)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublishError(t *testing.T) {
	boom := errors.New("broker down")
	p := &KafkaPublisher{writer: &mockWriter{err: boom}, topic: "t"}

	err := p.PublishLinked(context.Background(), NewLinkEvent(&Identity{ID: "u-1"}, "s", time.Now()))
	assert.ErrorIs(t, err, boom)
}

func TestNewLinkEventUniqueIDs(t *testing.T) {
	id := &Identity{ID: "u-1"}
	a := NewLinkEvent(id, "s", time.Now())
	b := NewLinkEvent(id, "s", time.Now())
	assert.NotEqual(t, a.EventID, b.EventID)
}
