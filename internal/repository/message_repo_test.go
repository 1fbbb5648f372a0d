package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomie_match/internal/domain"
)

type messageStore interface {
	Save(ctx context.Context, msg domain.Message) error
	ListByMatch(ctx context.Context, matchID string) ([]domain.Message, error)
	Get(ctx context.Context, messageID string) (domain.Message, error)
	MarkRead(ctx context.Context, messageID string) error
	MarkMatchRead(ctx context.Context, matchID, readerID string) (int, error)
	CountUnread(ctx context.Context, matchID, readerID string) (int, error)
}

func exerciseMessageStore(t *testing.T, s messageStore) {
	t.Helper()
	ctx := context.Background()
	matchID := uuid.NewString()
	base := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)

	msgs := []domain.Message{
		{ID: uuid.NewString(), MatchID: matchID, SenderID: "alice", Content: "hola", Type: domain.MessageText, CreatedAt: base},
		{ID: uuid.NewString(), MatchID: matchID, SenderID: "bob", Content: "buenas", Type: domain.MessageText, CreatedAt: base.Add(time.Minute)},
		{ID: uuid.NewString(), MatchID: matchID, SenderID: "bob", Content: "¿cuándo?", Type: domain.MessageText, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, m := range msgs {
		require.NoError(t, s.Save(ctx, m))
	}
	require.ErrorIs(t, s.Save(ctx, msgs[0]), domain.ErrAlreadyExists)

	listed, err := s.ListByMatch(ctx, matchID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i := range msgs {
		assert.Equal(t, msgs[i].ID, listed[i].ID)
		assert.True(t, msgs[i].CreatedAt.Equal(listed[i].CreatedAt))
	}

	n, err := s.CountUnread(ctx, matchID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.MarkRead(ctx, msgs[1].ID))
	got, err := s.Get(ctx, msgs[1].ID)
	require.NoError(t, err)
	assert.True(t, got.Read)

	marked, err := s.MarkMatchRead(ctx, matchID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	n, err = s.CountUnread(ctx, matchID, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.CountUnread(ctx, matchID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.ErrorIs(t, s.MarkRead(ctx, "00000000-0000-0000-0000-000000000000"), domain.ErrNotFound)
	_, err = s.Get(ctx, "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, domain.ErrNotFound)

	empty, err := s.ListByMatch(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryMessageRepository(t *testing.T) {
	exerciseMessageStore(t, NewMemoryMessageRepository())
}

// TestPostgresMessageRepository runs against a real database when
// ROOMIE_TEST_DATABASE_DSN is set.
func TestPostgresMessageRepository(t *testing.T) {
	dsn := os.Getenv("ROOMIE_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("ROOMIE_TEST_DATABASE_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := NewPostgresMessageRepository(db)
	require.NoError(t, repo.EnsureSchema(context.Background()))
	exerciseMessageStore(t, repo)
}
