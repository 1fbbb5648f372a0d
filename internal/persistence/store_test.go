package persistence

import (
	"context"
	"database/sql"
	"os"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomie_match/internal/domain"
)

type snapshot struct {
	Users   []string `json:"users"`
	Current string   `json:"current"`
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	var got snapshot
	found, err := LoadJSON(ctx, s, "users", &got)
	require.NoError(t, err)
	assert.False(t, found)

	want := snapshot{Users: []string{"a", "b"}, Current: "a"}
	require.NoError(t, SaveJSON(ctx, s, "users", want))
	found, err = LoadJSON(ctx, s, "users", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)

	want.Current = ""
	require.NoError(t, SaveJSON(ctx, s, "users", want))
	got = snapshot{}
	_, err = LoadJSON(ctx, s, "users", &got)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exerciseStore(t, NewRedisStore(client, "roomie:"))

	assert.True(t, mr.Exists("roomie:users"))
	assert.Zero(t, mr.TTL("roomie:users"))
}

func TestRedisStore_CorruptSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, mr.Set("roomie:users", "{not json"))

	var got snapshot
	_, err := LoadJSON(context.Background(), NewRedisStore(client, "roomie:"), "users", &got)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, err := NewRedisStore(client, "").Load(context.Background(), "users")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

// TestPostgresStore runs against a real database when ROOMIE_TEST_DATABASE_DSN is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("ROOMIE_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("ROOMIE_TEST_DATABASE_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewPostgresStore(db)
	require.NoError(t, s.EnsureSchema(context.Background()))
	_, err = db.Exec(`DELETE FROM snapshots WHERE key IN ('users', 'missing')`)
	require.NoError(t, err)

	exerciseStore(t, s)
}
