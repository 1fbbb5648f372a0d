package presence

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Repository tracks which devices of a user hold a live connection.
type Repository interface {
	AddSession(ctx context.Context, userID, deviceID, nodeID string) error
	RemoveSession(ctx context.Context, userID, deviceID string) error
	IsUserOnline(ctx context.Context, userID string) (bool, error)
}

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS active_sessions (
	user_id      TEXT NOT NULL,
	device_id    TEXT NOT NULL,
	node_id      TEXT NOT NULL,
	connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, device_id)
)`

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sessionsSchema); err != nil {
		return fmt.Errorf("failed to create active_sessions: %w", err)
	}
	return nil
}

func (r *PostgresRepository) AddSession(ctx context.Context, userID, deviceID, nodeID string) error {
	query := `
		INSERT INTO active_sessions (user_id, device_id, node_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, device_id) DO UPDATE
		SET node_id = $3, connected_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, userID, deviceID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to add session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemoveSession(ctx context.Context, userID, deviceID string) error {
	query := `
		DELETE FROM active_sessions
		WHERE user_id = $1 AND device_id = $2
	`
	_, err := r.db.ExecContext(ctx, query, userID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM active_sessions WHERE user_id = $1)`
	var exists bool
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check if user is online: %w", err)
	}
	return exists, nil
}

// MemoryRepository is the single-node Repository used when no database is
// configured.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]map[string]string)}
}

func (r *MemoryRepository) AddSession(_ context.Context, userID, deviceID, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	devices, ok := r.sessions[userID]
	if !ok {
		devices = make(map[string]string)
		r.sessions[userID] = devices
	}
	devices[deviceID] = nodeID
	return nil
}

func (r *MemoryRepository) RemoveSession(_ context.Context, userID, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	devices, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	delete(devices, deviceID)
	if len(devices) == 0 {
		delete(r.sessions, userID)
	}
	return nil
}

func (r *MemoryRepository) IsUserOnline(_ context.Context, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[userID]) > 0, nil
}
