package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"roomie_match/internal/domain"
)

const messagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	match_id   TEXT NOT NULL,
	sender_id  TEXT NOT NULL,
	content    TEXT NOT NULL,
	type       TEXT NOT NULL DEFAULT 'text',
	read       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_match_created_idx ON messages (match_id, created_at);
`

// uniqueViolation is the PostgreSQL SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

type PostgresMessageRepository struct {
	db *sql.DB
}

func NewPostgresMessageRepository(db *sql.DB) *PostgresMessageRepository {
	return &PostgresMessageRepository{db: db}
}

func (r *PostgresMessageRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, messagesSchema); err != nil {
		return fmt.Errorf("failed to create messages schema: %w", err)
	}
	return nil
}

func (r *PostgresMessageRepository) Save(ctx context.Context, msg domain.Message) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, match_id, sender_id, content, type, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.ID, msg.MatchID, msg.SenderID, msg.Content, string(msg.Type), msg.Read, msg.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("message %s: %w", msg.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (r *PostgresMessageRepository) ListByMatch(ctx context.Context, matchID string) ([]domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, match_id, sender_id, content, type, read, created_at
		FROM messages
		WHERE match_id = $1
		ORDER BY created_at ASC, id ASC
	`, matchID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	messages := make([]domain.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresMessageRepository) Get(ctx context.Context, messageID string) (domain.Message, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, match_id, sender_id, content, type, read, created_at
		FROM messages
		WHERE id = $1
	`, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	return msg, err
}

func (r *PostgresMessageRepository) MarkRead(ctx context.Context, messageID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET read = TRUE WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	return nil
}

func (r *PostgresMessageRepository) MarkMatchRead(ctx context.Context, matchID, readerID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET read = TRUE
		WHERE match_id = $1 AND sender_id != $2 AND read = FALSE
	`, matchID, readerID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark match messages read: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *PostgresMessageRepository) CountUnread(ctx context.Context, matchID, readerID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE match_id = $1 AND sender_id != $2 AND read = FALSE
	`, matchID, readerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var (
		msg domain.Message
		typ string
	)
	if err := row.Scan(&msg.ID, &msg.MatchID, &msg.SenderID, &msg.Content, &typ, &msg.Read, &msg.CreatedAt); err != nil {
		return domain.Message{}, err
	}
	msg.Type = domain.MessageType(typ)
	return msg, nil
}
