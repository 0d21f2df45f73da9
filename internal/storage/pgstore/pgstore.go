package pgstore

import (
	"context"
	"database/sql"
	"fmt"

	"grouprelay/internal/message"
)

const insertQ = `
  INSERT INTO messages (id, group_id, user_id, sender, content,
                        file_name, file_data, created_at)
       VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
  ON CONFLICT (group_id, id) DO NOTHING`

const listQ = `
  SELECT id, group_id, user_id, sender, content, file_name, file_data, created_at
    FROM messages
   WHERE group_id = $1
ORDER BY created_at ASC, id ASC`

// Store keeps one row per message, keyed by (group_id, id).
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

// Append is idempotent on (room, message id).
func (s *Store) Append(ctx context.Context, m *message.Message) error {
	_, err := s.db.ExecContext(ctx, insertQ,
		m.ID, m.RoomID, m.UserID, m.Sender, m.Content,
		m.FileName, m.FileData, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

// AppendBatch writes msgs in one transaction.
func (s *Store) AppendBatch(ctx context.Context, msgs []*message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, insertQ,
			m.ID, m.RoomID, m.UserID, m.Sender, m.Content,
			m.FileName, m.FileData, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// ListByRoom returns every message of roomID, oldest first.
func (s *Store) ListByRoom(ctx context.Context, roomID string) ([]message.Message, error) {
	rows, err := s.db.QueryContext(ctx, listQ, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]message.Message, 0, 64)
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Sender, &m.Content,
			&m.FileName, &m.FileData, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		m.Time = m.CreatedAt.Format("15:04")
		list = append(list, m)
	}
	return list, rows.Err()
}
