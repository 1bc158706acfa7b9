package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/go-autopilot/internal/bus"
)

type MessageType string

const (
	MessageTypeMessage MessageType = "message"
	MessageTypeResult  MessageType = "result"
	MessageTypeRequest MessageType = "request"
	MessageTypeError   MessageType = "error"
	MessageTypeStatus  MessageType = "status"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeMessage, MessageTypeResult, MessageTypeRequest, MessageTypeError, MessageTypeStatus:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusProcessed MessageStatus = "processed"
)

// TaskMessage is one mailbox row addressed to a task key.
type TaskMessage struct {
	ID          int64         `json:"id"`
	FromKey     string        `json:"from_key"`
	ToKey       string        `json:"to_key"`
	Type        MessageType   `json:"type"`
	Payload     string        `json:"payload"`
	Status      MessageStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	ReadAt      *time.Time    `json:"read_at,omitempty"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
}

// SendTaskMessage stores a pending message. The recipient key does not have
// to exist yet.
func (s *Store) SendTaskMessage(ctx context.Context, from, to string, typ MessageType, payload string) (int64, error) {
	if to == "" {
		return 0, fmt.Errorf("send task message: empty recipient")
	}
	if !typ.Valid() {
		return 0, fmt.Errorf("send task message: unknown type %q", typ)
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_messages (from_key, to_key, type, payload) VALUES (?, ?, ?, ?);
		`, from, to, string(typ), payload)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("send task message: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskMessage, bus.TaskMessageEvent{MessageID: id, FromKey: from, ToKey: to, Type: string(typ)})
	}
	return id, nil
}

// DrainTaskMessages returns pending messages for toKey in insertion order.
// It does not change their status; callers acknowledge with
// MarkTaskMessagesRead.
func (s *Store) DrainTaskMessages(ctx context.Context, toKey string, limit int) ([]TaskMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_key, to_key, type, payload, status, created_at, read_at, processed_at
		FROM task_messages
		WHERE to_key = ? AND status = 'pending'
		ORDER BY id ASC
		LIMIT ?;
	`, toKey, limit)
	if err != nil {
		return nil, fmt.Errorf("drain task messages: %w", err)
	}
	defer rows.Close()

	var msgs []TaskMessage
	for rows.Next() {
		var m TaskMessage
		var readAt, processedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.FromKey, &m.ToKey, &m.Type, &m.Payload, &m.Status, &m.CreatedAt, &readAt, &processedAt); err != nil {
			return nil, fmt.Errorf("scan task message: %w", err)
		}
		if readAt.Valid {
			t := readAt.Time
			m.ReadAt = &t
		}
		if processedAt.Valid {
			t := processedAt.Time
			m.ProcessedAt = &t
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task messages: %w", err)
	}
	return msgs, nil
}

// MarkTaskMessagesRead moves pending messages to read. Already-read ids are
// left alone.
func (s *Store) MarkTaskMessagesRead(ctx context.Context, ids ...int64) (int, error) {
	return s.markTaskMessages(ctx, `status = 'read', read_at = CURRENT_TIMESTAMP`, `status = 'pending'`, ids)
}

// MarkTaskMessagesProcessed moves pending or read messages to processed.
func (s *Store) MarkTaskMessagesProcessed(ctx context.Context, ids ...int64) (int, error) {
	return s.markTaskMessages(ctx,
		`status = 'processed', processed_at = CURRENT_TIMESTAMP, read_at = COALESCE(read_at, CURRENT_TIMESTAMP)`,
		`status IN ('pending', 'read')`, ids)
}

func (s *Store) markTaskMessages(ctx context.Context, set, guard string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE task_messages SET `+set+` WHERE `+guard+` AND id IN (`+inPlaceholders(len(ids))+`);`, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("mark task messages: %w", err)
	}
	return int(n), nil
}

// CountPendingMessages returns the number of unread messages for toKey.
func (s *Store) CountPendingMessages(ctx context.Context, toKey string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_messages WHERE to_key = ? AND status = 'pending';
	`, toKey).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending messages: %w", err)
	}
	return count, nil
}

// PruneTaskMessages deletes read or processed messages acknowledged more
// than olderThan ago. Pending messages are never pruned.
func (s *Store) PruneTaskMessages(ctx context.Context, olderThan time.Duration) (int, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM task_messages
			WHERE status IN ('read', 'processed')
			AND COALESCE(processed_at, read_at) < datetime('now', ?);
		`, fmt.Sprintf("-%d seconds", int(olderThan.Seconds())))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune task messages: %w", err)
	}
	return int(n), nil
}
