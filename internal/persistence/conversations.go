package persistence

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// ConversationMessage is one transcript line of a conversation.
type ConversationMessage struct {
	ID              int64     `json:"id"`
	ConversationRef string    `json:"conversation_ref"`
	TaskKey         string    `json:"task_key,omitempty"`
	Role            string    `json:"role"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"created_at"`
}

func (s *Store) AppendConversationMessage(ctx context.Context, ref, taskKey, role, content string) error {
	if ref == "" {
		return fmt.Errorf("append conversation message: empty conversation ref")
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversation_messages (conversation_ref, task_key, role, content) VALUES (?, ?, ?, ?);
		`, ref, taskKey, role, content)
		return err
	})
	if err != nil {
		return fmt.Errorf("append conversation message: %w", err)
	}
	return nil
}

// ListConversationMessages returns the most recent limit messages of ref,
// oldest first.
func (s *Store) ListConversationMessages(ctx context.Context, ref string, limit int) ([]ConversationMessage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_ref, task_key, role, content, created_at
		FROM conversation_messages
		WHERE conversation_ref = ?
		ORDER BY id DESC
		LIMIT ?;
	`, ref, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversation messages: %w", err)
	}
	defer rows.Close()

	var out []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		if err := rows.Scan(&m.ID, &m.ConversationRef, &m.TaskKey, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation messages: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}
