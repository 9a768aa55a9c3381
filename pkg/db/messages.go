package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mahaj/marketplace-chat/pkg/model"
)

// MessageStore keeps room message history in the messages table.
type MessageStore struct {
	session *Session
}

func NewMessageStore(session *Session) *MessageStore {
	return &MessageStore{session: session}
}

// Load returns up to limit of the latest messages of a room, oldest first.
// limit <= 0 means no limit.
func (s *MessageStore) Load(ctx context.Context, roomID string, limit int) ([]model.ChatMessage, error) {
	iter := s.session.Query(
		`SELECT id, at, sender_id, sender_name, sender_avatar, text, type, edited, reactions FROM messages WHERE room_id = ?`,
		roomID,
	).WithContext(ctx).Iter()

	messages := []model.ChatMessage{}
	var (
		m        model.ChatMessage
		kind     string
		reaction map[string][]string
	)
	for iter.Scan(&m.ID, &m.At, &m.From.ID, &m.From.Name, &m.From.Avatar, &m.Text, &kind, &m.Edited, &reaction) {
		m.Type = model.MessageType(kind)
		m.Reactions = reaction
		messages = append(messages, m)
		m, reaction = model.ChatMessage{}, nil
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("load messages for room %s: %w", roomID, err)
	}

	SortByTime(messages)
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (s *MessageStore) Append(ctx context.Context, roomID string, m model.ChatMessage) error {
	at := m.At
	if at.IsZero() {
		at = time.Now()
	}
	err := s.session.Query(
		`INSERT INTO messages (room_id, id, at, sender_id, sender_name, sender_avatar, text, type, edited, reactions) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		roomID, m.ID, at, m.From.ID, m.From.Name, m.From.Avatar, m.Text, string(m.Kind()), m.Edited, m.Reactions,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("append message %s: %w", m.ID, err)
	}
	return nil
}

// Update rewrites the text of an existing message. Missing rows are left alone.
func (s *MessageStore) Update(ctx context.Context, roomID string, m model.ChatMessage) error {
	applied, err := s.session.Query(
		`UPDATE messages SET text = ?, edited = ? WHERE room_id = ? AND id = ? IF EXISTS`,
		m.Text, m.Edited, roomID, m.ID,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("update message %s: %w", m.ID, err)
	}
	if !applied {
		return fmt.Errorf("update message %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

func (s *MessageStore) Clear(ctx context.Context, roomID string) error {
	if err := s.session.Query(`DELETE FROM messages WHERE room_id = ?`, roomID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("clear room %s: %w", roomID, err)
	}
	return nil
}

// SortByTime orders messages by send time, breaking ties by id.
func SortByTime(messages []model.ChatMessage) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].At.Equal(messages[j].At) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].At.Before(messages[j].At)
	})
}
