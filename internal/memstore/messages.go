package memstore

import (
	"context"
	"time"

	"circle-service/internal/models"
	"circle-service/internal/repositories"
)

// Messages implements repositories.MessageRepository.
type Messages struct{ s *Store }

var _ repositories.MessageRepository = (*Messages)(nil)

func (m *Messages) Append(ctx context.Context, msg models.Message, receiverUID string) (models.Message, error) {
	if err := m.s.lock(ctx); err != nil {
		return models.Message{}, err
	}
	defer m.s.mu.Unlock()
	row, ok := m.s.sessions[msg.ChatID]
	if !ok {
		return models.Message{}, repositories.ErrChatNotFound
	}
	if !row.lastSentAt.IsZero() && !msg.Timestamp.After(row.lastSentAt) {
		msg.Timestamp = row.lastSentAt.Add(time.Microsecond)
	}
	m.s.seq++
	msg.Seq = m.s.seq
	row.lastSentAt = msg.Timestamp
	m.s.messages[msg.ChatID] = append(m.s.messages[msg.ChatID], msg)

	at := msg.Timestamp
	if item, ok := m.s.items[pair{msg.SenderID, msg.ChatID}]; ok {
		item.LastMessage = msg.Text
		item.LastMessageAt = &at
		m.s.items[pair{msg.SenderID, msg.ChatID}] = item
	}
	if item, ok := m.s.items[pair{receiverUID, msg.ChatID}]; ok {
		item.LastMessage = msg.Text
		item.LastMessageAt = &at
		item.UnreadCount++
		m.s.items[pair{receiverUID, msg.ChatID}] = item
	}
	return msg, nil
}

// ListBefore walks the chat log backwards. The log is kept in (timestamp, seq)
// order because Append never lets a timestamp go backwards.
func (m *Messages) ListBefore(ctx context.Context, chatID string, before *models.Cursor, limit int) ([]models.Message, error) {
	if err := m.s.lock(ctx); err != nil {
		return nil, err
	}
	defer m.s.mu.Unlock()
	entries := m.s.messages[chatID]
	out := []models.Message{}
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		if before != nil && !entries[i].Cursor().Before(*before) {
			continue
		}
		out = append(out, entries[i])
	}
	return out, nil
}

func (m *Messages) ListAfter(ctx context.Context, chatID string, after models.Cursor, limit int) ([]models.Message, error) {
	if err := m.s.lock(ctx); err != nil {
		return nil, err
	}
	defer m.s.mu.Unlock()
	out := []models.Message{}
	for _, msg := range m.s.messages[chatID] {
		if len(out) >= limit {
			break
		}
		if msg.Cursor().After(after) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *Messages) GetBySeq(ctx context.Context, chatID string, seq int64) (models.Message, error) {
	if err := m.s.lock(ctx); err != nil {
		return models.Message{}, err
	}
	defer m.s.mu.Unlock()
	for _, msg := range m.s.messages[chatID] {
		if msg.Seq == seq {
			return msg, nil
		}
	}
	return models.Message{}, repositories.ErrMessageNotFound
}
