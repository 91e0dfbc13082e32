package memstore

import (
	"context"
	"sort"
	"time"

	"circle-service/internal/models"
	"circle-service/internal/repositories"
)

// Chats implements repositories.ChatRepository.
type Chats struct{ s *Store }

var _ repositories.ChatRepository = (*Chats)(nil)

func (c *Chats) GetSession(ctx context.Context, chatID string) (models.ChatSession, error) {
	if err := c.s.lock(ctx); err != nil {
		return models.ChatSession{}, err
	}
	defer c.s.mu.Unlock()
	row, ok := c.s.sessions[chatID]
	if !ok {
		return models.ChatSession{}, repositories.ErrChatNotFound
	}
	out := row.session
	out.ExpireAt = copyTime(row.session.ExpireAt)
	return out, nil
}

func (c *Chats) CreateSession(ctx context.Context, session models.ChatSession, items []models.ChatListItem) (bool, error) {
	if err := c.s.lock(ctx); err != nil {
		return false, err
	}
	defer c.s.mu.Unlock()
	if _, ok := c.s.sessions[session.ChatID]; ok {
		return false, nil
	}
	_, friends := c.s.edges[pair{session.UserA, session.UserB}]
	if friends {
		session.Temporary, session.ExpireAt = false, nil
	}
	session.ExpireAt = copyTime(session.ExpireAt)
	c.s.sessions[session.ChatID] = &sessionRow{session: session}
	for _, item := range items {
		if friends {
			item.Temporary, item.ExpireAt = false, nil
		}
		item.ExpireAt = copyTime(item.ExpireAt)
		c.s.items[pair{item.OwnerUID, item.ChatID}] = item
	}
	return true, nil
}

func (c *Chats) GetItem(ctx context.Context, ownerUID, chatID string) (models.ChatListItem, error) {
	if err := c.s.lock(ctx); err != nil {
		return models.ChatListItem{}, err
	}
	defer c.s.mu.Unlock()
	item, ok := c.s.items[pair{ownerUID, chatID}]
	if !ok {
		return models.ChatListItem{}, repositories.ErrChatNotFound
	}
	return item, nil
}

func (c *Chats) ListItems(ctx context.Context, ownerUID string) ([]models.ChatListItem, error) {
	if err := c.s.lock(ctx); err != nil {
		return nil, err
	}
	defer c.s.mu.Unlock()
	var out []models.ChatListItem
	for key, item := range c.s.items {
		if key[0] == ownerUID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].ChatID < out[j].ChatID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return out[i].ChatID < out[j].ChatID
		}
		return a.After(*b)
	})
	return out, nil
}

func (c *Chats) MarkRead(ctx context.Context, ownerUID, chatID string, at time.Time) error {
	if err := c.s.lock(ctx); err != nil {
		return err
	}
	defer c.s.mu.Unlock()
	key := pair{ownerUID, chatID}
	item, ok := c.s.items[key]
	if !ok {
		return repositories.ErrChatNotFound
	}
	item.UnreadCount = 0
	item.LastReadAt = &at
	c.s.items[key] = item
	return nil
}

func (c *Chats) ListExpired(ctx context.Context, ownerUID string, now time.Time, limit int) ([]models.ChatSession, error) {
	if err := c.s.lock(ctx); err != nil {
		return nil, err
	}
	defer c.s.mu.Unlock()
	var out []models.ChatSession
	for _, row := range c.s.sessions {
		if ownerUID != "" && !row.session.HasParticipant(ownerUID) {
			continue
		}
		if row.session.Expired(now) {
			out = append(out, row.session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpireAt.Before(*out[j].ExpireAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Chats) DeleteExpired(ctx context.Context, chatID string, now time.Time) (bool, error) {
	if err := c.s.lock(ctx); err != nil {
		return false, err
	}
	defer c.s.mu.Unlock()
	row, ok := c.s.sessions[chatID]
	if !ok || !row.session.Expired(now) {
		return false, nil
	}
	return c.s.deleteChatLocked(chatID), nil
}

func (c *Chats) DeleteSession(ctx context.Context, chatID string) (bool, error) {
	if err := c.s.lock(ctx); err != nil {
		return false, err
	}
	defer c.s.mu.Unlock()
	return c.s.deleteChatLocked(chatID), nil
}
