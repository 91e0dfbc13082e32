package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"circle-service/internal/models"
	"circle-service/internal/repositories"
	"circle-service/internal/stream"
)

// ChatHandle is an open conversation between Me and Other. Opening does not
// create the chat; the first Send does. The handle owns the live tails started
// through it and releases them on Close.
type ChatHandle struct {
	ChatID      string
	Me          string
	Other       string
	IsFriend    bool
	IsTemporary bool
	ExpireAt    *time.Time

	svc *ChatService

	mu     sync.Mutex
	subs   []*stream.Subscription
	closed bool
}

// OpenChat returns a handle to the chat between me and other without writing
// anything. When no live chat exists yet the handle reports the state the
// chat will have once the first message is sent.
func (s *ChatService) OpenChat(ctx context.Context, me, other string) (*ChatHandle, error) {
	if err := validatePair(me, other); err != nil {
		return nil, err
	}
	friends, err := s.friends.IsFriend(ctx, me, other)
	if err != nil {
		return nil, err
	}
	h := &ChatHandle{
		ChatID:      models.DeriveChatID(me, other),
		Me:          me,
		Other:       other,
		IsFriend:    friends,
		IsTemporary: !friends,
		svc:         s,
	}

	session, err := s.chats.GetSession(ctx, h.ChatID)
	switch {
	case errors.Is(err, repositories.ErrChatNotFound):
	case err != nil:
		return nil, err
	case !session.Expired(s.clock.Now()):
		h.IsTemporary, h.ExpireAt = session.Temporary, session.ExpireAt
	}
	return h, nil
}

func (h *ChatHandle) open() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	return nil
}

func (h *ChatHandle) Send(ctx context.Context, text string) (models.Message, error) {
	if err := h.open(); err != nil {
		return models.Message{}, err
	}
	return h.svc.SendMessage(ctx, h.ChatID, h.Me, h.Other, text)
}

func (h *ChatHandle) PaginateOlder(ctx context.Context, before *models.Cursor) (models.Page, error) {
	if err := h.open(); err != nil {
		return models.Page{}, err
	}
	page, err := h.svc.PaginateOlder(ctx, h.Me, h.ChatID, before, 0)
	if errors.Is(err, repositories.ErrChatNotFound) {
		return models.Page{Messages: []models.Message{}, Exhausted: true}, nil
	}
	return page, err
}

// Subscribe starts a live tail owned by the handle. It may be called before
// the chat exists and then delivers the first message once it is sent.
func (h *ChatHandle) Subscribe(ctx context.Context, since models.Cursor) (*stream.Subscription, error) {
	if err := h.open(); err != nil {
		return nil, err
	}
	sub, err := h.svc.subscribe(ctx, h.ChatID, since)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.Close()
		return nil, ErrHandleClosed
	}
	h.subs = append(h.subs, sub)
	return sub, nil
}

func (h *ChatHandle) MarkRead(ctx context.Context) error {
	if err := h.open(); err != nil {
		return err
	}
	err := h.svc.MarkRead(ctx, h.Me, h.ChatID)
	if errors.Is(err, repositories.ErrChatNotFound) {
		return nil
	}
	return err
}

// PeerUnread returns how many messages the other participant has not read.
func (h *ChatHandle) PeerUnread(ctx context.Context) (int, error) {
	if err := h.open(); err != nil {
		return 0, err
	}
	item, err := h.svc.chats.GetItem(ctx, h.Other, h.ChatID)
	if errors.Is(err, repositories.ErrChatNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return item.UnreadCount, nil
}

// Close ends every live tail started through the handle. Later calls on the
// handle fail with ErrHandleClosed.
func (h *ChatHandle) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
