package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"circle-service/internal/clock"
	"circle-service/internal/models"
	"circle-service/internal/observability"
	"circle-service/internal/repositories"
	"circle-service/internal/stream"
	"circle-service/internal/telemetry"
)

const (
	ensureAttempts = 3
	expireBatch    = 100
)

type ChatConfig struct {
	GracePeriod      time.Duration
	PageSize         int
	MaxPageSize      int
	MaxMessageLength int
}

func DefaultChatConfig() ChatConfig {
	return ChatConfig{GracePeriod: 12 * time.Hour, PageSize: 20, MaxPageSize: 100, MaxMessageLength: 4000}
}

// ChatDeps are the collaborators of a ChatService. PublishLocally makes
// SendMessage push new messages to Hub directly; leave it off when a
// Postgres listener feeds the hub.
type ChatDeps struct {
	Chats          repositories.ChatRepository
	Messages       repositories.MessageRepository
	Friends        repositories.FriendRepository
	Profiles       repositories.ProfileRepository
	Hub            *stream.Hub
	Clock          clock.Clock
	Events         EventEmitter
	PublishLocally bool
}

type ChatService struct {
	chats          repositories.ChatRepository
	messages       repositories.MessageRepository
	friends        repositories.FriendRepository
	profiles       repositories.ProfileRepository
	hub            *stream.Hub
	clock          clock.Clock
	events         EventEmitter
	publishLocally bool
	cfg            ChatConfig
	locks          stripedMutex
	logger         zerolog.Logger
}

func NewChatService(deps ChatDeps, cfg ChatConfig) *ChatService {
	return &ChatService{
		chats:          deps.Chats,
		messages:       deps.Messages,
		friends:        deps.Friends,
		profiles:       deps.Profiles,
		hub:            deps.Hub,
		clock:          deps.Clock,
		events:         emitterOrNoop(deps.Events),
		publishLocally: deps.PublishLocally,
		cfg:            cfg,
		logger:         log.With().Str("component", "chat").Logger(),
	}
}

// EnsureSession returns the chat between uidA and uidB, creating it when
// missing. Concurrent callers end up with the same session. A temporary chat
// that already expired is replaced by a fresh one.
func (s *ChatService) EnsureSession(ctx context.Context, uidA, uidB string) (models.ChatSession, error) {
	if err := validatePair(uidA, uidB); err != nil {
		return models.ChatSession{}, err
	}
	chatID := models.DeriveChatID(uidA, uidB)

	var profiles map[string]models.Profile
	for attempt := 0; attempt < ensureAttempts; attempt++ {
		session, err := s.chats.GetSession(ctx, chatID)
		if err == nil {
			now := s.clock.Now()
			if !session.Expired(now) {
				return session, nil
			}
			if _, err := s.chats.DeleteExpired(ctx, chatID, now); err != nil {
				return models.ChatSession{}, err
			}
			s.emitExpired(ctx, session)
			continue
		}
		if !errors.Is(err, repositories.ErrChatNotFound) {
			return models.ChatSession{}, err
		}

		if profiles == nil {
			if profiles, err = s.pairProfiles(ctx, uidA, uidB); err != nil {
				return models.ChatSession{}, err
			}
		}
		session, items, err := s.newSession(ctx, uidA, uidB, profiles)
		if err != nil {
			return models.ChatSession{}, err
		}
		created, err := s.chats.CreateSession(ctx, session, items)
		if errors.Is(err, repositories.ErrConflict) {
			continue
		}
		if err != nil {
			return models.ChatSession{}, err
		}
		if created {
			observability.IncChatSession("created")
			s.events.Emit(ctx, telemetry.EventChatCreated, uidA, chatEvent{ChatID: chatID, UserA: session.UserA, UserB: session.UserB, Temporary: session.Temporary})
		}
	}

	session, err := s.chats.GetSession(ctx, chatID)
	if err == nil && !session.Expired(s.clock.Now()) {
		return session, nil
	}
	return models.ChatSession{}, fmt.Errorf("ensure chat %s: %w", chatID, repositories.ErrConflict)
}

func (s *ChatService) pairProfiles(ctx context.Context, uidA, uidB string) (map[string]models.Profile, error) {
	list, err := s.profiles.GetByIDs(ctx, []string{uidA, uidB})
	if err != nil {
		return nil, fmt.Errorf("load chat profiles: %w", err)
	}
	out := make(map[string]models.Profile, 2)
	for _, p := range list {
		out[p.UID] = p
	}
	return out, nil
}

func (s *ChatService) newSession(ctx context.Context, uidA, uidB string, profiles map[string]models.Profile) (models.ChatSession, []models.ChatListItem, error) {
	friends, err := s.friends.IsFriend(ctx, uidA, uidB)
	if err != nil {
		return models.ChatSession{}, nil, err
	}

	now := s.clock.Now()
	userA, userB := uidA, uidB
	if userB < userA {
		userA, userB = userB, userA
	}
	session := models.ChatSession{
		ChatID:    models.DeriveChatID(uidA, uidB),
		UserA:     userA,
		UserB:     userB,
		StartedAt: now,
		Temporary: !friends,
	}
	if session.Temporary {
		expireAt := now.Add(s.cfg.GracePeriod)
		session.ExpireAt = &expireAt
	}

	item := func(owner, other string) models.ChatListItem {
		p := profiles[other]
		name := p.Name
		if name == "" {
			name = p.Username
		}
		return models.ChatListItem{
			OwnerUID:      owner,
			ChatID:        session.ChatID,
			OtherUID:      other,
			OtherName:     name,
			OtherPhotoURL: p.PhotoURL,
			Temporary:     session.Temporary,
			ExpireAt:      session.ExpireAt,
		}
	}
	return session, []models.ChatListItem{item(userA, userB), item(userB, userA)}, nil
}

// SendMessage appends text to the chat between senderUID and receiverUID,
// creating the chat if needed. The message, the sender's chat list preview
// and the receiver's preview with its unread counter change atomically.
func (s *ChatService) SendMessage(ctx context.Context, chatID, senderUID, receiverUID, text string) (models.Message, error) {
	if err := validatePair(senderUID, receiverUID); err != nil {
		return models.Message{}, err
	}
	if chatID != models.DeriveChatID(senderUID, receiverUID) {
		return models.Message{}, fmt.Errorf("%w: sender and receiver are not the participants of %s", ErrForbidden, chatID)
	}
	if strings.TrimSpace(text) == "" {
		return models.Message{}, invalidf("message text is empty")
	}
	if n := utf8.RuneCountInString(text); n > s.cfg.MaxMessageLength {
		return models.Message{}, invalidf("message text has %d characters, limit is %d", n, s.cfg.MaxMessageLength)
	}

	ctx, span := observability.StartSpan(ctx, "chat.send", "chat_id", chatID)
	defer span.End()

	session, err := s.EnsureSession(ctx, senderUID, receiverUID)
	if err != nil {
		span.RecordError(err)
		return models.Message{}, err
	}
	if session.ChatID != chatID || !session.HasParticipant(senderUID) || !session.HasParticipant(receiverUID) {
		return models.Message{}, fmt.Errorf("%w: sender and receiver are not the participants of %s", ErrForbidden, chatID)
	}

	unlock := s.locks.lock(chatID)
	defer unlock()

	msg := models.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderUID,
		Text:      text,
		Timestamp: s.clock.Now(),
	}
	stored, err := s.messages.Append(ctx, msg, receiverUID)
	if errors.Is(err, repositories.ErrChatNotFound) {
		// Swept or deleted between ensure and append.
		if _, err = s.EnsureSession(ctx, senderUID, receiverUID); err != nil {
			span.RecordError(err)
			return models.Message{}, err
		}
		msg.Timestamp = s.clock.Now()
		stored, err = s.messages.Append(ctx, msg, receiverUID)
	}
	if err != nil {
		span.RecordError(err)
		return models.Message{}, err
	}

	if s.publishLocally && s.hub != nil {
		s.hub.Publish(stored)
	}
	observability.IncMessageSent()
	s.events.Emit(ctx, telemetry.EventMessageSent, senderUID, messageEvent{ChatID: chatID, MessageID: stored.ID, SenderID: senderUID, Seq: stored.Seq})
	return stored, nil
}

// MarkRead clears uid's unread counter for the chat.
func (s *ChatService) MarkRead(ctx context.Context, uid, chatID string) error {
	if uid == "" || chatID == "" {
		return invalidf("uid and chat id are required")
	}
	return s.chats.MarkRead(ctx, uid, chatID, s.clock.Now())
}

// ListChats returns uid's chats, most recent activity first. Chats past their
// expiry are hidden even before the sweeper removes them.
func (s *ChatService) ListChats(ctx context.Context, uid string) ([]models.ChatListItem, error) {
	if uid == "" {
		return nil, invalidf("uid is required")
	}
	items, err := s.chats.ListItems(ctx, uid)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]models.ChatListItem, 0, len(items))
	for _, item := range items {
		if item.Temporary && item.ExpireAt != nil && item.ExpireAt.Before(now) {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// SweepExpired deletes uid's expired temporary chats with their messages and
// returns how many were removed. The friend graph is not touched.
func (s *ChatService) SweepExpired(ctx context.Context, uid string) (int, error) {
	if uid == "" {
		return 0, invalidf("uid is required")
	}
	return s.sweep(ctx, uid)
}

// ExpireAll deletes every expired temporary chat.
func (s *ChatService) ExpireAll(ctx context.Context) (int, error) {
	return s.sweep(ctx, "")
}

func (s *ChatService) sweep(ctx context.Context, ownerUID string) (int, error) {
	deleted := 0
	for {
		now := s.clock.Now()
		expired, err := s.chats.ListExpired(ctx, ownerUID, now, expireBatch)
		if err != nil {
			return deleted, err
		}
		for _, session := range expired {
			ok, err := s.chats.DeleteExpired(ctx, session.ChatID, now)
			if err != nil {
				return deleted, err
			}
			if ok {
				deleted++
				s.emitExpired(ctx, session)
			}
		}
		if len(expired) < expireBatch {
			return deleted, nil
		}
	}
}

func (s *ChatService) emitExpired(ctx context.Context, session models.ChatSession) {
	observability.IncChatSession("expired")
	s.events.Emit(ctx, telemetry.EventChatExpired, "", chatEvent{ChatID: session.ChatID, UserA: session.UserA, UserB: session.UserB, Temporary: true})
}

// DeleteChat removes the chat for both participants. Only a participant may
// delete it.
func (s *ChatService) DeleteChat(ctx context.Context, uid, chatID string) error {
	if _, err := s.participantSession(ctx, uid, chatID); err != nil {
		return err
	}
	deleted, err := s.chats.DeleteSession(ctx, chatID)
	if err != nil {
		return err
	}
	if !deleted {
		return repositories.ErrChatNotFound
	}
	observability.IncChatSession("deleted")
	s.events.Emit(ctx, telemetry.EventChatDeleted, uid, chatEvent{ChatID: chatID})
	return nil
}

func (s *ChatService) participantSession(ctx context.Context, uid, chatID string) (models.ChatSession, error) {
	if uid == "" || chatID == "" {
		return models.ChatSession{}, invalidf("uid and chat id are required")
	}
	session, err := s.chats.GetSession(ctx, chatID)
	if err != nil {
		return models.ChatSession{}, err
	}
	if !session.HasParticipant(uid) {
		return models.ChatSession{}, fmt.Errorf("%w: %s is not a participant of %s", ErrForbidden, uid, chatID)
	}
	return session, nil
}

// PageLimit clamps a requested page size.
func (s *ChatService) PageLimit(limit int) int {
	if limit <= 0 {
		return s.cfg.PageSize
	}
	if limit > s.cfg.MaxPageSize {
		return s.cfg.MaxPageSize
	}
	return limit
}

// PaginateOlder returns up to limit messages strictly older than before,
// newest first. A nil cursor starts at the newest message.
func (s *ChatService) PaginateOlder(ctx context.Context, uid, chatID string, before *models.Cursor, limit int) (models.Page, error) {
	if _, err := s.participantSession(ctx, uid, chatID); err != nil {
		return models.Page{}, err
	}
	limit = s.PageLimit(limit)
	msgs, err := s.messages.ListBefore(ctx, chatID, before, limit)
	if err != nil {
		return models.Page{}, err
	}
	page := models.Page{Messages: msgs, Exhausted: len(msgs) < limit}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	if len(msgs) > 0 {
		next := msgs[len(msgs)-1].Cursor()
		page.Next = &next
	}
	return page, nil
}

// SubscribeLiveTail streams messages after since, oldest first, until ctx is
// done or the subscription is closed. Transient store failures while
// reading the backlog are retried.
func (s *ChatService) SubscribeLiveTail(ctx context.Context, uid, chatID string, since models.Cursor) (*stream.Subscription, error) {
	if _, err := s.participantSession(ctx, uid, chatID); err != nil {
		return nil, err
	}
	return s.subscribe(ctx, chatID, since)
}

// subscribe starts a live tail without checking that the chat exists yet.
func (s *ChatService) subscribe(ctx context.Context, chatID string, since models.Cursor) (*stream.Subscription, error) {
	if s.hub == nil {
		return nil, fmt.Errorf("%w: live tail is not configured", ErrUnavailable)
	}

	backlog := func(ctx context.Context, after models.Cursor) ([]models.Message, error) {
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		return backoff.RetryWithData(func() ([]models.Message, error) {
			msgs, err := s.messages.ListAfter(ctx, chatID, after, s.cfg.MaxPageSize)
			if err != nil && !errors.Is(err, repositories.ErrUnavailable) {
				return nil, backoff.Permanent(err)
			}
			return msgs, err
		}, bo)
	}
	return s.hub.Subscribe(ctx, chatID, since, backlog)
}
