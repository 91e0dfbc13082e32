package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"circle-service/internal/models"
)

// ChatRepository abstracts chat session and chat list persistence.
type ChatRepository interface {
	GetSession(ctx context.Context, chatID string) (models.ChatSession, error)
	CreateSession(ctx context.Context, session models.ChatSession, items []models.ChatListItem) (bool, error)
	GetItem(ctx context.Context, ownerUID, chatID string) (models.ChatListItem, error)
	ListItems(ctx context.Context, ownerUID string) ([]models.ChatListItem, error)
	MarkRead(ctx context.Context, ownerUID, chatID string, at time.Time) error
	ListExpired(ctx context.Context, ownerUID string, now time.Time, limit int) ([]models.ChatSession, error)
	DeleteExpired(ctx context.Context, chatID string, now time.Time) (bool, error)
	DeleteSession(ctx context.Context, chatID string) (bool, error)
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

const (
	sessionColumns = `chat_id, user_a, user_b, started_at, temporary, expire_at`
	itemColumns    = `owner_uid, chat_id, other_uid, other_name, other_photo_url, last_message, last_message_at, unread_count, temporary, expire_at, last_read_at`
)

// GetSession fetches a chat session by id.
func (r *ChatRepo) GetSession(ctx context.Context, chatID string) (models.ChatSession, error) {
	var s models.ChatSession
	err := r.db.GetContext(ctx, &s, `SELECT `+sessionColumns+` FROM chat_sessions WHERE chat_id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatSession{}, ErrChatNotFound
	}
	return s, classify("get chat", err)
}

// CreateSession inserts the session and its list items if the session does not
// exist yet. It returns false when another writer created it first, in which
// case nothing is written. The pair lock orders creation against friend
// transitions; a pair that became friends meanwhile gets a permanent chat.
func (r *ChatRepo) CreateSession(ctx context.Context, session models.ChatSession, items []models.ChatListItem) (created bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, classify("begin create chat", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = lockPair(ctx, tx, session.UserA, session.UserB); err != nil {
		return false, err
	}
	var friends bool
	if err = tx.GetContext(ctx, &friends, `SELECT EXISTS(SELECT 1 FROM friend_edges WHERE owner_uid=$1 AND friend_uid=$2)`, session.UserA, session.UserB); err != nil {
		return false, classify("check friendship", err)
	}
	if friends {
		session.Temporary, session.ExpireAt = false, nil
		for i := range items {
			items[i].Temporary, items[i].ExpireAt = false, nil
		}
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO chat_sessions (chat_id, user_a, user_b, started_at, temporary, expire_at) VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (chat_id) DO NOTHING`,
		session.ChatID, session.UserA, session.UserB, session.StartedAt, session.Temporary, session.ExpireAt)
	if err != nil {
		return false, classify("insert chat", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if count == 0 {
		err = tx.Commit()
		return false, classify("commit create chat", err)
	}

	for _, item := range items {
		if _, err = tx.NamedExecContext(ctx, `INSERT INTO chat_list_items (`+itemColumns+`) VALUES
            (:owner_uid, :chat_id, :other_uid, :other_name, :other_photo_url, :last_message, :last_message_at, :unread_count, :temporary, :expire_at, :last_read_at)`, item); err != nil {
			return false, classify("insert chat item", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return false, classify("commit create chat", err)
	}
	return true, nil
}

// GetItem fetches one participant's view of a chat.
func (r *ChatRepo) GetItem(ctx context.Context, ownerUID, chatID string) (models.ChatListItem, error) {
	var item models.ChatListItem
	err := r.db.GetContext(ctx, &item, `SELECT `+itemColumns+` FROM chat_list_items WHERE owner_uid=$1 AND chat_id=$2`, ownerUID, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatListItem{}, ErrChatNotFound
	}
	return item, classify("get chat item", err)
}

// ListItems returns the user's chat list, most recent activity first.
func (r *ChatRepo) ListItems(ctx context.Context, ownerUID string) ([]models.ChatListItem, error) {
	var items []models.ChatListItem
	err := r.db.SelectContext(ctx, &items, `SELECT `+itemColumns+` FROM chat_list_items WHERE owner_uid=$1
        ORDER BY COALESCE(last_message_at, '-infinity'::timestamptz) DESC, chat_id ASC`, ownerUID)
	return items, classify("list chat items", err)
}

// MarkRead resets the owner's unread counter.
func (r *ChatRepo) MarkRead(ctx context.Context, ownerUID, chatID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE chat_list_items SET unread_count = 0, last_read_at = $3 WHERE owner_uid=$1 AND chat_id=$2`, ownerUID, chatID, at)
	if err != nil {
		return classify("mark read", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrChatNotFound
	}
	return nil
}

// ListExpired returns temporary sessions whose expiry is before now. An empty
// ownerUID lists across all users.
func (r *ChatRepo) ListExpired(ctx context.Context, ownerUID string, now time.Time, limit int) ([]models.ChatSession, error) {
	var sessions []models.ChatSession
	var err error
	if ownerUID == "" {
		err = r.db.SelectContext(ctx, &sessions, `SELECT `+sessionColumns+` FROM chat_sessions
            WHERE temporary AND expire_at < $1 ORDER BY expire_at ASC LIMIT $2`, now, limit)
	} else {
		err = r.db.SelectContext(ctx, &sessions, `SELECT `+sessionColumns+` FROM chat_sessions
            WHERE (user_a=$1 OR user_b=$1) AND temporary AND expire_at < $2 ORDER BY expire_at ASC LIMIT $3`, ownerUID, now, limit)
	}
	return sessions, classify("list expired chats", err)
}

// DeleteExpired removes the session together with its list items and messages,
// but only if it is still temporary and expired. A chat promoted since it was
// listed survives.
func (r *ChatRepo) DeleteExpired(ctx context.Context, chatID string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE chat_id=$1 AND temporary AND expire_at < $2`, chatID, now)
	if err != nil {
		return false, classify("delete expired chat", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeleteSession removes the session, its list items and its messages.
func (r *ChatRepo) DeleteSession(ctx context.Context, chatID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE chat_id=$1`, chatID)
	if err != nil {
		return false, classify("delete chat", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
