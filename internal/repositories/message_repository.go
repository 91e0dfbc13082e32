package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"circle-service/internal/models"
)

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	Append(ctx context.Context, msg models.Message, receiverUID string) (models.Message, error)
	ListBefore(ctx context.Context, chatID string, before *models.Cursor, limit int) ([]models.Message, error)
	ListAfter(ctx context.Context, chatID string, after models.Cursor, limit int) ([]models.Message, error)
	GetBySeq(ctx context.Context, chatID string, seq int64) (models.Message, error)
}

// MessageNotification is the payload sent on the notify channel after an
// append commits.
type MessageNotification struct {
	ChatID string `json:"chat_id"`
	Seq    int64  `json:"seq"`
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db            *sqlx.DB
	notifyChannel string
}

// MessageRepoOption configures a MessageRepo.
type MessageRepoOption func(*MessageRepo)

// WithNotifyChannel makes Append issue pg_notify on channel inside the append
// transaction, so listeners observe messages in commit order.
func WithNotifyChannel(channel string) MessageRepoOption {
	return func(r *MessageRepo) { r.notifyChannel = channel }
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB, opts ...MessageRepoOption) *MessageRepo {
	r := &MessageRepo{db: db}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const messageColumns = `seq, id, chat_id, sender_id, text, sent_at`

// Append stores the message and updates both participants' chat list items in
// one transaction. The session row is locked so timestamps within a chat are
// strictly increasing even across service instances; the stored message is
// returned with its final timestamp and seq.
func (r *MessageRepo) Append(ctx context.Context, msg models.Message, receiverUID string) (stored models.Message, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, classify("begin append", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var last sql.NullTime
	err = tx.GetContext(ctx, &last, `SELECT last_sent_at FROM chat_sessions WHERE chat_id=$1 FOR UPDATE`, msg.ChatID)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrChatNotFound
		return models.Message{}, err
	}
	if err != nil {
		return models.Message{}, classify("lock chat", err)
	}
	if last.Valid && !msg.Timestamp.After(last.Time) {
		msg.Timestamp = last.Time.Add(time.Microsecond)
	}

	if err = tx.GetContext(ctx, &msg.Seq, `INSERT INTO chat_messages (id, chat_id, sender_id, text, sent_at) VALUES ($1, $2, $3, $4, $5) RETURNING seq`,
		msg.ID, msg.ChatID, msg.SenderID, msg.Text, msg.Timestamp); err != nil {
		return models.Message{}, classify("insert message", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE chat_sessions SET last_sent_at = $2 WHERE chat_id=$1`, msg.ChatID, msg.Timestamp); err != nil {
		return models.Message{}, classify("touch chat", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE chat_list_items SET last_message = $3, last_message_at = $4 WHERE chat_id=$1 AND owner_uid=$2`,
		msg.ChatID, msg.SenderID, msg.Text, msg.Timestamp); err != nil {
		return models.Message{}, classify("update sender item", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE chat_list_items SET last_message = $3, last_message_at = $4, unread_count = unread_count + 1 WHERE chat_id=$1 AND owner_uid=$2`,
		msg.ChatID, receiverUID, msg.Text, msg.Timestamp); err != nil {
		return models.Message{}, classify("update receiver item", err)
	}

	if r.notifyChannel != "" {
		payload, merr := json.Marshal(MessageNotification{ChatID: msg.ChatID, Seq: msg.Seq})
		if merr != nil {
			err = merr
			return models.Message{}, err
		}
		if _, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, string(payload)); err != nil {
			return models.Message{}, classify("notify message", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, classify("commit append", err)
	}
	return msg, nil
}

// ListBefore returns up to limit messages strictly before the cursor, newest
// first. A nil cursor starts from the newest message.
func (r *MessageRepo) ListBefore(ctx context.Context, chatID string, before *models.Cursor, limit int) ([]models.Message, error) {
	var msgs []models.Message
	var err error
	if before == nil {
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM chat_messages WHERE chat_id=$1
            ORDER BY sent_at DESC, seq DESC LIMIT $2`, chatID, limit)
	} else {
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM chat_messages WHERE chat_id=$1 AND (sent_at, seq) < ($2, $3)
            ORDER BY sent_at DESC, seq DESC LIMIT $4`, chatID, before.At, before.Seq, limit)
	}
	return msgs, classify("list messages before", err)
}

// ListAfter returns up to limit messages strictly after the cursor, oldest
// first.
func (r *MessageRepo) ListAfter(ctx context.Context, chatID string, after models.Cursor, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM chat_messages WHERE chat_id=$1 AND (sent_at, seq) > ($2, $3)
        ORDER BY sent_at ASC, seq ASC LIMIT $4`, chatID, after.At, after.Seq, limit)
	return msgs, classify("list messages after", err)
}

// GetBySeq fetches a single message.
func (r *MessageRepo) GetBySeq(ctx context.Context, chatID string, seq int64) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM chat_messages WHERE chat_id=$1 AND seq=$2`, chatID, seq)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, classify("get message", err)
}
