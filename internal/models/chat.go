package models

import (
	"sort"
	"strings"
	"time"
)

// ChatIDSeparator joins the two participant ids of a chat identity.
const ChatIDSeparator = "::"

// ValidUserID reports whether uid can take part in a chat identity. The
// separator is reserved so distinct pairs never derive the same chat id.
func ValidUserID(uid string) bool {
	return uid != "" && !strings.Contains(uid, ChatIDSeparator)
}

// DeriveChatID returns the canonical chat identity for an unordered pair of users.
func DeriveChatID(uidA, uidB string) string {
	participants := []string{uidA, uidB}
	sort.Strings(participants)
	return strings.Join(participants, ChatIDSeparator)
}

// SplitChatID returns the participants encoded in a chat id.
func SplitChatID(chatID string) (uidA, uidB string, ok bool) {
	uidA, uidB, ok = strings.Cut(chatID, ChatIDSeparator)
	if !ok || !ValidUserID(uidA) || !ValidUserID(uidB) || uidA >= uidB {
		return "", "", false
	}
	return uidA, uidB, true
}

// ChatSession is the shared record of a one-to-one conversation.
type ChatSession struct {
	ChatID    string     `db:"chat_id" json:"chat_id"`
	UserA     string     `db:"user_a" json:"user_a"`
	UserB     string     `db:"user_b" json:"user_b"`
	StartedAt time.Time  `db:"started_at" json:"started_at"`
	Temporary bool       `db:"temporary" json:"temporary"`
	ExpireAt  *time.Time `db:"expire_at" json:"expire_at,omitempty"`
}

// HasParticipant reports whether uid takes part in the chat.
func (s ChatSession) HasParticipant(uid string) bool {
	return s.UserA == uid || s.UserB == uid
}

// Other returns the counterpart of uid.
func (s ChatSession) Other(uid string) string {
	if s.UserA == uid {
		return s.UserB
	}
	return s.UserA
}

// Expired reports whether a temporary session is past its expiry.
func (s ChatSession) Expired(now time.Time) bool {
	return s.Temporary && s.ExpireAt != nil && s.ExpireAt.Before(now)
}

// ChatListItem is one participant's denormalized view of a chat.
type ChatListItem struct {
	OwnerUID      string     `db:"owner_uid" json:"-"`
	ChatID        string     `db:"chat_id" json:"chat_id"`
	OtherUID      string     `db:"other_uid" json:"other_uid"`
	OtherName     string     `db:"other_name" json:"other_name"`
	OtherPhotoURL string     `db:"other_photo_url" json:"other_photo_url"`
	LastMessage   string     `db:"last_message" json:"last_message"`
	LastMessageAt *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
	UnreadCount   int        `db:"unread_count" json:"unread_count"`
	Temporary     bool       `db:"temporary" json:"temporary"`
	ExpireAt      *time.Time `db:"expire_at" json:"expire_at,omitempty"`
	LastReadAt    *time.Time `db:"last_read_at" json:"last_read_at,omitempty"`
}
