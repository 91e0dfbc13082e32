package models

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Message is a single entry of a chat's append-only log.
type Message struct {
	ID        string    `db:"id" json:"id"`
	ChatID    string    `db:"chat_id" json:"chat_id"`
	SenderID  string    `db:"sender_id" json:"sender_id"`
	Text      string    `db:"text" json:"text"`
	Timestamp time.Time `db:"sent_at" json:"timestamp"`
	Seq       int64     `db:"seq" json:"seq"`
}

// Cursor returns the position of the message in its chat's total order.
func (m Message) Cursor() Cursor {
	return Cursor{At: m.Timestamp, Seq: m.Seq}
}

// ChatEvent is pushed to live-tail websocket clients.
type ChatEvent struct {
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a position in a chat ordered by (timestamp, seq).
type Cursor struct {
	At  time.Time
	Seq int64
}

// CursorAt positions a cursor after every message stamped at or before t.
func CursorAt(t time.Time) Cursor {
	return Cursor{At: t, Seq: math.MaxInt64}
}

// Before reports whether c sorts strictly before other.
func (c Cursor) Before(other Cursor) bool {
	if c.At.Equal(other.At) {
		return c.Seq < other.Seq
	}
	return c.At.Before(other.At)
}

// After reports whether c sorts strictly after other.
func (c Cursor) After(other Cursor) bool {
	return other.Before(c)
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d_%d", c.At.UnixMicro(), c.Seq)
}

// ParseCursor decodes the form produced by Cursor.String.
func ParseCursor(raw string) (Cursor, error) {
	micros, seq, ok := strings.Cut(raw, "_")
	if !ok {
		return Cursor{}, ErrInvalidCursor
	}
	us, err := strconv.ParseInt(micros, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return Cursor{At: time.UnixMicro(us).UTC(), Seq: n}, nil
}

// Page is one step of reverse-chronological pagination.
type Page struct {
	Messages  []Message `json:"messages"`
	Next      *Cursor   `json:"-"`
	Exhausted bool      `json:"exhausted"`
}
