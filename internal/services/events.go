package services

import "context"

// EventEmitter publishes domain events. *telemetry.Emitter implements it.
type EventEmitter interface {
	Emit(ctx context.Context, eventType, userID string, payload any)
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, string, string, any) {}

func emitterOrNoop(e EventEmitter) EventEmitter {
	if e == nil {
		return noopEmitter{}
	}
	return e
}

type chatEvent struct {
	ChatID    string `json:"chat_id"`
	UserA     string `json:"user_a,omitempty"`
	UserB     string `json:"user_b,omitempty"`
	Temporary bool   `json:"temporary"`
}

type friendEvent struct {
	FromUID string `json:"from_uid"`
	ToUID   string `json:"to_uid"`
}

type messageEvent struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Seq       int64  `json:"seq"`
}
