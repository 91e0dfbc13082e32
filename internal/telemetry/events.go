package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"circle-service/internal/observability"
)

// Domain event types published to the events exchange.
const (
	EventFriendRequestSent     = "friend.request_sent"
	EventFriendRequestAccepted = "friend.request_accepted"
	EventFriendRequestRejected = "friend.request_rejected"
	EventFriendRemoved         = "friend.removed"
	EventChatCreated           = "chat.created"
	EventChatPromoted          = "chat.promoted"
	EventChatDemoted           = "chat.demoted"
	EventChatDeleted           = "chat.deleted"
	EventChatExpired           = "chat.expired"
	EventMessageSent           = "message.sent"
	EventWSConnect             = "ws.connect"
	EventWSDisconnect          = "ws.disconnect"
	EventWSError               = "ws.error"
	EventAuditLog              = "audit_log"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// Envelope wraps every published event.
type Envelope struct {
	SchemaVersion int     `json:"schema_version"`
	EventID       string  `json:"event_id"`
	EventType     string  `json:"event_type"`
	OccurredAt    string  `json:"occurred_at"`
	Service       string  `json:"service"`
	Environment   string  `json:"environment"`
	RequestID     string  `json:"request_id,omitempty"`
	TraceID       string  `json:"trace_id,omitempty"`
	UserID        *string `json:"user_id,omitempty"`
	Payload       any     `json:"payload"`
}

type Emitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
}

func NewEmitter(publisher Publisher, routingKey, service, environment string) *Emitter {
	return &Emitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
	}
}

// Emit publishes eventType under "<routingKey>.<eventType>". Publish failures
// are logged and counted, never returned: events are best effort.
func (e *Emitter) Emit(ctx context.Context, eventType, userID string, payload any) {
	if e == nil || e.publisher == nil {
		return
	}

	envelope := Envelope{
		SchemaVersion: 1,
		EventID:       uuid.NewString(),
		EventType:     eventType,
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     observability.RequestIDFromContext(ctx),
		TraceID:       observability.TraceIDFromContext(ctx),
		Payload:       payload,
	}
	if userID != "" {
		envelope.UserID = &userID
	}

	log.Debug().Str("event_type", eventType).Str("request_id", envelope.RequestID).Msg("event emit")
	if err := e.publisher.Publish(ctx, e.routingKey+"."+eventType, envelope); err != nil {
		observability.IncAMQPPublishError()
		log.Warn().Err(err).Str("event_type", eventType).Msg("event publish failed")
	}
}
