package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"circle-service/internal/telemetry"
)

const appID = "circle-service"

// Publisher sends domain and audit envelopes to the broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// Status describes which publisher NewPublisher settled on.
type Status struct {
	Mode   string
	Reason string
}

// StatusOf reports the publisher mode for startup logging.
func StatusOf(p Publisher) Status {
	switch pub := p.(type) {
	case *brokerPublisher:
		return Status{Mode: "amqp"}
	case discardPublisher:
		return Status{Mode: "noop", Reason: pub.reason}
	default:
		return Status{Mode: "unknown"}
	}
}

// NewPublisher connects to amqpURL and declares a durable topic exchange.
// Events are optional for the service, so any failure yields a publisher that
// only logs.
func NewPublisher(amqpURL, exchange string) Publisher {
	logger := log.With().Str("component", "rabbitmq").Logger()
	if amqpURL == "" {
		return discard(logger, "empty amqp url")
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return discard(logger, err.Error())
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return discard(logger, err.Error())
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return discard(logger, err.Error())
	}

	logger.Info().Str("exchange", exchange).Msg("rabbitmq connected")
	return &brokerPublisher{conn: conn, ch: ch, exchange: exchange, logger: logger}
}

func discard(logger zerolog.Logger, reason string) Publisher {
	logger.Warn().Str("reason", reason).Msg("rabbitmq disabled, events are logged only")
	return discardPublisher{reason: reason, logger: logger}
}

type brokerPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   zerolog.Logger
}

func (p *brokerPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	msg, err := publishingFor(event, time.Now().UTC())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		p.logger.Error().Err(err).Str("routing_key", routingKey).Str("type", msg.Type).Msg("publish failed")
		return err
	}
	return nil
}

func (p *brokerPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ch.Close()
	return p.conn.Close()
}

// publishingFor encodes event as a persistent JSON message. Envelopes also
// carry their type and correlation ids as message properties.
func publishingFor(event any, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, err
	}
	msg := amqp.Publishing{
		AppId:        appID,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Body:         body,
	}
	envelope, ok := event.(telemetry.Envelope)
	if !ok {
		return msg, nil
	}
	msg.Type = envelope.EventType
	msg.MessageId = envelope.EventID
	msg.CorrelationId = envelope.RequestID
	if envelope.TraceID != "" {
		msg.Headers = amqp.Table{"trace_id": envelope.TraceID}
	}
	return msg, nil
}

type discardPublisher struct {
	reason string
	logger zerolog.Logger
}

func (p discardPublisher) Publish(_ context.Context, routingKey string, event any) error {
	entry := p.logger.Debug().Str("routing_key", routingKey)
	if envelope, ok := event.(telemetry.Envelope); ok {
		entry = entry.Str("event_type", envelope.EventType).Str("request_id", envelope.RequestID)
	}
	entry.Msg("event dropped")
	return nil
}

func (discardPublisher) Close() error { return nil }
