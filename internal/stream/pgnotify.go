package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"circle-service/internal/models"
	"circle-service/internal/repositories"
)

// MessageLoader fetches a committed message by its store sequence.
type MessageLoader interface {
	GetBySeq(ctx context.Context, chatID string, seq int64) (models.Message, error)
}

// Notification is what the listener consumes. It mirrors pq.Notification so
// tests can feed it without a database.
type Notification struct {
	Channel string
	Payload string
}

// PGListener relays messages appended on any instance to the local hub using
// Postgres LISTEN/NOTIFY.
type PGListener struct {
	dsn     string
	channel string
	hub     *Hub
	loader  MessageLoader
	logger  zerolog.Logger

	minReconnect time.Duration
	maxReconnect time.Duration
	pingEvery    time.Duration
}

func NewPGListener(dsn, channel string, hub *Hub, loader MessageLoader) *PGListener {
	return &PGListener{
		dsn:          dsn,
		channel:      channel,
		hub:          hub,
		loader:       loader,
		logger:       log.With().Str("component", "pg_listener").Str("channel", channel).Logger(),
		minReconnect: time.Second,
		maxReconnect: time.Minute,
		pingEvery:    90 * time.Second,
	}
}

// Run listens until ctx is done. The pq listener reconnects on its own with
// exponential backoff between minReconnect and maxReconnect; after each
// reconnect subscribers are resynced from the store.
func (l *PGListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, l.minReconnect, l.maxReconnect, l.onEvent)
	defer listener.Close()

	if err := listener.Listen(l.channel); err != nil {
		return err
	}
	l.logger.Info().Msg("listening for message notifications")

	ticker := time.NewTicker(l.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// Connection was re-established; notifications may have been lost.
				l.hub.Resync()
				continue
			}
			l.Handle(ctx, Notification{Channel: n.Channel, Payload: n.Extra})
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Warn().Err(err).Msg("listener ping failed")
				}
			}()
		}
	}
}

func (l *PGListener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		l.logger.Info().Msg("listener connected")
	case pq.ListenerEventDisconnected:
		l.logger.Warn().Err(err).Msg("listener disconnected")
	case pq.ListenerEventReconnected:
		l.logger.Info().Msg("listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn().Err(err).Msg("listener connection attempt failed")
	}
}

// Handle publishes the notified message to local subscribers, if any.
func (l *PGListener) Handle(ctx context.Context, n Notification) {
	var note repositories.MessageNotification
	if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
		l.logger.Warn().Err(err).Str("payload", n.Payload).Msg("malformed notification")
		return
	}
	if !l.hub.HasSubscribers(note.ChatID) {
		return
	}

	msg, err := l.loader.GetBySeq(ctx, note.ChatID, note.Seq)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		// Chat was deleted between commit and delivery.
		return
	}
	if err != nil {
		l.logger.Error().Err(err).Str("chat_id", note.ChatID).Int64("seq", note.Seq).Msg("load notified message")
		l.hub.Resync()
		return
	}
	l.hub.Publish(msg)
}
