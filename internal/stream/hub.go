// Package stream fans new chat messages out to live-tail subscribers.
package stream

import (
	"context"
	"errors"
	"sync"

	"circle-service/internal/models"
	"circle-service/internal/observability"
)

var (
	// ErrSlowConsumer is reported by Subscription.Err when the subscriber fell
	// behind and was dropped.
	ErrSlowConsumer = errors.New("live tail subscriber fell behind")
	ErrHubClosed    = errors.New("stream hub closed")
)

const DefaultBuffer = 256

// BacklogFunc loads up to one page of messages strictly after the cursor,
// oldest first. An empty page ends the backlog.
type BacklogFunc func(ctx context.Context, after models.Cursor) ([]models.Message, error)

// Hub routes published messages to the subscriptions of their chat.
type Hub struct {
	mu     sync.RWMutex
	chats  map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{chats: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Publish hands msg to every subscription of its chat without blocking. A
// subscription whose buffer is full is dropped with ErrSlowConsumer.
func (h *Hub) Publish(msg models.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.chats[msg.ChatID] {
		select {
		case sub.feed <- msg:
		default:
			sub.setErr(ErrSlowConsumer)
			h.removeLocked(sub)
			observability.IncLiveTailDropped()
		}
	}
}

// HasSubscribers reports whether anyone tails chatID on this instance.
func (h *Hub) HasSubscribers(chatID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.chats[chatID]) > 0
}

// Resync asks every subscription to reload from its last delivered position.
// It is used after the cross-instance feed reconnects and may have missed
// notifications.
func (h *Hub) Resync() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, subs := range h.chats {
		for sub := range subs {
			select {
			case sub.resync <- struct{}{}:
			default:
			}
		}
	}
}

// Close terminates every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, subs := range h.chats {
		for sub := range subs {
			h.removeLocked(sub)
		}
	}
}

// Subscribe registers a subscription for chatID, replays everything after
// since using backlog and then follows live messages. Registration happens
// before the backlog is read, so a message committed in between arrives at
// least once and the cursor filter delivers it exactly once. The subscription
// ends when ctx is done or Close is called.
func (h *Hub) Subscribe(ctx context.Context, chatID string, since models.Cursor, backlog BacklogFunc) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		hub:     h,
		chatID:  chatID,
		feed:    make(chan models.Message, h.buffer),
		resync:  make(chan struct{}, 1),
		out:     make(chan models.Message),
		stopped: make(chan struct{}),
		cancel:  cancel,
		last:    since,
		backlog: backlog,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, ErrHubClosed
	}
	if h.chats[chatID] == nil {
		h.chats[chatID] = make(map[*Subscription]struct{})
	}
	h.chats[chatID][sub] = struct{}{}
	h.mu.Unlock()

	pending, err := sub.loadBacklog(ctx)
	if err != nil {
		h.remove(sub)
		cancel()
		return nil, err
	}

	observability.IncLiveTail()
	go sub.pump(ctx, pending)
	return sub, nil
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// removeLocked unregisters sub and closes its feed. The feed is only ever
// closed here, while sub is still registered, so it is closed once.
func (h *Hub) removeLocked(sub *Subscription) {
	subs := h.chats[sub.chatID]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.chats, sub.chatID)
	}
	close(sub.feed)
}

// Subscription is one live tail of a chat.
type Subscription struct {
	hub     *Hub
	chatID  string
	feed    chan models.Message
	resync  chan struct{}
	out     chan models.Message
	stopped chan struct{}
	cancel  context.CancelFunc
	backlog BacklogFunc

	// last is owned by the pump goroutine once it starts.
	last models.Cursor

	errMu sync.Mutex
	err   error
}

// C delivers messages in ascending (timestamp, seq) order. It is closed when
// the subscription ends; Err then explains why.
func (s *Subscription) C() <-chan models.Message { return s.out }

// ChatID returns the tailed chat.
func (s *Subscription) ChatID() string { return s.chatID }

// Err returns nil after a regular Close or context cancellation.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close releases the subscription and waits for its goroutine to exit. It is
// safe to call more than once and from any goroutine.
func (s *Subscription) Close() {
	s.cancel()
	<-s.stopped
}

func (s *Subscription) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Subscription) loadBacklog(ctx context.Context) ([]models.Message, error) {
	if s.backlog == nil {
		return nil, nil
	}
	var all []models.Message
	after := s.last
	for {
		page, err := s.backlog(ctx, after)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return all, nil
		}
		all = append(all, page...)
		after = page[len(page)-1].Cursor()
	}
}

func (s *Subscription) pump(ctx context.Context, pending []models.Message) {
	defer close(s.stopped)
	defer close(s.out)
	defer observability.DecLiveTail()
	defer s.hub.remove(s)
	defer s.cancel()

	for _, msg := range pending {
		if !s.deliver(ctx, msg) {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.feed:
			if !ok {
				return
			}
			if !s.deliver(ctx, msg) {
				return
			}
		case <-s.resync:
			missed, err := s.loadBacklog(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.setErr(err)
				}
				return
			}
			for _, msg := range missed {
				if !s.deliver(ctx, msg) {
					return
				}
			}
		}
	}
}

// deliver forwards msg unless it was already delivered. It returns false once
// the subscription is done.
func (s *Subscription) deliver(ctx context.Context, msg models.Message) bool {
	if !msg.Cursor().After(s.last) {
		return true
	}
	select {
	case s.out <- msg:
		s.last = msg.Cursor()
		return true
	case <-ctx.Done():
		return false
	}
}
