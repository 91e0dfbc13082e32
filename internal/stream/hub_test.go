package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circle-service/internal/models"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msgAt(chatID string, seq int64) models.Message {
	return models.Message{
		ID:        fmt.Sprintf("m%d", seq),
		ChatID:    chatID,
		SenderID:  "alice",
		Text:      "hello",
		Timestamp: base.Add(time.Duration(seq) * time.Microsecond),
		Seq:       seq,
	}
}

// memLog is a minimal ordered log used as a backlog source.
type memLog struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (l *memLog) add(m models.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, m)
}

func (l *memLog) backlog(pageSize int) BacklogFunc {
	return func(_ context.Context, after models.Cursor) ([]models.Message, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		var out []models.Message
		for _, m := range l.msgs {
			if m.Cursor().After(after) && len(out) < pageSize {
				out = append(out, m)
			}
		}
		return out, nil
	}
}

func receive(t *testing.T, sub *Subscription, n int) []models.Message {
	t.Helper()
	var got []models.Message
	for len(got) < n {
		select {
		case m, ok := <-sub.C():
			require.True(t, ok, "subscription closed early: %v", sub.Err())
			got = append(got, m)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d messages", len(got), n)
		}
	}
	return got
}

func seqs(msgs []models.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Seq)
	}
	return out
}

func TestSubscribeReplaysBacklogThenLive(t *testing.T) {
	hub := NewHub(16)
	log := &memLog{}
	for i := int64(1); i <= 5; i++ {
		log.add(msgAt("c", i))
	}

	sub, err := hub.Subscribe(context.Background(), "c", msgAt("c", 2).Cursor(), log.backlog(2))
	require.NoError(t, err)
	defer sub.Close()

	hub.Publish(msgAt("c", 6))
	got := receive(t, sub, 4)
	assert.Equal(t, []int64{3, 4, 5, 6}, seqs(got))
}

func TestSubscribeDropsDuplicatesFromRegistrationWindow(t *testing.T) {
	hub := NewHub(16)
	log := &memLog{}
	log.add(msgAt("c", 1))

	// Message 2 is both in the backlog and published live.
	backlog := func(ctx context.Context, after models.Cursor) ([]models.Message, error) {
		page, err := log.backlog(10)(ctx, after)
		if len(page) > 0 && page[len(page)-1].Seq == 1 {
			log.add(msgAt("c", 2))
			hub.Publish(msgAt("c", 2))
		}
		return page, err
	}

	sub, err := hub.Subscribe(context.Background(), "c", models.Cursor{}, backlog)
	require.NoError(t, err)
	defer sub.Close()

	hub.Publish(msgAt("c", 3))
	got := receive(t, sub, 3)
	assert.Equal(t, []int64{1, 2, 3}, seqs(got))
}

func TestSubscribeIgnoresOtherChats(t *testing.T) {
	hub := NewHub(16)
	sub, err := hub.Subscribe(context.Background(), "c", models.Cursor{}, nil)
	require.NoError(t, err)
	defer sub.Close()

	hub.Publish(msgAt("other", 1))
	hub.Publish(msgAt("c", 2))
	got := receive(t, sub, 1)
	assert.Equal(t, int64(2), got[0].Seq)
}

func TestCloseReleasesOnlyThatSubscription(t *testing.T) {
	hub := NewHub(16)
	first, err := hub.Subscribe(context.Background(), "c", models.Cursor{}, nil)
	require.NoError(t, err)
	second, err := hub.Subscribe(context.Background(), "c", models.Cursor{}, nil)
	require.NoError(t, err)
	defer second.Close()

	first.Close()
	first.Close()
	_, ok := <-first.C()
	assert.False(t, ok)
	assert.NoError(t, first.Err())

	hub.Publish(msgAt("c", 1))
	got := receive(t, second, 1)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.True(t, hub.HasSubscribers("c"))
}

func TestContextCancelEndsSubscription(t *testing.T) {
	hub := NewHub(16)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := hub.Subscribe(ctx, "c", models.Cursor{}, nil)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}
	assert.Eventually(t, func() bool { return !hub.HasSubscribers("c") }, time.Second, 10*time.Millisecond)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	hub := NewHub(2)
	sub, err := hub.Subscribe(context.Background(), "c", models.Cursor{}, nil)
	require.NoError(t, err)
	defer sub.Close()

	// Nobody reads: one message may sit in the pump, two in the buffer.
	for i := int64(1); i <= 10; i++ {
		hub.Publish(msgAt("c", i))
	}

	assert.False(t, hub.HasSubscribers("c"))
	for range sub.C() {
	}
	assert.ErrorIs(t, sub.Err(), ErrSlowConsumer)
}

func TestBacklogErrorUnregisters(t *testing.T) {
	hub := NewHub(16)
	boom := errors.New("store down")
	_, err := hub.Subscribe(context.Background(), "c", models.Cursor{}, func(context.Context, models.Cursor) ([]models.Message, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, hub.HasSubscribers("c"))
}

func TestResyncRecoversMissedMessages(t *testing.T) {
	hub := NewHub(16)
	log := &memLog{}
	sub, err := hub.Subscribe(context.Background(), "c", models.Cursor{}, log.backlog(10))
	require.NoError(t, err)
	defer sub.Close()

	// Committed elsewhere, notification lost.
	log.add(msgAt("c", 1))
	log.add(msgAt("c", 2))
	hub.Resync()

	got := receive(t, sub, 2)
	assert.Equal(t, []int64{1, 2}, seqs(got))
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	hub := NewHub(16)
	sub, err := hub.Subscribe(context.Background(), "c", models.Cursor{}, nil)
	require.NoError(t, err)

	hub.Close()
	for range sub.C() {
	}
	_, err = hub.Subscribe(context.Background(), "c", models.Cursor{}, nil)
	assert.ErrorIs(t, err, ErrHubClosed)
}
