package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"circle-service/internal/clock"
	"circle-service/internal/memstore"
	"circle-service/internal/mocks"
	"circle-service/internal/models"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type expirerStub struct {
	deleted int
	err     error
	calls   int
	swept   chan struct{}
}

func (e *expirerStub) ExpireAll(context.Context) (int, error) {
	e.calls++
	if e.swept != nil {
		e.swept <- struct{}{}
	}
	return e.deleted, e.err
}

func TestRunOnceUsesLocationTTL(t *testing.T) {
	locations := new(mocks.LocationRepositoryMock)
	locations.On("DeleteOlderThan", mock.Anything, now.Add(-30*time.Minute)).Return(int64(3), nil)
	chats := &expirerStub{deleted: 2}

	s := New(locations, chats, clock.NewFake(now), 30*time.Minute)
	report, err := s.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Report{LocationsDeleted: 3, ChatsDeleted: 2}, report)
	locations.AssertExpectations(t)
}

func TestRunOnceContinuesAfterLocationFailure(t *testing.T) {
	boom := errors.New("boom")
	locations := new(mocks.LocationRepositoryMock)
	locations.On("DeleteOlderThan", mock.Anything, mock.Anything).Return(int64(0), boom)
	chats := &expirerStub{deleted: 1}

	s := New(locations, chats, clock.NewFake(now), 30*time.Minute)
	report, err := s.RunOnce(context.Background())

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, chats.calls)
	assert.Equal(t, 1, report.ChatsDeleted)
}

func TestRunOnceAgainstMemoryStore(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, store.Locations().Upsert(ctx, models.UserLocation{UID: "stale", ObservedAt: now.Add(-31 * time.Minute)}))
	require.NoError(t, store.Locations().Upsert(ctx, models.UserLocation{UID: "fresh", ObservedAt: now.Add(-29 * time.Minute)}))

	s := New(store.Locations(), nil, clock.NewFake(now), 30*time.Minute)
	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.LocationsDeleted)

	report, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.LocationsDeleted)
}

func TestRunStopsWithContext(t *testing.T) {
	locations := new(mocks.LocationRepositoryMock)
	locations.On("DeleteOlderThan", mock.Anything, mock.Anything).Return(int64(0), nil)
	chats := &expirerStub{swept: make(chan struct{}, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(locations, chats, clock.NewFake(now), time.Minute).Run(ctx, time.Hour)
		close(done)
	}()

	select {
	case <-chats.swept:
	case <-time.After(time.Second):
		t.Fatal("no sweep on start")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
