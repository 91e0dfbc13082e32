package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"circle-service/internal/mocks"
	"circle-service/internal/models"
	"circle-service/internal/telemetry"
)

func TestSendRequestRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.friends.SendRequest(ctx, "alice", "alice")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	out, err := env.friends.SendRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, out.Applied)

	out, err = env.friends.SendRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, out.Applied)

	_, err = env.friends.SendRequest(ctx, "bob", "alice")
	assert.ErrorIs(t, err, ErrRequestExists)

	outgoing, err := env.friends.ListOutgoingRequests(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, outgoing, 1)

	_, err = env.friends.AcceptRequest(ctx, "bob", "alice")
	require.NoError(t, err)
	_, err = env.friends.SendRequest(ctx, "bob", "alice")
	assert.ErrorIs(t, err, ErrAlreadyFriends)
}

func TestAcceptPromotesTemporaryChat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.chat.EnsureSession(ctx, "alice", "bob")
	require.NoError(t, err)
	require.True(t, session.Temporary)

	_, err = env.friends.SendRequest(ctx, "bob", "alice")
	require.NoError(t, err)
	out, err := env.friends.AcceptRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, Outcome{Applied: true, ChatPromoted: true}, out)

	session, err = env.store.Chats().GetSession(ctx, session.ChatID)
	require.NoError(t, err)
	assert.False(t, session.Temporary)
	assert.Nil(t, session.ExpireAt)
	for _, owner := range []string{"alice", "bob"} {
		item, err := env.store.Chats().GetItem(ctx, owner, session.ChatID)
		require.NoError(t, err)
		assert.False(t, item.Temporary)
		assert.Nil(t, item.ExpireAt)
	}

	friends, err := env.friends.IsFriend(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.True(t, friends)

	// Stays permanent well past the grace period and survives sweeping.
	env.clock.Advance(48 * time.Hour)
	n, err := env.chat.ExpireAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	session, err = env.store.Chats().GetSession(ctx, session.ChatID)
	require.NoError(t, err)
	assert.False(t, session.Temporary)
}

func TestAcceptWithoutRequestIsNoop(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.friends.AcceptRequest(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.False(t, out.Applied)
}

func TestRejectRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.friends.SendRequest(ctx, "bob", "alice")
	require.NoError(t, err)

	out, err := env.friends.RejectRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, out.Applied)

	out, err = env.friends.RejectRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, out.Applied)

	friends, err := env.friends.IsFriend(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, friends)
}

func TestAcceptRejectRaceHasOneWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		env := newTestEnv(t)
		ctx := context.Background()
		_, err := env.friends.SendRequest(ctx, "bob", "alice")
		require.NoError(t, err)

		var wg sync.WaitGroup
		var accepted, rejected Outcome
		wg.Add(2)
		go func() {
			defer wg.Done()
			accepted, _ = env.friends.AcceptRequest(ctx, "alice", "bob")
		}()
		go func() {
			defer wg.Done()
			rejected, _ = env.friends.RejectRequest(ctx, "alice", "bob")
		}()
		wg.Wait()

		assert.NotEqual(t, accepted.Applied, rejected.Applied)
		friends, err := env.friends.IsFriend(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, accepted.Applied, friends)
	}
}

func TestRemoveFriendRestartsExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.befriend(t, "alice", "bob")
	session, err := env.chat.EnsureSession(ctx, "alice", "bob")
	require.NoError(t, err)
	require.False(t, session.Temporary)

	env.clock.Advance(3 * time.Hour)
	callTime := env.clock.Now()
	out, err := env.friends.RemoveFriend(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, Outcome{Applied: true, ChatDemoted: true}, out)

	session, err = env.store.Chats().GetSession(ctx, session.ChatID)
	require.NoError(t, err)
	assert.True(t, session.Temporary)
	require.NotNil(t, session.ExpireAt)
	assert.True(t, session.ExpireAt.Equal(callTime.Add(12*time.Hour)))

	// Not deleted immediately.
	n, err := env.chat.ExpireAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	out, err = env.friends.RemoveFriend(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, out.Applied)
}

func TestListFriendsAndIncomingAreHydrated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.befriend(t, "alice", "bob")
	_, err := env.friends.SendRequest(ctx, "carol", "alice")
	require.NoError(t, err)
	_, err = env.friends.SendRequest(ctx, "ghost", "alice")
	require.NoError(t, err)

	friends, err := env.friends.ListFriends(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, friends.Profiles, 1)
	assert.Equal(t, "Bob", friends.Profiles[0].Name)

	incoming, err := env.friends.ListIncomingRequests(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, incoming.Requests, 2)
	byFrom := map[string]RequestView{}
	for _, r := range incoming.Requests {
		byFrom[r.FromUID] = r
	}
	require.NotNil(t, byFrom["carol"].From)
	assert.Equal(t, "carol", byFrom["carol"].From.Username)
	assert.Nil(t, byFrom["ghost"].From)
}

func TestFriendEventsAreEmitted(t *testing.T) {
	env := newTestEnv(t)
	emitter := &mocks.EmitterMock{}
	emitter.On("Emit", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()
	svc := NewFriendService(env.store.Friends(), env.profiles, env.clock, 12*time.Hour, emitter)
	ctx := context.Background()

	_, err := env.chat.EnsureSession(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = svc.SendRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = svc.AcceptRequest(ctx, "bob", "alice")
	require.NoError(t, err)

	emitter.AssertCalled(t, "Emit", mock.Anything, telemetry.EventFriendRequestSent, "alice", friendEvent{FromUID: "alice", ToUID: "bob"})
	emitter.AssertCalled(t, "Emit", mock.Anything, telemetry.EventFriendRequestAccepted, "bob", friendEvent{FromUID: "alice", ToUID: "bob"})
	emitter.AssertCalled(t, "Emit", mock.Anything, telemetry.EventChatPromoted, "bob", chatEvent{ChatID: models.DeriveChatID("alice", "bob")})
}
