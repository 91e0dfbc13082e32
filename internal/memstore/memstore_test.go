package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circle-service/internal/models"
	"circle-service/internal/repositories"
)

func seedChat(t *testing.T, s *Store, a, b string, temporary bool, expireAt *time.Time) string {
	t.Helper()
	chatID := models.DeriveChatID(a, b)
	session := models.ChatSession{ChatID: chatID, UserA: a, UserB: b, StartedAt: time.Unix(0, 0).UTC(), Temporary: temporary, ExpireAt: expireAt}
	items := []models.ChatListItem{
		{OwnerUID: a, ChatID: chatID, OtherUID: b, Temporary: temporary, ExpireAt: expireAt},
		{OwnerUID: b, ChatID: chatID, OtherUID: a, Temporary: temporary, ExpireAt: expireAt},
	}
	created, err := s.Chats().CreateSession(context.Background(), session, items)
	require.NoError(t, err)
	require.True(t, created)
	return chatID
}

func TestAppendKeepsTimestampsIncreasing(t *testing.T) {
	ctx := context.Background()
	s := New()
	chatID := seedChat(t, s, "alice", "bob", false, nil)

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first, err := s.Messages().Append(ctx, models.Message{ID: "1", ChatID: chatID, SenderID: "alice", Text: "hi", Timestamp: at}, "bob")
	require.NoError(t, err)
	second, err := s.Messages().Append(ctx, models.Message{ID: "2", ChatID: chatID, SenderID: "alice", Text: "again", Timestamp: at}, "bob")
	require.NoError(t, err)

	assert.True(t, second.Timestamp.After(first.Timestamp))
	assert.Greater(t, second.Seq, first.Seq)

	bobItem, err := s.Chats().GetItem(ctx, "bob", chatID)
	require.NoError(t, err)
	assert.Equal(t, 2, bobItem.UnreadCount)
	assert.Equal(t, "again", bobItem.LastMessage)

	aliceItem, err := s.Chats().GetItem(ctx, "alice", chatID)
	require.NoError(t, err)
	assert.Equal(t, 0, aliceItem.UnreadCount)
	assert.Equal(t, "again", aliceItem.LastMessage)
}

func TestAppendToMissingChat(t *testing.T) {
	_, err := New().Messages().Append(context.Background(), models.Message{ID: "1", ChatID: "a::b", SenderID: "a"}, "b")
	assert.ErrorIs(t, err, repositories.ErrChatNotFound)
}

func TestDeleteExpiredCascades(t *testing.T) {
	ctx := context.Background()
	s := New()
	past := time.Now().Add(-time.Hour)
	chatID := seedChat(t, s, "alice", "bob", true, &past)
	_, err := s.Messages().Append(ctx, models.Message{ID: "1", ChatID: chatID, SenderID: "alice", Text: "hi", Timestamp: time.Now()}, "bob")
	require.NoError(t, err)

	deleted, err := s.Chats().DeleteExpired(ctx, chatID, time.Now())
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.Chats().GetSession(ctx, chatID)
	assert.ErrorIs(t, err, repositories.ErrChatNotFound)
	_, err = s.Chats().GetItem(ctx, "bob", chatID)
	assert.ErrorIs(t, err, repositories.ErrChatNotFound)
	msgs, err := s.Messages().ListBefore(ctx, chatID, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteExpiredSkipsPromotedChat(t *testing.T) {
	ctx := context.Background()
	s := New()
	past := time.Now().Add(-time.Hour)
	chatID := seedChat(t, s, "alice", "bob", true, &past)

	_, err := s.Friends().CreateRequest(ctx, models.FriendRequest{FromUID: "alice", ToUID: "bob"})
	require.NoError(t, err)
	res, err := s.Friends().AcceptRequest(ctx, "alice", "bob", time.Now())
	require.NoError(t, err)
	assert.True(t, res.ChatPromoted)

	deleted, err := s.Chats().DeleteExpired(ctx, chatID, time.Now())
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestRemoveFriendDemotesChat(t *testing.T) {
	ctx := context.Background()
	s := New()
	chatID := seedChat(t, s, "alice", "bob", false, nil)
	_, err := s.Friends().CreateRequest(ctx, models.FriendRequest{FromUID: "bob", ToUID: "alice"})
	require.NoError(t, err)
	_, err = s.Friends().AcceptRequest(ctx, "bob", "alice", time.Now())
	require.NoError(t, err)

	expireAt := time.Now().Add(12 * time.Hour)
	res, err := s.Friends().RemoveFriend(ctx, "alice", "bob", expireAt)
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.True(t, res.ChatDemoted)

	for _, owner := range []string{"alice", "bob"} {
		item, err := s.Chats().GetItem(ctx, owner, chatID)
		require.NoError(t, err)
		assert.True(t, item.Temporary)
		require.NotNil(t, item.ExpireAt)
		assert.True(t, item.ExpireAt.Equal(expireAt))
	}
	friends, err := s.Friends().IsFriend(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.False(t, friends)
}

func TestListBeforeHonoursCursor(t *testing.T) {
	ctx := context.Background()
	s := New()
	chatID := seedChat(t, s, "alice", "bob", false, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var stored []models.Message
	for i := 0; i < 5; i++ {
		msg, err := s.Messages().Append(ctx, models.Message{ID: string(rune('a' + i)), ChatID: chatID, SenderID: "alice", Text: "m", Timestamp: base.Add(time.Duration(i) * time.Second)}, "bob")
		require.NoError(t, err)
		stored = append(stored, msg)
	}

	cursor := stored[3].Cursor()
	page, err := s.Messages().ListBefore(ctx, chatID, &cursor, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, stored[2].ID, page[0].ID)
	assert.Equal(t, stored[1].ID, page[1].ID)

	after, err := s.Messages().ListAfter(ctx, chatID, stored[1].Cursor(), 10)
	require.NoError(t, err)
	require.Len(t, after, 3)
	assert.Equal(t, stored[2].ID, after[0].ID)
}
