package services

import (
	"context"
	"testing"
	"time"

	"circle-service/internal/clock"
	"circle-service/internal/memstore"
	"circle-service/internal/models"
	"circle-service/internal/stream"
)

var epoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	store     *memstore.Store
	clock     *clock.Fake
	hub       *stream.Hub
	profiles  *ProfileLoader
	discovery *DiscoveryService
	friends   *FriendService
	chat      *ChatService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memstore.New()
	clk := clock.NewFake(epoch)
	hub := stream.NewHub(64)
	t.Cleanup(hub.Close)

	for _, p := range []models.Profile{
		{UID: "alice", Name: "Alice", Username: "alice", PhotoURL: "https://img/alice"},
		{UID: "bob", Name: "Bob", Username: "bob"},
		{UID: "carol", Name: "", Username: "carol"},
	} {
		store.PutProfile(p)
	}

	loader := NewProfileLoader(store.Profiles())
	env := &testEnv{
		store:     store,
		clock:     clk,
		hub:       hub,
		profiles:  loader,
		discovery: NewDiscoveryService(store.Locations(), loader, clk, DefaultDiscoveryConfig()),
		friends:   NewFriendService(store.Friends(), loader, clk, 12*time.Hour, nil),
		chat: NewChatService(ChatDeps{
			Chats:          store.Chats(),
			Messages:       store.Messages(),
			Friends:        store.Friends(),
			Profiles:       store.Profiles(),
			Hub:            hub,
			Clock:          clk,
			PublishLocally: true,
		}, DefaultChatConfig()),
	}
	return env
}

// befriend runs the full request/accept flow.
func (e *testEnv) befriend(t *testing.T, from, to string) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.friends.SendRequest(ctx, from, to); err != nil {
		t.Fatalf("send request: %v", err)
	}
	if _, err := e.friends.AcceptRequest(ctx, to, from); err != nil {
		t.Fatalf("accept request: %v", err)
	}
}
