package teams

import (
	"context"
	"testing"
	"time"

	"github.com/neilsb/mx-puppet-teams/internal/graph"
	"github.com/neilsb/mx-puppet-teams/internal/store"
)

func seedChat(c *Client, chatID, userID string) {
	c.insertChat(Chat{
		ID:      chatID,
		Name:    userID,
		Members: map[string]User{userID: {ID: userID, DisplayName: userID}},
	})
}

func TestReconcileCreatesForExpiredSubscription(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(t)
	c := newTestClient(t, remote, &fakeEvents{})
	seedChat(c, "chat-1", "alice")

	c.reconcileSubscriptions(context.Background())

	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.createdSubs) != 1 {
		t.Fatalf("expected 1 created subscription, got %d", len(remote.createdSubs))
	}
	if len(remote.renewed) != 0 {
		t.Fatalf("expired subscription must never be patched")
	}

	sub := remote.createdSubs[0]
	if sub.Resource != "/chats/chat-1/messages" {
		t.Errorf("unexpected resource: %s", sub.Resource)
	}
	if sub.ChangeType != "created,updated,deleted" {
		t.Errorf("unexpected change type: %s", sub.ChangeType)
	}
	if sub.NotificationURL != "https://bridge.example.org/1/chatSub" {
		t.Errorf("unexpected notification url: %s", sub.NotificationURL)
	}
	if sub.ClientState == "" {
		t.Errorf("client state must be set")
	}

	chat, _ := c.Chat("chat-1")
	if chat.SubscriptionID != "sub-1" {
		t.Errorf("subscription id not recorded: %s", chat.SubscriptionID)
	}
	if !chat.SubscriptionExpiry.After(time.Now()) {
		t.Errorf("expiry not recorded")
	}
}

func TestReconcileRenewsActiveSubscription(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(t)
	c := newTestClient(t, remote, &fakeEvents{})
	seedChat(c, "chat-1", "alice")
	c.setSubscription(context.Background(), "chat-1", "sub-live", time.Now().Add(10*time.Minute))

	c.reconcileSubscriptions(context.Background())

	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.renewed) != 1 || remote.renewed[0] != "sub-live" {
		t.Fatalf("expected one renewal of sub-live, got %v", remote.renewed)
	}
	if len(remote.createdSubs) != 0 {
		t.Fatalf("active subscription must not be recreated")
	}
}

func TestReconcileSkipsSubscriptionOutsideHorizon(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(t)
	c := newTestClient(t, remote, &fakeEvents{})
	seedChat(c, "chat-1", "alice")
	c.setSubscription(context.Background(), "chat-1", "sub-live", time.Now().Add(50*time.Minute))

	c.reconcileSubscriptions(context.Background())

	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.renewed) != 0 || len(remote.createdSubs) != 0 {
		t.Fatalf("subscription outside the horizon must be left alone")
	}
}

func TestEnsureSubscriptionIdempotent(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(t)
	c := newTestClient(t, remote, &fakeEvents{})
	seedChat(c, "chat-1", "alice")

	if err := c.EnsureSubscription(context.Background(), "chat-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := c.EnsureSubscription(context.Background(), "chat-1"); err != nil {
		t.Fatalf("ensure again: %v", err)
	}

	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.createdSubs) != 1 {
		t.Fatalf("expected exactly 1 create, got %d", len(remote.createdSubs))
	}
}

func TestLoadSubscriptionsSkipsForeignEndpoint(t *testing.T) {
	t.Parallel()

	expiry := time.Now().Add(40 * time.Minute).UTC().Truncate(time.Second)
	remote := newFakeRemote(t)
	remote.subs = []graph.Subscription{
		{
			ID:                 "sub-own",
			Resource:           "/chats/chat-1/messages",
			NotificationURL:    "https://bridge.example.org/1/chatSub",
			ExpirationDateTime: expiry,
		},
		{
			ID:              "sub-foreign",
			Resource:        "/chats/chat-2/messages",
			NotificationURL: "https://bridge.example.org/2/chatSub",
		},
		{
			ID:              "sub-unknown-chat",
			Resource:        "/chats/chat-3/messages",
			NotificationURL: "https://bridge.example.org/1/chatSub",
		},
	}

	c := newTestClient(t, remote, &fakeEvents{})
	seedChat(c, "chat-1", "alice")
	seedChat(c, "chat-2", "bob")

	c.loadSubscriptions(context.Background())

	chat1, _ := c.Chat("chat-1")
	if chat1.SubscriptionID != "sub-own" || !chat1.SubscriptionExpiry.Equal(expiry) {
		t.Errorf("own subscription not adopted: %+v", chat1)
	}
	chat2, _ := c.Chat("chat-2")
	if chat2.SubscriptionID != "" {
		t.Errorf("foreign subscription must not be adopted: %+v", chat2)
	}
}

func TestStartSeedsStoredSubscriptions(t *testing.T) {
	t.Parallel()

	now := time.Now()
	remote := newFakeRemote(t)
	remote.pages = []graph.ChatPage{{
		Value: []graph.Chat{oneOnOneChat("chat-1", now.Add(-time.Minute),
			member("owner", "Me", "me@example.org"),
			member("alice", "Alice", "alice@example.org"))},
	}}

	subs := store.NewMemory()
	expiry := now.Add(50 * time.Minute)
	if err := subs.UpsertSubscription(context.Background(), store.Subscription{
		PuppetID:       1,
		ChatID:         "chat-1",
		SubscriptionID: "sub-stored",
		ExpiresAt:      expiry,
	}); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	c := newTestClient(t, remote, &fakeEvents{})
	c.opts.Subscriptions = subs

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	chat, ok := c.Chat("chat-1")
	if !ok {
		t.Fatalf("chat-1 not discovered")
	}
	if chat.SubscriptionID != "sub-stored" || !chat.SubscriptionExpiry.Equal(expiry) {
		t.Fatalf("stored row not restored: %+v", chat)
	}

	remote.mu.Lock()
	defer remote.mu.Unlock()
	if len(remote.createdSubs) != 0 {
		t.Fatalf("restored expiry outside the horizon must prevent a recreate")
	}
}

func TestSetSubscriptionMirrorsToStore(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(t)
	c := newTestClient(t, remote, &fakeEvents{})
	subs := store.NewMemory()
	c.opts.Subscriptions = subs
	seedChat(c, "chat-1", "alice")

	expiry := time.Now().Add(time.Hour)
	c.setSubscription(context.Background(), "chat-1", "sub-1", expiry)

	rows, err := subs.ListSubscriptions(context.Background(), 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].SubscriptionID != "sub-1" || rows[0].ChatID != "chat-1" {
		t.Fatalf("unexpected persisted rows: %+v", rows)
	}
}
