package teams

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/neilsb/mx-puppet-teams/internal/graph"
	"github.com/neilsb/mx-puppet-teams/internal/store"
)

const (
	// subscriptionHorizon is how far ahead reconcile looks for expiring
	// subscriptions.
	subscriptionHorizon = 20 * time.Minute
	// subscriptionLifetime is the expiry requested on create and renew.
	subscriptionLifetime = time.Hour
)

var subscriptionResourcePattern = regexp.MustCompile(`/chats/([^/]+)/messages`)

// reconcileSubscriptions renews or recreates the subscription of every chat
// whose expiry falls inside the horizon. Failures are contained per chat.
func (c *Client) reconcileSubscriptions(ctx context.Context) {
	c.logger.Debug("checking for expiring subscriptions")

	horizon := c.now().Add(subscriptionHorizon)

	c.mu.Lock()
	expiring := make([]string, 0)
	for id, chat := range c.chats {
		if chat.SubscriptionExpiry.Before(horizon) {
			expiring = append(expiring, id)
		}
	}
	c.mu.Unlock()

	for _, chatID := range expiring {
		chat, ok := c.Chat(chatID)
		if !ok {
			continue
		}
		var err error
		if chat.SubscriptionExpiry.After(c.now()) {
			err = c.renewSubscription(ctx, chatID)
		} else {
			err = c.createSubscription(ctx, chatID)
		}
		if err != nil {
			c.logger.Error("subscription reconcile failed",
				slog.String("chat_id", chatID), slog.Any("error", err))
		}
	}
}

// EnsureSubscription registers a webhook subscription for the chat if none
// is active. Safe to call repeatedly.
func (c *Client) EnsureSubscription(ctx context.Context, chatID string) error {
	return c.createSubscription(ctx, chatID)
}

func (c *Client) createSubscription(ctx context.Context, chatID string) error {
	chat, ok := c.Chat(chatID)
	if !ok {
		return nil
	}
	if chat.SubscriptionExpiry.After(c.now()) {
		// Already covered by a live subscription.
		return nil
	}

	c.logger.Debug("creating subscription", slog.String("chat_id", chatID))
	created, err := c.opts.Graph.CreateSubscription(ctx, graph.Subscription{
		ChangeType:                "created,updated,deleted",
		NotificationURL:           c.callbackURL(),
		Resource:                  "/chats/" + chatID + "/messages",
		ExpirationDateTime:        c.now().Add(subscriptionLifetime).UTC(),
		ClientState:               c.clientState,
		LatestSupportedTLSVersion: "v1_2",
	})
	if err != nil {
		return err
	}

	c.setSubscription(ctx, chatID, created.ID, created.ExpirationDateTime)
	return nil
}

// renewSubscription extends a still-active subscription. An expired one is
// recreated instead; the remote API rejects patches on expired resources.
func (c *Client) renewSubscription(ctx context.Context, chatID string) error {
	chat, ok := c.Chat(chatID)
	if !ok {
		return nil
	}
	if chat.SubscriptionExpiry.Before(c.now()) {
		return c.createSubscription(ctx, chatID)
	}

	renewed, err := c.opts.Graph.RenewSubscription(ctx, chat.SubscriptionID, c.now().Add(subscriptionLifetime))
	if err != nil {
		return err
	}

	expiry := renewed.ExpirationDateTime
	c.setSubscription(ctx, chatID, chat.SubscriptionID, expiry)
	return nil
}

// seedSubscriptions restores the locally persisted expiry rows onto the chat
// directory before the remote list is consulted. The remote state loaded by
// loadSubscriptions stays authoritative and overwrites these.
func (c *Client) seedSubscriptions(ctx context.Context) {
	if c.opts.Subscriptions == nil {
		return
	}
	rows, err := c.opts.Subscriptions.ListSubscriptions(ctx, c.opts.PuppetID)
	if err != nil {
		c.logger.Warn("load stored subscriptions failed", slog.Any("error", err))
		return
	}

	c.mu.Lock()
	for _, row := range rows {
		if chat, ok := c.chats[row.ChatID]; ok {
			chat.SubscriptionID = row.SubscriptionID
			chat.SubscriptionExpiry = row.ExpiresAt
		}
	}
	c.mu.Unlock()
}

// loadSubscriptions maps the application's existing remote subscriptions
// back onto the chat directory on startup. Subscriptions pointing at another
// puppet's endpoint are reported and left alone.
func (c *Client) loadSubscriptions(ctx context.Context) {
	subs, err := c.opts.Graph.Subscriptions(ctx)
	if err != nil {
		c.logger.Error("load subscriptions failed", slog.Any("error", err))
		return
	}

	own := c.callbackURL()
	for _, sub := range subs {
		match := subscriptionResourcePattern.FindStringSubmatch(sub.Resource)
		if match == nil {
			continue
		}
		chatID := match[1]
		if !c.hasChat(chatID) {
			continue
		}
		if sub.NotificationURL != own {
			c.logger.Warn("subscription belongs to another puppet on this application",
				slog.String("chat_id", chatID),
				slog.String("notification_url", sub.NotificationURL))
			continue
		}
		c.setSubscription(ctx, chatID, sub.ID, sub.ExpirationDateTime)
	}
}

// setSubscription updates the chat's subscription fields and mirrors them to
// the local subscription store when one is configured.
func (c *Client) setSubscription(ctx context.Context, chatID, subscriptionID string, expiry time.Time) {
	c.mu.Lock()
	if chat, ok := c.chats[chatID]; ok {
		chat.SubscriptionID = subscriptionID
		chat.SubscriptionExpiry = expiry
	}
	c.mu.Unlock()

	if c.opts.Subscriptions == nil {
		return
	}
	err := c.opts.Subscriptions.UpsertSubscription(ctx, store.Subscription{
		PuppetID:       c.opts.PuppetID,
		ChatID:         chatID,
		SubscriptionID: subscriptionID,
		ExpiresAt:      expiry,
	})
	if err != nil {
		c.logger.Warn("persist subscription failed",
			slog.String("chat_id", chatID), slog.Any("error", err))
	}
}
