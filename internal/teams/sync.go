package teams

import (
	"context"
	"log/slog"
	"time"

	"github.com/neilsb/mx-puppet-teams/internal/graph"
)

// loadChats walks the chat list newest-first and inserts every one-to-one
// chat modified at or after modifiedSince that is not in the directory yet.
// It returns the latest last-modified timestamp observed and whether the
// pass completed; a failed page fetch aborts the pass with ok=false so the
// caller leaves its high-water mark alone.
//
// Pagination stops early once the earliest timestamp seen has walked back
// past modifiedSince, even when more pages remain.
func (c *Client) loadChats(ctx context.Context, modifiedSince time.Time) (time.Time, bool) {
	earliest := c.now()
	latest := c.now()

	c.logger.Debug("loading chats", slog.Time("modified_since", modifiedSince))

	pageURL := ""
	for {
		page, err := c.opts.Graph.Chats(ctx, pageURL)
		if err != nil {
			c.logger.Error("load chats failed", slog.Any("error", err))
			return time.Time{}, false
		}

		for _, raw := range page.Value {
			if raw.ChatType != graph.ChatTypeOneOnOne {
				continue
			}

			lastUpdated := raw.LastUpdatedDateTime
			if lastUpdated.Before(earliest) {
				earliest = lastUpdated
			}
			if lastUpdated.After(latest) {
				latest = lastUpdated
			}

			if lastUpdated.Before(modifiedSince) {
				continue
			}
			if c.hasChat(raw.ID) {
				continue
			}

			c.discoverChat(ctx, raw)
		}

		pageURL = page.NextLink
		if pageURL == "" || !earliest.After(modifiedSince) {
			break
		}
	}

	return latest, true
}

// discoverChat resolves the non-owner member and inserts the chat with an
// empty subscription placeholder. Chats whose member identity cannot be
// resolved are dropped; the next pass picks them up again as long as their
// last-modified time stays inside the window.
func (c *Client) discoverChat(ctx context.Context, raw graph.Chat) {
	member, ok := otherMember(raw.Members, c.opts.OwnerUserID)
	if !ok {
		c.logger.Warn("chat has no non-owner member", slog.String("chat_id", raw.ID))
		return
	}

	// Cross-tenant members often arrive without profile fields in the
	// list response; fall back to the per-chat member lookup.
	if member.DisplayName == "" || member.Email == "" {
		members, err := c.opts.Graph.ChatMembers(ctx, raw.ID)
		if err != nil {
			c.logger.Warn("unable to retrieve chat member details, ignoring chat",
				slog.String("chat_id", raw.ID),
				slog.String("user_id", member.UserID),
				slog.Any("error", err))
			return
		}
		resolved, ok := memberByID(members, member.UserID)
		if !ok {
			c.logger.Warn("chat member missing from member list, ignoring chat",
				slog.String("chat_id", raw.ID),
				slog.String("user_id", member.UserID))
			return
		}
		member = resolved
	}

	user := c.resolveUser(member.UserID, member.DisplayName, member.Email)

	name := member.DisplayName
	if name == "" {
		name = "??"
	}

	if c.insertChat(Chat{
		ID:      raw.ID,
		Name:    name,
		Members: map[string]User{user.ID: user},
	}) {
		c.logger.Debug("chat discovered", slog.String("chat_id", raw.ID), slog.String("name", name))
	}
}

func otherMember(members []graph.ConversationMember, ownerID string) (graph.ConversationMember, bool) {
	for _, member := range members {
		if member.UserID != ownerID && member.UserID != "" {
			return member, true
		}
	}
	return graph.ConversationMember{}, false
}

func memberByID(members []graph.ConversationMember, userID string) (graph.ConversationMember, bool) {
	for _, member := range members {
		if member.UserID == userID {
			return member, true
		}
	}
	return graph.ConversationMember{}, false
}

// Messages loads the most recent messages of a chat, newest-first as the
// remote returns them, translated into message records.
func (c *Client) Messages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	raws, err := c.opts.Graph.Messages(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(raws))
	for _, raw := range raws {
		if raw.ChatID == "" {
			raw.ChatID = chatID
		}
		msg, ok := c.translateMessage(raw)
		if !ok {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
