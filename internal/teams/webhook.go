package teams

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/neilsb/mx-puppet-teams/internal/graph"
)

var notificationResourcePattern = regexp.MustCompile(`chats\('([^']+)'\).*messages\('([^']+)'\)`)

const (
	changeCreated = "created"
	changeUpdated = "updated"
	changeDeleted = "deleted"
)

// HandleNotifications processes one inbound webhook batch. Entries are
// handled sequentially and independently; a failing entry is logged and the
// rest of the batch still runs. The caller acknowledges the batch exactly
// once afterwards regardless of partial failures, since the remote retries
// whole batches on missing acks.
func (c *Client) HandleNotifications(ctx context.Context, batch graph.NotificationBatch) {
	for _, entry := range batch.Value {
		if err := c.handleNotification(ctx, entry); err != nil {
			c.logger.Error("notification entry failed",
				slog.String("resource", entry.Resource),
				slog.String("change_type", entry.ChangeType),
				slog.Any("error", err))
		}
	}
}

func (c *Client) handleNotification(ctx context.Context, entry graph.ChangeNotification) error {
	match := notificationResourcePattern.FindStringSubmatch(entry.Resource)
	if len(match) != 3 {
		return fmt.Errorf("malformed notification resource: %q", entry.Resource)
	}
	chatID, messageID := match[1], match[2]

	switch entry.ChangeType {
	case changeDeleted:
		c.logger.Info("message delete notification", slog.String("chat_id", chatID))
		chat, ok := c.Chat(chatID)
		if !ok {
			c.logger.Warn("chat not in directory, dropping delete event", slog.String("chat_id", chatID))
			return nil
		}
		// Deletion notifications never carry the original author, so a
		// deterministic member of the chat stands in. Known limitation.
		author, ok := chat.firstMember()
		if !ok {
			c.logger.Warn("chat has no members, dropping delete event", slog.String("chat_id", chatID))
			return nil
		}
		c.opts.Events.HandleMessageDeleted(Message{
			ID:     messageID,
			ChatID: chatID,
			Chat:   chat,
			Author: author,
		})
		return nil

	case changeCreated:
		known, err := c.opts.KnownMessage(ctx, chatID, messageID)
		if err != nil {
			c.logger.Warn("known-message lookup failed, treating as new",
				slog.String("chat_id", chatID), slog.Any("error", err))
		} else if known {
			c.logger.Debug("ignoring bridge-originated message",
				slog.String("chat_id", chatID), slog.String("message_id", messageID))
			return nil
		}
	}

	raw, err := c.opts.Graph.Message(ctx, entry.Resource)
	if err != nil {
		return fmt.Errorf("fetch message: %w", err)
	}
	msg, ok := c.translateMessage(raw)
	if !ok {
		return nil
	}

	if entry.ChangeType == changeCreated {
		c.opts.Events.HandleMessage(msg)
	} else {
		c.opts.Events.HandleMessageChanged(msg)
	}
	return nil
}

// translateMessage turns a raw message into a message record, resolving the
// author through the shared user directory. Messages for chats not yet
// discovered are dropped; a later discovery pass will pick the chat up.
func (c *Client) translateMessage(raw graph.ChatMessage) (Message, bool) {
	if raw.From == nil || raw.From.User == nil || raw.From.User.ID == "" {
		c.logger.Warn("message without author", slog.String("message_id", raw.ID))
		return Message{}, false
	}

	chat, ok := c.Chat(raw.ChatID)
	if !ok {
		c.logger.Warn("chat not in directory, dropping message",
			slog.String("chat_id", raw.ChatID), slog.String("message_id", raw.ID))
		return Message{}, false
	}

	author := c.resolveUser(raw.From.User.ID, raw.From.User.DisplayName, raw.From.User.DisplayName)

	return Message{
		ID:     raw.ID,
		ChatID: chat.ID,
		Chat:   chat,
		Author: author,
		Text:   raw.Body.Content,
	}, true
}
