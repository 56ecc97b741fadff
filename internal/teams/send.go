package teams

import (
	"context"
	"fmt"
	"html"
	"log/slog"
)

// SendMessage posts an HTML body to the chat and returns the remote message
// id, or "" with an error on failure.
func (c *Client) SendMessage(ctx context.Context, chatID, body string) (string, error) {
	id, err := c.opts.Graph.SendMessage(ctx, chatID, body)
	if err != nil {
		c.logger.Error("send message failed", slog.String("chat_id", chatID), slog.Any("error", err))
		return "", err
	}
	return id, nil
}

// SendImage sends an image as an inline HTML reference. There is no upload
// pipeline; the file stays hosted on the bridge side.
func (c *Client) SendImage(ctx context.Context, chatID, name, url string) (string, error) {
	body := fmt.Sprintf(`<img src=%q alt=%q>`, url, name)
	return c.SendMessage(ctx, chatID, body)
}

// SendFile sends a file as an HTML download link.
func (c *Client) SendFile(ctx context.Context, chatID, name, url string) (string, error) {
	label := html.EscapeString(name)
	if label == "" {
		label = "file"
	}
	body := fmt.Sprintf(`<a href=%q>%s</a>`, url, label)
	return c.SendMessage(ctx, chatID, body)
}
