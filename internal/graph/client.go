package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenSource supplies a bearer token for every outbound request.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to the TokenSource interface.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) AccessToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// APIError is a non-2xx reply from the remote API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote api returned status %d: %s", e.StatusCode, e.Body)
}

// Client is a thin REST client for the chat API. All calls authenticate
// through the token source; none of them retry, the callers' timers do.
type Client struct {
	baseURL string
	source  TokenSource
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(log *slog.Logger, baseURL string, source TokenSource) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		source:  source,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  log.With(slog.String("component", "graph_client")),
	}
}

// Chats fetches one page of the owner's chat list with members expanded.
// pageURL is the NextLink cursor of a previous page, or empty for the first.
func (c *Client) Chats(ctx context.Context, pageURL string) (ChatPage, error) {
	if pageURL == "" {
		pageURL = c.baseURL + "/me/chats?$expand=members"
	}
	var page ChatPage
	if err := c.do(ctx, http.MethodGet, pageURL, nil, &page); err != nil {
		return ChatPage{}, err
	}
	return page, nil
}

// ChatMembers loads the member list of a single chat. Used as fallback when
// the list response omits cross-tenant profile fields.
func (c *Client) ChatMembers(ctx context.Context, chatID string) ([]ConversationMember, error) {
	var page memberPage
	path := fmt.Sprintf("%s/chats/%s/members", c.baseURL, url.PathEscape(chatID))
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return page.Value, nil
}

// Message fetches a full message by the resource path carried in a change
// notification.
func (c *Client) Message(ctx context.Context, resource string) (ChatMessage, error) {
	var msg ChatMessage
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/"+strings.TrimLeft(resource, "/"), nil, &msg); err != nil {
		return ChatMessage{}, err
	}
	return msg, nil
}

// Messages returns the most recent messages of a chat.
func (c *Client) Messages(ctx context.Context, chatID string, limit int) ([]ChatMessage, error) {
	var page messagePage
	path := fmt.Sprintf("%s/chats/%s/messages?$top=%d", c.baseURL, url.PathEscape(chatID), limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return page.Value, nil
}

// SendMessage posts an HTML message body to a chat and returns the remote
// message id.
func (c *Client) SendMessage(ctx context.Context, chatID, html string) (string, error) {
	body := map[string]any{
		"body": map[string]string{
			"contentType": "html",
			"content":     html,
		},
	}
	var created ChatMessage
	path := fmt.Sprintf("%s/chats/%s/messages", c.baseURL, url.PathEscape(chatID))
	if err := c.do(ctx, http.MethodPost, path, body, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// Subscriptions lists every active webhook subscription of the application.
func (c *Client) Subscriptions(ctx context.Context) ([]Subscription, error) {
	var page subscriptionPage
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/subscriptions", nil, &page); err != nil {
		return nil, err
	}
	return page.Value, nil
}

func (c *Client) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	var created Subscription
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/subscriptions", sub, &created); err != nil {
		return Subscription{}, err
	}
	return created, nil
}

// RenewSubscription extends an active subscription. The remote API rejects
// this for an already-expired subscription; callers recreate instead.
func (c *Client) RenewSubscription(ctx context.Context, subscriptionID string, expiry time.Time) (Subscription, error) {
	body := map[string]string{
		"expirationDateTime": expiry.UTC().Format(time.RFC3339),
	}
	var renewed Subscription
	path := c.baseURL + "/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.do(ctx, http.MethodPatch, path, body, &renewed); err != nil {
		return Subscription{}, err
	}
	return renewed, nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, body, out any) error {
	token, err := c.source.AccessToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
