package graph

import "time"

// Wire types for the Graph-style chat API. Field names follow the remote
// JSON; only the fields the bridge consumes are mapped.

const ChatTypeOneOnOne = "oneOnOne"

type Chat struct {
	ID                  string               `json:"id"`
	Topic               string               `json:"topic"`
	ChatType            string               `json:"chatType"`
	LastUpdatedDateTime time.Time            `json:"lastUpdatedDateTime"`
	Members             []ConversationMember `json:"members"`
}

type ConversationMember struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// ChatPage is one page of the chat list; NextLink is the opaque cursor to
// the following page, empty on the last one.
type ChatPage struct {
	Value    []Chat `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

type memberPage struct {
	Value []ConversationMember `json:"value"`
}

type ChatMessage struct {
	ID     string       `json:"id"`
	ChatID string       `json:"chatId"`
	From   *MessageFrom `json:"from"`
	Body   MessageBody  `json:"body"`
}

type MessageFrom struct {
	User *MessageUser `json:"user"`
}

type MessageUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type MessageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type messagePage struct {
	Value []ChatMessage `json:"value"`
}

type Subscription struct {
	ID                        string    `json:"id,omitempty"`
	Resource                  string    `json:"resource,omitempty"`
	ChangeType                string    `json:"changeType,omitempty"`
	NotificationURL           string    `json:"notificationUrl,omitempty"`
	ExpirationDateTime        time.Time `json:"expirationDateTime"`
	ClientState               string    `json:"clientState,omitempty"`
	LatestSupportedTLSVersion string    `json:"latestSupportedTlsVersion,omitempty"`
}

type subscriptionPage struct {
	Value []Subscription `json:"value"`
}

// ChangeNotification is one entry of an inbound webhook batch.
type ChangeNotification struct {
	Resource   string `json:"resource"`
	ChangeType string `json:"changeType"`
}

type NotificationBatch struct {
	Value []ChangeNotification `json:"value"`
}
