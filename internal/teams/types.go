package teams

import (
	"sort"
	"time"
)

// User is one remote directory entry. Name carries the login/contact
// address, DisplayName the human-readable name.
type User struct {
	ID          string
	Name        string
	DisplayName string
}

// Chat is a one-to-one conversation plus the webhook subscription that
// covers it. A zero SubscriptionExpiry means no subscription yet.
type Chat struct {
	ID                 string
	Name               string
	Members            map[string]User
	SubscriptionID     string
	SubscriptionExpiry time.Time
}

func (c Chat) clone() Chat {
	members := make(map[string]User, len(c.Members))
	for id, member := range c.Members {
		members[id] = member
	}
	c.Members = members
	return c
}

// firstMember returns the member with the lexicographically smallest id.
// Deletion notifications carry no author, so this stands in as a
// deterministic substitute.
func (c Chat) firstMember() (User, bool) {
	if len(c.Members) == 0 {
		return User{}, false
	}
	ids := make([]string, 0, len(c.Members))
	for id := range c.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return c.Members[ids[0]], true
}

// Message is a transient per-event record; Chat is a snapshot taken when the
// event was translated.
type Message struct {
	ID     string
	ChatID string
	Chat   Chat
	Author User
	Text   string
}

// EventHandler receives the client's outbound events. Implementations must
// not block for long; they run on the webhook and polling paths.
type EventHandler interface {
	HandleConnected()
	HandleMessage(msg Message)
	HandleMessageChanged(msg Message)
	HandleMessageDeleted(msg Message)
}
