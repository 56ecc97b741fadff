package bridge

import "github.com/neilsb/mx-puppet-teams/internal/teams"

// MessageEvent carries one translated remote message up to the host.
// Text is the plain-text rendering of the body, HTML the cleaned markup.
type MessageEvent struct {
	PuppetID int64
	ID       string
	Chat     teams.Chat
	Author   teams.User
	Text     string
	HTML     string
}

// EventSink is the host-facing side of the bridge. The embedding process
// implements it to receive puppet lifecycle and message events; callbacks
// run on the webhook and polling paths and must not block for long.
type EventSink interface {
	PuppetConnected(puppetID int64)
	Message(evt MessageEvent)
	MessageChanged(evt MessageEvent)
	MessageDeleted(evt MessageEvent)
}
