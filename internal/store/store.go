package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Token is the credential record for one puppet. One row per puppet id.
type Token struct {
	PuppetID     int64
	UserID       string
	AccessToken  string
	RefreshToken string
	// AccessExpiry and Login are epoch seconds, matching the token
	// endpoint's expires_on / not_before claims.
	AccessExpiry int64
	Login        int64
}

// Subscription mirrors the expiry of a remote webhook subscription for local
// accounting. The remote subscription resource stays authoritative.
type Subscription struct {
	PuppetID       int64
	ChatID         string
	SubscriptionID string
	ExpiresAt      time.Time
}

// EventRef links a remote message id to the matrix event the bridge created
// or sent for it. Presence of a row means the message originated from us.
type EventRef struct {
	PuppetID int64
	ChatID   string
	RemoteID string
	MatrixID string
}

type TokenStore interface {
	GetToken(ctx context.Context, puppetID int64) (Token, error)
	StoreToken(ctx context.Context, token Token) error
	// ListPuppets returns every puppet id with a stored credential, used to
	// restart their sync clients on boot.
	ListPuppets(ctx context.Context) ([]int64, error)
}

type SubscriptionStore interface {
	UpsertSubscription(ctx context.Context, sub Subscription) error
	ListSubscriptions(ctx context.Context, puppetID int64) ([]Subscription, error)
	DeleteSubscriptions(ctx context.Context, puppetID int64) error
}

type EventStore interface {
	InsertEventRef(ctx context.Context, ref EventRef) error
	// HasEventRef reports whether the remote message id is known to be
	// bridge-originated for the given chat.
	HasEventRef(ctx context.Context, puppetID int64, chatID, remoteID string) (bool, error)
}
