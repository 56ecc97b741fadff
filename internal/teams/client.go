package teams

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neilsb/mx-puppet-teams/internal/config"
	"github.com/neilsb/mx-puppet-teams/internal/graph"
	"github.com/neilsb/mx-puppet-teams/internal/store"
)

const (
	defaultPollInterval      = 300 * time.Second
	defaultReconcileInterval = 5 * time.Minute
	defaultRecentChatDays    = 30
)

type ClientOpts struct {
	PuppetID    int64
	OwnerUserID string
	Graph       *graph.Client
	Events      EventHandler
	// KnownMessage reports whether the message id is already recorded as
	// bridge-originated; used to suppress webhook echoes of our own sends.
	KnownMessage func(ctx context.Context, chatID, messageID string) (bool, error)
	// Subscriptions, when set, keeps a local row per chat subscription for
	// expiry accounting across restarts.
	Subscriptions store.SubscriptionStore
	// CallbackBaseURI is this process's public base URI; the webhook
	// endpoint is namespaced per puppet underneath it.
	CallbackBaseURI string

	RecentChatDays    int
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	Logger            *slog.Logger
}

// Client mirrors one puppet's remote chats and drives the sync machinery:
// periodic chat discovery, subscription reconciliation and webhook-event
// translation. All directory access goes through the client's mutex.
type Client struct {
	opts   ClientOpts
	logger *slog.Logger

	mu            sync.Mutex
	chats         map[string]*Chat
	users         map[string]User
	lastChatCheck time.Time

	clientState string
	now         func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewClient(opts ClientOpts) (*Client, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("graph client is required")
	}
	if opts.Events == nil {
		return nil, fmt.Errorf("event handler is required")
	}
	if opts.OwnerUserID == "" {
		return nil, fmt.Errorf("owner user id is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = defaultReconcileInterval
	}
	if opts.RecentChatDays <= 0 {
		opts.RecentChatDays = defaultRecentChatDays
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		opts:        opts,
		logger:      log.With(slog.String("component", "teams_client"), slog.Int64("puppet_id", opts.PuppetID)),
		chats:       map[string]*Chat{},
		users:       map[string]User{},
		clientState: uuid.NewString(),
		now:         time.Now,
		done:        make(chan struct{}),
	}, nil
}

// Start performs the initial chat discovery and subscription load, emits the
// connected event and launches the periodic timers. ctx scopes only the
// initial synchronous loads; the timers belong to the client's own lifecycle
// and run until Stop.
func (c *Client) Start(ctx context.Context) error {
	checkLimit := c.now().Add(-time.Duration(c.opts.RecentChatDays) * 24 * time.Hour)

	latest, ok := c.loadChats(ctx, checkLimit)
	c.mu.Lock()
	if ok {
		c.lastChatCheck = latest
	} else {
		c.lastChatCheck = checkLimit
	}
	c.mu.Unlock()

	c.seedSubscriptions(ctx)
	c.loadSubscriptions(ctx)

	c.opts.Events.HandleConnected()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

// Stop cancels the periodic timers. In-flight calls finish on their own
// timeouts; no new work is scheduled afterwards.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	// Immediate first reconcile so freshly discovered chats get their
	// subscriptions before the first tick.
	c.reconcileSubscriptions(ctx)

	subTicker := time.NewTicker(c.opts.ReconcileInterval)
	defer subTicker.Stop()
	pollTicker := time.NewTicker(c.opts.PollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("client stop")
			return
		case <-subTicker.C:
			c.reconcileSubscriptions(ctx)
		case <-pollTicker.C:
			c.pollNewChats(ctx)
		}
	}
}

// pollNewChats runs one discovery pass from the current high-water mark.
// The mark only ever advances; a failed pass leaves it untouched so the next
// tick retries the same window.
func (c *Client) pollNewChats(ctx context.Context) {
	c.mu.Lock()
	since := c.lastChatCheck
	c.mu.Unlock()

	latest, ok := c.loadChats(ctx, since)
	if !ok {
		return
	}

	c.mu.Lock()
	if latest.After(c.lastChatCheck) {
		c.lastChatCheck = latest
	}
	c.mu.Unlock()
}

// Chat returns a snapshot of one chat.
func (c *Client) Chat(id string) (Chat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chat, ok := c.chats[id]
	if !ok {
		return Chat{}, false
	}
	return chat.clone(), true
}

// Chats returns snapshots of every known chat.
func (c *Client) Chats() []Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	chats := make([]Chat, 0, len(c.chats))
	for _, chat := range c.chats {
		chats = append(chats, chat.clone())
	}
	return chats
}

// ChatByMember finds the direct chat containing the given remote user.
func (c *Client) ChatByMember(userID string) (Chat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, chat := range c.chats {
		if _, ok := chat.Members[userID]; ok {
			return chat.clone(), true
		}
	}
	return Chat{}, false
}

// Users lists every user seen so far.
func (c *Client) Users() []User {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]User, 0, len(c.users))
	for _, user := range c.users {
		users = append(users, user)
	}
	return users
}

// resolveUser returns the cached user, inserting or refreshing the directory
// entry from the given profile fields. Last write wins on display name.
func (c *Client) resolveUser(id, displayName, name string) User {
	c.mu.Lock()
	defer c.mu.Unlock()
	user, ok := c.users[id]
	if !ok {
		user = User{ID: id, Name: name, DisplayName: displayName}
		c.users[id] = user
		return user
	}
	if displayName != "" && displayName != user.DisplayName {
		user.DisplayName = displayName
		c.users[id] = user
	}
	return user
}

func (c *Client) hasChat(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.chats[id]
	return ok
}

// insertChat adds a newly discovered chat; existing entries are never
// overwritten.
func (c *Client) insertChat(chat Chat) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.chats[chat.ID]; exists {
		return false
	}
	inserted := chat.clone()
	c.chats[chat.ID] = &inserted
	return true
}

// callbackURL is the webhook target for this puppet's subscriptions.
func (c *Client) callbackURL() string {
	return config.JoinBaseURI(c.opts.CallbackBaseURI, fmt.Sprintf("/%d/chatSub", c.opts.PuppetID))
}
