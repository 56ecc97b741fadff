package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/neilsb/mx-puppet-teams/internal/auth"
	"github.com/neilsb/mx-puppet-teams/internal/config"
	"github.com/neilsb/mx-puppet-teams/internal/graph"
	"github.com/neilsb/mx-puppet-teams/internal/htmlfmt"
	"github.com/neilsb/mx-puppet-teams/internal/store"
	"github.com/neilsb/mx-puppet-teams/internal/teams"
)

var (
	ErrPuppetNotFound = errors.New("puppet not linked")
	ErrPuppetExists   = errors.New("puppet already linked")
	ErrMissingScopes  = errors.New("token is missing required permission scopes")
)

// App owns the set of linked puppets and routes between the host and their
// remote sync clients.
type App struct {
	logger   *slog.Logger
	cfg      *config.Config
	provider *auth.Provider
	codes    auth.CodeStore
	subs     store.SubscriptionStore
	events   store.EventStore
	sink     EventSink

	mu      sync.Mutex
	puppets map[int64]*puppet
}

type puppet struct {
	id     int64
	userID string
	client *teams.Client
}

func NewApp(log *slog.Logger, cfg *config.Config, provider *auth.Provider, codes auth.CodeStore,
	subs store.SubscriptionStore, events store.EventStore, sink EventSink) *App {
	if log == nil {
		log = slog.Default()
	}
	return &App{
		logger:   log.With(slog.String("component", "bridge")),
		cfg:      cfg,
		provider: provider,
		codes:    codes,
		subs:     subs,
		events:   events,
		sink:     sink,
		puppets:  map[int64]*puppet{},
	}
}

// AddPuppet redeems a one-time link code, persists the credential under the
// puppet id and starts syncing. Codes carrying a token without the required
// permission scopes are rejected before anything is stored.
func (a *App) AddPuppet(ctx context.Context, puppetID int64, linkCode string) (string, error) {
	a.mu.Lock()
	_, exists := a.puppets[puppetID]
	a.mu.Unlock()
	if exists {
		return "", ErrPuppetExists
	}

	data, err := a.codes.Take(ctx, linkCode)
	if err != nil {
		return "", err
	}
	if !auth.HasRequiredScopes(data.Scope) {
		return "", ErrMissingScopes
	}

	token, err := a.provider.Authorize(ctx, puppetID, data.TokenResponse())
	if err != nil {
		return "", err
	}

	if err := a.StartPuppet(ctx, puppetID); err != nil {
		return "", err
	}
	a.logger.Info("puppet linked",
		slog.Int64("puppet_id", puppetID), slog.String("user_id", token.UserID))
	return token.UserID, nil
}

// StartPuppet builds and starts the sync client for an already-linked
// puppet. Used on AddPuppet and on process start for every stored credential.
func (a *App) StartPuppet(ctx context.Context, puppetID int64) error {
	token, err := a.provider.Token(ctx, puppetID)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}

	gc := graph.NewClient(a.logger, a.cfg.Teams.GraphBaseURI, a.provider.Source(puppetID))
	client, err := teams.NewClient(teams.ClientOpts{
		PuppetID:    puppetID,
		OwnerUserID: token.UserID,
		Graph:       gc,
		Events:      &puppetEvents{app: a, puppetID: puppetID},
		KnownMessage: func(ctx context.Context, chatID, messageID string) (bool, error) {
			return a.events.HasEventRef(ctx, puppetID, chatID, messageID)
		},
		Subscriptions:     a.subs,
		CallbackBaseURI:   a.cfg.OAuth.ServerBaseURI,
		RecentChatDays:    a.cfg.Teams.RecentChatDays,
		PollInterval:      a.cfg.Teams.NewChatPollingPeriod,
		ReconcileInterval: a.cfg.Teams.SubscriptionPeriod,
		Logger:            a.logger,
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	if _, exists := a.puppets[puppetID]; exists {
		a.mu.Unlock()
		return ErrPuppetExists
	}
	a.puppets[puppetID] = &puppet{id: puppetID, userID: token.UserID, client: client}
	a.mu.Unlock()

	if err := client.Start(ctx); err != nil {
		a.mu.Lock()
		delete(a.puppets, puppetID)
		a.mu.Unlock()
		return err
	}
	return nil
}

// StartStoredPuppets starts a sync client for every stored credential.
// Called once on boot; a puppet that fails to start is logged and skipped so
// one broken credential cannot hold up the rest.
func (a *App) StartStoredPuppets(ctx context.Context) error {
	ids, err := a.provider.Puppets(ctx)
	if err != nil {
		return fmt.Errorf("list stored puppets: %w", err)
	}
	for _, puppetID := range ids {
		if err := a.StartPuppet(ctx, puppetID); err != nil {
			a.logger.Error("start stored puppet failed",
				slog.Int64("puppet_id", puppetID), slog.Any("error", err))
			continue
		}
	}
	return nil
}

// RemovePuppet stops the puppet's sync client and drops its local
// subscription rows. The stored credential stays; relinking reuses it.
func (a *App) RemovePuppet(ctx context.Context, puppetID int64) error {
	a.mu.Lock()
	p, ok := a.puppets[puppetID]
	delete(a.puppets, puppetID)
	a.mu.Unlock()
	if !ok {
		return ErrPuppetNotFound
	}

	p.client.Stop()
	a.provider.Detach(puppetID)
	if err := a.subs.DeleteSubscriptions(ctx, puppetID); err != nil {
		a.logger.Warn("delete subscription rows failed",
			slog.Int64("puppet_id", puppetID), slog.Any("error", err))
	}
	a.logger.Info("puppet removed", slog.Int64("puppet_id", puppetID))
	return nil
}

// Stop shuts down every running puppet client and detaches their pending
// credential refreshes.
func (a *App) Stop() {
	a.mu.Lock()
	puppets := make([]*puppet, 0, len(a.puppets))
	for _, p := range a.puppets {
		puppets = append(puppets, p)
	}
	a.puppets = map[int64]*puppet{}
	a.mu.Unlock()

	for _, p := range puppets {
		p.client.Stop()
		a.provider.Detach(p.id)
	}
}

// Client exposes a puppet's sync client for directory queries.
func (a *App) Client(puppetID int64) (*teams.Client, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.puppets[puppetID]
	if !ok {
		return nil, false
	}
	return p.client, true
}

// HandleWebhook dispatches an inbound notification batch to the addressed
// puppet. An unknown puppet id is the caller's 404.
func (a *App) HandleWebhook(ctx context.Context, puppetID int64, batch graph.NotificationBatch) error {
	client, ok := a.Client(puppetID)
	if !ok {
		return ErrPuppetNotFound
	}
	client.HandleNotifications(ctx, batch)
	return nil
}

// RecentMessages returns the newest messages of a chat rendered as events,
// for hosts backfilling a freshly bridged room.
func (a *App) RecentMessages(ctx context.Context, puppetID int64, chatID string, limit int) ([]MessageEvent, error) {
	client, ok := a.Client(puppetID)
	if !ok {
		return nil, ErrPuppetNotFound
	}
	msgs, err := client.Messages(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	translator := &puppetEvents{app: a, puppetID: puppetID}
	events := make([]MessageEvent, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, translator.translate(msg))
	}
	return events, nil
}

// SendMessage relays an HTML body into the chat and records the created
// remote message id against the host-side event id, so the webhook echo of
// our own send is recognized and suppressed.
func (a *App) SendMessage(ctx context.Context, puppetID int64, chatID, eventID, body string) (string, error) {
	client, ok := a.Client(puppetID)
	if !ok {
		return "", ErrPuppetNotFound
	}
	remoteID, err := client.SendMessage(ctx, chatID, body)
	if err != nil {
		return "", err
	}
	a.recordEventRef(ctx, puppetID, chatID, remoteID, eventID)
	return remoteID, nil
}

func (a *App) SendImage(ctx context.Context, puppetID int64, chatID, eventID, name, url string) (string, error) {
	client, ok := a.Client(puppetID)
	if !ok {
		return "", ErrPuppetNotFound
	}
	remoteID, err := client.SendImage(ctx, chatID, name, url)
	if err != nil {
		return "", err
	}
	a.recordEventRef(ctx, puppetID, chatID, remoteID, eventID)
	return remoteID, nil
}

func (a *App) SendFile(ctx context.Context, puppetID int64, chatID, eventID, name, url string) (string, error) {
	client, ok := a.Client(puppetID)
	if !ok {
		return "", ErrPuppetNotFound
	}
	remoteID, err := client.SendFile(ctx, chatID, name, url)
	if err != nil {
		return "", err
	}
	a.recordEventRef(ctx, puppetID, chatID, remoteID, eventID)
	return remoteID, nil
}

// recordEventRef best-effort inserts the remote/host id pair. A failed
// insert only weakens echo suppression, the send already happened.
func (a *App) recordEventRef(ctx context.Context, puppetID int64, chatID, remoteID, eventID string) {
	err := a.events.InsertEventRef(ctx, store.EventRef{
		PuppetID: puppetID,
		ChatID:   chatID,
		RemoteID: remoteID,
		MatrixID: eventID,
	})
	if err != nil {
		a.logger.Warn("record event ref failed",
			slog.Int64("puppet_id", puppetID),
			slog.String("chat_id", chatID),
			slog.Any("error", err))
	}
}

// puppetEvents adapts one puppet's sync client events onto the host sink,
// rendering message bodies on the way through.
type puppetEvents struct {
	app      *App
	puppetID int64
}

var _ teams.EventHandler = (*puppetEvents)(nil)

func (e *puppetEvents) HandleConnected() {
	e.app.sink.PuppetConnected(e.puppetID)
}

func (e *puppetEvents) HandleMessage(msg teams.Message) {
	e.app.sink.Message(e.translate(msg))
}

func (e *puppetEvents) HandleMessageChanged(msg teams.Message) {
	e.app.sink.MessageChanged(e.translate(msg))
}

func (e *puppetEvents) HandleMessageDeleted(msg teams.Message) {
	e.app.sink.MessageDeleted(e.translate(msg))
}

func (e *puppetEvents) translate(msg teams.Message) MessageEvent {
	cleaned := htmlfmt.FormatBody(msg.Text)
	return MessageEvent{
		PuppetID: e.puppetID,
		ID:       msg.ID,
		Chat:     msg.Chat,
		Author:   msg.Author,
		Text:     htmlfmt.ToPlainText(cleaned),
		HTML:     cleaned,
	}
}
