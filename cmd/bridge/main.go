package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/neilsb/mx-puppet-teams/internal/auth"
	"github.com/neilsb/mx-puppet-teams/internal/bridge"
	"github.com/neilsb/mx-puppet-teams/internal/config"
	"github.com/neilsb/mx-puppet-teams/internal/handlers"
	"github.com/neilsb/mx-puppet-teams/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load configuration failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, subs, events, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Error("initialize stores failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStores()

	codes := buildCodeStore(cfg)

	provider := auth.NewProvider(logger, tokens, cfg.OAuth)
	app := bridge.NewApp(logger, cfg, provider, codes, subs, events, newLogSink(logger))
	if err := app.StartStoredPuppets(ctx); err != nil {
		logger.Error("restart stored puppets failed", slog.Any("error", err))
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	handlers.NewWebhookHandler(logger, app).Register(e)
	handlers.NewOAuthHandler(logger, provider, codes, cfg.OAuth.RedirectPath).Register(e)

	go func() {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr()))
		if err := e.Start(cfg.ListenAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", slog.Any("error", err))
	}
	app.Stop()
	provider.Close()
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

type stores interface {
	store.TokenStore
	store.SubscriptionStore
	store.EventStore
}

func buildStores(ctx context.Context, cfg *config.Config) (store.TokenStore, store.SubscriptionStore, store.EventStore, func(), error) {
	var backing stores
	cleanup := func() {}
	if cfg.Database.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		pg := store.NewPostgres(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, nil, err
		}
		backing = pg
		cleanup = pool.Close
	} else {
		slog.Warn("no database configured, credentials will not survive restarts")
		backing = store.NewMemory()
	}
	return backing, backing, backing, cleanup, nil
}

func buildCodeStore(cfg *config.Config) auth.CodeStore {
	if !cfg.Redis.Enabled {
		return auth.NewMemoryCodeStore()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return auth.NewRedisCodeStore(client)
}

// logSink is the default host: it just logs the events the bridge emits.
// An embedding process replaces it with its own EventSink.
type logSink struct {
	logger *slog.Logger
}

func newLogSink(log *slog.Logger) *logSink {
	return &logSink{logger: log.With(slog.String("component", "event_sink"))}
}

func (s *logSink) PuppetConnected(puppetID int64) {
	s.logger.Info("puppet connected", slog.Int64("puppet_id", puppetID))
}

func (s *logSink) Message(evt bridge.MessageEvent) {
	s.logger.Info("message",
		slog.Int64("puppet_id", evt.PuppetID),
		slog.String("chat_id", evt.Chat.ID),
		slog.String("author", evt.Author.ID),
		slog.String("text", evt.Text))
}

func (s *logSink) MessageChanged(evt bridge.MessageEvent) {
	s.logger.Info("message changed",
		slog.Int64("puppet_id", evt.PuppetID),
		slog.String("chat_id", evt.Chat.ID),
		slog.String("message_id", evt.ID))
}

func (s *logSink) MessageDeleted(evt bridge.MessageEvent) {
	s.logger.Info("message deleted",
		slog.Int64("puppet_id", evt.PuppetID),
		slog.String("chat_id", evt.Chat.ID),
		slog.String("message_id", evt.ID))
}
