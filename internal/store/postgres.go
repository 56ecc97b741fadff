package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements TokenStore, SubscriptionStore and EventStore on a
// shared pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ TokenStore        = (*Postgres)(nil)
	_ SubscriptionStore = (*Postgres)(nil)
	_ EventStore        = (*Postgres)(nil)
)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the bridge tables when they do not exist yet.
func (s *Postgres) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS teams_tokenstore (
			puppet_id BIGINT PRIMARY KEY,
			user_id TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			access_expiry BIGINT NOT NULL,
			login BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS teams_subscriptions (
			puppet_id BIGINT NOT NULL,
			chat_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (puppet_id, chat_id)
		)`,
		`CREATE TABLE IF NOT EXISTS teams_eventstore (
			puppet_id BIGINT NOT NULL,
			chat_id TEXT NOT NULL,
			remote_id TEXT NOT NULL,
			matrix_id TEXT NOT NULL,
			PRIMARY KEY (puppet_id, chat_id, remote_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Postgres) GetToken(ctx context.Context, puppetID int64) (Token, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT puppet_id, user_id, access_token, refresh_token, access_expiry, login
		 FROM teams_tokenstore WHERE puppet_id = $1`, puppetID)
	var token Token
	err := row.Scan(&token.PuppetID, &token.UserID, &token.AccessToken,
		&token.RefreshToken, &token.AccessExpiry, &token.Login)
	if errors.Is(err, pgx.ErrNoRows) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("get token: %w", err)
	}
	return token, nil
}

func (s *Postgres) StoreToken(ctx context.Context, token Token) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO teams_tokenstore (puppet_id, user_id, access_token, refresh_token, access_expiry, login)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (puppet_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			access_expiry = EXCLUDED.access_expiry,
			login = EXCLUDED.login`,
		token.PuppetID, token.UserID, token.AccessToken, token.RefreshToken,
		token.AccessExpiry, token.Login)
	if err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

func (s *Postgres) ListPuppets(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT puppet_id FROM teams_tokenstore ORDER BY puppet_id`)
	if err != nil {
		return nil, fmt.Errorf("list puppets: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan puppet id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list puppets: %w", err)
	}
	return ids, nil
}

func (s *Postgres) UpsertSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO teams_subscriptions (puppet_id, chat_id, subscription_id, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (puppet_id, chat_id) DO UPDATE SET
			subscription_id = EXCLUDED.subscription_id,
			expires_at = EXCLUDED.expires_at`,
		sub.PuppetID, sub.ChatID, sub.SubscriptionID, sub.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *Postgres) ListSubscriptions(ctx context.Context, puppetID int64) ([]Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT puppet_id, chat_id, subscription_id, expires_at
		 FROM teams_subscriptions WHERE puppet_id = $1`, puppetID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.PuppetID, &sub.ChatID, &sub.SubscriptionID, &sub.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

func (s *Postgres) DeleteSubscriptions(ctx context.Context, puppetID int64) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM teams_subscriptions WHERE puppet_id = $1`, puppetID); err != nil {
		return fmt.Errorf("delete subscriptions: %w", err)
	}
	return nil
}

func (s *Postgres) InsertEventRef(ctx context.Context, ref EventRef) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO teams_eventstore (puppet_id, chat_id, remote_id, matrix_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (puppet_id, chat_id, remote_id) DO NOTHING`,
		ref.PuppetID, ref.ChatID, ref.RemoteID, ref.MatrixID)
	if err != nil {
		return fmt.Errorf("insert event ref: %w", err)
	}
	return nil
}

func (s *Postgres) HasEventRef(ctx context.Context, puppetID int64, chatID, remoteID string) (bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT 1 FROM teams_eventstore WHERE puppet_id = $1 AND chat_id = $2 AND remote_id = $3`,
		puppetID, chatID, remoteID)
	var one int
	err := row.Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup event ref: %w", err)
	}
	return true, nil
}
