package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Source hands out access tokens for one puppet, caching the last token
// until the soft-refresh window opens so the provider (and its store) is not
// hit on every outbound request. Inside the window every call goes through
// the provider, which keeps the proactive refresh armed.
type Source struct {
	puppetID int64
	provider *Provider

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func (p *Provider) Source(puppetID int64) *Source {
	return &Source{puppetID: puppetID, provider: p}
}

func (s *Source) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.expiry.After(s.provider.now()) {
		return s.token, nil
	}

	token, err := s.provider.AccessToken(ctx, s.puppetID)
	if err != nil {
		s.provider.logger.Error("get access token failed",
			slog.Int64("puppet_id", s.puppetID), slog.Any("error", err))
		return "", err
	}
	s.token = token
	s.expiry = expiryFromToken(token).Add(-softRefreshWindow)
	return token, nil
}
