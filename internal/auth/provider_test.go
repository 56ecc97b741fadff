package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/neilsb/mx-puppet-teams/internal/config"
	"github.com/neilsb/mx-puppet-teams/internal/store"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func newTokenEndpoint(t *testing.T, hits *atomic.Int64, accessToken string) *httptest.Server {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"access_token": %q,
			"refresh_token": "refresh-next",
			"expires_on": "%d",
			"not_before": "%d",
			"scope": "Chat.ReadWrite ChatMessage.Read User.Read"
		}`, accessToken, time.Now().Add(time.Hour).Unix(), time.Now().Unix())
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestProvider(t *testing.T, endpoint string, tokens store.TokenStore) *Provider {
	t.Helper()
	return NewProvider(nil, tokens, config.OAuthConfig{
		ClientID:      "client-id",
		ClientSecret:  "client-secret",
		ServerBaseURI: "https://bridge.example.org",
		RedirectPath:  "/msteams/oauth",
		Endpoint:      endpoint,
	})
}

func TestAccessTokenBlockingRefresh(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := newTokenEndpoint(t, &hits, "access-new")
	tokens := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, tokens.StoreToken(ctx, store.Token{
		PuppetID:     1,
		UserID:       "owner",
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
		AccessExpiry: time.Now().Add(-time.Second).Unix(),
	}))

	p := newTestProvider(t, srv.URL, tokens)
	got, err := p.AccessToken(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "access-new", got)
	require.Equal(t, int64(1), hits.Load())

	persisted, err := tokens.GetToken(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "access-new", persisted.AccessToken)
	require.Equal(t, "refresh-next", persisted.RefreshToken)
	require.Greater(t, persisted.AccessExpiry, time.Now().Unix())
}

func TestAccessTokenSingleFlight(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := newTokenEndpoint(t, &hits, "access-new")
	tokens := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, tokens.StoreToken(ctx, store.Token{
		PuppetID:     1,
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
		AccessExpiry: time.Now().Add(-time.Minute).Unix(),
	}))

	p := newTestProvider(t, srv.URL, tokens)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.AccessToken(ctx, 1)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "access-new", results[i])
	}
	require.Equal(t, int64(1), hits.Load(), "refresh token must not be spent twice")
}

func TestAccessTokenSoftWindowBackgroundRefresh(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := newTokenEndpoint(t, &hits, "access-new")
	tokens := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, tokens.StoreToken(ctx, store.Token{
		PuppetID:     1,
		AccessToken:  "access-current",
		RefreshToken: "refresh-old",
		AccessExpiry: time.Now().Add(5 * time.Minute).Unix(),
	}))

	p := newTestProvider(t, srv.URL, tokens)
	got, err := p.AccessToken(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "access-current", got, "still-valid token is returned synchronously")

	require.Eventually(t, func() bool {
		persisted, err := tokens.GetToken(ctx, 1)
		return err == nil && persisted.AccessToken == "access-new"
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), hits.Load())
}

func TestAccessTokenSoftWindowConcurrentCallers(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := newTokenEndpoint(t, &hits, "access-new")
	tokens := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, tokens.StoreToken(ctx, store.Token{
		PuppetID:     1,
		AccessToken:  "access-current",
		RefreshToken: "refresh-old",
		AccessExpiry: time.Now().Add(5 * time.Minute).Unix(),
	}))

	p := newTestProvider(t, srv.URL, tokens)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.AccessToken(ctx, 1)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "access-current", results[i], "soft-window callers get the current token synchronously")
	}

	require.Eventually(t, func() bool {
		persisted, err := tokens.GetToken(ctx, 1)
		return err == nil && persisted.AccessToken == "access-new"
	}, 2*time.Second, 10*time.Millisecond)
	p.Close()
	require.Equal(t, int64(1), hits.Load(), "refresh token must not be spent twice")
}

func TestDetachCancelsBackgroundRefresh(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		select {
		case started <- struct{}{}:
		default:
		}
		// Drain the body so the server's disconnect detection can fire,
		// then hold the exchange open until the caller gives up.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	tokens := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, tokens.StoreToken(ctx, store.Token{
		PuppetID:     1,
		AccessToken:  "access-current",
		RefreshToken: "refresh-live",
		AccessExpiry: time.Now().Add(5 * time.Minute).Unix(),
	}))

	p := newTestProvider(t, srv.URL, tokens)

	callerCtx, cancelCaller := context.WithCancel(ctx)
	got, err := p.AccessToken(callerCtx, 1)
	cancelCaller()
	require.NoError(t, err)
	require.Equal(t, "access-current", got)

	// The refresh keeps running past the caller's context; it belongs to
	// the provider.
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("background refresh never reached the token endpoint")
	}

	p.Detach(1)
	p.Close()

	persisted, err := tokens.GetToken(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "access-current", persisted.AccessToken, "cancelled refresh must not mutate the credential")
	require.Equal(t, "refresh-live", persisted.RefreshToken)

	// A closed provider schedules no further refreshes.
	got, err = p.AccessToken(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "access-current", got)
	select {
	case <-started:
		t.Fatal("refresh scheduled after close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAccessTokenMissingCredential(t *testing.T) {
	t.Parallel()

	srv := newTokenEndpoint(t, &atomic.Int64{}, "unused")
	p := newTestProvider(t, srv.URL, store.NewMemory())

	_, err := p.AccessToken(context.Background(), 99)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, int64(99), authErr.PuppetID)
}

func TestAccessTokenRefreshFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	tokens := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, tokens.StoreToken(ctx, store.Token{
		PuppetID:     1,
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
		AccessExpiry: time.Now().Add(-time.Minute).Unix(),
	}))

	p := newTestProvider(t, srv.URL, tokens)
	_, err := p.AccessToken(ctx, 1)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestAuthorizeExtractsUserID(t *testing.T) {
	t.Parallel()

	access := signedToken(t, jwt.MapClaims{
		"oid": "user-object-id",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tokens := store.NewMemory()
	p := newTestProvider(t, "http://unused.invalid", tokens)

	stored, err := p.Authorize(context.Background(), 7, TokenResponse{
		AccessToken:  access,
		RefreshToken: "refresh",
		ExpiresOn:    epochSecond(time.Now().Add(time.Hour).Unix()),
	})
	require.NoError(t, err)
	require.Equal(t, "user-object-id", stored.UserID)

	persisted, err := tokens.GetToken(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, stored, persisted)
}

func TestAuthorizeRejectsTokenWithoutOID(t *testing.T) {
	t.Parallel()

	access := signedToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	p := newTestProvider(t, "http://unused.invalid", store.NewMemory())

	_, err := p.Authorize(context.Background(), 7, TokenResponse{AccessToken: access})
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestHasRequiredScopes(t *testing.T) {
	t.Parallel()

	require.True(t, HasRequiredScopes("Chat.ReadWrite ChatMessage.Read User.Read offline_access"))
	require.False(t, HasRequiredScopes("Chat.ReadWrite User.Read"))
	require.False(t, HasRequiredScopes(""))
}

func TestSourceCachesUntilExpiry(t *testing.T) {
	t.Parallel()

	access := signedToken(t, jwt.MapClaims{
		"oid": "owner",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tokens := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, tokens.StoreToken(ctx, store.Token{
		PuppetID:     1,
		AccessToken:  access,
		RefreshToken: "refresh",
		AccessExpiry: time.Now().Add(time.Hour).Unix(),
	}))

	p := newTestProvider(t, "http://unused.invalid", tokens)
	source := p.Source(1)

	first, err := source.AccessToken(ctx)
	require.NoError(t, err)

	// Mutate the store; the cached token should still be served.
	require.NoError(t, tokens.StoreToken(ctx, store.Token{
		PuppetID:     1,
		AccessToken:  "different",
		RefreshToken: "refresh",
		AccessExpiry: time.Now().Add(time.Hour).Unix(),
	}))
	second, err := source.AccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestSourceRefreshesInsideSoftWindow(t *testing.T) {
	t.Parallel()

	refreshed := signedToken(t, jwt.MapClaims{
		"oid": "owner",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	var hits atomic.Int64
	srv := newTokenEndpoint(t, &hits, refreshed)

	current := signedToken(t, jwt.MapClaims{
		"oid": "owner",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	})
	tokens := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, tokens.StoreToken(ctx, store.Token{
		PuppetID:     1,
		AccessToken:  current,
		RefreshToken: "refresh-old",
		AccessExpiry: time.Now().Add(5 * time.Minute).Unix(),
	}))

	p := newTestProvider(t, srv.URL, tokens)
	source := p.Source(1)

	first, err := source.AccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, current, first, "still-valid token is served while the refresh runs")

	// The exp claim sits inside the soft window, so the source must keep
	// consulting the provider instead of pinning the stale token until
	// expiry, and pick up the refreshed one.
	require.Eventually(t, func() bool {
		got, err := source.AccessToken(ctx)
		return err == nil && got == refreshed
	}, 2*time.Second, 10*time.Millisecond)
	p.Close()
	require.Equal(t, int64(1), hits.Load())
}

func TestEpochSecondUnmarshal(t *testing.T) {
	t.Parallel()

	var resp TokenResponse
	err := json.Unmarshal([]byte(`{"access_token":"a","expires_on":"1700000000","not_before":1699990000}`), &resp)
	require.NoError(t, err)
	require.Equal(t, epochSecond(1700000000), resp.ExpiresOn)
	require.Equal(t, epochSecond(1699990000), resp.NotBefore)
}
