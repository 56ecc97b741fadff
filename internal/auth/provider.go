package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/neilsb/mx-puppet-teams/internal/config"
	"github.com/neilsb/mx-puppet-teams/internal/store"
)

// softRefreshWindow is how long before expiry a still-valid token triggers a
// background refresh.
const softRefreshWindow = 15 * time.Minute

// AuthError marks a session-fatal credential failure. The host must send the
// puppet owner back through the linking flow.
type AuthError struct {
	PuppetID int64
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed for puppet %d: %v", e.PuppetID, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// TokenResponse is the token endpoint's reply for both the refresh_token and
// authorization_code grants. expires_on / not_before arrive as strings.
type TokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresOn    epochSecond `json:"expires_on"`
	NotBefore    epochSecond `json:"not_before"`
	Scope        string      `json:"scope"`
}

type epochSecond int64

func (e *epochSecond) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*e = 0
		return nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("epoch seconds %q: %w", raw, err)
	}
	*e = epochSecond(value)
	return nil
}

// Provider owns the access/refresh token lifecycle for every linked puppet.
// Background refreshes run as tasks tied to the provider lifecycle: Detach
// cancels a single puppet's task, Close cancels and joins all of them.
type Provider struct {
	store  store.TokenStore
	oauth  config.OAuthConfig
	client *http.Client
	logger *slog.Logger
	group  singleflight.Group
	now    func() time.Time

	mu         sync.Mutex
	sessions   map[int64]*refreshSession
	closed     bool
	wg         sync.WaitGroup
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

// refreshSession scopes one puppet's background refreshes so they can be
// cancelled on unlink without tearing down the whole provider.
type refreshSession struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewProvider(log *slog.Logger, tokens store.TokenStore, oauth config.OAuthConfig) *Provider {
	if log == nil {
		log = slog.Default()
	}
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Provider{
		store:      tokens,
		oauth:      oauth,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     log.With(slog.String("component", "auth_provider")),
		now:        time.Now,
		sessions:   map[int64]*refreshSession{},
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}
}

// AccessToken returns a valid access token for the puppet. An expired token
// is refreshed before returning; a token inside the soft window is returned
// as-is while a background refresh runs for the next caller.
func (p *Provider) AccessToken(ctx context.Context, puppetID int64) (string, error) {
	token, err := p.store.GetToken(ctx, puppetID)
	if err != nil {
		p.logger.Error("load token failed", slog.Int64("puppet_id", puppetID), slog.Any("error", err))
		return "", &AuthError{PuppetID: puppetID, Err: err}
	}

	now := p.now().Unix()
	if now >= token.AccessExpiry {
		refreshed, err := p.refresh(ctx, puppetID)
		if err != nil {
			return "", err
		}
		return refreshed.AccessToken, nil
	}

	if token.AccessExpiry-now <= int64(softRefreshWindow.Seconds()) {
		p.backgroundRefresh(puppetID)
	}

	return token.AccessToken, nil
}

// backgroundRefresh runs a refresh detached from the caller's request
// context. The task is tied to the puppet's session so Detach can cancel it
// and Close can join it.
func (p *Provider) backgroundRefresh(puppetID int64) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	s, ok := p.sessions[puppetID]
	if !ok {
		ctx, cancel := context.WithCancel(p.lifeCtx)
		s = &refreshSession{ctx: ctx, cancel: cancel}
		p.sessions[puppetID] = s
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if _, err := p.refresh(s.ctx, puppetID); err != nil {
			p.logger.Warn("background refresh failed", slog.Int64("puppet_id", puppetID), slog.Any("error", err))
		}
	}()
}

// Detach cancels any in-flight background refresh for the puppet. Callers
// unlinking a puppet use this so its single-use refresh token is not spent
// after teardown.
func (p *Provider) Detach(puppetID int64) {
	p.mu.Lock()
	s, ok := p.sessions[puppetID]
	delete(p.sessions, puppetID)
	p.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// Close cancels every background refresh and waits for them to settle. The
// provider must not be used afterwards.
func (p *Provider) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.lifeCancel()
	p.wg.Wait()
}

// refresh exchanges the stored refresh token for a new triple and persists it
// before returning. Concurrent callers for the same puppet collapse into one
// network request; the refresh token is single use and must never be spent
// twice.
func (p *Provider) refresh(ctx context.Context, puppetID int64) (store.Token, error) {
	key := strconv.FormatInt(puppetID, 10)
	result, err, _ := p.group.Do(key, func() (interface{}, error) {
		current, err := p.store.GetToken(ctx, puppetID)
		if err != nil {
			return nil, &AuthError{PuppetID: puppetID, Err: err}
		}
		// Another caller may have finished a refresh while we queued.
		if p.now().Unix() < current.AccessExpiry-int64(softRefreshWindow.Seconds()) {
			return current, nil
		}

		p.logger.Debug("requesting new access token", slog.Int64("puppet_id", puppetID))
		resp, err := p.requestToken(ctx, url.Values{
			"grant_type":    {"refresh_token"},
			"client_id":     {p.oauth.ClientID},
			"client_secret": {p.oauth.ClientSecret},
			"refresh_token": {current.RefreshToken},
		})
		if err != nil {
			p.logger.Error("token refresh failed", slog.Int64("puppet_id", puppetID), slog.Any("error", err))
			return nil, &AuthError{PuppetID: puppetID, Err: err}
		}

		current.AccessToken = resp.AccessToken
		current.RefreshToken = resp.RefreshToken
		current.AccessExpiry = int64(resp.ExpiresOn)
		if err := p.store.StoreToken(ctx, current); err != nil {
			return nil, &AuthError{PuppetID: puppetID, Err: err}
		}
		return current, nil
	})
	if err != nil {
		return store.Token{}, err
	}
	return result.(store.Token), nil
}

// Exchange redeems an authorization code at the token endpoint.
func (p *Provider) Exchange(ctx context.Context, code string) (TokenResponse, error) {
	return p.requestToken(ctx, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {p.oauth.ClientID},
		"client_secret": {p.oauth.ClientSecret},
		"code":          {code},
		"redirect_uri":  {config.JoinBaseURI(p.oauth.ServerBaseURI, p.oauth.RedirectPath)},
		"resource":      {"https://graph.microsoft.com"},
	})
}

// Authorize persists the initial credential for a puppet from a fresh token
// response. The owning user id comes from the access token's oid claim.
func (p *Provider) Authorize(ctx context.Context, puppetID int64, resp TokenResponse) (store.Token, error) {
	userID, err := UserIDFromToken(resp.AccessToken)
	if err != nil {
		return store.Token{}, &AuthError{PuppetID: puppetID, Err: err}
	}
	token := store.Token{
		PuppetID:     puppetID,
		UserID:       userID,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		AccessExpiry: int64(resp.ExpiresOn),
		Login:        int64(resp.NotBefore),
	}
	if err := p.store.StoreToken(ctx, token); err != nil {
		return store.Token{}, &AuthError{PuppetID: puppetID, Err: err}
	}
	p.logger.Info("puppet authorized", slog.Int64("puppet_id", puppetID), slog.String("user_id", userID))
	return token, nil
}

// Token exposes the stored credential, primarily for the puppet bootstrap.
func (p *Provider) Token(ctx context.Context, puppetID int64) (store.Token, error) {
	token, err := p.store.GetToken(ctx, puppetID)
	if err != nil {
		return store.Token{}, &AuthError{PuppetID: puppetID, Err: err}
	}
	return token, nil
}

// Puppets lists every puppet id with a stored credential.
func (p *Provider) Puppets(ctx context.Context) ([]int64, error) {
	return p.store.ListPuppets(ctx)
}

// AuthorizeURL is where the login flow sends the user's browser.
func (p *Provider) AuthorizeURL() string {
	redirect := config.JoinBaseURI(p.oauth.ServerBaseURI, p.oauth.RedirectPath)
	return fmt.Sprintf("%s?response_type=code&redirect_uri=%s&client_id=%s",
		config.JoinBaseURI(p.oauth.Endpoint, "/authorize"),
		url.QueryEscape(redirect), url.QueryEscape(p.oauth.ClientID))
}

func (p *Provider) requestToken(ctx context.Context, form url.Values) (TokenResponse, error) {
	endpoint := config.JoinBaseURI(p.oauth.Endpoint, "/token")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return TokenResponse{}, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed TokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return TokenResponse{}, fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return TokenResponse{}, fmt.Errorf("token response missing access_token")
	}
	return parsed, nil
}

// UserIDFromToken extracts the directory object id (oid claim) without
// verifying the signature; the token just came from the token endpoint over
// TLS.
func UserIDFromToken(accessToken string) (string, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return "", fmt.Errorf("parse access token: %w", err)
	}
	oid, _ := claims["oid"].(string)
	if oid == "" {
		return "", fmt.Errorf("access token has no oid claim")
	}
	return oid, nil
}

// expiryFromToken reads the exp claim, zero time if absent.
func expiryFromToken(accessToken string) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// RequiredScopes are the delegated permissions the linked token must carry.
var RequiredScopes = []string{"chat.readwrite", "chatmessage.read", "user.read"}

// HasRequiredScopes checks the space-separated scope claim of a token
// response against RequiredScopes.
func HasRequiredScopes(scope string) bool {
	granted := map[string]bool{}
	for _, s := range strings.Fields(strings.ToLower(scope)) {
		granted[s] = true
	}
	for _, required := range RequiredScopes {
		if !granted[required] {
			return false
		}
	}
	return true
}
