package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/neilsb/mx-puppet-teams/internal/auth"
)

const grantedScopes = "chat.readwrite chatmessage.read user.read"

type fakeExchanger struct {
	resp auth.TokenResponse
	err  error
	code string
}

func (f *fakeExchanger) AuthorizeURL() string {
	return "https://login.example.org/authorize?client_id=test"
}

func (f *fakeExchanger) Exchange(_ context.Context, code string) (auth.TokenResponse, error) {
	f.code = code
	return f.resp, f.err
}

func oauthServer(exchanger TokenExchanger, codes auth.CodeStore) *echo.Echo {
	e := echo.New()
	NewOAuthHandler(nil, exchanger, codes, "/msteams/oauth").Register(e)
	return e
}

var linkCodePattern = regexp.MustCompile(`<b>([a-z0-9]{6})</b>`)

func TestLoginRedirects(t *testing.T) {
	t.Parallel()

	e := oauthServer(&fakeExchanger{}, auth.NewMemoryCodeStore())
	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://login.example.org/authorize?client_id=test" {
		t.Fatalf("location = %q", loc)
	}
}

func TestCallbackIssuesLinkCode(t *testing.T) {
	t.Parallel()

	exchanger := &fakeExchanger{resp: auth.TokenResponse{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresOn:    1700000000,
		Scope:        grantedScopes,
	}}
	codes := auth.NewMemoryCodeStore()
	e := oauthServer(exchanger, codes)

	req := httptest.NewRequest(http.MethodGet, "/msteams/oauth?code=authcode-1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if exchanger.code != "authcode-1" {
		t.Fatalf("exchange got code %q", exchanger.code)
	}

	match := linkCodePattern.FindStringSubmatch(rec.Body.String())
	if match == nil {
		t.Fatalf("no link code in page: %s", rec.Body.String())
	}
	data, err := codes.Take(context.Background(), match[1])
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if data.AccessToken != "access-1" || data.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected parked tokens: %+v", data)
	}
	if data.ExpiresOn != 1700000000 {
		t.Fatalf("expiry not carried: %d", data.ExpiresOn)
	}
}

func TestCallbackRejectsMissingScopes(t *testing.T) {
	t.Parallel()

	exchanger := &fakeExchanger{resp: auth.TokenResponse{AccessToken: "a", Scope: "user.read"}}
	codes := auth.NewMemoryCodeStore()
	e := oauthServer(exchanger, codes)

	req := httptest.NewRequest(http.MethodGet, "/msteams/oauth?code=authcode-1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCallbackProviderError(t *testing.T) {
	t.Parallel()

	e := oauthServer(&fakeExchanger{}, auth.NewMemoryCodeStore())
	req := httptest.NewRequest(http.MethodGet, "/msteams/oauth?error=access_denied&error_description=user+declined", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCallbackExchangeFailure(t *testing.T) {
	t.Parallel()

	e := oauthServer(&fakeExchanger{err: errors.New("upstream down")}, auth.NewMemoryCodeStore())
	req := httptest.NewRequest(http.MethodGet, "/msteams/oauth?code=authcode-1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
}
