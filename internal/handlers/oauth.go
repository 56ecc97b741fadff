package handlers

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/neilsb/mx-puppet-teams/internal/auth"
)

// TokenExchanger is the OAuth side the login flow needs: building the
// consent URL and turning an authorization code into tokens.
type TokenExchanger interface {
	AuthorizeURL() string
	Exchange(ctx context.Context, code string) (auth.TokenResponse, error)
}

type OAuthHandler struct {
	exchanger    TokenExchanger
	codes        auth.CodeStore
	redirectPath string
	logger       *slog.Logger
}

func NewOAuthHandler(log *slog.Logger, exchanger TokenExchanger, codes auth.CodeStore, redirectPath string) *OAuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &OAuthHandler{
		exchanger:    exchanger,
		codes:        codes,
		redirectPath: redirectPath,
		logger:       log.With(slog.String("component", "oauth_handler")),
	}
}

func (h *OAuthHandler) Register(e *echo.Echo) {
	e.GET("/login", h.Login)
	e.GET(h.redirectPath, h.Callback)
}

// Login sends the user to the identity provider's consent page.
func (h *OAuthHandler) Login(c echo.Context) error {
	return c.Redirect(http.StatusFound, h.exchanger.AuthorizeURL())
}

// Callback completes the consent flow: the authorization code is exchanged
// for tokens, which are parked behind a short one-time link code the user
// hands to the bridge bot. Tokens without the required permission scopes are
// rejected here so the user sees the problem immediately.
func (h *OAuthHandler) Callback(c echo.Context) error {
	if msg := c.QueryParam("error_description"); msg != "" {
		return c.HTML(http.StatusBadRequest, errorPage(msg))
	}
	code := c.QueryParam("code")
	if code == "" {
		return c.HTML(http.StatusBadRequest, errorPage("missing authorization code"))
	}

	resp, err := h.exchanger.Exchange(c.Request().Context(), code)
	if err != nil {
		h.logger.Error("token exchange failed", slog.Any("error", err))
		return c.HTML(http.StatusBadGateway, errorPage("unable to complete the sign-in, please try again"))
	}
	if !auth.HasRequiredScopes(resp.Scope) {
		return c.HTML(http.StatusForbidden,
			errorPage("the account did not grant the required chat permissions"))
	}

	linkCode, err := h.storeLinkData(c.Request().Context(), auth.LinkDataFromResponse(resp))
	if err != nil {
		h.logger.Error("store link code failed", slog.Any("error", err))
		return c.HTML(http.StatusInternalServerError, errorPage("unable to issue a link code, please try again"))
	}
	return c.HTML(http.StatusOK, linkPage(linkCode))
}

// storeLinkData parks the tokens behind a fresh code, retrying on the rare
// collision with a concurrently issued one.
func (h *OAuthHandler) storeLinkData(ctx context.Context, data auth.LinkData) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		code := auth.GenerateCode()
		err := h.codes.Put(ctx, code, data, auth.CodeTTL)
		if errors.Is(err, auth.ErrCodeExists) {
			continue
		}
		if err != nil {
			return "", err
		}
		return code, nil
	}
	return "", fmt.Errorf("unable to allocate a link code")
}

func linkPage(code string) string {
	return fmt.Sprintf(`<html><body>
<p>Sign-in complete. Your link code is:</p>
<p><b>%s</b></p>
<p>Send <code>link %s</code> to the bridge bot within %d minutes to finish linking.</p>
</body></html>`, code, code, int(auth.CodeTTL.Minutes()))
}

func errorPage(msg string) string {
	return fmt.Sprintf(`<html><body><p>Sign-in failed: %s</p></body></html>`, html.EscapeString(msg))
}
