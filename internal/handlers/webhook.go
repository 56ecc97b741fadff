package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/neilsb/mx-puppet-teams/internal/bridge"
	"github.com/neilsb/mx-puppet-teams/internal/graph"
)

// NotificationDispatcher routes an inbound webhook batch to a puppet.
type NotificationDispatcher interface {
	HandleWebhook(ctx context.Context, puppetID int64, batch graph.NotificationBatch) error
}

type WebhookHandler struct {
	dispatcher NotificationDispatcher
	logger     *slog.Logger
}

func NewWebhookHandler(log *slog.Logger, dispatcher NotificationDispatcher) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		dispatcher: dispatcher,
		logger:     log.With(slog.String("component", "webhook_handler")),
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/:puppetId/chatSub", h.ChatSub)
}

// ChatSub receives change notifications for one puppet. The subscription
// handshake sends a validationToken query parameter that must be echoed back
// as plain text; every real batch is acknowledged exactly once with 200 OK,
// also when some of its entries fail.
func (h *WebhookHandler) ChatSub(c echo.Context) error {
	if token := c.QueryParam("validationToken"); token != "" {
		return c.String(http.StatusOK, token)
	}

	puppetID, err := strconv.ParseInt(c.Param("puppetId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid puppet id")
	}

	var batch graph.NotificationBatch
	if err := c.Bind(&batch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := h.dispatcher.HandleWebhook(c.Request().Context(), puppetID, batch); err != nil {
		if errors.Is(err, bridge.ErrPuppetNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown puppet")
		}
		h.logger.Error("webhook dispatch failed",
			slog.Int64("puppet_id", puppetID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "dispatch failed")
	}
	return c.String(http.StatusOK, "OK")
}
