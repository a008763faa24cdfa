// Package gateway is the public webhook ingress. It authenticates provider
// callbacks, drops the raw payload on the durable queue, and answers fast.
// It never touches the database and never parses payload contents.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/funnelworks/leadline/queue"
)

const maxBodyBytes = 1 << 20

// Config configures the gateway.
type Config struct {
	// AppSecret signs webhook payloads (X-Hub-Signature-256).
	AppSecret string
	// VerifyToken answers the provider's subscription handshake.
	VerifyToken string
}

// Gateway is the ingress HTTP server.
type Gateway struct {
	echo        *echo.Echo
	queue       queue.Queue
	appSecret   []byte
	verifyToken string
}

// New wires the webhook routes.
func New(q queue.Queue, cfg Config) *Gateway {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	g := &Gateway{
		echo:        e,
		queue:       q,
		appSecret:   []byte(cfg.AppSecret),
		verifyToken: cfg.VerifyToken,
	}
	e.GET("/webhook", g.handleVerify)
	e.POST("/webhook", g.handleWebhook)
	e.GET("/healthz", g.handleHealth)
	return g
}

// Start serves until the listener fails or Shutdown is called.
func (g *Gateway) Start(addr string) error {
	slog.Info("gateway listening", "addr", addr)
	return g.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.echo.Shutdown(ctx)
}

// Handler exposes the router for httptest.
func (g *Gateway) Handler() http.Handler {
	return g.echo
}

// handleVerify answers the provider's subscription handshake by echoing
// hub.challenge when the verify token matches.
func (g *Gateway) handleVerify(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")
	if mode == "subscribe" && g.verifyToken != "" && token == g.verifyToken {
		return c.String(http.StatusOK, challenge)
	}
	return echo.NewHTTPError(http.StatusForbidden, "verification failed")
}

// handleWebhook authenticates the payload signature and enqueues the raw
// body. The 200 means "durably queued", nothing more; all interpretation
// happens in the worker.
func (g *Gateway) handleWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	if !g.validSignature(body, c.Request().Header.Get("X-Hub-Signature-256")) {
		slog.Warn("webhook signature rejected", "remote", c.RealIP())
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	if err := g.queue.Send(c.Request().Context(), body); err != nil {
		slog.Error("webhook enqueue failed", "error", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "enqueue failed")
	}
	return c.NoContent(http.StatusOK)
}

// validSignature checks the sha256= HMAC header against the raw body in
// constant time. An empty configured secret rejects everything.
func (g *Gateway) validSignature(body []byte, header string) bool {
	if len(g.appSecret) == 0 {
		return false
	}
	hexDigest, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(hexDigest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, g.appSecret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func (g *Gateway) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
