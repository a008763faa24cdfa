// Package server hosts the internal RPC surface: conversation state,
// transcript writes, provider sends, follow-up queries, and the observer
// event sink. It is the only process that touches the database.
package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/funnelworks/leadline/rpcclient"
	"github.com/funnelworks/leadline/store"
)

// Config configures the RPC server.
type Config struct {
	Secret          string
	FollowupBuckets []store.FollowupBucket
	RecentMessages  int
}

// Server is the internal RPC server.
type Server struct {
	echo    *echo.Echo
	store   *store.Store
	sender  Sender
	sink    EventSink
	secret  []byte
	buckets []store.FollowupBucket
	recent  int
}

// New wires the routes. sender and sink may be nil; nil sink logs events and
// a nil sender rejects send requests.
func New(st *store.Store, sender Sender, sink EventSink, cfg Config) *Server {
	if sink == nil {
		sink = LogSink{}
	}
	buckets := cfg.FollowupBuckets
	if len(buckets) == 0 {
		buckets = store.DefaultFollowupBuckets()
	}
	recent := cfg.RecentMessages
	if recent <= 0 {
		recent = 10
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		store:   st,
		sender:  sender,
		sink:    sink,
		secret:  []byte(cfg.Secret),
		buckets: buckets,
		recent:  recent,
	}

	e.GET("/healthz", s.handleHealth)

	internal := e.Group("/internal", s.requireSecret)
	internal.GET("/conversations/by-phone", s.handleResolveConversation)
	internal.GET("/conversations/due-followups", s.handleDueFollowups)
	internal.GET("/conversations/:id", s.handleGetConversation)
	internal.PATCH("/conversations/:id", s.handlePatchConversation)
	internal.POST("/conversations/:id/followup-sent", s.handleFollowupSent)
	internal.POST("/messages/incoming", s.handleIncomingMessage)
	internal.POST("/messages/outgoing", s.handleOutgoingMessage)
	internal.POST("/messages/send", s.handleSendMessage)
	internal.POST("/events", s.handlePostEvent)
	internal.POST("/admin/reset-state", s.handleResetState)

	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	slog.Info("rpc server listening", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// requireSecret rejects requests whose shared secret does not match. The
// compare is constant time; an empty configured secret rejects everything.
func (s *Server) requireSecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		got := []byte(c.Request().Header.Get(rpcclient.HeaderInternalSecret))
		if len(s.secret) == 0 ||
			subtle.ConstantTimeCompare(got, s.secret) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid internal secret")
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Driver().Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
