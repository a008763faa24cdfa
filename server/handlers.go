package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/funnelworks/leadline/pipeline"
	"github.com/funnelworks/leadline/rpcclient"
	"github.com/funnelworks/leadline/store"
	"github.com/funnelworks/leadline/store/db/postgres"
)

func wireConversation(c *store.Conversation) rpcclient.Conversation {
	return rpcclient.Conversation{
		ID:                  c.ID,
		TenantID:            c.TenantID,
		LeadID:              c.LeadID,
		Mode:                c.Mode,
		Stage:               string(c.Stage),
		IntentLevel:         string(c.IntentLevel),
		UserSentiment:       string(c.UserSentiment),
		RollingSummary:      c.RollingSummary,
		NeedsHumanAttention: c.NeedsHumanAttention,
		ActiveCTAID:         c.ActiveCTAID,
		LastUserMessageAt:   c.LastUserMessageAt,
		LastBotMessageAt:    c.LastBotMessageAt,
		FollowupCount24h:    c.FollowupCount24h,
		TotalNudges:         c.TotalNudges,
	}
}

func (s *Server) bundle(c echo.Context, conv *store.Conversation) (*rpcclient.ConversationBundle, error) {
	ctx := c.Request().Context()

	tenant, err := s.store.GetTenant(ctx, conv.TenantID)
	if err != nil {
		return nil, errors.Wrap(err, "load tenant")
	}
	lead, err := s.store.GetLead(ctx, conv.LeadID)
	if err != nil {
		return nil, errors.Wrap(err, "load lead")
	}
	ctas, err := s.store.ListCTAs(ctx, conv.TenantID)
	if err != nil {
		return nil, errors.Wrap(err, "list ctas")
	}
	recent, err := s.store.ListRecentMessages(ctx, conv.ID, s.recent)
	if err != nil {
		return nil, errors.Wrap(err, "list recent messages")
	}

	out := &rpcclient.ConversationBundle{
		Conversation: wireConversation(conv),
		Lead:         rpcclient.Lead{ID: lead.ID, Phone: lead.Phone, Name: lead.Name},
		Tenant: rpcclient.TenantProfile{
			ID:          tenant.ID,
			Name:        tenant.Name,
			Description: tenant.Description,
			FlowPrompt:  tenant.FlowPrompt,
		},
		CTAs:           make([]rpcclient.CTA, 0, len(ctas)),
		RecentMessages: make([]rpcclient.MessageRecord, 0, len(recent)),
	}
	for _, cta := range ctas {
		out.CTAs = append(out.CTAs, rpcclient.CTA{ID: cta.ID, Name: cta.Name})
	}
	for _, m := range recent {
		out.RecentMessages = append(out.RecentMessages, rpcclient.MessageRecord{
			ID:        m.ID,
			Origin:    m.Origin,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}

// handleResolveConversation locates or creates the conversation for an
// inbound sender, selected by tenant id or provider phone-number-id.
func (s *Server) handleResolveConversation(c echo.Context) error {
	ctx := c.Request().Context()
	phone := c.QueryParam("phone")
	if phone == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "phone is required")
	}

	var tenant *store.Tenant
	var err error
	switch {
	case c.QueryParam("tenant") != "":
		tenant, err = s.store.GetTenant(ctx, c.QueryParam("tenant"))
	case c.QueryParam("phone_number_id") != "":
		tenant, err = s.store.GetTenantByPhoneNumberID(ctx, c.QueryParam("phone_number_id"))
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "tenant or phone_number_id is required")
	}
	if errors.Is(err, postgres.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "tenant not found")
	}
	if err != nil {
		return s.internalError(c, "resolve tenant", err)
	}

	lead, err := s.store.GetOrCreateLead(ctx, tenant.ID, phone, c.QueryParam("name"))
	if err != nil {
		return s.internalError(c, "resolve lead", err)
	}
	conv, created, err := s.store.GetOrCreateConversation(ctx, tenant.ID, lead.ID)
	if err != nil {
		return s.internalError(c, "resolve conversation", err)
	}
	if created {
		slog.Info("conversation created",
			"tenant_id", tenant.ID, "conversation_id", conv.ID, "lead_id", lead.ID)
	}

	bundle, err := s.bundle(c, conv)
	if err != nil {
		return s.internalError(c, "build bundle", err)
	}
	return c.JSON(http.StatusOK, bundle)
}

func (s *Server) handleGetConversation(c echo.Context) error {
	conv, err := s.store.GetConversation(c.Request().Context(), c.Param("id"))
	if errors.Is(err, postgres.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		return s.internalError(c, "get conversation", err)
	}
	bundle, err := s.bundle(c, conv)
	if err != nil {
		return s.internalError(c, "build bundle", err)
	}
	return c.JSON(http.StatusOK, bundle)
}

func (s *Server) handlePatchConversation(c echo.Context) error {
	patch := rpcclient.ConversationPatch{}
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patch body")
	}

	update := &store.UpdateConversation{ID: c.Param("id")}
	update.Mode = patch.Mode
	if patch.Stage != nil {
		stage := pipeline.ConversationStage(*patch.Stage)
		update.Stage = &stage
	}
	if patch.IntentLevel != nil {
		intent := pipeline.IntentLevel(*patch.IntentLevel)
		update.IntentLevel = &intent
	}
	if patch.UserSentiment != nil {
		sentiment := pipeline.UserSentiment(*patch.UserSentiment)
		update.UserSentiment = &sentiment
	}
	update.RollingSummary = patch.RollingSummary
	update.NeedsHumanAttention = patch.NeedsHumanAttention
	update.ActiveCTAID = patch.ActiveCTAID
	update.LastUserMessageAt = patch.LastUserMessageAt
	update.LastBotMessageAt = patch.LastBotMessageAt

	conv, err := s.store.UpdateConversation(c.Request().Context(), update)
	if errors.Is(err, postgres.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		return s.internalError(c, "patch conversation", err)
	}
	return c.JSON(http.StatusOK, wireConversation(conv))
}

// handleIncomingMessage persists a lead message and advances
// last_user_message_at. Redeliveries of the same provider message id report
// created=false and change nothing.
func (s *Server) handleIncomingMessage(c echo.Context) error {
	req := rpcclient.IncomingMessageRequest{}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message body")
	}
	if req.ConversationID == "" || req.TenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id and conversation_id are required")
	}

	ctx := c.Request().Context()
	msg := &store.Message{
		TenantID:          req.TenantID,
		ConversationID:    req.ConversationID,
		LeadID:            req.LeadID,
		Content:           req.Content,
		ProviderMessageID: req.ProviderMessageID,
	}
	created, err := s.store.CreateIncomingMessage(ctx, msg)
	if err != nil {
		return s.internalError(c, "create incoming message", err)
	}
	if created {
		now := time.Now().UTC()
		if _, err := s.store.UpdateConversation(ctx, &store.UpdateConversation{
			ID:                req.ConversationID,
			LastUserMessageAt: &now,
		}); err != nil {
			return s.internalError(c, "advance last user message", err)
		}
	}
	return c.JSON(http.StatusOK, rpcclient.IncomingMessageResponse{
		MessageID: msg.ID,
		Created:   created,
	})
}

// handleOutgoingMessage persists a bot or human message; bot messages also
// advance last_bot_message_at.
func (s *Server) handleOutgoingMessage(c echo.Context) error {
	req := rpcclient.OutgoingMessageRequest{}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message body")
	}
	if req.ConversationID == "" || req.TenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id and conversation_id are required")
	}
	origin := req.Origin
	if origin == "" {
		origin = store.OriginBot
	}

	ctx := c.Request().Context()
	msg := &store.Message{
		TenantID:          req.TenantID,
		ConversationID:    req.ConversationID,
		LeadID:            req.LeadID,
		Origin:            origin,
		Content:           req.Content,
		ProviderMessageID: req.ProviderMessageID,
	}
	if err := s.store.CreateOutgoingMessage(ctx, msg); err != nil {
		return s.internalError(c, "create outgoing message", err)
	}
	if origin == store.OriginBot {
		now := time.Now().UTC()
		if _, err := s.store.UpdateConversation(ctx, &store.UpdateConversation{
			ID:               req.ConversationID,
			LastBotMessageAt: &now,
		}); err != nil {
			return s.internalError(c, "advance last bot message", err)
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"message_id": msg.ID})
}

func (s *Server) handleSendMessage(c echo.Context) error {
	if s.sender == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sender not configured")
	}
	req := rpcclient.SendMessageRequest{}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid send body")
	}
	if req.TenantID == "" || req.ToPhone == "" || req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id, to_phone and text are required")
	}

	ctx := c.Request().Context()
	tenant, err := s.store.GetTenant(ctx, req.TenantID)
	if errors.Is(err, postgres.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "tenant not found")
	}
	if err != nil {
		return s.internalError(c, "load tenant for send", err)
	}

	providerID, err := s.sender.Send(ctx, tenant, req.ToPhone, req.Text)
	if err != nil {
		slog.Error("provider send failed",
			"tenant_id", req.TenantID, "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "provider send failed")
	}
	return c.JSON(http.StatusOK, rpcclient.SendMessageResponse{ProviderMessageID: providerID})
}

func (s *Server) handleDueFollowups(c echo.Context) error {
	now := time.Now().UTC()
	if raw := c.QueryParam("now"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid now timestamp")
		}
		now = time.Unix(sec, 0).UTC()
	}
	convs, err := s.store.ListDueFollowups(c.Request().Context(), now, s.buckets)
	if err != nil {
		return s.internalError(c, "list due followups", err)
	}
	resp := rpcclient.DueFollowupsResponse{
		Conversations: make([]rpcclient.Conversation, 0, len(convs)),
	}
	for _, conv := range convs {
		resp.Conversations = append(resp.Conversations, wireConversation(conv))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleFollowupSent(c echo.Context) error {
	err := s.store.IncrementFollowupCounters(c.Request().Context(), c.Param("id"))
	if errors.Is(err, postgres.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		return s.internalError(c, "increment followup counters", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePostEvent(c echo.Context) error {
	event := rpcclient.Event{}
	if err := c.Bind(&event); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event body")
	}
	if event.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "event type is required")
	}
	if err := s.sink.Publish(c.Request().Context(), event); err != nil {
		return s.internalError(c, "publish event", err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleResetState(c echo.Context) error {
	if err := s.store.ResetState(c.Request().Context()); err != nil {
		return s.internalError(c, "reset state", err)
	}
	slog.Warn("operational state reset")
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) internalError(c echo.Context, op string, err error) error {
	slog.Error("rpc handler failed", "op", op, "path", c.Path(), "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, op+" failed")
}
