package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/funnelworks/leadline/store"
)

const (
	graphAPIHost      = "https://graph.facebook.com"
	defaultAPIVersion = "v21.0"
	sendTimeout       = 15 * time.Second
)

// Sender delivers text to a lead through the messaging provider.
type Sender interface {
	Send(ctx context.Context, tenant *store.Tenant, toPhone, text string) (string, error)
}

// WhatsAppSender sends through the WhatsApp Cloud API using each tenant's own
// phone number id and access token. A shared limiter keeps the process under
// the provider's throughput ceiling.
type WhatsAppSender struct {
	http    *http.Client
	limiter *rate.Limiter
	host    string
}

// NewWhatsAppSender builds a sender. perSecond <= 0 defaults to 10 msg/s.
func NewWhatsAppSender(perSecond float64) *WhatsAppSender {
	if perSecond <= 0 {
		perSecond = 10
	}
	return &WhatsAppSender{
		http:    &http.Client{Timeout: sendTimeout},
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1),
		host:    graphAPIHost,
	}
}

type sendPayload struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             sendText `json:"text"`
}

type sendText struct {
	Body string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send posts one text message and returns the provider message id.
func (s *WhatsAppSender) Send(ctx context.Context, tenant *store.Tenant, toPhone, text string) (string, error) {
	if tenant.AccessToken == "" {
		return "", fmt.Errorf("whatsapp send: tenant %s has no access token", tenant.ID)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("whatsapp send: rate limiter: %w", err)
	}

	version := tenant.APIVersion
	if version == "" {
		version = defaultAPIVersion
	}
	endpoint := fmt.Sprintf("%s/%s/%s/messages", s.host, version, tenant.PhoneNumberID)

	body, err := json.Marshal(sendPayload{
		MessagingProduct: "whatsapp",
		To:               toPhone,
		Type:             "text",
		Text:             sendText{Body: text},
	})
	if err != nil {
		return "", fmt.Errorf("whatsapp send: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("whatsapp send: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tenant.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("whatsapp send: read response: %w", err)
	}
	decoded := sendResponse{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("whatsapp send: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || decoded.Error != nil {
		msg := ""
		if decoded.Error != nil {
			msg = decoded.Error.Message
		}
		return "", fmt.Errorf("whatsapp send: provider status %d: %s", resp.StatusCode, msg)
	}
	if len(decoded.Messages) == 0 {
		return "", fmt.Errorf("whatsapp send: provider returned no message id")
	}
	return decoded.Messages[0].ID, nil
}
