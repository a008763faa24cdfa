package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Sentinel errors mapped from response status codes.
var (
	ErrNotFound     = fmt.Errorf("rpc: not found")
	ErrUnauthorized = fmt.Errorf("rpc: unauthorized")
)

// APIError is any non-2xx response that is not a sentinel case.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rpc: status %d: %s", e.StatusCode, e.Message)
}

const (
	defaultTimeout = 15 * time.Second
	retryAttempts  = 3
	retryBaseDelay = 200 * time.Millisecond
)

// Client talks to the internal RPC server.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

// New builds a client. baseURL is the server root, e.g. http://state:8081.
func New(baseURL, secret string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("rpc: base url is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("rpc: internal secret is required")
	}
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: defaultTimeout},
	}, nil
}

// ResolveConversation returns the full context bundle for an inbound sender,
// creating the lead and conversation on first contact.
func (c *Client) ResolveConversation(ctx context.Context, req ResolveConversationRequest) (*ConversationBundle, error) {
	q := url.Values{}
	if req.TenantID != "" {
		q.Set("tenant", req.TenantID)
	}
	if req.PhoneNumberID != "" {
		q.Set("phone_number_id", req.PhoneNumberID)
	}
	q.Set("phone", req.Phone)
	if req.Name != "" {
		q.Set("name", req.Name)
	}
	bundle := &ConversationBundle{}
	err := c.doRetry(ctx, http.MethodGet, "/internal/conversations/by-phone?"+q.Encode(), nil, bundle)
	return bundle, err
}

// GetConversation returns the context bundle for a known conversation id.
func (c *Client) GetConversation(ctx context.Context, id string) (*ConversationBundle, error) {
	bundle := &ConversationBundle{}
	err := c.doRetry(ctx, http.MethodGet, "/internal/conversations/"+url.PathEscape(id), nil, bundle)
	return bundle, err
}

// PatchConversation applies a partial update and returns the updated row.
func (c *Client) PatchConversation(ctx context.Context, id string, patch ConversationPatch) (*Conversation, error) {
	conv := &Conversation{}
	err := c.do(ctx, http.MethodPatch, "/internal/conversations/"+url.PathEscape(id), patch, conv)
	return conv, err
}

// CreateIncomingMessage persists a lead message, idempotent by provider
// message id.
func (c *Client) CreateIncomingMessage(ctx context.Context, req IncomingMessageRequest) (*IncomingMessageResponse, error) {
	resp := &IncomingMessageResponse{}
	err := c.doRetry(ctx, http.MethodPost, "/internal/messages/incoming", req, resp)
	return resp, err
}

// CreateOutgoingMessage persists a bot or human message.
func (c *Client) CreateOutgoingMessage(ctx context.Context, req OutgoingMessageRequest) error {
	return c.do(ctx, http.MethodPost, "/internal/messages/outgoing", req, nil)
}

// SendMessage delivers text to the lead through the provider. Not retried:
// a duplicate send is worse than a missed one.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResponse, error) {
	resp := &SendMessageResponse{}
	err := c.do(ctx, http.MethodPost, "/internal/messages/send", req, resp)
	return resp, err
}

// ListDueFollowups returns conversations whose nudge window is open at now.
func (c *Client) ListDueFollowups(ctx context.Context, now time.Time) ([]Conversation, error) {
	q := url.Values{}
	q.Set("now", strconv.FormatInt(now.Unix(), 10))
	resp := &DueFollowupsResponse{}
	err := c.doRetry(ctx, http.MethodGet, "/internal/conversations/due-followups?"+q.Encode(), nil, resp)
	return resp.Conversations, err
}

// FollowupSent records a delivered nudge with a server-side atomic increment.
func (c *Client) FollowupSent(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost,
		"/internal/conversations/"+url.PathEscape(conversationID)+"/followup-sent", nil, nil)
}

// PostEvent delivers one observer event.
func (c *Client) PostEvent(ctx context.Context, event Event) error {
	return c.do(ctx, http.MethodPost, "/internal/events", event, nil)
}

// ResetState truncates operational state. Test and tooling use only.
func (c *Client) ResetState(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/internal/admin/reset-state", nil, nil)
}

// doRetry wraps do with a small jittered retry for idempotent calls. Only
// transport errors and 5xx responses are retried.
func (c *Client) doRetry(ctx context.Context, method, path string, body, out any) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			delay += time.Duration(rand.Int63n(int64(delay)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = c.do(ctx, method, path, body, out)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func retryable(err error) bool {
	var apiErr *APIError
	if ok := asAPIError(err, &apiErr); ok {
		return apiErr.StatusCode >= 500
	}
	// Transport-level failure.
	return err != ErrNotFound && err != ErrUnauthorized
}

func asAPIError(err error, target **APIError) bool {
	if e, ok := err.(*APIError); ok {
		*target = e
		return true
	}
	return false
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rpc: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("rpc: build request: %w", err)
	}
	req.Header.Set(HeaderInternalSecret, c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode >= 300:
		msg := errorResponse{}
		_ = json.NewDecoder(resp.Body).Decode(&msg)
		return &APIError{StatusCode: resp.StatusCode, Message: msg.Message}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("rpc: decode response: %w", err)
		}
	}
	return nil
}
