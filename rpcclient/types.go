// Package rpcclient holds the internal RPC wire contract and the HTTP client
// the worker and gateway side use to reach the state server. The server
// imports the same types so both ends stay in lockstep.
package rpcclient

import "time"

// HeaderInternalSecret carries the shared secret on every internal call.
const HeaderInternalSecret = "X-Internal-Secret"

// Event types emitted to the observer sink.
const (
	EventConversationUpdated    = "CONVERSATION_UPDATED"
	EventHumanAttentionRequired = "ACTION_HUMAN_ATTENTION_REQUIRED"
	EventConversationsFlagged   = "ACTION_CONVERSATIONS_FLAGGED"
)

// Conversation is the wire form of a conversation row.
type Conversation struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	LeadID              string     `json:"lead_id"`
	Mode                string     `json:"mode"`
	Stage               string     `json:"stage"`
	IntentLevel         string     `json:"intent_level"`
	UserSentiment       string     `json:"user_sentiment"`
	RollingSummary      string     `json:"rolling_summary"`
	NeedsHumanAttention bool       `json:"needs_human_attention"`
	ActiveCTAID         *string    `json:"active_cta_id,omitempty"`
	LastUserMessageAt   *time.Time `json:"last_user_message_at,omitempty"`
	LastBotMessageAt    *time.Time `json:"last_bot_message_at,omitempty"`
	FollowupCount24h    int        `json:"followup_count_24h"`
	TotalNudges         int        `json:"total_nudges"`
}

// Lead is the wire form of a lead row.
type Lead struct {
	ID    string `json:"id"`
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

// TenantProfile is the subset of tenant state the pipeline needs. Access
// tokens never cross this boundary.
type TenantProfile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	FlowPrompt  string `json:"flow_prompt"`
}

// CTA is a tenant call-to-action option.
type CTA struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MessageRecord is one transcript entry.
type MessageRecord struct {
	ID        string    `json:"id"`
	Origin    string    `json:"origin"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationBundle is the full context the worker needs for one pipeline
// run, returned by the resolve and get endpoints in a single round trip.
type ConversationBundle struct {
	Conversation   Conversation    `json:"conversation"`
	Lead           Lead            `json:"lead"`
	Tenant         TenantProfile   `json:"tenant"`
	CTAs           []CTA           `json:"ctas"`
	RecentMessages []MessageRecord `json:"recent_messages"`
}

// ResolveConversationRequest locates or creates the conversation for an
// inbound sender. Exactly one of TenantID or PhoneNumberID selects the
// tenant; PhoneNumberID is what the webhook envelope carries.
type ResolveConversationRequest struct {
	TenantID      string `json:"tenant_id,omitempty"`
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	Phone         string `json:"phone"`
	Name          string `json:"name,omitempty"`
}

// ConversationPatch is a partial conversation update; nil fields are
// untouched. Clearing the active CTA is expressed as an empty string.
type ConversationPatch struct {
	Mode                *string    `json:"mode,omitempty"`
	Stage               *string    `json:"stage,omitempty"`
	IntentLevel         *string    `json:"intent_level,omitempty"`
	UserSentiment       *string    `json:"user_sentiment,omitempty"`
	RollingSummary      *string    `json:"rolling_summary,omitempty"`
	NeedsHumanAttention *bool      `json:"needs_human_attention,omitempty"`
	ActiveCTAID         *string    `json:"active_cta_id,omitempty"`
	LastUserMessageAt   *time.Time `json:"last_user_message_at,omitempty"`
	LastBotMessageAt    *time.Time `json:"last_bot_message_at,omitempty"`
}

// IncomingMessageRequest records a lead message. ProviderMessageID is the
// idempotency key: a duplicate insert is reported, not repeated.
type IncomingMessageRequest struct {
	TenantID          string `json:"tenant_id"`
	ConversationID    string `json:"conversation_id"`
	LeadID            string `json:"lead_id"`
	Content           string `json:"content"`
	ProviderMessageID string `json:"provider_message_id"`
}

// IncomingMessageResponse reports whether a new row was written.
type IncomingMessageResponse struct {
	MessageID string `json:"message_id"`
	Created   bool   `json:"created"`
}

// OutgoingMessageRequest records a bot or human message.
type OutgoingMessageRequest struct {
	TenantID          string `json:"tenant_id"`
	ConversationID    string `json:"conversation_id"`
	LeadID            string `json:"lead_id"`
	Origin            string `json:"origin"`
	Content           string `json:"content"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
}

// SendMessageRequest delivers text to a lead through the provider using the
// tenant's own credentials.
type SendMessageRequest struct {
	TenantID string `json:"tenant_id"`
	ToPhone  string `json:"to_phone"`
	Text     string `json:"text"`
}

// SendMessageResponse carries the provider's message id.
type SendMessageResponse struct {
	ProviderMessageID string `json:"provider_message_id"`
}

// Event is one observer notification.
type Event struct {
	Type           string         `json:"type"`
	TenantID       string         `json:"tenant_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// DueFollowupsResponse lists conversations due for a nudge.
type DueFollowupsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

type errorResponse struct {
	Message string `json:"message"`
}
