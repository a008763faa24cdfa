// Package store defines the persistent domain model behind the internal RPC
// surface: tenants, leads, conversations, messages, and knowledge chunks.
package store

import (
	"context"
	"time"

	"github.com/funnelworks/leadline/pipeline"
	"github.com/funnelworks/leadline/retrieval"
)

// Conversation modes. In HUMAN mode the bot pipeline is inhibited entirely.
const (
	ModeBot   = "bot"
	ModeHuman = "human"
)

// Message origins.
const (
	OriginLead  = "lead"
	OriginBot   = "bot"
	OriginHuman = "human"
)

// Tenant is one business with a connected WhatsApp number. Created externally
// (onboarding is out of scope); looked up by provider phone-number-id on every
// inbound event and immutable while a message is processed.
type Tenant struct {
	ID            string
	Name          string
	Description   string
	FlowPrompt    string
	PhoneNumberID string
	AccessToken   string
	APIVersion    string
	AppSecret     string
	Active        bool
}

// Lead is an end-user phone talking to a tenant. Unique per (tenant, phone);
// never deleted here.
type Lead struct {
	ID        string
	TenantID  string
	Phone     string
	Name      string
	CreatedAt time.Time
}

// Conversation is the perpetual thread between a tenant and a lead.
type Conversation struct {
	ID                  string
	TenantID            string
	LeadID              string
	Mode                string
	Stage               pipeline.ConversationStage
	IntentLevel         pipeline.IntentLevel
	UserSentiment       pipeline.UserSentiment
	RollingSummary      string
	NeedsHumanAttention bool
	ActiveCTAID         *string
	LastUserMessageAt   *time.Time
	LastBotMessageAt    *time.Time
	FollowupCount24h    int
	TotalNudges         int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// UpdateConversation is a partial patch; nil fields are left untouched.
type UpdateConversation struct {
	ID                  string
	Mode                *string
	Stage               *pipeline.ConversationStage
	IntentLevel         *pipeline.IntentLevel
	UserSentiment       *pipeline.UserSentiment
	RollingSummary      *string
	NeedsHumanAttention *bool
	ActiveCTAID         *string
	LastUserMessageAt   *time.Time
	LastBotMessageAt    *time.Time
}

// Message is append-only; rows are never mutated.
type Message struct {
	ID                string
	TenantID          string
	ConversationID    string
	LeadID            string
	Origin            string
	Content           string
	ProviderMessageID string
	CreatedAt         time.Time
}

// CTA is a tenant-configured call-to-action offered to the pipeline.
type CTA struct {
	ID   string
	Name string
}

// FollowupBucket defines when a scheduled nudge is due: an elapsed window
// since the last bot message paired with the exact number of prior
// follow-ups. The windows overlap deliberately to tolerate scheduler jitter.
type FollowupBucket struct {
	MinMinutes         int
	MaxMinutes         int
	RequiredPriorCount int
}

// DefaultFollowupBuckets is the stock nudge ladder: ~15 minutes, ~3 hours,
// ~6 hours after the last bot message.
func DefaultFollowupBuckets() []FollowupBucket {
	return []FollowupBucket{
		{MinMinutes: 10, MaxMinutes: 20, RequiredPriorCount: 0},
		{MinMinutes: 180, MaxMinutes: 200, RequiredPriorCount: 1},
		{MinMinutes: 360, MaxMinutes: 400, RequiredPriorCount: 2},
	}
}

// Driver is the database contract. Postgres is the only implementation:
// hybrid retrieval needs pgvector and tsvector side by side.
type Driver interface {
	retrieval.KnowledgeStore

	GetTenantByPhoneNumberID(ctx context.Context, phoneNumberID string) (*Tenant, error)
	GetTenant(ctx context.Context, id string) (*Tenant, error)

	GetOrCreateLead(ctx context.Context, tenantID, phone, name string) (*Lead, error)
	GetLead(ctx context.Context, id string) (*Lead, error)

	GetOrCreateConversation(ctx context.Context, tenantID, leadID string) (*Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error)

	CreateIncomingMessage(ctx context.Context, msg *Message) (created bool, err error)
	CreateOutgoingMessage(ctx context.Context, msg *Message) error
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	ListDueFollowups(ctx context.Context, now time.Time, buckets []FollowupBucket) ([]*Conversation, error)
	IncrementFollowupCounters(ctx context.Context, conversationID string) error

	ListCTAs(ctx context.Context, tenantID string) ([]CTA, error)

	ResetState(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Store is the façade the RPC server talks to.
type Store struct {
	driver Driver
}

// New wraps a driver.
func New(driver Driver) *Store {
	return &Store{driver: driver}
}

// Driver exposes the underlying driver for knowledge ingestion and health.
func (s *Store) Driver() Driver { return s.driver }

// Close releases the driver.
func (s *Store) Close() error { return s.driver.Close() }

func (s *Store) GetTenantByPhoneNumberID(ctx context.Context, phoneNumberID string) (*Tenant, error) {
	return s.driver.GetTenantByPhoneNumberID(ctx, phoneNumberID)
}

func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	return s.driver.GetTenant(ctx, id)
}

func (s *Store) GetOrCreateLead(ctx context.Context, tenantID, phone, name string) (*Lead, error) {
	return s.driver.GetOrCreateLead(ctx, tenantID, phone, name)
}

func (s *Store) GetLead(ctx context.Context, id string) (*Lead, error) {
	return s.driver.GetLead(ctx, id)
}

func (s *Store) GetOrCreateConversation(ctx context.Context, tenantID, leadID string) (*Conversation, bool, error) {
	return s.driver.GetOrCreateConversation(ctx, tenantID, leadID)
}

func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.driver.GetConversation(ctx, id)
}

func (s *Store) UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error) {
	return s.driver.UpdateConversation(ctx, update)
}

func (s *Store) CreateIncomingMessage(ctx context.Context, msg *Message) (bool, error) {
	return s.driver.CreateIncomingMessage(ctx, msg)
}

func (s *Store) CreateOutgoingMessage(ctx context.Context, msg *Message) error {
	return s.driver.CreateOutgoingMessage(ctx, msg)
}

func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	return s.driver.ListRecentMessages(ctx, conversationID, limit)
}

func (s *Store) ListDueFollowups(ctx context.Context, now time.Time, buckets []FollowupBucket) ([]*Conversation, error) {
	return s.driver.ListDueFollowups(ctx, now, buckets)
}

func (s *Store) IncrementFollowupCounters(ctx context.Context, conversationID string) error {
	return s.driver.IncrementFollowupCounters(ctx, conversationID)
}

func (s *Store) ListCTAs(ctx context.Context, tenantID string) ([]CTA, error) {
	return s.driver.ListCTAs(ctx, tenantID)
}

func (s *Store) ResetState(ctx context.Context) error {
	return s.driver.ResetState(ctx)
}
