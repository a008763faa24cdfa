package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/funnelworks/leadline/rpcclient"
	"github.com/funnelworks/leadline/store"
)

// mockRPC is the hand-rolled in-memory stand-in for the internal RPC client.
type mockRPC struct {
	mu sync.Mutex

	bundle     *rpcclient.ConversationBundle
	resolveErr error
	getErr     error
	sendErr    error
	patchErr   error

	seenProviderIDs map[string]bool

	resolves  []rpcclient.ResolveConversationRequest
	incomings []rpcclient.IncomingMessageRequest
	outgoings []rpcclient.OutgoingMessageRequest
	sends     []rpcclient.SendMessageRequest
	patches   []rpcclient.ConversationPatch
	events    []rpcclient.Event
	followups []string

	due []rpcclient.Conversation
}

func newMockRPC() *mockRPC {
	return &mockRPC{
		bundle:          sampleBundle(),
		seenProviderIDs: map[string]bool{},
	}
}

func sampleBundle() *rpcclient.ConversationBundle {
	return &rpcclient.ConversationBundle{
		Conversation: rpcclient.Conversation{
			ID:            "conv-1",
			TenantID:      "tenant-1",
			LeadID:        "lead-1",
			Mode:          store.ModeBot,
			Stage:         "qualification",
			IntentLevel:   "medium",
			UserSentiment: "curious",
		},
		Lead: rpcclient.Lead{ID: "lead-1", Phone: "15551230000", Name: "Sam"},
		Tenant: rpcclient.TenantProfile{
			ID:   "tenant-1",
			Name: "Acme Fitness",
		},
		CTAs: []rpcclient.CTA{{ID: "cta-1", Name: "Book a call"}},
	}
}

func (m *mockRPC) ResolveConversation(_ context.Context, req rpcclient.ResolveConversationRequest) (*rpcclient.ConversationBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolves = append(m.resolves, req)
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	return m.bundle, nil
}

func (m *mockRPC) GetConversation(_ context.Context, _ string) (*rpcclient.ConversationBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.bundle, nil
}

func (m *mockRPC) PatchConversation(_ context.Context, _ string, patch rpcclient.ConversationPatch) (*rpcclient.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.patchErr != nil {
		return nil, m.patchErr
	}
	m.patches = append(m.patches, patch)
	conv := m.bundle.Conversation
	return &conv, nil
}

func (m *mockRPC) CreateIncomingMessage(_ context.Context, req rpcclient.IncomingMessageRequest) (*rpcclient.IncomingMessageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incomings = append(m.incomings, req)
	if m.seenProviderIDs[req.ProviderMessageID] {
		return &rpcclient.IncomingMessageResponse{MessageID: "dup", Created: false}, nil
	}
	m.seenProviderIDs[req.ProviderMessageID] = true
	return &rpcclient.IncomingMessageResponse{MessageID: "msg-1", Created: true}, nil
}

func (m *mockRPC) CreateOutgoingMessage(_ context.Context, req rpcclient.OutgoingMessageRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outgoings = append(m.outgoings, req)
	return nil
}

func (m *mockRPC) SendMessage(_ context.Context, req rpcclient.SendMessageRequest) (*rpcclient.SendMessageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sends = append(m.sends, req)
	return &rpcclient.SendMessageResponse{ProviderMessageID: "wamid.test"}, nil
}

func (m *mockRPC) ListDueFollowups(_ context.Context, _ time.Time) ([]rpcclient.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.due, nil
}

func (m *mockRPC) FollowupSent(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followups = append(m.followups, conversationID)
	return nil
}

func (m *mockRPC) PostEvent(_ context.Context, event rpcclient.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockRPC) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.events))
	for _, e := range m.events {
		types = append(types, e.Type)
	}
	return types
}

// stubLLM is a canned pipeline transport.
type stubLLM struct {
	mu   sync.Mutex
	data map[string]any
	err  error
}

func (s *stubLLM) CompleteJSON(_ context.Context, _ []openai.ChatCompletionMessage, _ *openai.ChatCompletionResponseFormatJSONSchema, _ float32, _ int, _ string, _ bool) (map[string]any, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, 0, s.err
	}
	return s.data, 42, nil
}
