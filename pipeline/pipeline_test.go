package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnelworks/leadline/retrieval"
)

type mockRetriever struct {
	items []retrieval.Item
	err   error
	query string
}

func (m *mockRetriever) Search(_ context.Context, _ string, query string) ([]retrieval.Item, error) {
	m.query = query
	return m.items, m.err
}

func TestRunAttachesKnowledge(t *testing.T) {
	llm := &mockLLM{data: map[string]any{
		"action": "send_now", "new_stage": "pricing",
		"should_respond": true, "message_text": "Plans start at $20.",
	}, tokens: 150}
	ret := &mockRetriever{items: []retrieval.Item{
		{Title: "pricing.md", Content: "Basic is $20/mo", Score: 0.03, Reason: "semantic"},
	}}
	r := NewRunner(llm, ret)

	in := sampleInput()
	result := r.Run(context.Background(), in, "how much is it?")

	assert.Equal(t, "how much is it?", ret.query)
	assert.Equal(t, ActionSendNow, result.Generate.Action)
	assert.Equal(t, 150, result.TotalTokensUsed)
	assert.True(t, result.NeedsBackgroundSummary)
	assert.True(t, result.ShouldSendMessage())
}

func TestRunKnowledgeBlocks(t *testing.T) {
	tests := []struct {
		name string
		ret  *mockRetriever
		want string
	}{
		{"error", &mockRetriever{err: fmt.Errorf("db down")}, "Error retrieving knowledge."},
		{"empty", &mockRetriever{}, "No relevant knowledge found."},
		{
			"items",
			&mockRetriever{items: []retrieval.Item{{Title: "faq", Content: "yes", Score: 0.5}}},
			"Source: faq (Confidence: 0.50)\nContent: yes",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRunner(&mockLLM{data: map[string]any{}}, tt.ret)
			in := sampleInput()
			r.attachKnowledge(context.Background(), &in, "q")
			require.NotNil(t, in.KnowledgeContext)
			assert.Equal(t, tt.want, *in.KnowledgeContext)
		})
	}
}

func TestRunFollowupUsesSyntheticTrigger(t *testing.T) {
	llm := &mockLLM{data: map[string]any{
		"action": "send_now", "new_stage": "followup",
		"should_respond": true, "message_text": "Still interested?",
	}}
	ret := &mockRetriever{}
	r := NewRunner(llm, ret)

	result := r.RunFollowup(context.Background(), sampleInput())
	assert.Equal(t, FollowupTriggerText, ret.query)
	assert.True(t, result.ShouldSendMessage())
}

func TestEmergencyResult(t *testing.T) {
	in := sampleInput()
	in.Stage = StagePricing
	result := EmergencyResult(in)

	assert.Equal(t, ActionWaitSchedule, result.Generate.Action)
	assert.False(t, result.Generate.ShouldRespond)
	assert.True(t, result.Generate.NeedsHumanAttention)
	assert.Equal(t, StagePricing, result.Generate.NewStage)
	assert.Equal(t, float64(0), result.Generate.Confidence)
	assert.False(t, result.NeedsBackgroundSummary)
	assert.False(t, result.ShouldSendMessage())
}

func TestShouldSendMessageNeverOverridesDecision(t *testing.T) {
	tests := []struct {
		name   string
		gen    GenerateOutput
		expect bool
	}{
		{"send", GenerateOutput{ShouldRespond: true, MessageText: "hi", Action: ActionSendNow}, true},
		{"respond false", GenerateOutput{ShouldRespond: false, MessageText: "hi", Action: ActionSendNow}, false},
		{"empty text", GenerateOutput{ShouldRespond: true, Action: ActionSendNow}, false},
		{"wait action", GenerateOutput{ShouldRespond: true, MessageText: "hi", Action: ActionWaitSchedule}, false},
		{"flag action", GenerateOutput{ShouldRespond: true, MessageText: "hi", Action: ActionFlagAttention}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, Result{Generate: tt.gen}.ShouldSendMessage())
		})
	}
}

func TestValidateInput(t *testing.T) {
	assert.Error(t, ValidateInput(Input{}))
	assert.Error(t, ValidateInput(Input{TenantID: "t1"}))
	assert.NoError(t, ValidateInput(Input{TenantID: "t1", Stage: StageGreeting}))
}

func TestRunMemoryKeepsPriorSummaryOnFailure(t *testing.T) {
	in := sampleInput()
	in.RollingSummary = "Lead asked about pricing."
	got := RunMemory(context.Background(), &mockLLM{err: fmt.Errorf("timeout")}, in, "msg", GenerateOutput{})
	assert.Equal(t, "Lead asked about pricing.", got)

	in.RollingSummary = ""
	got = RunMemory(context.Background(), &mockLLM{err: fmt.Errorf("timeout")}, in, "msg", GenerateOutput{})
	assert.Equal(t, "No summary available", got)
}

func TestRunMemoryReturnsUpdatedSummary(t *testing.T) {
	llm := &mockLLM{data: map[string]any{
		"updated_rolling_summary": "Lead compared plans, leaning basic.",
		"needs_recursive_summary": false,
	}}
	got := RunMemory(context.Background(), llm, sampleInput(), "msg", GenerateOutput{MessageText: "ok"})
	assert.Equal(t, "Lead compared plans, leaning basic.", got)
	assert.False(t, llm.lastStrict, "memory step runs tolerant")
	assert.Equal(t, "memory", llm.lastStep)
}
