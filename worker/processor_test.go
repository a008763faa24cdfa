package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnelworks/leadline/pipeline"
	"github.com/funnelworks/leadline/store"
)

func newTestProcessor(rpc *mockRPC, llm *stubLLM) *Processor {
	runner := pipeline.NewRunner(llm, nil)
	return NewProcessor(rpc, runner, llm, time.Second, nil)
}

func sendDecision() map[string]any {
	return map[string]any{
		"action":         "send_now",
		"new_stage":      "pricing",
		"should_respond": true,
		"message_text":   "Here is our pricing.",
		"intent_level":   "high",
		"user_sentiment": "curious",
		"confidence":     0.85,
		"updated_rolling_summary": "Lead asked about pricing.",
	}
}

func TestProcessRunsPipelineAndApplies(t *testing.T) {
	rpc := newMockRPC()
	p := newTestProcessor(rpc, &stubLLM{data: sendDecision()})

	outcome, err := p.Process(context.Background(), "conv-1", "how much?")
	require.NoError(t, err)
	assert.True(t, outcome.Sent)
	assert.False(t, outcome.Skipped)
	assert.Equal(t, pipeline.ActionSendNow, outcome.Result.Generate.Action)
	require.Len(t, rpc.sends, 1)

	// Memory step lands in the background as a rolling summary patch.
	require.Eventually(t, func() bool {
		rpc.mu.Lock()
		defer rpc.mu.Unlock()
		for _, patch := range rpc.patches {
			if patch.RollingSummary != nil {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessHumanModeInhibitsPipeline(t *testing.T) {
	rpc := newMockRPC()
	rpc.bundle.Conversation.Mode = store.ModeHuman
	llm := &stubLLM{data: sendDecision()}
	p := newTestProcessor(rpc, llm)

	outcome, err := p.Process(context.Background(), "conv-1", "hello?")
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.Empty(t, rpc.sends)
	assert.Empty(t, rpc.patches)
}

func TestProcessLLMFailureAppliesSafeFallback(t *testing.T) {
	rpc := newMockRPC()
	p := newTestProcessor(rpc, &stubLLM{err: fmt.Errorf("llm unreachable")})

	outcome, err := p.Process(context.Background(), "conv-1", "hello")
	require.NoError(t, err)
	assert.False(t, outcome.Sent)
	assert.Empty(t, rpc.sends, "fallback never sends")

	require.Len(t, rpc.patches, 1)
	require.NotNil(t, rpc.patches[0].NeedsHumanAttention)
	assert.True(t, *rpc.patches[0].NeedsHumanAttention)
	require.NotNil(t, rpc.patches[0].Stage)
	assert.Equal(t, "qualification", *rpc.patches[0].Stage, "stage unchanged on fallback")
}

func TestProcessGetConversationFailure(t *testing.T) {
	rpc := newMockRPC()
	rpc.getErr = fmt.Errorf("not reachable")
	p := newTestProcessor(rpc, &stubLLM{data: sendDecision()})

	_, err := p.Process(context.Background(), "conv-1", "hello")
	assert.Error(t, err)
}

func TestBuildInput(t *testing.T) {
	bundle := sampleBundle()
	lastUser := time.Now().Add(-time.Hour).UTC()
	bundle.Conversation.LastUserMessageAt = &lastUser
	bundle.Conversation.RollingSummary = "summary"

	in := buildInput(bundle)
	assert.Equal(t, "tenant-1", in.TenantID)
	assert.Equal(t, "Acme Fitness", in.BusinessName)
	assert.Equal(t, pipeline.StageQualification, in.Stage)
	assert.Equal(t, pipeline.IntentMedium, in.IntentLevel)
	assert.True(t, in.Timing.WhatsAppWindowOpen)
	require.Len(t, in.AvailableCTAs, 1)
	assert.Equal(t, "cta-1", in.AvailableCTAs[0].ID)

	// A day of silence closes the provider window.
	stale := time.Now().Add(-25 * time.Hour).UTC()
	bundle.Conversation.LastUserMessageAt = &stale
	in = buildInput(bundle)
	assert.False(t, in.Timing.WhatsAppWindowOpen)
}
