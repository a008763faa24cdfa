package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLLM struct {
	data       map[string]any
	tokens     int
	err        error
	calls      int
	lastStep   string
	lastStrict bool
}

func (m *mockLLM) CompleteJSON(_ context.Context, _ []openai.ChatCompletionMessage, _ *openai.ChatCompletionResponseFormatJSONSchema, _ float32, _ int, step string, strict bool) (map[string]any, int, error) {
	m.calls++
	m.lastStep = step
	m.lastStrict = strict
	return m.data, m.tokens, m.err
}

func sampleInput() Input {
	return Input{
		TenantID:      "t1",
		BusinessName:  "Acme Fitness",
		Stage:         StageQualification,
		Mode:          "bot",
		IntentLevel:   IntentMedium,
		UserSentiment: SentimentCurious,
	}
}

func TestValidateGenerateOutputDefaults(t *testing.T) {
	out := validateGenerateOutput(map[string]any{}, sampleInput())

	assert.Equal(t, IntentUnknown, out.IntentLevel)
	assert.Equal(t, SentimentNeutral, out.UserSentiment)
	assert.Equal(t, ActionWaitSchedule, out.Action)
	assert.Equal(t, StageQualification, out.NewStage, "missing stage keeps the input stage")
	assert.False(t, out.ShouldRespond)
	assert.Equal(t, 0.5, out.Confidence)
	assert.Equal(t, "en", out.MessageLanguage)
	assert.Equal(t, RiskLow, out.RiskFlags.SpamRisk)
	assert.Equal(t, RiskLow, out.RiskFlags.PolicyRisk)
	assert.Equal(t, RiskLow, out.RiskFlags.HallucinationRisk)
	assert.Nil(t, out.SelectedCTAID)
}

func TestValidateGenerateOutputNormalizesEnums(t *testing.T) {
	out := validateGenerateOutput(map[string]any{
		"action":         "Handoff",
		"new_stage":      "qualifying",
		"intent_level":   "Very-High",
		"user_sentiment": "positive",
		"should_respond": true,
		"message_text":   "hi",
		"confidence":     0.9,
		"risk_flags": map[string]any{
			"spam_risk": "HIGH",
		},
	}, sampleInput())

	assert.Equal(t, ActionFlagAttention, out.Action)
	assert.Equal(t, StageQualification, out.NewStage)
	assert.Equal(t, IntentVeryHigh, out.IntentLevel)
	assert.Equal(t, SentimentCurious, out.UserSentiment)
	assert.Equal(t, RiskHigh, out.RiskFlags.SpamRisk)
	assert.Equal(t, 0.9, out.Confidence)
}

func TestValidateGenerateOutputCTAFields(t *testing.T) {
	out := validateGenerateOutput(map[string]any{
		"action":          "initiate_cta",
		"selected_cta_id": "cta-42",
	}, sampleInput())
	require.NotNil(t, out.SelectedCTAID)
	assert.Equal(t, "cta-42", *out.SelectedCTAID)

	// Explicit null must not produce a pointer.
	out = validateGenerateOutput(map[string]any{"selected_cta_id": nil}, sampleInput())
	assert.Nil(t, out.SelectedCTAID)
}

func TestRunGenerateFallbackOnError(t *testing.T) {
	llm := &mockLLM{err: fmt.Errorf("connection refused")}
	out, _, tokens, answered := runGenerate(context.Background(), llm, sampleInput(), "hello")
	assert.False(t, answered)

	assert.Equal(t, ActionWaitSchedule, out.Action)
	assert.False(t, out.ShouldRespond)
	assert.True(t, out.NeedsHumanAttention)
	assert.Equal(t, StageQualification, out.NewStage, "fallback never moves the stage")
	assert.Equal(t, IntentMedium, out.IntentLevel, "fallback keeps known intent")
	assert.Equal(t, float64(0), out.Confidence)
	assert.Equal(t, 0, tokens)
	assert.True(t, llm.lastStrict, "generate step runs in strict mode")
	assert.Equal(t, "generate", llm.lastStep)
}

func TestFormatCTAs(t *testing.T) {
	assert.Equal(t, "No CTAs defined in dashboard.", FormatCTAs(nil))
	got := FormatCTAs([]CTA{{ID: "a", Name: "Book a call"}, {ID: "b", Name: "Free trial"}})
	assert.Equal(t, "- ID: a | Name: Book a call\n- ID: b | Name: Free trial", got)
}

func TestFormatMessages(t *testing.T) {
	assert.Equal(t, "No messages yet", formatMessages(nil))
	got := formatMessages([]MessageContext{
		{Sender: "lead", Text: "how much?"},
		{Sender: "bot", Text: "it depends"},
	})
	assert.Equal(t, "[lead] how much?\n[bot] it depends", got)
}
