package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const generateTemperature = 0.3

var generateSchema = &openai.ChatCompletionResponseFormatJSONSchema{
	Name:   "generate_output",
	Strict: true,
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"thought_process": {"type": "string"},
			"intent_level": {"type": "string"},
			"user_sentiment": {"type": "string"},
			"risk_flags": {
				"type": "object",
				"properties": {
					"spam_risk": {"type": "string"},
					"policy_risk": {"type": "string"},
					"hallucination_risk": {"type": "string"}
				}
			},
			"action": {"type": "string"},
			"new_stage": {"type": "string"},
			"should_respond": {"type": "boolean"},
			"selected_cta_id": {"type": ["string", "null"]},
			"cta_scheduled_at": {"type": ["string", "null"]},
			"followup_in_minutes": {"type": "integer"},
			"followup_reason": {"type": "string"},
			"message_text": {"type": "string"},
			"message_language": {"type": "string"},
			"confidence": {"type": "number"},
			"needs_human_attention": {"type": "boolean"}
		},
		"required": ["action", "new_stage", "should_respond", "message_text"]
	}`),
}

func formatMessages(messages []MessageContext) string {
	if len(messages) == 0 {
		return "No messages yet"
	}
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		lines = append(lines, fmt.Sprintf("[%s] %s", msg.Sender, msg.Text))
	}
	return strings.Join(lines, "\n")
}

// FormatCTAs renders the tenant's CTA list for the prompt.
func FormatCTAs(ctas []CTA) string {
	if len(ctas) == 0 {
		return "No CTAs defined in dashboard."
	}
	lines := make([]string, 0, len(ctas))
	for _, c := range ctas {
		lines = append(lines, "- ID: "+c.ID+" | Name: "+c.Name)
	}
	return strings.Join(lines, "\n")
}

func buildGeneratePrompt(in Input) string {
	knowledge := "No specific knowledge retrieved."
	if in.KnowledgeContext != nil {
		knowledge = *in.KnowledgeContext
	}
	summary := in.RollingSummary
	if summary == "" {
		summary = "No summary yet"
	}
	return fmt.Sprintf(generateUserTemplate,
		in.BusinessName,
		in.BusinessDescription,
		in.FlowPrompt,
		knowledge,
		summary,
		in.Stage,
		in.Nudges.TotalNudges,
		in.Timing.NowLocal,
		in.Timing.WhatsAppWindowOpen,
		FormatCTAs(in.AvailableCTAs),
		formatMessages(in.LastMessages),
		in.MaxWords,
		in.QuestionsPerMessage,
		in.LanguagePref,
	)
}

// runGenerate executes the generate step: one strict-JSON chat completion,
// then enum normalization and default filling. Transport or parse failure
// degrades to a safe no-send output that flags human attention; the bool
// reports whether the model actually answered.
func runGenerate(ctx context.Context, llm LLMClient, in Input, userMessage string) (GenerateOutput, int, int, bool) {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: generateSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: buildGeneratePrompt(in) + "\n\n## Latest user message\n" + userMessage},
	}

	start := time.Now()
	data, tokens, err := llm.CompleteJSON(ctx, msgs, generateSchema, generateTemperature, 0, "generate", true)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		slog.Error("generate step failed, applying fallback", "error", err, "stage", in.Stage)
		return GenerateOutput{
			ThoughtProcess:      "System error, fallback triggered",
			IntentLevel:         in.IntentLevel,
			UserSentiment:       in.UserSentiment,
			RiskFlags:           RiskFlags{SpamRisk: RiskLow, PolicyRisk: RiskLow, HallucinationRisk: RiskLow},
			Action:              ActionWaitSchedule,
			NewStage:            in.Stage,
			ShouldRespond:       false,
			Confidence:          0,
			NeedsHumanAttention: true,
		}, latency, tokens, false
	}
	return validateGenerateOutput(data, in), latency, tokens, true
}

// validateGenerateOutput is the only door from raw model JSON into the typed
// artifact. Every enum passes through the normalizer; missing fields take the
// documented defaults.
func validateGenerateOutput(data map[string]any, in Input) GenerateOutput {
	rf := map[string]any{}
	if v, ok := data["risk_flags"].(map[string]any); ok {
		rf = v
	}
	out := GenerateOutput{
		ThoughtProcess:      stringValue(data["thought_process"]),
		IntentLevel:         NormalizeIntent(stringValue(data["intent_level"]), IntentUnknown),
		UserSentiment:       NormalizeSentiment(stringValue(data["user_sentiment"]), SentimentNeutral),
		Action:              NormalizeAction(stringValue(data["action"]), ActionWaitSchedule),
		NewStage:            NormalizeStage(stringValue(data["new_stage"]), in.Stage),
		ShouldRespond:       boolValue(data["should_respond"]),
		FollowupInMinutes:   intValue(data["followup_in_minutes"]),
		FollowupReason:      stringValue(data["followup_reason"]),
		MessageText:         stringValue(data["message_text"]),
		MessageLanguage:     stringValue(data["message_language"]),
		Confidence:          floatValue(data["confidence"], 0.5),
		NeedsHumanAttention: boolValue(data["needs_human_attention"]),
		RiskFlags: RiskFlags{
			SpamRisk:          NormalizeRisk(stringValue(rf["spam_risk"]), RiskLow),
			PolicyRisk:        NormalizeRisk(stringValue(rf["policy_risk"]), RiskLow),
			HallucinationRisk: NormalizeRisk(stringValue(rf["hallucination_risk"]), RiskLow),
		},
	}
	if s, ok := data["selected_cta_id"].(string); ok && s != "" {
		out.SelectedCTAID = &s
	}
	if s, ok := data["cta_scheduled_at"].(string); ok && s != "" {
		out.CTAScheduledAt = &s
	}
	if out.MessageLanguage == "" {
		out.MessageLanguage = "en"
	}
	return out
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func boolValue(v any) bool {
	b, _ := v.(bool)
	return b
}

func intValue(v any) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return 0
}

func floatValue(v any, def float64) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return def
}
