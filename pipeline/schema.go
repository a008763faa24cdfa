package pipeline

// MessageContext is one prior message shown to the model.
type MessageContext struct {
	Sender    string `json:"sender"` // lead, bot, human
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// TimingContext carries the clock-dependent facts the model reasons about.
type TimingContext struct {
	NowLocal           string  `json:"now_local"`
	LastUserMessageAt  *string `json:"last_user_message_at,omitempty"`
	LastBotMessageAt   *string `json:"last_bot_message_at,omitempty"`
	WhatsAppWindowOpen bool    `json:"whatsapp_window_open"`
}

// NudgeContext carries the follow-up counters.
type NudgeContext struct {
	FollowupCount24h int `json:"followup_count_24h"`
	TotalNudges      int `json:"total_nudges"`
}

// CTA is a call-to-action the tenant has configured.
type CTA struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Input is everything a single pipeline invocation sees. It is assembled per
// invocation and never persisted.
type Input struct {
	TenantID            string            `json:"tenant_id"`
	BusinessName        string            `json:"business_name"`
	BusinessDescription string            `json:"business_description"`
	FlowPrompt          string            `json:"flow_prompt"`
	AvailableCTAs       []CTA             `json:"available_ctas"`
	RollingSummary      string            `json:"rolling_summary"`
	LastMessages        []MessageContext  `json:"last_messages"`
	Stage               ConversationStage `json:"conversation_stage"`
	Mode                string            `json:"conversation_mode"`
	IntentLevel         IntentLevel       `json:"intent_level"`
	UserSentiment       UserSentiment     `json:"user_sentiment"`
	ActiveCTAID         *string           `json:"active_cta_id,omitempty"`
	Timing              TimingContext     `json:"timing"`
	Nudges              NudgeContext      `json:"nudges"`
	MaxWords            int               `json:"max_words"`
	QuestionsPerMessage int               `json:"questions_per_message"`
	LanguagePref        string            `json:"language_pref"`
	KnowledgeContext    *string           `json:"dynamic_knowledge_context,omitempty"`
}

// RiskFlags are the guardrail grades attached to every decision.
type RiskFlags struct {
	SpamRisk          RiskLevel `json:"spam_risk"`
	PolicyRisk        RiskLevel `json:"policy_risk"`
	HallucinationRisk RiskLevel `json:"hallucination_risk"`
}

// GenerateOutput is the validated decision+message artifact of one turn.
type GenerateOutput struct {
	ThoughtProcess      string            `json:"thought_process"`
	IntentLevel         IntentLevel       `json:"intent_level"`
	UserSentiment       UserSentiment     `json:"user_sentiment"`
	RiskFlags           RiskFlags         `json:"risk_flags"`
	Action              DecisionAction    `json:"action"`
	NewStage            ConversationStage `json:"new_stage"`
	ShouldRespond       bool              `json:"should_respond"`
	SelectedCTAID       *string           `json:"selected_cta_id"`
	CTAScheduledAt      *string           `json:"cta_scheduled_at"`
	FollowupInMinutes   int               `json:"followup_in_minutes"`
	FollowupReason      string            `json:"followup_reason"`
	MessageText         string            `json:"message_text"`
	MessageLanguage     string            `json:"message_language"`
	Confidence          float64           `json:"confidence"`
	NeedsHumanAttention bool              `json:"needs_human_attention"`
}

// MemoryOutput is the background summary refresh.
type MemoryOutput struct {
	UpdatedRollingSummary string `json:"updated_rolling_summary"`
	NeedsRecursiveSummary bool   `json:"needs_recursive_summary"`
}

// Result is the pipeline's return value. What to do with it is the action
// applier's business, not the pipeline's.
type Result struct {
	Generate               GenerateOutput `json:"generate"`
	Memory                 *MemoryOutput  `json:"memory,omitempty"`
	PipelineLatencyMs      int            `json:"pipeline_latency_ms"`
	TotalTokensUsed        int            `json:"total_tokens_used"`
	NeedsBackgroundSummary bool           `json:"needs_background_summary"`
}

// ShouldSendMessage reports whether the applier should dispatch message text.
// Only an explicit send_now sends; no other field combination overrides a
// "don't send" decision.
func (r Result) ShouldSendMessage() bool {
	return r.Generate.ShouldRespond &&
		r.Generate.MessageText != "" &&
		r.Generate.Action == ActionSendNow
}

// ShouldScheduleFollowup reports whether the turn ended in a deferred nudge.
func (r Result) ShouldScheduleFollowup() bool {
	return r.Generate.Action == ActionWaitSchedule
}

// ShouldEscalate reports whether the turn asked for a human.
func (r Result) ShouldEscalate() bool {
	return r.Generate.NeedsHumanAttention
}

// ShouldInitiateCTA reports whether the turn kicked off a call-to-action.
func (r Result) ShouldInitiateCTA() bool {
	return r.Generate.Action == ActionInitiateCTA
}
