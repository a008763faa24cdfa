// Package pipeline implements the staged decision pipeline that turns an
// inbound WhatsApp exchange into a validated decision+message artifact:
// retrieve knowledge, generate the decision, then refresh the rolling summary
// in the background.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/funnelworks/leadline/retrieval"
)

// FollowupTriggerText is the synthetic user message injected by the scheduler.
const FollowupTriggerText = "[System: Scheduled follow-up triggered]"

// Retriever is the knowledge search the pipeline consumes. Nil disables the
// retrieve stage.
type Retriever interface {
	Search(ctx context.Context, tenantID, query string) ([]retrieval.Item, error)
}

// Runner executes the pipeline stages in order. It is a pure transformation:
// it never mutates conversation state or sends messages itself.
type Runner struct {
	LLM       LLMClient
	Retriever Retriever
}

// NewRunner builds a pipeline runner. retriever may be nil.
func NewRunner(llm LLMClient, retriever Retriever) *Runner {
	return &Runner{LLM: llm, Retriever: retriever}
}

// Run executes retrieve then generate for one combined user message. The
// memory stage is the caller's to fire after the visible action is applied
// (see RunMemory).
func (r *Runner) Run(ctx context.Context, in Input, userMessage string) Result {
	start := time.Now()

	if r.Retriever != nil {
		r.attachKnowledge(ctx, &in, userMessage)
	}

	gen, genLatency, tokens, answered := runGenerate(ctx, r.LLM, in, userMessage)
	result := Result{
		Generate:               gen,
		PipelineLatencyMs:      int(time.Since(start).Milliseconds()),
		TotalTokensUsed:        tokens,
		NeedsBackgroundSummary: answered,
	}
	slog.Info("pipeline completed",
		"tenant_id", in.TenantID,
		"action", string(gen.Action),
		"stage", string(gen.NewStage),
		"should_respond", gen.ShouldRespond,
		"confidence", gen.Confidence,
		"generate_ms", genLatency,
		"total_ms", result.PipelineLatencyMs,
		"tokens", tokens,
	)
	return result
}

// RunFollowup executes the pipeline for a scheduler-initiated nudge.
func (r *Runner) RunFollowup(ctx context.Context, in Input) Result {
	return r.Run(ctx, in, FollowupTriggerText)
}

func (r *Runner) attachKnowledge(ctx context.Context, in *Input, userMessage string) {
	items, err := r.Retriever.Search(ctx, in.TenantID, userMessage)
	var block string
	switch {
	case err != nil:
		slog.Warn("knowledge retrieval failed", "tenant_id", in.TenantID, "error", err)
		block = "Error retrieving knowledge."
	case len(items) == 0:
		block = "No relevant knowledge found."
	default:
		chunks := make([]string, 0, len(items))
		for _, item := range items {
			chunks = append(chunks, "Source: "+item.Title+" (Confidence: "+formatScore(item.Score)+")\nContent: "+item.Content)
		}
		block = strings.Join(chunks, "\n\n")
	}
	in.KnowledgeContext = &block
}

// EmergencyResult is the pre-fabricated safe output applied when the pipeline
// cannot produce an answer at all: never send, always flag a human, leave the
// stage alone.
func EmergencyResult(in Input) Result {
	return Result{
		Generate: GenerateOutput{
			ThoughtProcess:      "Critical system failure",
			IntentLevel:         IntentUnknown,
			UserSentiment:       SentimentNeutral,
			RiskFlags:           RiskFlags{SpamRisk: RiskLow, PolicyRisk: RiskLow, HallucinationRisk: RiskLow},
			Action:              ActionWaitSchedule,
			NewStage:            in.Stage,
			ShouldRespond:       false,
			Confidence:          0,
			NeedsHumanAttention: true,
		},
		NeedsBackgroundSummary: false,
	}
}

// ValidateInput rejects inputs the pipeline cannot safely process.
func ValidateInput(in Input) error {
	if in.TenantID == "" {
		return fmt.Errorf("pipeline input: tenant id is required")
	}
	if in.Stage == "" {
		return fmt.Errorf("pipeline input: conversation stage is required")
	}
	return nil
}

func formatScore(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
