package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"
)

const (
	memoryTemperature = 0.7
	memoryMaxTokens   = 2000
)

var memorySchema = &openai.ChatCompletionResponseFormatJSONSchema{
	Name: "memory_output",
	Schema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"updated_rolling_summary": {"type": "string"},
			"needs_recursive_summary": {"type": "boolean"}
		},
		"required": ["updated_rolling_summary"]
	}`),
}

// RunMemory refreshes the rolling summary from the turn that just completed.
// It runs after the user-visible action has been applied and must never take
// the conversation down with it: on any failure the prior summary is kept.
func RunMemory(ctx context.Context, llm LLMClient, in Input, userMessage string, gen GenerateOutput) string {
	out, err := runMemoryLLM(ctx, llm, in, userMessage, gen)
	if err != nil {
		slog.Warn("memory step failed, keeping prior summary", "error", err)
		if in.RollingSummary != "" {
			return in.RollingSummary
		}
		return "No summary available"
	}
	return out.UpdatedRollingSummary
}

func runMemoryLLM(ctx context.Context, llm LLMClient, in Input, userMessage string, gen GenerateOutput) (MemoryOutput, error) {
	botMessage := gen.MessageText
	if botMessage == "" {
		botMessage = "(No response sent)"
	}
	summary := in.RollingSummary
	if summary == "" {
		summary = "No prior summary"
	}
	actionTaken := fmt.Sprintf("Action: %s, Stage: %s", gen.Action, gen.NewStage)
	prompt := fmt.Sprintf(memoryUserTemplate, summary, userMessage, botMessage, actionTaken)

	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: memorySystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}
	data, _, err := llm.CompleteJSON(ctx, msgs, memorySchema, memoryTemperature, memoryMaxTokens, "memory", false)
	if err != nil {
		return MemoryOutput{}, err
	}
	out := MemoryOutput{}
	if v, ok := data["updated_rolling_summary"].(string); ok {
		out.UpdatedRollingSummary = v
	}
	if v, ok := data["needs_recursive_summary"].(bool); ok {
		out.NeedsRecursiveSummary = v
	}
	return out, nil
}
