package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/funnelworks/leadline/metrics"
	"github.com/funnelworks/leadline/pipeline"
	"github.com/funnelworks/leadline/rpcclient"
	"github.com/funnelworks/leadline/store"
)

// DefaultPipelineBudget bounds one pipeline run plus the application of its
// output. The queue visibility timeout must exceed it.
const DefaultPipelineBudget = 30 * time.Second

// RPC is the slice of the internal client the worker uses. *rpcclient.Client
// satisfies it; tests substitute their own.
type RPC interface {
	ResolveConversation(ctx context.Context, req rpcclient.ResolveConversationRequest) (*rpcclient.ConversationBundle, error)
	GetConversation(ctx context.Context, id string) (*rpcclient.ConversationBundle, error)
	PatchConversation(ctx context.Context, id string, patch rpcclient.ConversationPatch) (*rpcclient.Conversation, error)
	CreateIncomingMessage(ctx context.Context, req rpcclient.IncomingMessageRequest) (*rpcclient.IncomingMessageResponse, error)
	CreateOutgoingMessage(ctx context.Context, req rpcclient.OutgoingMessageRequest) error
	SendMessage(ctx context.Context, req rpcclient.SendMessageRequest) (*rpcclient.SendMessageResponse, error)
	ListDueFollowups(ctx context.Context, now time.Time) ([]rpcclient.Conversation, error)
	FollowupSent(ctx context.Context, conversationID string) error
	PostEvent(ctx context.Context, event rpcclient.Event) error
}

// ProcessOutcome reports what one serialized pipeline turn did.
type ProcessOutcome struct {
	Result  pipeline.Result
	Sent    bool
	Skipped bool // conversation in human mode, pipeline inhibited
}

// Processor runs the pipeline for one conversation turn and applies the
// result. It re-reads conversation state at run time so a mode flip during
// the debounce window is honored.
type Processor struct {
	rpc     RPC
	runner  *pipeline.Runner
	llm     pipeline.LLMClient
	applier *Applier
	budget  time.Duration
	metrics *metrics.Exporter
}

// NewProcessor builds a processor. budget <= 0 uses the default; exporter may
// be nil.
func NewProcessor(rpc RPC, runner *pipeline.Runner, llm pipeline.LLMClient, budget time.Duration, exporter *metrics.Exporter) *Processor {
	if budget <= 0 {
		budget = DefaultPipelineBudget
	}
	return &Processor{
		rpc:     rpc,
		runner:  runner,
		llm:     llm,
		applier: NewApplier(rpc, exporter),
		budget:  budget,
		metrics: exporter,
	}
}

// Process runs one turn over coalesced user text. Caller holds the
// conversation's run lock.
func (p *Processor) Process(ctx context.Context, conversationID, text string) (*ProcessOutcome, error) {
	return p.run(ctx, conversationID, text)
}

// ProcessFollowup runs one scheduler-initiated turn.
func (p *Processor) ProcessFollowup(ctx context.Context, conversationID string) (*ProcessOutcome, error) {
	return p.run(ctx, conversationID, pipeline.FollowupTriggerText)
}

func (p *Processor) run(ctx context.Context, conversationID, text string) (*ProcessOutcome, error) {
	bundle, err := p.rpc.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if bundle.Conversation.Mode == store.ModeHuman {
		slog.Info("pipeline inhibited, conversation in human mode",
			"conversation_id", conversationID)
		return &ProcessOutcome{Skipped: true}, nil
	}

	in := buildInput(bundle)
	runCtx, cancel := context.WithTimeout(ctx, p.budget)
	result := p.runner.Run(runCtx, in, text)
	cancel()

	outcome := &ProcessOutcome{Result: result}
	report, err := p.applier.Apply(ctx, bundle, result)
	if err != nil {
		return outcome, err
	}
	outcome.Sent = report.Sent

	if p.metrics != nil {
		status := "ok"
		if result.Generate.NeedsHumanAttention {
			status = "flagged"
		}
		p.metrics.RecordPipeline(status,
			time.Duration(result.PipelineLatencyMs)*time.Millisecond,
			result.TotalTokensUsed)
	}

	if result.NeedsBackgroundSummary {
		go p.refreshSummary(conversationID, in, text, result.Generate)
	}
	return outcome, nil
}

// refreshSummary runs the memory step off the hot path and persists the new
// rolling summary. Failures keep the previous summary.
func (p *Processor) refreshSummary(conversationID string, in pipeline.Input, text string, gen pipeline.GenerateOutput) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	summary := pipeline.RunMemory(ctx, p.llm, in, text, gen)
	if summary == "" || summary == in.RollingSummary {
		return
	}
	if _, err := p.rpc.PatchConversation(ctx, conversationID, rpcclient.ConversationPatch{
		RollingSummary: &summary,
	}); err != nil {
		slog.Warn("rolling summary update failed",
			"conversation_id", conversationID, "error", err)
	}
}

// buildInput assembles the pipeline input from a conversation bundle.
func buildInput(bundle *rpcclient.ConversationBundle) pipeline.Input {
	conv := bundle.Conversation

	msgs := make([]pipeline.MessageContext, 0, len(bundle.RecentMessages))
	for _, m := range bundle.RecentMessages {
		msgs = append(msgs, pipeline.MessageContext{
			Sender:    m.Origin,
			Text:      m.Content,
			Timestamp: m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	ctas := make([]pipeline.CTA, 0, len(bundle.CTAs))
	for _, cta := range bundle.CTAs {
		ctas = append(ctas, pipeline.CTA{ID: cta.ID, Name: cta.Name})
	}

	now := time.Now().UTC()
	timing := pipeline.TimingContext{
		NowLocal:           now.Format(time.RFC3339),
		WhatsAppWindowOpen: conv.LastUserMessageAt != nil && now.Sub(*conv.LastUserMessageAt) < 24*time.Hour,
	}
	if conv.LastUserMessageAt != nil {
		s := conv.LastUserMessageAt.UTC().Format(time.RFC3339)
		timing.LastUserMessageAt = &s
	}
	if conv.LastBotMessageAt != nil {
		s := conv.LastBotMessageAt.UTC().Format(time.RFC3339)
		timing.LastBotMessageAt = &s
	}

	return pipeline.Input{
		TenantID:            conv.TenantID,
		BusinessName:        bundle.Tenant.Name,
		BusinessDescription: bundle.Tenant.Description,
		FlowPrompt:          bundle.Tenant.FlowPrompt,
		AvailableCTAs:       ctas,
		RollingSummary:      conv.RollingSummary,
		LastMessages:        msgs,
		Stage:               pipeline.NormalizeStage(conv.Stage, pipeline.StageGreeting),
		Mode:                conv.Mode,
		IntentLevel:         pipeline.NormalizeIntent(conv.IntentLevel, pipeline.IntentUnknown),
		UserSentiment:       pipeline.NormalizeSentiment(conv.UserSentiment, pipeline.SentimentNeutral),
		ActiveCTAID:         conv.ActiveCTAID,
		Timing:              timing,
		Nudges: pipeline.NudgeContext{
			FollowupCount24h: conv.FollowupCount24h,
			TotalNudges:      conv.TotalNudges,
		},
		MaxWords:            60,
		QuestionsPerMessage: 1,
		LanguagePref:        "auto",
	}
}
