package worker

import (
	"context"
	"log/slog"

	"github.com/funnelworks/leadline/metrics"
	"github.com/funnelworks/leadline/pipeline"
	"github.com/funnelworks/leadline/rpcclient"
	"github.com/funnelworks/leadline/store"
)

// ApplyReport describes the visible side effects of one applied result.
type ApplyReport struct {
	Sent              bool
	ProviderMessageID string
}

// Applier turns a validated pipeline result into side effects, strictly in
// order: send, persist the outgoing message, patch conversation state, emit
// observer events. It never upgrades a "don't send" decision into a send.
type Applier struct {
	rpc     RPC
	metrics *metrics.Exporter
}

// NewApplier builds an applier. exporter may be nil.
func NewApplier(rpc RPC, exporter *metrics.Exporter) *Applier {
	return &Applier{rpc: rpc, metrics: exporter}
}

// Apply executes the result against a conversation bundle. A provider send
// failure does not fail the apply; it flags the conversation for a human
// instead.
func (a *Applier) Apply(ctx context.Context, bundle *rpcclient.ConversationBundle, result pipeline.Result) (ApplyReport, error) {
	conv := bundle.Conversation
	gen := result.Generate
	report := ApplyReport{}
	sendFailed := false

	if result.ShouldSendMessage() {
		resp, err := a.rpc.SendMessage(ctx, rpcclient.SendMessageRequest{
			TenantID: conv.TenantID,
			ToPhone:  bundle.Lead.Phone,
			Text:     gen.MessageText,
		})
		if err != nil {
			slog.Error("outbound send failed",
				"conversation_id", conv.ID, "error", err)
			sendFailed = true
			a.recordSend("error")
		} else {
			report.Sent = true
			report.ProviderMessageID = resp.ProviderMessageID
			a.recordSend("ok")
			if err := a.rpc.CreateOutgoingMessage(ctx, rpcclient.OutgoingMessageRequest{
				TenantID:          conv.TenantID,
				ConversationID:    conv.ID,
				LeadID:            conv.LeadID,
				Origin:            store.OriginBot,
				Content:           gen.MessageText,
				ProviderMessageID: resp.ProviderMessageID,
			}); err != nil {
				// Delivered but not recorded; the transcript self-heals on
				// the next turn, the state patch below still lands.
				slog.Error("outgoing message persist failed",
					"conversation_id", conv.ID, "error", err)
			}
		}
	}

	needsAttention := gen.NeedsHumanAttention || sendFailed

	stage := string(gen.NewStage)
	intent := string(gen.IntentLevel)
	sentiment := string(gen.UserSentiment)
	patch := rpcclient.ConversationPatch{
		Stage:               &stage,
		IntentLevel:         &intent,
		UserSentiment:       &sentiment,
		NeedsHumanAttention: &needsAttention,
	}
	if result.ShouldInitiateCTA() && gen.SelectedCTAID != nil && *gen.SelectedCTAID != "" {
		patch.ActiveCTAID = gen.SelectedCTAID
	}
	if _, err := a.rpc.PatchConversation(ctx, conv.ID, patch); err != nil {
		return report, err
	}

	payload := eventPayload(stage, intent, sentiment, needsAttention)
	a.emit(ctx, rpcclient.Event{
		Type:           rpcclient.EventConversationUpdated,
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Payload:        payload,
	})
	if gen.Action == pipeline.ActionFlagAttention || needsAttention {
		a.emit(ctx, rpcclient.Event{
			Type:           rpcclient.EventHumanAttentionRequired,
			TenantID:       conv.TenantID,
			ConversationID: conv.ID,
			Payload:        payload,
		})
	}
	if gen.Action == pipeline.ActionInitiateCTA {
		a.emit(ctx, rpcclient.Event{
			Type:           rpcclient.EventConversationsFlagged,
			TenantID:       conv.TenantID,
			ConversationID: conv.ID,
			Payload:        payload,
		})
	}
	return report, nil
}

func eventPayload(stage, intent, sentiment string, needsAttention bool) map[string]any {
	return map[string]any{
		"stage":                 stage,
		"intent_level":          intent,
		"sentiment":             sentiment,
		"needs_human_attention": needsAttention,
	}
}

// emit delivers one observer event. Event loss is tolerable; state is not.
func (a *Applier) emit(ctx context.Context, event rpcclient.Event) {
	if err := a.rpc.PostEvent(ctx, event); err != nil {
		slog.Warn("observer event dropped",
			"type", event.Type, "conversation_id", event.ConversationID, "error", err)
	}
}

func (a *Applier) recordSend(status string) {
	if a.metrics != nil {
		a.metrics.RecordSend(status)
	}
}
