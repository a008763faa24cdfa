package worker

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/funnelworks/leadline/metrics"
	"github.com/funnelworks/leadline/queue"
	"github.com/funnelworks/leadline/rpcclient"
	"github.com/funnelworks/leadline/store"
)

const defaultConcurrency = 8

// Consumer drains the webhook queue: parse the envelope, persist the inbound
// message, and hand text to the debouncer. A queue message is acknowledged
// only once every usable message in it is durably recorded; anything less
// leaves it for redelivery, with the provider-message-id dedupe absorbing
// the replay.
type Consumer struct {
	queue       queue.Queue
	rpc         RPC
	debouncer   *Debouncer
	metrics     *metrics.Exporter
	concurrency int64
}

// NewConsumer builds a consumer. concurrency <= 0 uses the default; exporter
// may be nil.
func NewConsumer(q queue.Queue, rpc RPC, debouncer *Debouncer, exporter *metrics.Exporter, concurrency int) *Consumer {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Consumer{
		queue:       q,
		rpc:         rpc,
		debouncer:   debouncer,
		metrics:     exporter,
		concurrency: int64(concurrency),
	}
}

// Run long-polls until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(c.concurrency)
	for {
		msgs, err := c.queue.Receive(ctx, 10)
		if err != nil {
			if ctx.Err() != nil {
				// Drain in-flight handlers before returning.
				_ = sem.Acquire(context.Background(), c.concurrency)
				return ctx.Err()
			}
			slog.Error("queue receive failed", "error", err)
			continue
		}
		if c.metrics != nil && len(msgs) > 0 {
			c.metrics.RecordQueueReceive(len(msgs))
		}
		for _, msg := range msgs {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			go func(msg queue.Message) {
				defer sem.Release(1)
				c.handle(ctx, msg)
			}(msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg queue.Message) {
	inbound, err := ParseEnvelope(msg.Body)
	if err != nil {
		// Poison payload; redelivery cannot fix it.
		slog.Warn("dropping unparseable queue message", "message_id", msg.ID, "error", err)
		c.ack(ctx, msg)
		return
	}

	for _, m := range inbound {
		if err := c.processInbound(ctx, m); err != nil {
			slog.Error("inbound processing failed, leaving for redelivery",
				"message_id", msg.ID, "provider_message_id", m.ProviderMessageID, "error", err)
			if c.metrics != nil {
				c.metrics.RecordQueueNack()
			}
			return
		}
	}
	c.ack(ctx, msg)
}

// processInbound resolves the conversation, persists the message, and feeds
// the debouncer. Returns nil for skippable events so the queue message can
// be acknowledged.
func (c *Consumer) processInbound(ctx context.Context, m InboundMessage) error {
	bundle, err := c.rpc.ResolveConversation(ctx, rpcclient.ResolveConversationRequest{
		PhoneNumberID: m.PhoneNumberID,
		Phone:         m.FromPhone,
		Name:          m.SenderName,
	})
	if errors.Is(err, rpcclient.ErrNotFound) {
		slog.Warn("inbound for unknown tenant, skipping",
			"phone_number_id", m.PhoneNumberID)
		return nil
	}
	if err != nil {
		return err
	}
	conv := bundle.Conversation

	resp, err := c.rpc.CreateIncomingMessage(ctx, rpcclient.IncomingMessageRequest{
		TenantID:          conv.TenantID,
		ConversationID:    conv.ID,
		LeadID:            conv.LeadID,
		Content:           m.Text,
		ProviderMessageID: m.ProviderMessageID,
	})
	if err != nil {
		return err
	}
	if !resp.Created {
		slog.Debug("duplicate provider message, skipping",
			"provider_message_id", m.ProviderMessageID)
		return nil
	}

	if conv.Mode == store.ModeHuman {
		// Transcript recorded; a human is driving, the pipeline stays out.
		// The dashboard still hears about the inbound.
		c.emitUpdated(ctx, conv)
		return nil
	}

	c.debouncer.Enqueue(conv.ID, m.Text)
	return nil
}

func (c *Consumer) emitUpdated(ctx context.Context, conv rpcclient.Conversation) {
	err := c.rpc.PostEvent(ctx, rpcclient.Event{
		Type:           rpcclient.EventConversationUpdated,
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Payload: eventPayload(conv.Stage, conv.IntentLevel,
			conv.UserSentiment, conv.NeedsHumanAttention),
	})
	if err != nil {
		slog.Warn("observer event dropped",
			"type", rpcclient.EventConversationUpdated,
			"conversation_id", conv.ID, "error", err)
	}
}

func (c *Consumer) ack(ctx context.Context, msg queue.Message) {
	if err := c.queue.Ack(ctx, msg); err != nil {
		slog.Warn("queue ack failed", "message_id", msg.ID, "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.RecordQueueAck()
	}
}
