package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/funnelworks/leadline/metrics"
)

// DefaultSchedulerInterval is the follow-up sweep period.
const DefaultSchedulerInterval = 60 * time.Second

// Scheduler periodically asks the state server for conversations whose
// follow-up window is open and runs a synthetic pipeline turn for each,
// serialized against inbound traffic through the debouncer's run lock. The
// bucket query is idempotent across ticks: once the counters advance, the
// conversation falls out of its bucket.
type Scheduler struct {
	rpc       RPC
	processor *Processor
	debouncer *Debouncer
	interval  time.Duration
	metrics   *metrics.Exporter
}

// NewScheduler builds a scheduler. interval <= 0 uses the default; exporter
// may be nil.
func NewScheduler(rpc RPC, processor *Processor, debouncer *Debouncer, interval time.Duration, exporter *metrics.Exporter) *Scheduler {
	if interval <= 0 {
		interval = DefaultSchedulerInterval
	}
	return &Scheduler{
		rpc:       rpc,
		processor: processor,
		debouncer: debouncer,
		interval:  interval,
		metrics:   exporter,
	}
}

// Run ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.rpc.ListDueFollowups(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("due followup query failed", "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.SetSchedulerDue(len(due))
	}
	if len(due) == 0 {
		return
	}
	slog.Info("followup sweep", "due", len(due))

	for _, conv := range due {
		if ctx.Err() != nil {
			return
		}
		conversationID := conv.ID
		s.debouncer.RunSerialized(conversationID, func() {
			s.runFollowup(ctx, conversationID)
		})
	}
}

func (s *Scheduler) runFollowup(ctx context.Context, conversationID string) {
	outcome, err := s.processor.ProcessFollowup(ctx, conversationID)
	if err != nil {
		slog.Error("followup pipeline failed",
			"conversation_id", conversationID, "error", err)
		return
	}
	if outcome.Skipped || !outcome.Sent {
		return
	}
	// Counter advance is what keeps the conversation out of this bucket on
	// the next tick; a failure here means one extra nudge at worst.
	if err := s.rpc.FollowupSent(ctx, conversationID); err != nil {
		slog.Error("followup counter increment failed",
			"conversation_id", conversationID, "error", err)
	}
}
