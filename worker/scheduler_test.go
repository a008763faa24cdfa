package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnelworks/leadline/rpcclient"
	"github.com/funnelworks/leadline/store"
)

func newTestScheduler(rpc *mockRPC, llm *stubLLM) (*Scheduler, *Debouncer) {
	processor := newTestProcessor(rpc, llm)
	debouncer := NewDebouncer(context.Background(), time.Second,
		func(ctx context.Context, id, text string) error {
			_, err := processor.Process(ctx, id, text)
			return err
		}, nil)
	return NewScheduler(rpc, processor, debouncer, time.Minute, nil), debouncer
}

func TestSchedulerTickSendsFollowupAndAdvancesCounters(t *testing.T) {
	rpc := newMockRPC()
	rpc.due = []rpcclient.Conversation{{ID: "conv-1", TenantID: "tenant-1", Mode: store.ModeBot}}
	s, _ := newTestScheduler(rpc, &stubLLM{data: map[string]any{
		"action":         "send_now",
		"new_stage":      "followup",
		"should_respond": true,
		"message_text":   "Still thinking it over?",
	}})

	s.Tick(context.Background())

	require.Len(t, rpc.sends, 1)
	assert.Equal(t, []string{"conv-1"}, rpc.followups, "counter advanced after a sent nudge")
}

func TestSchedulerNoCounterAdvanceWhenModelDeclines(t *testing.T) {
	rpc := newMockRPC()
	rpc.due = []rpcclient.Conversation{{ID: "conv-1", TenantID: "tenant-1", Mode: store.ModeBot}}
	s, _ := newTestScheduler(rpc, &stubLLM{data: map[string]any{
		"action":         "wait_schedule",
		"new_stage":      "qualification",
		"should_respond": false,
		"message_text":   "",
	}})

	s.Tick(context.Background())

	assert.Empty(t, rpc.sends)
	assert.Empty(t, rpc.followups)
}

func TestSchedulerSkipsHumanModeConversation(t *testing.T) {
	rpc := newMockRPC()
	rpc.bundle.Conversation.Mode = store.ModeHuman
	rpc.due = []rpcclient.Conversation{{ID: "conv-1", TenantID: "tenant-1"}}
	s, _ := newTestScheduler(rpc, &stubLLM{data: map[string]any{
		"action": "send_now", "new_stage": "followup",
		"should_respond": true, "message_text": "nudge",
	}})

	s.Tick(context.Background())

	assert.Empty(t, rpc.sends)
	assert.Empty(t, rpc.followups)
}

func TestSchedulerEmptySweep(t *testing.T) {
	rpc := newMockRPC()
	s, _ := newTestScheduler(rpc, &stubLLM{data: map[string]any{}})
	s.Tick(context.Background())
	assert.Empty(t, rpc.sends)
}
