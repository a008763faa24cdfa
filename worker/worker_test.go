package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnelworks/leadline/queue"
	"github.com/funnelworks/leadline/rpcclient"
	"github.com/funnelworks/leadline/store"
)

func newTestConsumer(rpc *mockRPC, window time.Duration) (*Consumer, *queue.MemoryQueue, *flushRecorder) {
	q := queue.NewMemoryQueue(0)
	rec := &flushRecorder{}
	d := NewDebouncer(context.Background(), window, rec.flush, nil)
	return NewConsumer(q, rpc, d, nil, 2), q, rec
}

func receiveOne(t *testing.T, q *queue.MemoryQueue) queue.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msgs, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestConsumerPersistsAndDebounces(t *testing.T) {
	rpc := newMockRPC()
	c, q, rec := newTestConsumer(rpc, 30*time.Millisecond)

	require.NoError(t, q.Send(context.Background(), []byte(textEnvelope)))
	c.handle(context.Background(), receiveOne(t, q))

	require.Len(t, rpc.incomings, 1)
	assert.Equal(t, "hi there", rpc.incomings[0].Content)
	assert.Equal(t, "wamid.abc", rpc.incomings[0].ProviderMessageID)

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "conv-1|hi there", rec.snapshot()[0])
	assert.Zero(t, q.Len(), "acknowledged after durable persist")
}

func TestConsumerDuplicateProviderMessageSkipsPipeline(t *testing.T) {
	rpc := newMockRPC()
	c, q, rec := newTestConsumer(rpc, 20*time.Millisecond)

	require.NoError(t, q.Send(context.Background(), []byte(textEnvelope)))
	c.handle(context.Background(), receiveOne(t, q))
	require.NoError(t, q.Send(context.Background(), []byte(textEnvelope)))
	c.handle(context.Background(), receiveOne(t, q))

	require.Len(t, rpc.incomings, 2, "both deliveries hit the idempotent insert")
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1, "redelivery never reaches the pipeline")
	assert.Zero(t, q.Len())
}

func TestConsumerHumanModePersistsWithoutPipeline(t *testing.T) {
	rpc := newMockRPC()
	rpc.bundle.Conversation.Mode = store.ModeHuman
	c, q, rec := newTestConsumer(rpc, 20*time.Millisecond)

	require.NoError(t, q.Send(context.Background(), []byte(textEnvelope)))
	c.handle(context.Background(), receiveOne(t, q))

	require.Len(t, rpc.incomings, 1, "transcript still recorded")
	assert.Equal(t, []string{rpcclient.EventConversationUpdated}, rpc.eventTypes(),
		"dashboard still notified of the inbound")
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "pipeline stays inhibited")
	assert.Zero(t, q.Len())
}

func TestConsumerPoisonMessageAcked(t *testing.T) {
	rpc := newMockRPC()
	c, q, _ := newTestConsumer(rpc, 20*time.Millisecond)

	require.NoError(t, q.Send(context.Background(), []byte("{broken")))
	c.handle(context.Background(), receiveOne(t, q))

	assert.Empty(t, rpc.incomings)
	assert.Zero(t, q.Len(), "unparseable payload is dropped, not redelivered")
}

func TestConsumerStatusCallbackAcked(t *testing.T) {
	rpc := newMockRPC()
	c, q, _ := newTestConsumer(rpc, 20*time.Millisecond)

	body := `{"entry":[{"changes":[{"value":{
		"metadata":{"phone_number_id":"pn-1"},
		"statuses":[{"id":"wamid.abc","status":"read"}]}}]}]}`
	require.NoError(t, q.Send(context.Background(), []byte(body)))
	c.handle(context.Background(), receiveOne(t, q))

	assert.Empty(t, rpc.incomings)
	assert.Zero(t, q.Len())
}

func TestConsumerInfrastructureFailureLeavesMessage(t *testing.T) {
	rpc := newMockRPC()
	rpc.resolveErr = fmt.Errorf("state server unreachable")
	c, q, _ := newTestConsumer(rpc, 20*time.Millisecond)

	require.NoError(t, q.Send(context.Background(), []byte(textEnvelope)))
	msg := receiveOne(t, q)
	c.handle(context.Background(), msg)

	// Not acked: the message stays in flight and returns after visibility.
	assert.Zero(t, q.Len())
	require.NoError(t, q.Ack(context.Background(), msg)) // cleanup
}

func TestConsumerUnknownTenantSkipped(t *testing.T) {
	rpc := newMockRPC()
	rpc.resolveErr = fmt.Errorf("resolve: %w", rpcclient.ErrNotFound)
	c, q, rec := newTestConsumer(rpc, 20*time.Millisecond)

	require.NoError(t, q.Send(context.Background(), []byte(textEnvelope)))
	c.handle(context.Background(), receiveOne(t, q))

	assert.Empty(t, rec.snapshot())
	assert.Zero(t, q.Len(), "unknown tenant is skippable, message acked")
}
