package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/funnelworks/leadline/rpcclient"
)

// EventSink receives observer events. The dashboard fan-out lives outside
// this process; implementations here just hand events over.
type EventSink interface {
	Publish(ctx context.Context, event rpcclient.Event) error
}

// LogSink writes events to the structured log. It is the default sink when
// no external consumer is wired.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, event rpcclient.Event) error {
	slog.Info("observer event",
		"type", event.Type,
		"tenant_id", event.TenantID,
		"conversation_id", event.ConversationID,
	)
	return nil
}

// MemorySink buffers events for inspection in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []rpcclient.Event
}

func (s *MemorySink) Publish(_ context.Context, event rpcclient.Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of everything published so far.
func (s *MemorySink) Events() []rpcclient.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rpcclient.Event, len(s.events))
	copy(out, s.events)
	return out
}
