// Package queue abstracts the durable inbound-event queue between the ingress
// gateway and the worker. SQS is the production implementation; the in-memory
// implementation backs tests and single-process local runs.
package queue

import "context"

// Message is one raw webhook payload in flight. Receipt is the opaque handle
// needed to acknowledge it.
type Message struct {
	ID      string
	Receipt string
	Body    []byte
}

// Queue is an at-least-once delivery queue. Receive blocks up to the
// implementation's long-poll window and may return fewer messages than max.
// A message that is never acknowledged reappears after its visibility timeout.
type Queue interface {
	Send(ctx context.Context, body []byte) error
	Receive(ctx context.Context, max int) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
}
