// Package worker consumes the webhook queue, debounces per-conversation
// bursts, runs the decision pipeline, and applies its output through the
// internal RPC server. The scheduler for time-based follow-ups lives here
// too, sharing the per-conversation serialization lock.
package worker

import (
	"encoding/json"
	"fmt"
	"strings"
)

// InboundMessage is one usable text message extracted from a webhook
// envelope.
type InboundMessage struct {
	PhoneNumberID     string
	FromPhone         string
	SenderName        string
	ProviderMessageID string
	Text              string
}

// Webhook envelope as delivered by the provider. Only the fields the worker
// reads are declared.
type envelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []envelopeMessage `json:"messages"`
				Statuses []json.RawMessage `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type envelopeMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
	Button *struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

// ParseEnvelope extracts the text-bearing messages from a raw webhook body.
// Delivery-status callbacks and non-text message types yield no entries;
// they are skippable, not errors. A body that is not valid JSON is an error
// so the caller can drop it as poison.
func ParseEnvelope(body []byte) ([]InboundMessage, error) {
	env := envelope{}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse webhook envelope: %w", err)
	}

	inbound := []InboundMessage{}
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			if len(value.Statuses) > 0 && len(value.Messages) == 0 {
				continue
			}
			names := map[string]string{}
			for _, contact := range value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, msg := range value.Messages {
				text := extractText(msg)
				if text == "" {
					continue
				}
				inbound = append(inbound, InboundMessage{
					PhoneNumberID:     value.Metadata.PhoneNumberID,
					FromPhone:         msg.From,
					SenderName:        names[msg.From],
					ProviderMessageID: msg.ID,
					Text:              text,
				})
			}
		}
	}
	return inbound, nil
}

// extractText pulls a text body out of the message types that carry one.
func extractText(msg envelopeMessage) string {
	switch msg.Type {
	case "text":
		if msg.Text != nil {
			return strings.TrimSpace(msg.Text.Body)
		}
	case "button":
		if msg.Button != nil {
			return strings.TrimSpace(msg.Button.Text)
		}
	case "interactive":
		if msg.Interactive == nil {
			return ""
		}
		if msg.Interactive.ButtonReply != nil {
			return strings.TrimSpace(msg.Interactive.ButtonReply.Title)
		}
		if msg.Interactive.ListReply != nil {
			return strings.TrimSpace(msg.Interactive.ListReply.Title)
		}
	}
	return ""
}
