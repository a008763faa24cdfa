package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/funnelworks/leadline/store"
)

const messageColumns = `id, tenant_id, conversation_id, lead_id, origin, content, provider_message_id, created_at`

// CreateIncomingMessage persists a lead message. The partial unique index on
// (tenant_id, provider_message_id) makes provider redeliveries a no-op; the
// bool reports whether a row was actually written.
func (d *DB) CreateIncomingMessage(ctx context.Context, msg *store.Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO message (id, tenant_id, conversation_id, lead_id, origin, content, provider_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, provider_message_id) WHERE provider_message_id <> '' DO NOTHING`,
		msg.ID, msg.TenantID, msg.ConversationID, msg.LeadID, store.OriginLead, msg.Content, msg.ProviderMessageID)
	if err != nil {
		return false, errors.Wrap(err, "failed to create incoming message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return n > 0, nil
}

// CreateOutgoingMessage persists a bot or human agent message.
func (d *DB) CreateOutgoingMessage(ctx context.Context, msg *store.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO message (id, tenant_id, conversation_id, lead_id, origin, content, provider_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.TenantID, msg.ConversationID, msg.LeadID, msg.Origin, msg.Content, msg.ProviderMessageID)
	return errors.Wrap(err, "failed to create outgoing message")
}

// ListRecentMessages returns the newest messages of a conversation in
// chronological order.
func (d *DB) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM message
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent ORDER BY created_at ASC`, conversationID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	msgs := []*store.Message{}
	for rows.Next() {
		m := &store.Message{}
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ConversationID, &m.LeadID,
			&m.Origin, &m.Content, &m.ProviderMessageID, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		msgs = append(msgs, m)
	}
	return msgs, errors.Wrap(rows.Err(), "failed to iterate messages")
}
