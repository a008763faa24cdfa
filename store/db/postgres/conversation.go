package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/funnelworks/leadline/store"
)

const conversationColumns = `id, tenant_id, lead_id, mode, stage, intent_level, user_sentiment,
	rolling_summary, needs_human_attention, active_cta_id,
	last_user_message_at, last_bot_message_at,
	followup_count_24h, total_nudges, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	c := &store.Conversation{}
	var activeCTAID sql.NullString
	var lastUser, lastBot sql.NullTime
	err := row.Scan(&c.ID, &c.TenantID, &c.LeadID, &c.Mode, &c.Stage, &c.IntentLevel,
		&c.UserSentiment, &c.RollingSummary, &c.NeedsHumanAttention, &activeCTAID,
		&lastUser, &lastBot, &c.FollowupCount24h, &c.TotalNudges, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan conversation")
	}
	if activeCTAID.Valid {
		c.ActiveCTAID = &activeCTAID.String
	}
	if lastUser.Valid {
		t := lastUser.Time
		c.LastUserMessageAt = &t
	}
	if lastBot.Valid {
		t := lastBot.Time
		c.LastBotMessageAt = &t
	}
	return c, nil
}

// GetOrCreateConversation returns the conversation for a (tenant, lead) pair,
// creating it in the greeting stage when none exists. The bool reports
// whether a new row was created.
func (d *DB) GetOrCreateConversation(ctx context.Context, tenantID, leadID string) (*store.Conversation, bool, error) {
	row := d.db.QueryRowContext(ctx, `
		INSERT INTO conversation (id, tenant_id, lead_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, lead_id) DO NOTHING
		RETURNING `+conversationColumns,
		uuid.NewString(), tenantID, leadID)
	conv, err := scanConversation(row)
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	row = d.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversation
		WHERE tenant_id = $1 AND lead_id = $2`, tenantID, leadID)
	conv, err = scanConversation(row)
	return conv, false, err
}

func (d *DB) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversation WHERE id = $1`, id)
	return scanConversation(row)
}

// UpdateConversation applies a partial patch and returns the updated row.
// Only non-nil fields are written; updated_at always advances.
func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	set := []string{"updated_at = now()"}
	args := []any{update.ID}

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Mode != nil {
		add("mode", *update.Mode)
	}
	if update.Stage != nil {
		add("stage", string(*update.Stage))
	}
	if update.IntentLevel != nil {
		add("intent_level", string(*update.IntentLevel))
	}
	if update.UserSentiment != nil {
		add("user_sentiment", string(*update.UserSentiment))
	}
	if update.RollingSummary != nil {
		add("rolling_summary", *update.RollingSummary)
	}
	if update.NeedsHumanAttention != nil {
		add("needs_human_attention", *update.NeedsHumanAttention)
	}
	if update.ActiveCTAID != nil {
		if *update.ActiveCTAID == "" {
			set = append(set, "active_cta_id = NULL")
		} else {
			add("active_cta_id", *update.ActiveCTAID)
		}
	}
	if update.LastUserMessageAt != nil {
		add("last_user_message_at", *update.LastUserMessageAt)
	}
	if update.LastBotMessageAt != nil {
		add("last_bot_message_at", *update.LastBotMessageAt)
	}

	query := `UPDATE conversation SET ` + strings.Join(set, ", ") +
		` WHERE id = $1 RETURNING ` + conversationColumns
	return scanConversation(d.db.QueryRowContext(ctx, query, args...))
}
