package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/funnelworks/leadline/store"
)

// ListDueFollowups selects conversations eligible for a scheduled nudge: bot
// mode, live stage, no pending human flag, the lead silent since the last bot
// message, and the elapsed time landing in a bucket whose required prior
// count matches. The 24h counter is interpreted at read time: a count older
// than a day is treated as zero without rewriting the row.
func (d *DB) ListDueFollowups(ctx context.Context, now time.Time, buckets []store.FollowupBucket) ([]*store.Conversation, error) {
	if len(buckets) == 0 {
		return nil, nil
	}

	args := []any{now}
	clauses := make([]string, 0, len(buckets))
	for _, b := range buckets {
		args = append(args, b.MinMinutes, b.MaxMinutes, b.RequiredPriorCount)
		clauses = append(clauses, fmt.Sprintf(
			`(elapsed_minutes >= $%d AND elapsed_minutes <= $%d AND effective_count = $%d)`,
			len(args)-2, len(args)-1, len(args)))
	}

	query := `
		WITH eligible AS (
			SELECT ` + conversationColumns + `,
				EXTRACT(EPOCH FROM ($1::timestamptz - last_bot_message_at)) / 60 AS elapsed_minutes,
				CASE WHEN last_bot_message_at < $1::timestamptz - interval '24 hours'
					THEN 0 ELSE followup_count_24h END AS effective_count
			FROM conversation
			WHERE mode = 'bot'
			  AND NOT needs_human_attention
			  AND stage NOT IN ('closed', 'lost', 'ghosted')
			  AND last_bot_message_at IS NOT NULL
			  AND (last_user_message_at IS NULL OR last_user_message_at < last_bot_message_at)
		)
		SELECT ` + conversationColumns + ` FROM eligible
		WHERE ` + strings.Join(clauses, " OR ")

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due followups")
	}
	defer rows.Close()

	convs := []*store.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, errors.Wrap(rows.Err(), "failed to iterate due followups")
}

// IncrementFollowupCounters bumps both nudge counters server-side in one
// statement so concurrent workers never lose an increment.
func (d *DB) IncrementFollowupCounters(ctx context.Context, conversationID string) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE conversation
		SET followup_count_24h = followup_count_24h + 1,
		    total_nudges = total_nudges + 1,
		    updated_at = now()
		WHERE id = $1`, conversationID)
	if err != nil {
		return errors.Wrap(err, "failed to increment followup counters")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
