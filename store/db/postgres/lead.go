package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/funnelworks/leadline/store"
)

const leadColumns = `id, tenant_id, phone, name, created_at`

func scanLead(row *sql.Row) (*store.Lead, error) {
	l := &store.Lead{}
	err := row.Scan(&l.ID, &l.TenantID, &l.Phone, &l.Name, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan lead")
	}
	return l, nil
}

// GetOrCreateLead inserts the lead if the (tenant, phone) pair is new and
// returns the surviving row either way. Concurrent callers race safely on the
// unique constraint.
func (d *DB) GetOrCreateLead(ctx context.Context, tenantID, phone, name string) (*store.Lead, error) {
	row := d.db.QueryRowContext(ctx, `
		INSERT INTO lead (id, tenant_id, phone, name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, phone) DO UPDATE
			SET name = CASE WHEN lead.name = '' THEN EXCLUDED.name ELSE lead.name END
		RETURNING `+leadColumns,
		uuid.NewString(), tenantID, phone, name)
	return scanLead(row)
}

func (d *DB) GetLead(ctx context.Context, id string) (*store.Lead, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM lead WHERE id = $1`, id)
	return scanLead(row)
}
