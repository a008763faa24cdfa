package postgres

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/funnelworks/leadline/store"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const tenantColumns = `id, name, description, flow_prompt, phone_number_id, access_token, api_version, app_secret, active`

func scanTenant(row *sql.Row) (*store.Tenant, error) {
	t := &store.Tenant{}
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.FlowPrompt, &t.PhoneNumberID,
		&t.AccessToken, &t.APIVersion, &t.AppSecret, &t.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan tenant")
	}
	return t, nil
}

func (d *DB) GetTenantByPhoneNumberID(ctx context.Context, phoneNumberID string) (*store.Tenant, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenant WHERE phone_number_id = $1 AND active`, phoneNumberID)
	return scanTenant(row)
}

func (d *DB) GetTenant(ctx context.Context, id string) (*store.Tenant, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenant WHERE id = $1`, id)
	return scanTenant(row)
}

func (d *DB) ListCTAs(ctx context.Context, tenantID string) ([]store.CTA, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name FROM cta WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list ctas")
	}
	defer rows.Close()

	ctas := []store.CTA{}
	for rows.Next() {
		var c store.CTA
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, errors.Wrap(err, "failed to scan cta")
		}
		ctas = append(ctas, c)
	}
	return ctas, errors.Wrap(rows.Err(), "failed to iterate ctas")
}
