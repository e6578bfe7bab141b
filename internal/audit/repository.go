package audit

import (
	"context"
	"database/sql"
	_ "embed"
)

//go:embed schema.sql
var Schema string

// PostgresRepo stores events in audit_events. INSERT and SELECT only.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, owner_id, type, actor_user_id, actor_role, ip_address,
  campaign_id, contact_id, call_id, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.OwnerID,
		e.Type,
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.CampaignID,
		e.ContactID,
		e.CallID,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) ListByCampaign(ctx context.Context, campaignID string) ([]Event, error) {
	const q = `
SELECT id, owner_id, type, actor_user_id, actor_role, ip_address,
       campaign_id, contact_id, call_id, message, metadata, created_at
FROM audit_events
WHERE campaign_id = $1
ORDER BY created_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID,
			&e.OwnerID,
			&e.Type,
			&e.ActorUserID,
			&e.ActorRole,
			&e.IPAddress,
			&e.CampaignID,
			&e.ContactID,
			&e.CallID,
			&e.Message,
			&e.Metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
