package campaigns

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"campaign-dialer/internal/calls"
	"campaign-dialer/pkg/utils"

	"github.com/google/uuid"
)

// Schema creates the campaigns, contacts and call_logs tables.
// Contacts and call logs cascade on campaign deletion.
//
//go:embed schema.sql
var Schema string

// PostgresStore implements Store on database/sql (pgx stdlib driver).
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

const campaignColumns = `id, owner_id, title, description, credential, outbound_number, agent_id,
       status, progress, has_run, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (Campaign, error) {
	var c Campaign
	if err := row.Scan(
		&c.ID,
		&c.OwnerID,
		&c.Title,
		&c.Description,
		&c.Credential,
		&c.OutboundNumber,
		&c.AgentID,
		&c.Status,
		&c.Progress,
		&c.HasRun,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		return Campaign{}, err
	}
	return c, nil
}

func (s *PostgresStore) CreateCampaign(ctx context.Context, c Campaign) (Campaign, error) {
	if err := validateCampaign(c); err != nil {
		return Campaign{}, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.clock().UTC()
	const q = `
INSERT INTO campaigns (
  id, owner_id, title, description, credential, outbound_number, agent_id,
  status, progress, has_run, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,'scheduled',0,FALSE,$8,$8
)
RETURNING ` + campaignColumns
	return scanCampaign(s.db.QueryRowContext(ctx, q,
		c.ID,
		c.OwnerID,
		c.Title,
		c.Description,
		c.Credential,
		c.OutboundNumber,
		c.AgentID,
		now,
	))
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	return scanCampaign(s.db.QueryRowContext(ctx, q, id))
}

func (s *PostgresStore) ListCampaignsByStatus(ctx context.Context, status Status) ([]Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE status = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransitionCampaign(ctx context.Context, id string, from []Status, to Status, markRun bool) (Campaign, error) {
	if len(from) == 0 || !to.Valid() {
		return Campaign{}, ErrInvalidArgument
	}
	args := []any{id, to, markRun, s.clock().UTC()}
	ph := make([]string, 0, len(from))
	for _, st := range from {
		args = append(args, st)
		ph = append(ph, fmt.Sprintf("$%d", len(args)))
	}
	q := `
UPDATE campaigns
SET status = $2,
    has_run = has_run OR $3,
    progress = CASE WHEN $2 = 'completed' THEN 100 ELSE progress END,
    updated_at = $4
WHERE id = $1
  AND status IN (` + strings.Join(ph, ",") + `)
  AND (NOT $3 OR has_run = FALSE)
RETURNING ` + campaignColumns

	c, err := scanCampaign(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, ErrNotFound) {
		// Distinguish a missing campaign from a failed guard.
		cur, gerr := s.GetCampaign(ctx, id)
		if gerr != nil {
			return Campaign{}, gerr
		}
		return cur, ErrGuardViolation
	}
	return c, err
}

func (s *PostgresStore) DeleteCampaign(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddContacts(ctx context.Context, campaignID string, contacts []Contact) error {
	now := s.clock().UTC()
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Lock the campaign row so concurrent imports get disjoint positions.
		var next int
		if err := tx.QueryRowContext(ctx, `
SELECT COALESCE((SELECT MAX(position) + 1 FROM contacts WHERE campaign_id = c.id), 0)
FROM campaigns c
WHERE c.id = $1
FOR UPDATE
`, campaignID).Scan(&next); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		const q = `
INSERT INTO contacts (id, campaign_id, position, phone_number, first_name, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`
		for _, ct := range contacts {
			if ct.PhoneNumber == "" {
				return ErrInvalidArgument
			}
			if ct.ID == "" {
				ct.ID = uuid.NewString()
			}
			if _, err := tx.ExecContext(ctx, q, ct.ID, campaignID, next, ct.PhoneNumber, ct.FirstName, now); err != nil {
				if utils.IsUniqueViolation(err, "") {
					return fmt.Errorf("%w: duplicate contact id %s", ErrInvalidArgument, ct.ID)
				}
				return err
			}
			next++
		}
		return nil
	})
}

func (s *PostgresStore) GetContacts(ctx context.Context, campaignID string) ([]Contact, error) {
	const q = `
SELECT id, campaign_id, position, phone_number, first_name, COALESCE(call_id, ''), dialed_at,
       review_required, review_note, created_at
FROM contacts
WHERE campaign_id = $1
ORDER BY position
`
	rows, err := s.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Contact, 0)
	for rows.Next() {
		var ct Contact
		var dialedAt sql.NullTime
		if err := rows.Scan(
			&ct.ID,
			&ct.CampaignID,
			&ct.Position,
			&ct.PhoneNumber,
			&ct.FirstName,
			&ct.CallID,
			&dialedAt,
			&ct.ReviewRequired,
			&ct.ReviewNote,
			&ct.CreatedAt,
		); err != nil {
			return nil, err
		}
		if dialedAt.Valid {
			t := dialedAt.Time
			ct.DialedAt = &t
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordDial(ctx context.Context, contactID string, log calls.CallLog, at time.Time) (calls.CallLog, error) {
	if log.CallID == "" {
		return calls.CallLog{}, ErrInvalidArgument
	}
	at = at.UTC()
	if log.ID == "" {
		log.ID = uuid.NewString()
	}

	var out calls.CallLog
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// call_id is only ever written when absent.
		var ct Contact
		err := tx.QueryRowContext(ctx, `
UPDATE contacts
SET call_id = $2, dialed_at = $3, review_required = FALSE, review_note = ''
WHERE id = $1 AND call_id IS NULL
RETURNING id, campaign_id, phone_number, first_name
`, contactID, log.CallID, at).Scan(&ct.ID, &ct.CampaignID, &ct.PhoneNumber, &ct.FirstName)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM contacts WHERE id = $1)`, contactID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrAlreadyDialed
		}
		if err != nil {
			return err
		}

		log.CampaignID = ct.CampaignID
		log.ContactID = ct.ID
		log.PhoneNumber = ct.PhoneNumber
		log.FirstName = ct.FirstName
		log.CreatedAt = at
		if _, err := tx.ExecContext(ctx, `
INSERT INTO call_logs (id, campaign_id, contact_id, phone_number, first_name, call_id, initial_status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`,
			log.ID,
			log.CampaignID,
			log.ContactID,
			log.PhoneNumber,
			log.FirstName,
			log.CallID,
			log.InitialStatus,
			log.CreatedAt,
		); err != nil {
			switch {
			case utils.IsUniqueViolation(err, "call_logs_contact_id_key"):
				return ErrAlreadyDialed
			case utils.IsForeignKeyViolation(err):
				return ErrNotFound
			}
			return err
		}

		// Same half-up rounding as Progress, in integer arithmetic.
		if _, err := tx.ExecContext(ctx, `
UPDATE campaigns c
SET progress = GREATEST(c.progress, p.pct),
    updated_at = CASE WHEN c.progress < p.pct THEN $2 ELSE c.updated_at END
FROM (
  SELECT ((COUNT(call_id) * 200 + COUNT(*)) / (2 * COUNT(*)))::int AS pct
  FROM contacts
  WHERE campaign_id = $1
) p
WHERE c.id = $1
`, log.CampaignID, s.clock().UTC()); err != nil {
			return fmt.Errorf("raise progress: %w", err)
		}
		out = log
		return nil
	})
	return out, err
}

func (s *PostgresStore) FlagContactReview(ctx context.Context, contactID, note string) error {
	return s.setReview(ctx, contactID, true, note)
}

func (s *PostgresStore) ClearContactReview(ctx context.Context, contactID string) error {
	return s.setReview(ctx, contactID, false, "")
}

func (s *PostgresStore) setReview(ctx context.Context, contactID string, flag bool, note string) error {
	var dialed bool
	err := s.db.QueryRowContext(ctx, `
UPDATE contacts
SET review_required = CASE WHEN call_id IS NULL THEN $2 ELSE review_required END,
    review_note = CASE WHEN call_id IS NULL THEN $3 ELSE review_note END
WHERE id = $1
RETURNING call_id IS NOT NULL
`, contactID, flag, note).Scan(&dialed)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if dialed {
		return ErrAlreadyDialed
	}
	return nil
}

func (s *PostgresStore) GetCallLogs(ctx context.Context, campaignID string) ([]calls.CallLog, error) {
	const q = `
SELECT l.id, l.campaign_id, l.contact_id, l.phone_number, l.first_name, l.call_id, l.initial_status,
       l.disconnect_reason, l.transcript, l.summary, l.recording_url, l.start_time, l.enriched_at, l.created_at
FROM call_logs l
JOIN contacts c ON c.id = l.contact_id
WHERE l.campaign_id = $1
ORDER BY l.created_at, c.position
`
	rows, err := s.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]calls.CallLog, 0)
	for rows.Next() {
		var l calls.CallLog
		var start, enriched sql.NullTime
		if err := rows.Scan(
			&l.ID,
			&l.CampaignID,
			&l.ContactID,
			&l.PhoneNumber,
			&l.FirstName,
			&l.CallID,
			&l.InitialStatus,
			&l.DisconnectReason,
			&l.Transcript,
			&l.Summary,
			&l.RecordingURL,
			&start,
			&enriched,
			&l.CreatedAt,
		); err != nil {
			return nil, err
		}
		if start.Valid {
			t := start.Time
			l.StartTime = &t
		}
		if enriched.Valid {
			t := enriched.Time
			l.EnrichedAt = &t
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateCallLog(ctx context.Context, id string, e calls.Enrichment) error {
	var start any
	if e.StartTime != nil {
		start = e.StartTime.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE call_logs
SET disconnect_reason = $2, transcript = $3, summary = $4, recording_url = $5,
    start_time = $6, enriched_at = $7
WHERE id = $1
`, id, e.DisconnectReason, e.Transcript, e.Summary, e.RecordingURL, start, e.EnrichedAt.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
