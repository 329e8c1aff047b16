package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"followup-engine/internal/campaign"
	"followup-engine/internal/channel"
	"followup-engine/internal/dispatch"
	"followup-engine/internal/pattern"
)

// PostgresRepository provides typed access to Postgres resources.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations applies schema migrations on the connected database.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	sub, err := fs.Sub(filesystem, "postgres")
	if err != nil {
		return fmt.Errorf("open postgres migrations: %w", err)
	}
	return ApplyMigrations(ctx, r.pool, sub)
}

// WithTx executes fn within a database transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

const campaignColumns = `
c.id::text, c.owner_id, c.name, c.channel, c.status, c.lead_source, c.subject, c.template,
c.pattern_id::text, c.lead_cursor, c.lead_cursor_id, c.created_at, c.updated_at, p.definition
FROM campaigns c
LEFT JOIN recurring_patterns p ON p.id = c.pattern_id`

func scanCampaign(row pgx.Row) (campaign.Campaign, error) {
	var (
		c          campaign.Campaign
		ch, status string
		patternID  *string
		definition []byte
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &ch, &status, &c.LeadSource, &c.Subject, &c.Template,
		&patternID, &c.LeadCursor.CreatedAt, &c.LeadCursor.LeadID, &c.CreatedAt, &c.UpdatedAt, &definition); err != nil {
		return campaign.Campaign{}, err
	}
	c.Channel = channel.Channel(ch)
	c.Status = campaign.Status(status)
	if patternID != nil {
		c.PatternID = *patternID
	}
	if len(definition) > 0 {
		p, err := decodePattern(definition)
		if err != nil {
			return campaign.Campaign{}, err
		}
		c.Pattern = p
	}
	return c, nil
}

func collectCampaigns(rows pgx.Rows) ([]campaign.Campaign, error) {
	defer rows.Close()
	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate campaigns: %w", err)
	}
	return out, nil
}

// CreateCampaign stores a campaign and its pattern in one transaction.
func (r *PostgresRepository) CreateCampaign(ctx context.Context, c campaign.Campaign) (campaign.Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		if c.Pattern != nil {
			if c.Pattern.ID == "" {
				c.Pattern.ID = uuid.NewString()
			}
			c.Pattern.OwnerID = c.OwnerID
			if err := insertPatternPG(ctx, tx, *c.Pattern); err != nil {
				return err
			}
			c.PatternID = c.Pattern.ID
		}
		var patternID *string
		if c.PatternID != "" {
			patternID = &c.PatternID
		}
		const q = `
INSERT INTO campaigns (id, owner_id, name, channel, status, lead_source, subject, template, pattern_id, lead_cursor, lead_cursor_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING created_at, updated_at;
`
		return tx.QueryRow(ctx, q, c.ID, c.OwnerID, c.Name, string(c.Channel), string(c.Status), c.LeadSource,
			c.Subject, c.Template, patternID, c.LeadCursor.CreatedAt.UTC(), c.LeadCursor.LeadID).Scan(&c.CreatedAt, &c.UpdatedAt)
	})
	if err != nil {
		return campaign.Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}
	return c, nil
}

func insertPatternPG(ctx context.Context, tx pgx.Tx, p pattern.RecurringPattern) error {
	def, err := encodePattern(p)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO recurring_patterns (id, owner_id, definition, active, current_occurrences, next_occurrence)
VALUES ($1, $2, $3::jsonb, $4, $5, $6);
`
	if _, err := tx.Exec(ctx, q, p.ID, p.OwnerID, string(def), p.Active, p.CurrentOccurrences, nextOccurrenceArg(p)); err != nil {
		return fmt.Errorf("insert pattern: %w", err)
	}
	return nil
}

// savePatternPG overwrites the stored pattern. With guarded set the write only lands
// while the stored occurrence count still equals p.CurrentOccurrences.
func savePatternPG(ctx context.Context, tx pgx.Tx, p pattern.RecurringPattern, guarded bool) error {
	def, err := encodePattern(p)
	if err != nil {
		return err
	}
	const q = `
UPDATE recurring_patterns
SET definition = $2::jsonb, active = $3, current_occurrences = $4, next_occurrence = $5, updated_at = NOW()
WHERE id = $1 AND (NOT $6 OR current_occurrences = $4);
`
	ct, err := tx.Exec(ctx, q, p.ID, string(def), p.Active, p.CurrentOccurrences, nextOccurrenceArg(p), guarded)
	if err != nil {
		return fmt.Errorf("update pattern: %w", err)
	}
	if ct.RowsAffected() == 0 {
		if guarded {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM recurring_patterns WHERE id = $1);`, p.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check pattern: %w", err)
			}
			if exists {
				return campaign.ErrStaleState
			}
		}
		return fmt.Errorf("update pattern %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// GetCampaign loads one campaign with its pattern.
func (r *PostgresRepository) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	c, err := scanCampaign(r.pool.QueryRow(ctx, `SELECT `+campaignColumns+` WHERE c.id = $1;`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return campaign.Campaign{}, fmt.Errorf("get campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return campaign.Campaign{}, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// DueCampaigns returns active campaigns whose next occurrence is at or before now.
// Campaigns without a pattern are always due.
func (r *PostgresRepository) DueCampaigns(ctx context.Context, now time.Time, limit int) ([]campaign.Campaign, error) {
	q := `SELECT ` + campaignColumns + `
WHERE c.status = 'active'
  AND (c.pattern_id IS NULL OR (p.active AND p.next_occurrence <= $1))
ORDER BY COALESCE(p.next_occurrence, c.updated_at), c.id
LIMIT $2;`
	rows, err := r.pool.Query(ctx, q, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due campaigns: %w", err)
	}
	return collectCampaigns(rows)
}

// ListCampaignsByOwnerChannel returns the owner's campaigns on ch in the given status.
func (r *PostgresRepository) ListCampaignsByOwnerChannel(ctx context.Context, ownerID string, ch channel.Channel, status campaign.Status) ([]campaign.Campaign, error) {
	q := `SELECT ` + campaignColumns + `
WHERE c.owner_id = $1 AND c.channel = $2 AND c.status = $3
ORDER BY c.id;`
	rows, err := r.pool.Query(ctx, q, ownerID, string(ch), string(status))
	if err != nil {
		return nil, fmt.Errorf("list campaigns by owner: %w", err)
	}
	return collectCampaigns(rows)
}

// UpdateCampaignState moves a campaign from one status to another, returning
// campaign.ErrStaleState when the stored status no longer matches from or, with p set,
// when a cycle counted another occurrence since p was read. Nothing is written then.
func (r *PostgresRepository) UpdateCampaignState(ctx context.Context, id string, from, to campaign.Status, p *pattern.RecurringPattern) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		const q = `UPDATE campaigns SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2;`
		ct, err := tx.Exec(ctx, q, id, string(from), string(to))
		if err != nil {
			return fmt.Errorf("update campaign status: %w", err)
		}
		if ct.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1);`, id).Scan(&exists); err != nil {
				return fmt.Errorf("check campaign: %w", err)
			}
			if !exists {
				return fmt.Errorf("update campaign %s: %w", id, ErrNotFound)
			}
			return campaign.ErrStaleState
		}
		if p != nil {
			return savePatternPG(ctx, tx, *p, true)
		}
		return nil
	})
}

// SaveCampaignProgress stores the pattern state and lead cursor after a cycle.
func (r *PostgresRepository) SaveCampaignProgress(ctx context.Context, id string, p *pattern.RecurringPattern, leadCursor campaign.Cursor) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		const q = `UPDATE campaigns SET lead_cursor = $2, lead_cursor_id = $3, updated_at = NOW() WHERE id = $1;`
		ct, err := tx.Exec(ctx, q, id, leadCursor.CreatedAt.UTC(), leadCursor.LeadID)
		if err != nil {
			return fmt.Errorf("update lead cursor: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("save campaign progress %s: %w", id, ErrNotFound)
		}
		if p != nil {
			return savePatternPG(ctx, tx, *p, false)
		}
		return nil
	})
}

// InsertLead stores a quiz lead.
func (r *PostgresRepository) InsertLead(ctx context.Context, lead campaign.Lead) (campaign.Lead, error) {
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO leads (id, quiz_id, name, email, phone, created_at) VALUES ($1, $2, $3, $4, $5, $6);`
	if _, err := r.pool.Exec(ctx, q, lead.ID, lead.QuizID, lead.Name, lead.Email, lead.Phone, lead.CreatedAt); err != nil {
		return campaign.Lead{}, fmt.Errorf("insert lead: %w", err)
	}
	return lead, nil
}

// CandidateRecipients returns leads of the campaign's quiz positioned after the cursor,
// earliest first. Ids compare bytewise so the order matches the other stores.
func (r *PostgresRepository) CandidateRecipients(ctx context.Context, c campaign.Campaign, after campaign.Cursor, limit int) ([]campaign.Lead, error) {
	const q = `
SELECT id::text, quiz_id, name, email, phone, created_at
FROM leads
WHERE quiz_id = $1
  AND (created_at > $2 OR (created_at = $2 AND id::text COLLATE "C" > $3))
ORDER BY created_at, id::text COLLATE "C"
LIMIT $4;
`
	rows, err := r.pool.Query(ctx, q, c.LeadSource, after.CreatedAt.UTC(), after.LeadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list candidate recipients: %w", err)
	}
	return collectLeads(rows)
}

// FailedRecipients returns the leads whose latest delivery for the campaign failed.
func (r *PostgresRepository) FailedRecipients(ctx context.Context, c campaign.Campaign, limit int) ([]campaign.Lead, error) {
	const q = `
SELECT l.id::text, l.quiz_id, l.name, l.email, l.phone, l.created_at
FROM delivery_logs d
JOIN leads l ON l.id::text = d.lead_id
WHERE d.campaign_id = $1 AND d.status = 'failed'
ORDER BY l.created_at, l.id::text COLLATE "C"
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, c.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed recipients: %w", err)
	}
	return collectLeads(rows)
}

func collectLeads(rows pgx.Rows) ([]campaign.Lead, error) {
	defer rows.Close()
	var leads []campaign.Lead
	for rows.Next() {
		var l campaign.Lead
		if err := rows.Scan(&l.ID, &l.QuizID, &l.Name, &l.Email, &l.Phone, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return leads, nil
}

// UpsertDeliveryLog records the latest status for (campaign, normalized recipient).
func (r *PostgresRepository) UpsertDeliveryLog(ctx context.Context, entry dispatch.DeliveryLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	const q = `
INSERT INTO delivery_logs (id, campaign_id, lead_id, recipient, normalized_recipient, channel, status, provider_id, error, attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (campaign_id, normalized_recipient) DO UPDATE SET
    lead_id = EXCLUDED.lead_id,
    recipient = EXCLUDED.recipient,
    status = EXCLUDED.status,
    provider_id = EXCLUDED.provider_id,
    error = EXCLUDED.error,
    attempts = EXCLUDED.attempts,
    updated_at = EXCLUDED.updated_at;
`
	_, err := r.pool.Exec(ctx, q, entry.ID, entry.CampaignID, entry.LeadID, entry.Recipient, entry.NormalizedRecipient,
		string(entry.Channel), string(entry.Status), entry.ProviderID, entry.Error, entry.Attempts,
		entry.CreatedAt.UTC(), entry.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert delivery log: %w", err)
	}
	return nil
}

// ListDeliveryLogs returns the rows of a campaign, or of all campaigns when campaignID is empty.
func (r *PostgresRepository) ListDeliveryLogs(ctx context.Context, campaignID string) ([]dispatch.DeliveryLog, error) {
	return listDeliveryLogsPG(ctx, r.pool, campaignID)
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listDeliveryLogsPG(ctx context.Context, q pgQuerier, campaignID string) ([]dispatch.DeliveryLog, error) {
	const query = `
SELECT id::text, campaign_id::text, lead_id, recipient, normalized_recipient, channel, status, provider_id, error, attempts, created_at, updated_at
FROM delivery_logs
WHERE $1 = '' OR campaign_id::text = $1
ORDER BY campaign_id, created_at, id;
`
	rows, err := q.Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list delivery logs: %w", err)
	}
	defer rows.Close()

	var out []dispatch.DeliveryLog
	for rows.Next() {
		var (
			e          dispatch.DeliveryLog
			ch, status string
		)
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.LeadID, &e.Recipient, &e.NormalizedRecipient, &ch, &status,
			&e.ProviderID, &e.Error, &e.Attempts, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		e.Channel = channel.Channel(ch)
		e.Status = dispatch.Status(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery logs: %w", err)
	}
	return out, nil
}

// DeliveredRecipients lists normalized recipients with a pending or sent row.
func (r *PostgresRepository) DeliveredRecipients(ctx context.Context, campaignID string) ([]string, error) {
	const q = `
SELECT normalized_recipient
FROM delivery_logs
WHERE campaign_id = $1 AND status IN ('pending', 'sent');
`
	rows, err := r.pool.Query(ctx, q, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list delivered recipients: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan delivered recipient: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivered recipients: %w", err)
	}
	return out, nil
}

// CoalesceDeliveryLogs re-normalizes stored recipients and deletes all but the most
// recent row per (campaign, recipient). It returns the number of deleted rows.
func (r *PostgresRepository) CoalesceDeliveryLogs(ctx context.Context, campaignID string) (int64, error) {
	var removed int64
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := listDeliveryLogsPG(ctx, tx, campaignID)
		if err != nil {
			return err
		}
		renamed, drop := coalesceRows(rows)
		if len(drop) > 0 {
			ct, err := tx.Exec(ctx, `DELETE FROM delivery_logs WHERE id::text = ANY($1::text[]);`, drop)
			if err != nil {
				return fmt.Errorf("delete duplicate delivery logs: %w", err)
			}
			removed = ct.RowsAffected()
		}
		// Two passes so a rename never collides with a row that is itself being renamed.
		for _, row := range renamed {
			if _, err := tx.Exec(ctx, `UPDATE delivery_logs SET normalized_recipient = $2 WHERE id = $1;`, row.ID, "~"+row.ID); err != nil {
				return fmt.Errorf("stage delivery log rename: %w", err)
			}
		}
		for _, row := range renamed {
			if _, err := tx.Exec(ctx, `UPDATE delivery_logs SET normalized_recipient = $2 WHERE id = $1;`, row.ID, row.NormalizedRecipient); err != nil {
				return fmt.Errorf("rename delivery log: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("coalesce delivery logs: %w", err)
	}
	if removed > 0 {
		r.logger.Info("delivery logs coalesced", "campaign_id", campaignID, "removed", removed)
	}
	return removed, nil
}

var _ Repository = (*PostgresRepository)(nil)
