package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"followup-engine/internal/campaign"
	"followup-engine/internal/channel"
	"followup-engine/internal/dispatch"
	"followup-engine/internal/pattern"
)

// SQLiteRepository provides access to a local SQLite database.
type SQLiteRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens a new connection to the SQLite database.
func NewSQLite(ctx context.Context, databasePath string, logger *slog.Logger) (*SQLiteRepository, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps busy errors away under concurrent cycles.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteRepository{
		db:     db,
		logger: logger.With("component", "repo_sqlite"),
	}, nil
}

// Close releases the database connection.
func (r *SQLiteRepository) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

// Ping ensures the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RunMigrations applies the files under sqlite/ in lexicographical order.
func (r *SQLiteRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	sub, err := fs.Sub(filesystem, "sqlite")
	if err != nil {
		return fmt.Errorf("open sqlite migrations: %w", err)
	}
	return applySQLiteMigrations(ctx, r.db, sub)
}

func (r *SQLiteRepository) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const sqliteCampaignColumns = `
c.id, c.owner_id, c.name, c.channel, c.status, c.lead_source, c.subject, c.template,
c.pattern_id, c.lead_cursor, c.lead_cursor_id, c.created_at, c.updated_at, p.definition
FROM campaigns c
LEFT JOIN recurring_patterns p ON p.id = c.pattern_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCampaign(row rowScanner) (campaign.Campaign, error) {
	var (
		c                        campaign.Campaign
		ch, status               string
		patternID, definition    sql.NullString
		cursor, created, updated string
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &ch, &status, &c.LeadSource, &c.Subject, &c.Template,
		&patternID, &cursor, &c.LeadCursor.LeadID, &created, &updated, &definition); err != nil {
		return campaign.Campaign{}, err
	}
	c.Channel = channel.Channel(ch)
	c.Status = campaign.Status(status)
	c.PatternID = patternID.String
	var err error
	if c.LeadCursor.CreatedAt, err = parseTime(cursor); err != nil {
		return campaign.Campaign{}, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return campaign.Campaign{}, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return campaign.Campaign{}, err
	}
	if definition.Valid && definition.String != "" {
		if c.Pattern, err = decodePattern([]byte(definition.String)); err != nil {
			return campaign.Campaign{}, err
		}
	}
	return c, nil
}

func collectSQLiteCampaigns(rows *sql.Rows) ([]campaign.Campaign, error) {
	defer rows.Close()
	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanSQLiteCampaign(rows)
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

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateCampaign stores a campaign and its pattern in one transaction.
func (r *SQLiteRepository) CreateCampaign(ctx context.Context, c campaign.Campaign) (campaign.Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if c.Pattern != nil {
			if c.Pattern.ID == "" {
				c.Pattern.ID = uuid.NewString()
			}
			c.Pattern.OwnerID = c.OwnerID
			def, err := encodePattern(*c.Pattern)
			if err != nil {
				return err
			}
			const qp = `
INSERT INTO recurring_patterns (id, owner_id, definition, active, current_occurrences, next_occurrence, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`
			if _, err := tx.ExecContext(ctx, qp, c.Pattern.ID, c.OwnerID, string(def), c.Pattern.Active,
				c.Pattern.CurrentOccurrences, nullableTime(c.Pattern.NextOccurrence), formatTime(now)); err != nil {
				return fmt.Errorf("insert pattern: %w", err)
			}
			c.PatternID = c.Pattern.ID
		}
		const q = `
INSERT INTO campaigns (id, owner_id, name, channel, status, lead_source, subject, template, pattern_id, lead_cursor, lead_cursor_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
		_, err := tx.ExecContext(ctx, q, c.ID, c.OwnerID, c.Name, string(c.Channel), string(c.Status), c.LeadSource,
			c.Subject, c.Template, nullableString(c.PatternID), formatTime(c.LeadCursor.CreatedAt), c.LeadCursor.LeadID,
			formatTime(now), formatTime(now))
		return err
	})
	if err != nil {
		return campaign.Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}
	return c, nil
}

func saveSQLitePattern(ctx context.Context, tx *sql.Tx, p pattern.RecurringPattern, guarded bool) error {
	def, err := encodePattern(p)
	if err != nil {
		return err
	}
	const q = `
UPDATE recurring_patterns
SET definition = ?, active = ?, current_occurrences = ?, next_occurrence = ?, updated_at = ?
WHERE id = ? AND (? = 0 OR current_occurrences = ?);
`
	res, err := tx.ExecContext(ctx, q, string(def), p.Active, p.CurrentOccurrences, nullableTime(p.NextOccurrence),
		formatTime(time.Now()), p.ID, guarded, p.CurrentOccurrences)
	if err != nil {
		return fmt.Errorf("update pattern: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if guarded {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM recurring_patterns WHERE id = ?;`, p.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check pattern: %w", err)
			}
			if exists > 0 {
				return campaign.ErrStaleState
			}
		}
		return fmt.Errorf("update pattern %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// GetCampaign loads one campaign with its pattern.
func (r *SQLiteRepository) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	c, err := scanSQLiteCampaign(r.db.QueryRowContext(ctx, `SELECT `+sqliteCampaignColumns+` WHERE c.id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, fmt.Errorf("get campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return campaign.Campaign{}, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// DueCampaigns returns active campaigns whose next occurrence is at or before now.
func (r *SQLiteRepository) DueCampaigns(ctx context.Context, now time.Time, limit int) ([]campaign.Campaign, error) {
	q := `SELECT ` + sqliteCampaignColumns + `
WHERE c.status = 'active'
  AND (c.pattern_id IS NULL OR (p.active = 1 AND p.next_occurrence <= ?))
ORDER BY COALESCE(p.next_occurrence, c.updated_at), c.id
LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due campaigns: %w", err)
	}
	return collectSQLiteCampaigns(rows)
}

// ListCampaignsByOwnerChannel returns the owner's campaigns on ch in the given status.
func (r *SQLiteRepository) ListCampaignsByOwnerChannel(ctx context.Context, ownerID string, ch channel.Channel, status campaign.Status) ([]campaign.Campaign, error) {
	q := `SELECT ` + sqliteCampaignColumns + `
WHERE c.owner_id = ? AND c.channel = ? AND c.status = ?
ORDER BY c.id;`
	rows, err := r.db.QueryContext(ctx, q, ownerID, string(ch), string(status))
	if err != nil {
		return nil, fmt.Errorf("list campaigns by owner: %w", err)
	}
	return collectSQLiteCampaigns(rows)
}

// UpdateCampaignState moves a campaign from one status to another with compare-and-set.
// A pattern is written only while its stored occurrence count matches p.
func (r *SQLiteRepository) UpdateCampaignState(ctx context.Context, id string, from, to campaign.Status, p *pattern.RecurringPattern) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ? AND status = ?;`,
			string(to), formatTime(time.Now()), id, string(from))
		if err != nil {
			return fmt.Errorf("update campaign status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM campaigns WHERE id = ?;`, id).Scan(&exists); err != nil {
				return fmt.Errorf("check campaign: %w", err)
			}
			if exists == 0 {
				return fmt.Errorf("update campaign %s: %w", id, ErrNotFound)
			}
			return campaign.ErrStaleState
		}
		if p != nil {
			return saveSQLitePattern(ctx, tx, *p, true)
		}
		return nil
	})
}

// SaveCampaignProgress stores the pattern state and lead cursor after a cycle.
func (r *SQLiteRepository) SaveCampaignProgress(ctx context.Context, id string, p *pattern.RecurringPattern, leadCursor campaign.Cursor) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE campaigns SET lead_cursor = ?, lead_cursor_id = ?, updated_at = ? WHERE id = ?;`,
			formatTime(leadCursor.CreatedAt), leadCursor.LeadID, formatTime(time.Now()), id)
		if err != nil {
			return fmt.Errorf("update lead cursor: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("save campaign progress %s: %w", id, ErrNotFound)
		}
		if p != nil {
			return saveSQLitePattern(ctx, tx, *p, false)
		}
		return nil
	})
}

// InsertLead stores a quiz lead.
func (r *SQLiteRepository) InsertLead(ctx context.Context, lead campaign.Lead) (campaign.Lead, error) {
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO leads (id, quiz_id, name, email, phone, created_at) VALUES (?, ?, ?, ?, ?, ?);`
	if _, err := r.db.ExecContext(ctx, q, lead.ID, lead.QuizID, lead.Name, lead.Email, lead.Phone, formatTime(lead.CreatedAt)); err != nil {
		return campaign.Lead{}, fmt.Errorf("insert lead: %w", err)
	}
	return lead, nil
}

// CandidateRecipients returns leads of the campaign's quiz positioned after the cursor.
func (r *SQLiteRepository) CandidateRecipients(ctx context.Context, c campaign.Campaign, after campaign.Cursor, limit int) ([]campaign.Lead, error) {
	const q = `
SELECT id, quiz_id, name, email, phone, created_at
FROM leads
WHERE quiz_id = ? AND (created_at > ? OR (created_at = ? AND id > ?))
ORDER BY created_at, id
LIMIT ?;
`
	at := formatTime(after.CreatedAt)
	rows, err := r.db.QueryContext(ctx, q, c.LeadSource, at, at, after.LeadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list candidate recipients: %w", err)
	}
	return collectSQLiteLeads(rows)
}

// FailedRecipients returns the leads whose latest delivery for the campaign failed.
func (r *SQLiteRepository) FailedRecipients(ctx context.Context, c campaign.Campaign, limit int) ([]campaign.Lead, error) {
	const q = `
SELECT l.id, l.quiz_id, l.name, l.email, l.phone, l.created_at
FROM delivery_logs d
JOIN leads l ON l.id = d.lead_id
WHERE d.campaign_id = ? AND d.status = 'failed'
ORDER BY l.created_at, l.id
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, c.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed recipients: %w", err)
	}
	return collectSQLiteLeads(rows)
}

func collectSQLiteLeads(rows *sql.Rows) ([]campaign.Lead, error) {
	defer rows.Close()
	var leads []campaign.Lead
	for rows.Next() {
		var (
			l       campaign.Lead
			created string
			err     error
		)
		if err = rows.Scan(&l.ID, &l.QuizID, &l.Name, &l.Email, &l.Phone, &created); err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		if l.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leads: %w", err)
	}
	return leads, nil
}

// UpsertDeliveryLog records the latest status for (campaign, normalized recipient).
func (r *SQLiteRepository) UpsertDeliveryLog(ctx context.Context, entry dispatch.DeliveryLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	const q = `
INSERT INTO delivery_logs (id, campaign_id, lead_id, recipient, normalized_recipient, channel, status, provider_id, error, attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (campaign_id, normalized_recipient) DO UPDATE SET
    lead_id = excluded.lead_id,
    recipient = excluded.recipient,
    status = excluded.status,
    provider_id = excluded.provider_id,
    error = excluded.error,
    attempts = excluded.attempts,
    updated_at = excluded.updated_at;
`
	_, err := r.db.ExecContext(ctx, q, entry.ID, entry.CampaignID, entry.LeadID, entry.Recipient, entry.NormalizedRecipient,
		string(entry.Channel), string(entry.Status), entry.ProviderID, entry.Error, entry.Attempts,
		formatTime(entry.CreatedAt), formatTime(entry.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert delivery log: %w", err)
	}
	return nil
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ListDeliveryLogs returns the rows of a campaign, or of all campaigns when campaignID is empty.
func (r *SQLiteRepository) ListDeliveryLogs(ctx context.Context, campaignID string) ([]dispatch.DeliveryLog, error) {
	return listSQLiteDeliveryLogs(ctx, r.db, campaignID)
}

func listSQLiteDeliveryLogs(ctx context.Context, q sqlQuerier, campaignID string) ([]dispatch.DeliveryLog, error) {
	const query = `
SELECT id, campaign_id, lead_id, recipient, normalized_recipient, channel, status, provider_id, error, attempts, created_at, updated_at
FROM delivery_logs
WHERE ? = '' OR campaign_id = ?
ORDER BY campaign_id, created_at, id;
`
	rows, err := q.QueryContext(ctx, query, campaignID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list delivery logs: %w", err)
	}
	defer rows.Close()

	var out []dispatch.DeliveryLog
	for rows.Next() {
		var (
			e                            dispatch.DeliveryLog
			ch, status, created, updated string
		)
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.LeadID, &e.Recipient, &e.NormalizedRecipient, &ch, &status,
			&e.ProviderID, &e.Error, &e.Attempts, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		e.Channel = channel.Channel(ch)
		e.Status = dispatch.Status(status)
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if e.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery logs: %w", err)
	}
	return out, nil
}

// DeliveredRecipients lists normalized recipients with a pending or sent row.
func (r *SQLiteRepository) DeliveredRecipients(ctx context.Context, campaignID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT normalized_recipient
FROM delivery_logs
WHERE campaign_id = ? AND status IN ('pending', 'sent');
`, campaignID)
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
// recent row per (campaign, recipient).
func (r *SQLiteRepository) CoalesceDeliveryLogs(ctx context.Context, campaignID string) (int64, error) {
	var removed int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := listSQLiteDeliveryLogs(ctx, tx, campaignID)
		if err != nil {
			return err
		}
		renamed, drop := coalesceRows(rows)
		for _, id := range drop {
			res, err := tx.ExecContext(ctx, `DELETE FROM delivery_logs WHERE id = ?;`, id)
			if err != nil {
				return fmt.Errorf("delete duplicate delivery log: %w", err)
			}
			n, _ := res.RowsAffected()
			removed += n
		}
		for _, row := range renamed {
			if _, err := tx.ExecContext(ctx, `UPDATE delivery_logs SET normalized_recipient = ? WHERE id = ?;`, "~"+row.ID, row.ID); err != nil {
				return fmt.Errorf("stage delivery log rename: %w", err)
			}
		}
		for _, row := range renamed {
			if _, err := tx.ExecContext(ctx, `UPDATE delivery_logs SET normalized_recipient = ? WHERE id = ?;`, row.NormalizedRecipient, row.ID); err != nil {
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

var _ Repository = (*SQLiteRepository)(nil)
