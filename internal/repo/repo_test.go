package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followup-engine/internal/campaign"
	"followup-engine/internal/channel"
	"followup-engine/internal/credit"
	"followup-engine/internal/dispatch"
	"followup-engine/internal/logging"
	"followup-engine/internal/pattern"
	"followup-engine/migrations"
)

const phoneDigits = "15550109999"

// legacyVariants returns ten distinct spellings of one phone number.
func legacyVariants() []string {
	out := make([]string, 10)
	for i := range out {
		out[i] = phoneDigits[:i+1] + " " + phoneDigits[i+1:]
	}
	return out
}

func newSQLite(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	r, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "test.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.NoError(t, r.RunMigrations(ctx, migrations.Files))
	return r
}

func repositories(t *testing.T) map[string]Repository {
	return map[string]Repository{
		"memory": NewMemory(),
		"sqlite": newSQLite(t),
	}
}

func weekly(next time.Time) *pattern.RecurringPattern {
	return &pattern.RecurringPattern{
		Type:           pattern.TypeWeekly,
		Frequency:      1,
		TimeOfDay:      "09:00",
		Weekdays:       []time.Weekday{time.Monday},
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Active:         true,
		NextOccurrence: &next,
	}
}

func TestCampaignLifecycle(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	for name, r := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			due, err := r.CreateCampaign(ctx, campaign.Campaign{OwnerID: "u1", Name: "due", Channel: channel.SMS, Status: campaign.StatusActive, LeadSource: "q1", Template: "hi", Pattern: weekly(now.Add(-time.Hour))})
			require.NoError(t, err)
			_, err = r.CreateCampaign(ctx, campaign.Campaign{OwnerID: "u1", Name: "later", Channel: channel.SMS, Status: campaign.StatusActive, LeadSource: "q1", Template: "hi", Pattern: weekly(now.Add(time.Hour))})
			require.NoError(t, err)
			always, err := r.CreateCampaign(ctx, campaign.Campaign{OwnerID: "u1", Name: "always", Channel: channel.Email, Status: campaign.StatusActive, LeadSource: "q1", Template: "hi"})
			require.NoError(t, err)

			list, err := r.DueCampaigns(ctx, now, 10)
			require.NoError(t, err)
			ids := []string{}
			for _, c := range list {
				ids = append(ids, c.ID)
			}
			assert.ElementsMatch(t, []string{due.ID, always.ID}, ids)

			got, err := r.GetCampaign(ctx, due.ID)
			require.NoError(t, err)
			require.NotNil(t, got.Pattern)
			assert.Equal(t, due.PatternID, got.PatternID)
			assert.Equal(t, []time.Weekday{time.Monday}, got.Pattern.Weekdays)

			require.NoError(t, r.UpdateCampaignState(ctx, due.ID, campaign.StatusActive, campaign.StatusPaused, nil))
			err = r.UpdateCampaignState(ctx, due.ID, campaign.StatusActive, campaign.StatusPaused, nil)
			assert.ErrorIs(t, err, campaign.ErrStaleState)
			err = r.UpdateCampaignState(ctx, "00000000-0000-0000-0000-000000000000", campaign.StatusActive, campaign.StatusPaused, nil)
			assert.ErrorIs(t, err, ErrNotFound)

			paused, err := r.ListCampaignsByOwnerChannel(ctx, "u1", channel.SMS, campaign.StatusPaused)
			require.NoError(t, err)
			require.Len(t, paused, 1)
			assert.Equal(t, due.ID, paused[0].ID)

			p := *got.Pattern
			p.CurrentOccurrences = 2
			next := now.Add(7 * 24 * time.Hour)
			p.NextOccurrence = &next
			cursor := campaign.Cursor{CreatedAt: now.Add(-time.Minute), LeadID: "lead-7"}
			require.NoError(t, r.SaveCampaignProgress(ctx, due.ID, &p, cursor))
			got, err = r.GetCampaign(ctx, due.ID)
			require.NoError(t, err)
			assert.Equal(t, campaign.StatusPaused, got.Status, "progress does not touch status")
			assert.Equal(t, 2, got.Pattern.CurrentOccurrences)
			assert.True(t, cursor.CreatedAt.Equal(got.LeadCursor.CreatedAt))
			assert.Equal(t, "lead-7", got.LeadCursor.LeadID)

			// A pattern write built from an older occurrence count is refused.
			stale := *got.Pattern
			stale.CurrentOccurrences = 1
			err = r.UpdateCampaignState(ctx, due.ID, campaign.StatusPaused, campaign.StatusActive, &stale)
			assert.ErrorIs(t, err, campaign.ErrStaleState)
			got, err = r.GetCampaign(ctx, due.ID)
			require.NoError(t, err)
			assert.Equal(t, campaign.StatusPaused, got.Status)
			assert.Equal(t, 2, got.Pattern.CurrentOccurrences)

			current := *got.Pattern
			require.NoError(t, r.UpdateCampaignState(ctx, due.ID, campaign.StatusPaused, campaign.StatusActive, &current))

			_, err = r.GetCampaign(ctx, "00000000-0000-0000-0000-000000000000")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCandidateRecipientsOrder(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for name, r := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, l := range []campaign.Lead{
				{ID: "b", QuizID: "q1", Phone: "2", CreatedAt: base.Add(time.Minute)},
				{ID: "a", QuizID: "q1", Phone: "1", CreatedAt: base.Add(time.Minute)},
				{ID: "c", QuizID: "q1", Phone: "3", CreatedAt: base},
				{ID: "d", QuizID: "q2", Phone: "4", CreatedAt: base},
				{ID: "e", QuizID: "q1", Phone: "5", CreatedAt: base.Add(-time.Hour)},
			} {
				_, err := r.InsertLead(ctx, l)
				require.NoError(t, err)
			}

			leads, err := r.CandidateRecipients(ctx, campaign.Campaign{LeadSource: "q1"}, campaign.CursorAt(base), 10)
			require.NoError(t, err)
			var ids []string
			for _, l := range leads {
				ids = append(ids, l.ID)
			}
			assert.Equal(t, []string{"c", "a", "b"}, ids)

			leads, err = r.CandidateRecipients(ctx, campaign.Campaign{LeadSource: "q1"}, campaign.CursorAt(base), 2)
			require.NoError(t, err)
			assert.Len(t, leads, 2)

			// Keyset paging walks through leads sharing one timestamp.
			leads, err = r.CandidateRecipients(ctx, campaign.Campaign{LeadSource: "q1"}, campaign.Cursor{CreatedAt: base.Add(time.Minute), LeadID: "a"}, 10)
			require.NoError(t, err)
			require.Len(t, leads, 1)
			assert.Equal(t, "b", leads[0].ID)
		})
	}
}

func TestFailedRecipients(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for name, r := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := seedCampaign(t, r)
			lead, err := r.InsertLead(ctx, campaign.Lead{QuizID: "q1", Phone: "+15550000001", CreatedAt: at})
			require.NoError(t, err)
			other, err := r.InsertLead(ctx, campaign.Lead{QuizID: "q1", Phone: "+15550000002", CreatedAt: at})
			require.NoError(t, err)

			entry := dispatch.DeliveryLog{CampaignID: id, LeadID: lead.ID, Recipient: lead.Phone, NormalizedRecipient: "15550000001", Channel: channel.SMS, Status: dispatch.StatusFailed, CreatedAt: at, UpdatedAt: at}
			require.NoError(t, r.UpsertDeliveryLog(ctx, entry))
			require.NoError(t, r.UpsertDeliveryLog(ctx, dispatch.DeliveryLog{CampaignID: id, LeadID: other.ID, Recipient: other.Phone, NormalizedRecipient: "15550000002", Channel: channel.SMS, Status: dispatch.StatusSent, CreatedAt: at, UpdatedAt: at}))

			cmp, err := r.GetCampaign(ctx, id)
			require.NoError(t, err)
			failed, err := r.FailedRecipients(ctx, cmp, 10)
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.Equal(t, lead.ID, failed[0].ID)

			rows, err := r.ListDeliveryLogs(ctx, id)
			require.NoError(t, err)
			for _, row := range rows {
				if row.NormalizedRecipient == "15550000001" {
					assert.Equal(t, lead.ID, row.LeadID)
				}
			}

			entry.Status = dispatch.StatusSent
			entry.UpdatedAt = at.Add(time.Minute)
			require.NoError(t, r.UpsertDeliveryLog(ctx, entry))
			failed, err = r.FailedRecipients(ctx, cmp, 10)
			require.NoError(t, err)
			assert.Empty(t, failed)
		})
	}
}

func seedCampaign(t *testing.T, r Repository) string {
	t.Helper()
	c, err := r.CreateCampaign(context.Background(), campaign.Campaign{OwnerID: "u1", Channel: channel.SMS, Status: campaign.StatusActive, LeadSource: "q1", Template: "hi"})
	require.NoError(t, err)
	return c.ID
}

func TestDeliveryLogUpsertCollapses(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for name, r := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := seedCampaign(t, r)
			entry := dispatch.DeliveryLog{CampaignID: id, Recipient: "+" + phoneDigits, NormalizedRecipient: phoneDigits, Channel: channel.SMS, Status: dispatch.StatusPending, CreatedAt: at, UpdatedAt: at}
			require.NoError(t, r.UpsertDeliveryLog(ctx, entry))

			delivered, err := r.DeliveredRecipients(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, []string{phoneDigits}, delivered)

			entry.Status = dispatch.StatusFailed
			entry.Attempts = 3
			entry.UpdatedAt = at.Add(time.Minute)
			require.NoError(t, r.UpsertDeliveryLog(ctx, entry))

			rows, err := r.ListDeliveryLogs(ctx, id)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, dispatch.StatusFailed, rows[0].Status)
			assert.Equal(t, 3, rows[0].Attempts)

			delivered, err = r.DeliveredRecipients(ctx, id)
			require.NoError(t, err)
			assert.Empty(t, delivered, "failed rows are not dedup members")
		})
	}
}

func TestCoalesceLegacyDuplicates(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for name, r := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := seedCampaign(t, r)
			for i, raw := range legacyVariants() {
				status := dispatch.StatusFailed
				updated := base.Add(time.Duration(i) * time.Minute)
				if i == 4 {
					status = dispatch.StatusSent
					updated = base.Add(time.Hour)
				}
				require.NoError(t, r.UpsertDeliveryLog(ctx, dispatch.DeliveryLog{
					CampaignID:          id,
					Recipient:           raw,
					NormalizedRecipient: raw,
					Channel:             channel.SMS,
					Status:              status,
					CreatedAt:           base,
					UpdatedAt:           updated,
				}))
			}

			removed, err := r.CoalesceDeliveryLogs(ctx, id)
			require.NoError(t, err)
			assert.EqualValues(t, 9, removed)

			rows, err := r.ListDeliveryLogs(ctx, id)
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, dispatch.StatusSent, rows[0].Status)
			assert.Equal(t, phoneDigits, rows[0].NormalizedRecipient)

			removed, err = r.CoalesceDeliveryLogs(ctx, id)
			require.NoError(t, err)
			assert.Zero(t, removed)
		})
	}
}

func TestCreditStore(t *testing.T) {
	for name, r := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bal, err := r.LoadBalance(ctx, "u1", channel.SMS)
			require.NoError(t, err)
			assert.Zero(t, bal.Credits)

			ledger := credit.NewLedger(r, logging.Discard(), nil)
			_, err = ledger.Credit(ctx, "u1", channel.SMS, 5, "topup")
			require.NoError(t, err)
			granted, remaining, err := ledger.Admit(ctx, "u1", channel.SMS, 3)
			require.NoError(t, err)
			assert.EqualValues(t, 3, granted)
			assert.EqualValues(t, 2, remaining)

			bal, err = r.LoadBalance(ctx, "u1", channel.SMS)
			require.NoError(t, err)
			assert.EqualValues(t, 2, bal.Credits)
		})
	}
}
