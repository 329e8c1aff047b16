package repo

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"followup-engine/internal/campaign"
	"followup-engine/internal/channel"
	"followup-engine/internal/credit"
	"followup-engine/internal/dispatch"
	"followup-engine/internal/pattern"
)

// MemoryRepository keeps everything in process memory. It backs tests and dry runs.
type MemoryRepository struct {
	mu        sync.Mutex
	campaigns map[string]campaign.Campaign
	leads     []campaign.Lead
	logs      []dispatch.DeliveryLog
	balances  *credit.MemoryStore
}

// NewMemory returns an empty MemoryRepository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		campaigns: make(map[string]campaign.Campaign),
		balances:  credit.NewMemoryStore(),
	}
}

func (r *MemoryRepository) Close() {}
func (r *MemoryRepository) Ping(context.Context) error { return nil }
func (r *MemoryRepository) RunMigrations(context.Context, fs.FS) error { return nil }

func clonePattern(p *pattern.RecurringPattern) *pattern.RecurringPattern {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Weekdays = append([]time.Weekday(nil), p.Weekdays...)
	cp.MonthDays = append([]int(nil), p.MonthDays...)
	cp.CustomDays = append([]int(nil), p.CustomDays...)
	cp.ExceptionDates = append([]string(nil), p.ExceptionDates...)
	return &cp
}

func cloneCampaign(c campaign.Campaign) campaign.Campaign {
	c.Pattern = clonePattern(c.Pattern)
	return c
}

func (r *MemoryRepository) CreateCampaign(_ context.Context, c campaign.Campaign) (campaign.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := r.campaigns[c.ID]; exists {
		return campaign.Campaign{}, fmt.Errorf("insert campaign: duplicate id %s", c.ID)
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.Pattern != nil {
		if c.Pattern.ID == "" {
			c.Pattern.ID = uuid.NewString()
		}
		c.PatternID = c.Pattern.ID
	}
	r.campaigns[c.ID] = cloneCampaign(c)
	return cloneCampaign(c), nil
}

func (r *MemoryRepository) GetCampaign(_ context.Context, id string) (campaign.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return campaign.Campaign{}, fmt.Errorf("get campaign %s: %w", id, ErrNotFound)
	}
	return cloneCampaign(c), nil
}

func (r *MemoryRepository) DueCampaigns(_ context.Context, now time.Time, limit int) ([]campaign.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []campaign.Campaign
	for _, c := range r.campaigns {
		if c.Due(now) {
			due = append(due, cloneCampaign(c))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *MemoryRepository) ListCampaignsByOwnerChannel(_ context.Context, ownerID string, ch channel.Channel, status campaign.Status) ([]campaign.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []campaign.Campaign
	for _, c := range r.campaigns {
		if c.OwnerID == ownerID && c.Channel == ch && c.Status == status {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) UpdateCampaignState(_ context.Context, id string, from, to campaign.Status, p *pattern.RecurringPattern) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return fmt.Errorf("update campaign %s: %w", id, ErrNotFound)
	}
	if c.Status != from {
		return campaign.ErrStaleState
	}
	if p != nil && c.Pattern != nil && c.Pattern.CurrentOccurrences != p.CurrentOccurrences {
		return campaign.ErrStaleState
	}
	c.Status = to
	if p != nil {
		c.Pattern = clonePattern(p)
	}
	c.UpdatedAt = time.Now().UTC()
	r.campaigns[id] = c
	return nil
}

func (r *MemoryRepository) SaveCampaignProgress(_ context.Context, id string, p *pattern.RecurringPattern, leadCursor campaign.Cursor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return fmt.Errorf("save campaign progress %s: %w", id, ErrNotFound)
	}
	if p != nil {
		c.Pattern = clonePattern(p)
	}
	c.LeadCursor = leadCursor
	c.UpdatedAt = time.Now().UTC()
	r.campaigns[id] = c
	return nil
}

func (r *MemoryRepository) InsertLead(_ context.Context, lead campaign.Lead) (campaign.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now().UTC()
	}
	r.leads = append(r.leads, lead)
	return lead, nil
}

func (r *MemoryRepository) CandidateRecipients(_ context.Context, c campaign.Campaign, after campaign.Cursor, limit int) ([]campaign.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []campaign.Lead
	for _, l := range r.leads {
		if l.QuizID == c.LeadSource && after.Before(l) {
			out = append(out, l)
		}
	}
	return sortLeads(out, limit), nil
}

func (r *MemoryRepository) FailedRecipients(_ context.Context, c campaign.Campaign, limit int) ([]campaign.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	failed := make(map[string]struct{})
	for _, row := range r.logs {
		if row.CampaignID == c.ID && row.Status == dispatch.StatusFailed && row.LeadID != "" {
			failed[row.LeadID] = struct{}{}
		}
	}
	var out []campaign.Lead
	for _, l := range r.leads {
		if _, ok := failed[l.ID]; ok {
			out = append(out, l)
		}
	}
	return sortLeads(out, limit), nil
}

func sortLeads(out []campaign.Lead, limit int) []campaign.Lead {
	sort.Slice(out, func(i, j int) bool {
		return campaign.CursorOf(out[i]).Before(out[j])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryRepository) UpsertDeliveryLog(_ context.Context, entry dispatch.DeliveryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, row := range r.logs {
		if row.CampaignID == entry.CampaignID && row.NormalizedRecipient == entry.NormalizedRecipient {
			entry.ID = row.ID
			entry.CreatedAt = row.CreatedAt
			r.logs[i] = entry
			return nil
		}
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	r.logs = append(r.logs, entry)
	return nil
}

// SeedDeliveryLog appends a row without the uniqueness check, the way legacy imports land.
func (r *MemoryRepository) SeedDeliveryLog(entry dispatch.DeliveryLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	r.logs = append(r.logs, entry)
}

func (r *MemoryRepository) ListDeliveryLogs(_ context.Context, campaignID string) ([]dispatch.DeliveryLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []dispatch.DeliveryLog
	for _, row := range r.logs {
		if campaignID == "" || row.CampaignID == campaignID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *MemoryRepository) DeliveredRecipients(_ context.Context, campaignID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, row := range r.logs {
		if row.CampaignID == campaignID && (row.Status == dispatch.StatusPending || row.Status == dispatch.StatusSent) {
			out = append(out, row.NormalizedRecipient)
		}
	}
	return out, nil
}

func (r *MemoryRepository) CoalesceDeliveryLogs(_ context.Context, campaignID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var scope []dispatch.DeliveryLog
	for _, row := range r.logs {
		if campaignID == "" || row.CampaignID == campaignID {
			scope = append(scope, row)
		}
	}
	renamed, removed := coalesceRows(scope)

	drop := make(map[string]struct{}, len(removed))
	for _, id := range removed {
		drop[id] = struct{}{}
	}
	rename := make(map[string]string, len(renamed))
	for _, row := range renamed {
		rename[row.ID] = row.NormalizedRecipient
	}
	kept := r.logs[:0]
	for _, row := range r.logs {
		if _, ok := drop[row.ID]; ok {
			continue
		}
		if norm, ok := rename[row.ID]; ok {
			row.NormalizedRecipient = norm
		}
		kept = append(kept, row)
	}
	r.logs = kept
	return int64(len(removed)), nil
}

func (r *MemoryRepository) LoadBalance(ctx context.Context, userID string, ch channel.Channel) (credit.Balance, error) {
	return r.balances.LoadBalance(ctx, userID, ch)
}

func (r *MemoryRepository) SaveBalance(ctx context.Context, bal credit.Balance, tx credit.Transaction) error {
	return r.balances.SaveBalance(ctx, bal, tx)
}

// SetBalance seeds a balance without an audit record.
func (r *MemoryRepository) SetBalance(userID string, ch channel.Channel, credits int64) {
	r.balances.Set(userID, ch, credits)
}

var _ Repository = (*MemoryRepository)(nil)
