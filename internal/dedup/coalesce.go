package dedup

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Record is the part of a delivery log row that coalescing looks at.
type Record struct {
	ID         string
	CampaignID string
	Recipient  string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Collapse keeps exactly one record per (campaign, recipient): the most recently updated,
// then most recently created, then highest ID. It returns the kept records in input order
// and the IDs of the rest.
func Collapse(records []Record) (keep []Record, removed []string) {
	best := make(map[[2]string]int, len(records))
	for i, rec := range records {
		k := [2]string{rec.CampaignID, rec.Recipient}
		j, ok := best[k]
		if !ok || newer(rec, records[j]) {
			best[k] = i
		}
	}
	winners := make(map[int]struct{}, len(best))
	for _, i := range best {
		winners[i] = struct{}{}
	}
	for i, rec := range records {
		if _, ok := winners[i]; ok {
			keep = append(keep, rec)
			continue
		}
		removed = append(removed, rec.ID)
	}
	sort.Strings(removed)
	return keep, removed
}

func newer(a, b Record) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// Coalescer collapses duplicate delivery log rows. An empty campaignID covers every campaign.
type Coalescer interface {
	CoalesceDeliveryLogs(ctx context.Context, campaignID string) (int64, error)
}

// Coalesce runs the store maintenance and drops cached claims for the campaign so the
// next cycle reseeds them from the collapsed log.
func Coalesce(ctx context.Context, store Coalescer, idx Index, campaignID string) (int64, error) {
	removed, err := store.CoalesceDeliveryLogs(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("coalesce delivery logs: %w", err)
	}
	if idx != nil && campaignID != "" {
		if err := idx.Forget(ctx, campaignID); err != nil {
			return removed, fmt.Errorf("forget dedup index: %w", err)
		}
	}
	return removed, nil
}
