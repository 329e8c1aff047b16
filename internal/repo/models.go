package repo

import (
	"encoding/json"
	"fmt"
	"time"

	"followup-engine/internal/dedup"
	"followup-engine/internal/dispatch"
	"followup-engine/internal/pattern"
)

// timeLayout is fixed width so stored timestamps sort lexically in SQLite.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func encodePattern(p pattern.RecurringPattern) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode pattern: %w", err)
	}
	return data, nil
}

func decodePattern(data []byte) (*pattern.RecurringPattern, error) {
	var p pattern.RecurringPattern
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode pattern: %w", err)
	}
	return &p, nil
}

// nextOccurrenceArg returns the value mirrored into the next_occurrence column.
func nextOccurrenceArg(p pattern.RecurringPattern) *time.Time {
	if p.NextOccurrence == nil {
		return nil
	}
	t := p.NextOccurrence.UTC()
	return &t
}

// coalesceRows re-normalizes recipients and keeps one row per (campaign, recipient).
// Winners whose stored normalized value is outdated are returned in renamed.
func coalesceRows(rows []dispatch.DeliveryLog) (renamed []dispatch.DeliveryLog, removed []string) {
	records := make([]dedup.Record, len(rows))
	byID := make(map[string]dispatch.DeliveryLog, len(rows))
	for i, row := range rows {
		records[i] = dedup.Record{
			ID:         row.ID,
			CampaignID: row.CampaignID,
			Recipient:  dedup.Normalize(row.Channel, row.Recipient),
			Status:     string(row.Status),
			CreatedAt:  row.CreatedAt,
			UpdatedAt:  row.UpdatedAt,
		}
		byID[row.ID] = row
	}
	keep, removed := dedup.Collapse(records)
	for _, rec := range keep {
		row := byID[rec.ID]
		if row.NormalizedRecipient != rec.Recipient {
			row.NormalizedRecipient = rec.Recipient
			renamed = append(renamed, row)
		}
	}
	return renamed, removed
}
