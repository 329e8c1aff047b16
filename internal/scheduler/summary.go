package scheduler

import (
	"context"
	"sync"
	"time"

	"followup-engine/internal/cache"
)

// CampaignResult reports one campaign's pass through a cycle.
type CampaignResult struct {
	CampaignID string `json:"campaign_id"`
	Candidates int    `json:"candidates"`
	Retried    int    `json:"retried"`
	Duplicates int    `json:"duplicates"`
	Granted    int    `json:"granted"`
	Deferred   int    `json:"deferred"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Refunded   int64  `json:"refunded"`
	Completed  bool   `json:"completed"`
	Held       bool   `json:"held,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CycleSummary reports one detection cycle.
type CycleSummary struct {
	ID         string           `json:"id"`
	Trigger    string           `json:"trigger"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Due        int              `json:"due"`
	Processed  int              `json:"processed"`
	Busy       int              `json:"busy"`
	Errors     int              `json:"errors"`
	Sent       int              `json:"sent"`
	Failed     int              `json:"failed"`
	Deferred   int              `json:"deferred"`
	Completed  int              `json:"completed"`
	Campaigns  []CampaignResult `json:"campaigns,omitempty"`
}

func (s *CycleSummary) add(r CampaignResult) {
	s.Processed++
	s.Sent += r.Sent
	s.Failed += r.Failed
	s.Deferred += r.Deferred
	if r.Completed {
		s.Completed++
	}
	if r.Error != "" {
		s.Errors++
	}
	s.Campaigns = append(s.Campaigns, r)
}

// SummaryStore keeps the latest cycle summary for the status endpoint.
type SummaryStore interface {
	SaveSummary(ctx context.Context, s CycleSummary) error
	LastSummary(ctx context.Context) (CycleSummary, bool, error)
}

// MemorySummaries keeps the latest summary in process memory.
type MemorySummaries struct {
	mu   sync.RWMutex
	last *CycleSummary
}

func (m *MemorySummaries) SaveSummary(_ context.Context, s CycleSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = &s
	return nil
}

func (m *MemorySummaries) LastSummary(context.Context) (CycleSummary, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return CycleSummary{}, false, nil
	}
	return *m.last, true, nil
}

// RedisSummaries stores the latest summary as JSON under a single key.
type RedisSummaries struct {
	redis *cache.Redis
	key   string
	ttl   time.Duration
}

// NewRedisSummaries builds a RedisSummaries.
func NewRedisSummaries(r *cache.Redis, key string, ttl time.Duration) *RedisSummaries {
	return &RedisSummaries{redis: r, key: key, ttl: ttl}
}

func (r *RedisSummaries) SaveSummary(ctx context.Context, s CycleSummary) error {
	return r.redis.SetJSON(ctx, r.key, s, r.ttl)
}

func (r *RedisSummaries) LastSummary(ctx context.Context) (CycleSummary, bool, error) {
	var s CycleSummary
	ok, err := r.redis.GetJSON(ctx, r.key, &s)
	return s, ok, err
}
