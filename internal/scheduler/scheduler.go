package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"followup-engine/internal/campaign"
	"followup-engine/internal/channel"
	"followup-engine/internal/config"
	"followup-engine/internal/dedup"
	"followup-engine/internal/dispatch"
	"followup-engine/internal/events"
	"followup-engine/internal/metrics"
	"followup-engine/internal/pattern"
)

// ErrCampaignBusy is returned by ForceCycle when the campaign is already mid-cycle.
var ErrCampaignBusy = errors.New("campaign cycle already running")

// ErrNotActive is returned by ForceCycle for paused or completed campaigns.
var ErrNotActive = errors.New("campaign is not active")

const (
	triggerTimer  = "timer"
	triggerManual = "manual"
)

// Store is the storage the scheduler reads campaigns and leads from.
type Store interface {
	DueCampaigns(ctx context.Context, now time.Time, limit int) ([]campaign.Campaign, error)
	GetCampaign(ctx context.Context, id string) (campaign.Campaign, error)
	CandidateRecipients(ctx context.Context, c campaign.Campaign, after campaign.Cursor, limit int) ([]campaign.Lead, error)
	// FailedRecipients lists leads whose last delivery for the campaign failed.
	FailedRecipients(ctx context.Context, c campaign.Campaign, limit int) ([]campaign.Lead, error)
	DeliveredRecipients(ctx context.Context, campaignID string) ([]string, error)
	// SaveCampaignProgress stores the pattern and lead cursor without touching the status.
	SaveCampaignProgress(ctx context.Context, campaignID string, p *pattern.RecurringPattern, leadCursor campaign.Cursor) error
}

// Ledger admits and refunds credits.
type Ledger interface {
	Admit(ctx context.Context, userID string, ch channel.Channel, want int64) (int64, int64, error)
	Credit(ctx context.Context, userID string, ch channel.Channel, amount int64, reason string) (int64, error)
}

// Dispatcher sends a granted job.
type Dispatcher interface {
	Dispatch(ctx context.Context, job dispatch.Job) dispatch.Report
}

// Completer finishes exhausted campaigns.
type Completer interface {
	Complete(ctx context.Context, c campaign.Campaign, p *pattern.RecurringPattern) error
}

// Deps wires the scheduler to its collaborators.
type Deps struct {
	Store      Store
	Ledger     Ledger
	Index      dedup.Index
	Dispatcher Dispatcher
	Campaigns  Completer
	Tuning     config.TuningSource
	Publisher  events.Publisher
	Summaries  SummaryStore
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Scheduler runs detection cycles on a timer. A campaign is never processed by two
// cycles at once; overlapping ticks skip campaigns that are still running.
type Scheduler struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}

	runMu   sync.Mutex
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	cycleWG sync.WaitGroup
}

// New builds a Scheduler.
func New(deps Deps) *Scheduler {
	if deps.Publisher == nil {
		deps.Publisher = events.Discard{}
	}
	if deps.Summaries == nil {
		deps.Summaries = &MemorySummaries{}
	}
	if deps.Tuning == nil {
		deps.Tuning = config.Static(config.DefaultTuning())
	}
	return &Scheduler{
		deps:     deps,
		logger:   deps.Logger.With("component", "scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Start launches the timer loop. Each tick runs in its own goroutine so a slow cycle
// never delays the next tick. The interval is re-read after every tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	interval := s.deps.Tuning.Current().DetectionInterval
	s.logger.Info("scheduler started", "interval", interval)

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-timer.C:
			}

			s.cycleWG.Add(1)
			go func() {
				defer s.cycleWG.Done()
				if _, err := s.RunCycle(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("detection cycle failed", "error", err)
				}
			}()

			next := s.deps.Tuning.Current().DetectionInterval
			if next != interval {
				s.logger.Info("detection interval changed", "from", interval, "to", next)
				interval = next
			}
			timer.Reset(interval)
		}
	}()
	return nil
}

// Stop halts the timer and waits for running cycles until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		s.cycleWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running cycles: %w", ctx.Err())
	}
}

// RunCycle performs one timer-style pass over due campaigns.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleSummary, error) {
	return s.cycle(ctx, triggerTimer)
}

// ForceCycle runs an immediate pass. With an empty campaignID it behaves like a timer
// tick; otherwise it runs that campaign now, due or not, and reports ErrCampaignBusy
// when a cycle already holds it.
func (s *Scheduler) ForceCycle(ctx context.Context, campaignID string) (CycleSummary, error) {
	if campaignID == "" {
		return s.cycle(ctx, triggerManual)
	}

	tuning := s.deps.Tuning.Current()
	summary := s.startSummary(triggerManual)

	cmp, err := s.deps.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return summary, fmt.Errorf("get campaign %s: %w", campaignID, err)
	}
	if cmp.Status != campaign.StatusActive {
		return summary, fmt.Errorf("%w: %s is %s", ErrNotActive, campaignID, cmp.Status)
	}
	if !s.acquire(campaignID) {
		return summary, ErrCampaignBusy
	}
	defer s.release(campaignID)

	summary.Due = 1
	summary.add(s.process(ctx, cmp, tuning, summary.StartedAt, summary.ID))
	s.finish(ctx, &summary)
	return summary, nil
}

func (s *Scheduler) cycle(ctx context.Context, trigger string) (CycleSummary, error) {
	tuning := s.deps.Tuning.Current()
	summary := s.startSummary(trigger)

	due, err := s.deps.Store.DueCampaigns(ctx, summary.StartedAt, tuning.MaxCampaignsPerCycle)
	if err != nil {
		s.countError()
		if s.deps.Metrics != nil {
			s.deps.Metrics.Cycles.WithLabelValues(trigger, "error").Inc()
		}
		return summary, fmt.Errorf("load due campaigns: %w", err)
	}
	summary.Due = len(due)

	startedAt, cycleID := summary.StartedAt, summary.ID
	results := make([]*CampaignResult, len(due))
	sem := make(chan struct{}, max(tuning.BatchSize, 1))
	var wg sync.WaitGroup
	for i, cmp := range due {
		if !s.acquire(cmp.ID) {
			s.logger.Debug("campaign busy, skipping", "campaign_id", cmp.ID, "cycle_id", summary.ID)
			summary.Busy++
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			s.release(cmp.ID)
			wg.Wait()
			return summary, ctx.Err()
		}
		wg.Add(1)
		go func(i int, cmp campaign.Campaign) {
			defer wg.Done()
			defer func() { <-sem }()
			defer s.release(cmp.ID)
			r := s.process(ctx, cmp, tuning, startedAt, cycleID)
			results[i] = &r
		}(i, cmp)
	}
	wg.Wait()

	for _, r := range results {
		if r != nil {
			summary.add(*r)
		}
	}
	s.finish(ctx, &summary)
	return summary, nil
}

func (s *Scheduler) startSummary(trigger string) CycleSummary {
	return CycleSummary{ID: uuid.NewString(), Trigger: trigger, StartedAt: s.now()}
}

func (s *Scheduler) finish(ctx context.Context, summary *CycleSummary) {
	summary.FinishedAt = s.now()
	if m := s.deps.Metrics; m != nil {
		outcome := "ok"
		if summary.Errors > 0 {
			outcome = "partial"
		}
		m.Cycles.WithLabelValues(summary.Trigger, outcome).Inc()
		m.CycleDuration.WithLabelValues(summary.Trigger).Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())
	}

	s.logger.Info("detection cycle finished",
		"cycle_id", summary.ID,
		"trigger", summary.Trigger,
		"due", summary.Due,
		"processed", summary.Processed,
		"busy", summary.Busy,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"deferred", summary.Deferred,
		"completed", summary.Completed,
		"errors", summary.Errors,
	)

	bg := context.WithoutCancel(ctx)
	if err := s.deps.Summaries.SaveSummary(bg, *summary); err != nil {
		s.logger.Warn("save cycle summary failed", "cycle_id", summary.ID, "error", err)
	}
	if err := s.deps.Publisher.Publish(bg, events.New(events.CycleSummary, summary)); err != nil {
		s.logger.Warn("publish cycle summary failed", "cycle_id", summary.ID, "error", err)
	}
}

func (s *Scheduler) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

func (s *Scheduler) countError() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Errors.WithLabelValues("scheduler").Inc()
	}
}
