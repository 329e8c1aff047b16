package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followup-engine/internal/campaign"
	"followup-engine/internal/channel"
	"followup-engine/internal/config"
	"followup-engine/internal/credit"
	"followup-engine/internal/dedup"
	"followup-engine/internal/dispatch"
	"followup-engine/internal/logging"
	"followup-engine/internal/pattern"
	"followup-engine/internal/repo"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[string]int
	fail map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[string]int), fail: make(map[string]bool)}
}

func (s *recordingSender) Send(_ context.Context, msg dispatch.Message) (dispatch.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[msg.Recipient] {
		return dispatch.Receipt{}, dispatch.Permanent(errors.New("invalid number"))
	}
	s.sent[msg.Recipient]++
	return dispatch.Receipt{ProviderID: fmt.Sprintf("msg-%d", len(s.sent))}, nil
}

func (s *recordingSender) count(recipient string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[recipient]
}

func (s *recordingSender) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.sent {
		n += c
	}
	return n
}

type harness struct {
	repo   *repo.MemoryRepository
	ledger *credit.Ledger
	sender *recordingSender
	sched  *Scheduler
	clock  time.Time
}

func newHarness(t *testing.T, tuning config.Tuning) *harness {
	t.Helper()
	logger := logging.Discard()
	h := &harness{repo: repo.NewMemory(), sender: newRecordingSender()}
	h.ledger = credit.NewLedger(h.repo, logger, nil)
	ctrl := campaign.NewController(h.repo, func() pattern.HolidayProvider { return pattern.NoHolidays{} }, nil, logger, nil)
	h.ledger.Subscribe(ctrl)

	index := dedup.NewMemoryIndex()
	h.sched = New(Deps{
		Store:      h.repo,
		Ledger:     h.ledger,
		Index:      index,
		Dispatcher: dispatch.NewBatcher(h.sender, h.repo, index, logger, nil),
		Campaigns:  ctrl,
		Tuning:     config.Static(tuning),
		Logger:     logger,
	})
	h.clock = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	h.sched.now = func() time.Time { return h.clock }
	return h
}

func testTuning() config.Tuning {
	t := config.DefaultTuning()
	t.DelayBetweenBatches = 0
	t.RetryBaseDelay = time.Millisecond
	return t
}

func (h *harness) addLeads(t *testing.T, quiz string, at time.Time, phones ...string) {
	t.Helper()
	for i, phone := range phones {
		_, err := h.repo.InsertLead(context.Background(), campaign.Lead{
			QuizID:    quiz,
			Name:      "lead " + phone,
			Phone:     phone,
			CreatedAt: at.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
}

func (h *harness) status(t *testing.T, id string) campaign.Status {
	t.Helper()
	c, err := h.repo.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func smsCampaign(t *testing.T, r *repo.MemoryRepository, p *pattern.RecurringPattern) campaign.Campaign {
	t.Helper()
	c, err := r.CreateCampaign(context.Background(), campaign.Campaign{
		OwnerID:    "owner-1",
		Name:       "quiz follow-up",
		Channel:    channel.SMS,
		Status:     campaign.StatusActive,
		LeadSource: "quiz-1",
		Template:   "Hi {name}",
		Pattern:    p,
	})
	require.NoError(t, err)
	return c
}

func TestCycle_InsufficientCreditDefersAndPauses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testTuning())
	cmp := smsCampaign(t, h.repo, nil)
	h.repo.SetBalance("owner-1", channel.SMS, 2)
	phones := []string{"+15550000001", "+15550000002", "+15550000003", "+15550000004", "+15550000005"}
	h.addLeads(t, "quiz-1", h.clock.Add(-time.Hour), phones...)

	summary, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Sent)
	assert.Equal(t, 3, summary.Deferred)
	assert.Equal(t, campaign.StatusPaused, h.status(t, cmp.ID))

	bal, err := h.ledger.Balance(ctx, "owner-1", channel.SMS)
	require.NoError(t, err)
	assert.Zero(t, bal)

	// Paused campaigns are not due.
	summary, err = h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Due)
	assert.Equal(t, 2, h.sender.total())

	_, err = h.ledger.Credit(ctx, "owner-1", channel.SMS, 10, "topup")
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusActive, h.status(t, cmp.ID))

	h.clock = h.clock.Add(time.Minute)
	summary, err = h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Sent)
	for _, p := range phones {
		assert.Equal(t, 1, h.sender.count(p), p)
	}

	bal, err = h.ledger.Balance(ctx, "owner-1", channel.SMS)
	require.NoError(t, err)
	assert.EqualValues(t, 7, bal)
}

func TestCycle_DuplicatePhonesSentOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testTuning())
	smsCampaign(t, h.repo, nil)
	h.repo.SetBalance("owner-1", channel.SMS, 10)
	h.addLeads(t, "quiz-1", h.clock.Add(-time.Hour), "+1 555 000 0001", "15550000001", "(1) 555-000-0001")

	summary, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	require.Len(t, summary.Campaigns, 1)
	assert.Equal(t, 2, summary.Campaigns[0].Duplicates)

	bal, err := h.ledger.Balance(ctx, "owner-1", channel.SMS)
	require.NoError(t, err)
	assert.EqualValues(t, 9, bal)
}

func TestCycle_FailedSendIsRefunded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testTuning())
	cmp := smsCampaign(t, h.repo, nil)
	h.repo.SetBalance("owner-1", channel.SMS, 5)
	h.sender.fail["+15550000002"] = true
	h.addLeads(t, "quiz-1", h.clock.Add(-time.Hour), "+15550000001", "+15550000002")

	summary, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 1, summary.Failed)
	assert.EqualValues(t, 1, summary.Campaigns[0].Refunded)

	bal, err := h.ledger.Balance(ctx, "owner-1", channel.SMS)
	require.NoError(t, err)
	assert.EqualValues(t, 4, bal)

	logs, err := h.repo.ListDeliveryLogs(ctx, cmp.ID)
	require.NoError(t, err)
	statuses := map[string]dispatch.Status{}
	for _, l := range logs {
		statuses[l.NormalizedRecipient] = l.Status
	}
	assert.Equal(t, dispatch.StatusSent, statuses["15550000001"])
	assert.Equal(t, dispatch.StatusFailed, statuses["15550000002"])
}

func TestCycle_MaxOccurrencesCompletesCampaign(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testTuning())
	first := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	cmp := smsCampaign(t, h.repo, &pattern.RecurringPattern{
		Type:           pattern.TypeDaily,
		Frequency:      1,
		TimeOfDay:      "09:00",
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxOccurrences: 3,
		Active:         true,
		NextOccurrence: &first,
	})
	h.repo.SetBalance("owner-1", channel.SMS, 100)

	for day := 0; day < 4; day++ {
		h.clock = time.Date(2024, 1, 1+day, 10, 0, 0, 0, time.UTC)
		h.addLeads(t, "quiz-1", h.clock.Add(-2*time.Hour), fmt.Sprintf("+1555000100%d", day))
		_, err := h.sched.RunCycle(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, h.sender.total())
	assert.Zero(t, h.sender.count("+15550001003"))

	got, err := h.repo.GetCampaign(ctx, cmp.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusCompleted, got.Status)
	require.NotNil(t, got.Pattern)
	assert.Equal(t, 3, got.Pattern.CurrentOccurrences)
	assert.False(t, got.Pattern.Active)
}

func TestCycle_NotDueYet(t *testing.T) {
	h := newHarness(t, testTuning())
	next := h.clock.Add(time.Hour)
	smsCampaign(t, h.repo, &pattern.RecurringPattern{
		Type: pattern.TypeDaily, Frequency: 1, TimeOfDay: "11:00",
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Active: true, NextOccurrence: &next,
	})
	h.repo.SetBalance("owner-1", channel.SMS, 10)
	h.addLeads(t, "quiz-1", h.clock.Add(-time.Hour), "+15550000001")

	summary, err := h.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Due)
	assert.Zero(t, h.sender.total())
}

func TestCycle_CappedPageResumesAtLastLead(t *testing.T) {
	ctx := context.Background()
	tuning := testTuning()
	tuning.MaxPhonesPerCampaign = 2
	h := newHarness(t, tuning)
	cmp := smsCampaign(t, h.repo, nil)
	h.repo.SetBalance("owner-1", channel.SMS, 10)
	base := h.clock.Add(-time.Hour)
	h.addLeads(t, "quiz-1", base, "+15550000001", "+15550000002", "+15550000003")

	summary, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Sent)

	got, err := h.repo.GetCampaign(ctx, cmp.ID)
	require.NoError(t, err)
	assert.True(t, got.LeadCursor.CreatedAt.Equal(base.Add(time.Second)))
	assert.NotEmpty(t, got.LeadCursor.LeadID)

	h.clock = h.clock.Add(time.Minute)
	summary, err = h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 1, h.sender.count("+15550000003"))
	assert.Equal(t, 3, h.sender.total())

	got, err = h.repo.GetCampaign(ctx, cmp.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.CursorAt(h.clock), got.LeadCursor, "uncapped page moves the cursor to the cycle start")

	h.clock = h.clock.Add(time.Minute)
	summary, err = h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Sent)
	assert.Equal(t, 3, h.sender.total())
}

func TestCycle_CappedPageSameTimestampProgresses(t *testing.T) {
	ctx := context.Background()
	tuning := testTuning()
	tuning.MaxPhonesPerCampaign = 2
	h := newHarness(t, tuning)
	smsCampaign(t, h.repo, nil)
	h.repo.SetBalance("owner-1", channel.SMS, 10)
	at := h.clock.Add(-time.Hour)
	phones := []string{"+15550000001", "+15550000002", "+15550000003", "+15550000004", "+15550000005"}
	for _, phone := range phones {
		_, err := h.repo.InsertLead(ctx, campaign.Lead{QuizID: "quiz-1", Name: "lead", Phone: phone, CreatedAt: at})
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		h.clock = h.clock.Add(time.Minute)
		_, err := h.sched.RunCycle(ctx)
		require.NoError(t, err)
	}

	for _, p := range phones {
		assert.Equal(t, 1, h.sender.count(p), p)
	}
}

func TestCycle_FailedRecipientRetriedNextCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testTuning())
	cmp := smsCampaign(t, h.repo, nil)
	h.repo.SetBalance("owner-1", channel.SMS, 5)
	h.sender.fail["+15550000002"] = true
	h.addLeads(t, "quiz-1", h.clock.Add(-time.Hour), "+15550000001", "+15550000002")

	summary, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, h.sender.count("+15550000002"))

	h.sender.mu.Lock()
	delete(h.sender.fail, "+15550000002")
	h.sender.mu.Unlock()

	h.clock = h.clock.Add(time.Minute)
	summary, err = h.sched.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Campaigns, 1)
	assert.Equal(t, 1, summary.Campaigns[0].Retried)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 1, h.sender.count("+15550000002"))
	assert.Equal(t, 1, h.sender.count("+15550000001"))

	logs, err := h.repo.ListDeliveryLogs(ctx, cmp.ID)
	require.NoError(t, err)
	for _, l := range logs {
		assert.Equal(t, dispatch.StatusSent, l.Status, l.NormalizedRecipient)
	}

	// Nothing is left to retry once it went through.
	h.clock = h.clock.Add(time.Minute)
	summary, err = h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Campaigns[0].Retried)
	assert.Equal(t, 2, h.sender.total())

	bal, err := h.ledger.Balance(ctx, "owner-1", channel.SMS)
	require.NoError(t, err)
	assert.EqualValues(t, 3, bal)
}

func TestCycle_DeferredRecipientsHoldFinalOccurrence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testTuning())
	first := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	cmp := smsCampaign(t, h.repo, &pattern.RecurringPattern{
		Type:           pattern.TypeDaily,
		Frequency:      1,
		TimeOfDay:      "09:00",
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxOccurrences: 1,
		Active:         true,
		NextOccurrence: &first,
	})
	h.repo.SetBalance("owner-1", channel.SMS, 2)
	phones := []string{"+15550000001", "+15550000002", "+15550000003", "+15550000004", "+15550000005"}
	h.addLeads(t, "quiz-1", h.clock.Add(-time.Hour), phones...)

	summary, err := h.sched.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Sent)
	assert.Equal(t, 3, summary.Deferred)
	assert.True(t, summary.Campaigns[0].Held)
	assert.False(t, summary.Campaigns[0].Completed)

	got, err := h.repo.GetCampaign(ctx, cmp.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusPaused, got.Status)
	require.NotNil(t, got.Pattern)
	assert.Zero(t, got.Pattern.CurrentOccurrences)

	_, err = h.ledger.Credit(ctx, "owner-1", channel.SMS, 10, "topup")
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusActive, h.status(t, cmp.ID))

	h.clock = h.clock.Add(24 * time.Hour)
	summary, err = h.sched.ForceCycle(ctx, cmp.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Sent)
	assert.Zero(t, summary.Deferred)

	for _, p := range phones {
		assert.Equal(t, 1, h.sender.count(p), p)
	}
	got, err = h.repo.GetCampaign(ctx, cmp.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Pattern.CurrentOccurrences)
}

func TestForceCycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testTuning())
	later := h.clock.Add(24 * time.Hour)
	cmp := smsCampaign(t, h.repo, &pattern.RecurringPattern{
		Type: pattern.TypeDaily, Frequency: 1, TimeOfDay: "10:00",
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Active: true, NextOccurrence: &later,
	})
	h.repo.SetBalance("owner-1", channel.SMS, 10)
	h.addLeads(t, "quiz-1", h.clock.Add(-time.Hour), "+15550000001")

	require.True(t, h.sched.acquire(cmp.ID))
	_, err := h.sched.ForceCycle(ctx, cmp.ID)
	assert.ErrorIs(t, err, ErrCampaignBusy)
	h.sched.release(cmp.ID)

	summary, err := h.sched.ForceCycle(ctx, cmp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)

	got, err := h.repo.GetCampaign(ctx, cmp.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Pattern.NextOccurrence)
	assert.True(t, got.Pattern.NextOccurrence.After(later), "forced run consumes the pending slot")

	require.NoError(t, h.repo.UpdateCampaignState(ctx, cmp.ID, campaign.StatusActive, campaign.StatusPaused, nil))
	_, err = h.sched.ForceCycle(ctx, cmp.ID)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestCycle_BusyCampaignIsSkipped(t *testing.T) {
	h := newHarness(t, testTuning())
	cmp := smsCampaign(t, h.repo, nil)
	h.repo.SetBalance("owner-1", channel.SMS, 10)
	h.addLeads(t, "quiz-1", h.clock.Add(-time.Hour), "+15550000001")

	require.True(t, h.sched.acquire(cmp.ID))
	summary, err := h.sched.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Busy)
	assert.Zero(t, summary.Processed)
	assert.Zero(t, h.sender.total())
}

func TestCycle_SummaryIsStored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testTuning())
	_, err := h.sched.ForceCycle(ctx, "")
	require.NoError(t, err)

	last, ok, err := h.sched.deps.Summaries.LastSummary(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, triggerManual, last.Trigger)
}

func TestStartStop(t *testing.T) {
	tuning := testTuning()
	tuning.DetectionInterval = 5 * time.Millisecond
	h := newHarness(t, tuning)
	smsCampaign(t, h.repo, nil)
	h.repo.SetBalance("owner-1", channel.SMS, 10)
	h.addLeads(t, "quiz-1", h.clock.Add(-time.Hour), "+15550000001")

	require.NoError(t, h.sched.Start(context.Background()))
	require.Error(t, h.sched.Start(context.Background()))
	require.Eventually(t, func() bool { return h.sender.total() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.sched.Stop(ctx))
	assert.Equal(t, 1, h.sender.count("+15550000001"))
}
