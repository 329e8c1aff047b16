package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"followup-engine/internal/channel"
	"followup-engine/internal/credit"
	"followup-engine/internal/events"
	"followup-engine/internal/metrics"
	"followup-engine/internal/pattern"
)

// Store is the persistence the controller needs.
// UpdateCampaignState writes to only when the stored status still equals from and returns
// ErrStaleState otherwise. A non-nil pattern is written only while the stored occurrence
// count equals p.CurrentOccurrences, so a cycle that fired in between is never undone.
// A nil pattern leaves the stored pattern untouched.
type Store interface {
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	ListCampaignsByOwnerChannel(ctx context.Context, ownerID string, ch channel.Channel, status Status) ([]Campaign, error)
	UpdateCampaignState(ctx context.Context, id string, from, to Status, p *pattern.RecurringPattern) error
}

// Controller applies status transitions. It is the credit.Listener that turns budget
// events into pauses and resumes.
type Controller struct {
	store     Store
	holidays  func() pattern.HolidayProvider
	publisher events.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// resumeAttempts bounds how often Resume re-reads a campaign that changed under it.
const resumeAttempts = 3

// NewController builds a Controller. holidays is consulted on every resume so calendar
// reloads take effect.
func NewController(store Store, holidays func() pattern.HolidayProvider, publisher events.Publisher, logger *slog.Logger, m *metrics.Metrics) *Controller {
	if holidays == nil {
		holidays = func() pattern.HolidayProvider { return pattern.NoHolidays{} }
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Controller{
		store:     store,
		holidays:  holidays,
		publisher: publisher,
		logger:    logger.With("component", "campaign"),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// BudgetChange is the payload of pause and resume events.
type BudgetChange struct {
	UserID    string          `json:"user_id"`
	Channel   channel.Channel `json:"channel"`
	Balance   int64           `json:"balance"`
	Campaigns []string        `json:"campaigns"`
}

// HandleCreditEvent pauses or resumes every campaign of the user on the channel.
func (c *Controller) HandleCreditEvent(ctx context.Context, evt credit.Event) error {
	switch evt.Kind {
	case credit.EventPause:
		return c.pauseAll(ctx, evt)
	case credit.EventResume:
		return c.resumeAll(ctx, evt)
	}
	return fmt.Errorf("unknown credit event %q", evt.Kind)
}

func (c *Controller) pauseAll(ctx context.Context, evt credit.Event) error {
	list, err := c.store.ListCampaignsByOwnerChannel(ctx, evt.UserID, evt.Channel, StatusActive)
	if err != nil {
		return fmt.Errorf("list active campaigns: %w", err)
	}
	var paused []string
	var errs []error
	for _, cmp := range list {
		changed, err := c.Pause(ctx, cmp)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			paused = append(paused, cmp.ID)
		}
	}
	if len(paused) > 0 {
		c.publish(ctx, events.CampaignsPaused, BudgetChange{UserID: evt.UserID, Channel: evt.Channel, Balance: evt.Balance, Campaigns: paused})
	}
	return errors.Join(errs...)
}

func (c *Controller) resumeAll(ctx context.Context, evt credit.Event) error {
	list, err := c.store.ListCampaignsByOwnerChannel(ctx, evt.UserID, evt.Channel, StatusPaused)
	if err != nil {
		return fmt.Errorf("list paused campaigns: %w", err)
	}
	var resumed []string
	var errs []error
	for _, cmp := range list {
		status, err := c.Resume(ctx, cmp)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if status == StatusActive {
			resumed = append(resumed, cmp.ID)
		}
	}
	if len(resumed) > 0 {
		c.publish(ctx, events.CampaignsResumed, BudgetChange{UserID: evt.UserID, Channel: evt.Channel, Balance: evt.Balance, Campaigns: resumed})
	}
	return errors.Join(errs...)
}

// Pause moves an active campaign to Paused. It reports false when nothing changed.
func (c *Controller) Pause(ctx context.Context, cmp Campaign) (bool, error) {
	if cmp.Status == StatusPaused {
		return false, nil
	}
	to, err := Transition(cmp.Status, EventPause)
	if err != nil {
		return false, err
	}
	return c.write(ctx, cmp, to, nil)
}

// Resume reactivates a paused campaign. NextOccurrence is recomputed from now, so fires
// missed during the pause are not replayed. A pattern with no future slot completes instead.
// When the stored row moved since cmp was read, Resume reloads it and tries again.
func (c *Controller) Resume(ctx context.Context, cmp Campaign) (Status, error) {
	for attempt := 1; ; attempt++ {
		status, changed, err := c.resume(ctx, cmp)
		if err != nil || changed {
			return status, err
		}
		current, err := c.store.GetCampaign(ctx, cmp.ID)
		if err != nil {
			return cmp.Status, fmt.Errorf("reload campaign %s: %w", cmp.ID, err)
		}
		if current.Status != StatusPaused || attempt == resumeAttempts {
			return current.Status, nil
		}
		cmp = current
	}
}

func (c *Controller) resume(ctx context.Context, cmp Campaign) (Status, bool, error) {
	if cmp.Status == StatusActive {
		return StatusActive, true, nil
	}
	to, err := Transition(cmp.Status, EventResume)
	if err != nil {
		return cmp.Status, false, err
	}
	if cmp.Pattern == nil {
		changed, err := c.write(ctx, cmp, to, nil)
		if err != nil {
			return cmp.Status, false, err
		}
		return to, changed, nil
	}

	next, err := pattern.Reschedule(*cmp.Pattern, c.now(), c.holidays())
	if err != nil {
		if pattern.IsExhausted(err) {
			next.Active = false
			next.NextOccurrence = nil
			changed, err := c.complete(ctx, cmp, &next)
			if err != nil {
				return cmp.Status, false, err
			}
			return StatusCompleted, changed, nil
		}
		return cmp.Status, false, fmt.Errorf("reschedule campaign %s: %w", cmp.ID, err)
	}
	changed, err := c.write(ctx, cmp, to, &next)
	if err != nil {
		return cmp.Status, false, err
	}
	return to, changed, nil
}

// Complete marks the campaign finished and stores the final pattern state.
func (c *Controller) Complete(ctx context.Context, cmp Campaign, p *pattern.RecurringPattern) error {
	_, err := c.complete(ctx, cmp, p)
	return err
}

func (c *Controller) complete(ctx context.Context, cmp Campaign, p *pattern.RecurringPattern) (bool, error) {
	to, err := Transition(cmp.Status, EventExhausted)
	if err != nil {
		return false, err
	}
	changed, err := c.write(ctx, cmp, to, p)
	if err != nil {
		return false, err
	}
	if changed {
		c.publish(ctx, events.CampaignCompleted, map[string]string{"campaign_id": cmp.ID, "owner_id": cmp.OwnerID})
	}
	return changed, nil
}

func (c *Controller) write(ctx context.Context, cmp Campaign, to Status, p *pattern.RecurringPattern) (bool, error) {
	err := c.store.UpdateCampaignState(ctx, cmp.ID, cmp.Status, to, p)
	if errors.Is(err, ErrStaleState) {
		c.logger.Debug("campaign status changed concurrently", "campaign_id", cmp.ID, "from", cmp.Status, "to", to)
		return false, nil
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.Errors.WithLabelValues("campaign").Inc()
		}
		return false, fmt.Errorf("update campaign %s: %w", cmp.ID, err)
	}
	if c.metrics != nil {
		c.metrics.CampaignTransitions.WithLabelValues(string(to)).Inc()
	}
	c.logger.Info("campaign status changed", "campaign_id", cmp.ID, "owner_id", cmp.OwnerID, "from", cmp.Status, "to", to)
	return true, nil
}

func (c *Controller) publish(ctx context.Context, t events.Type, payload any) {
	if err := c.publisher.Publish(ctx, events.New(t, payload)); err != nil {
		c.logger.Warn("publish event failed", "type", t, "error", err)
	}
}
