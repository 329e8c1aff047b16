package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"followup-engine/internal/campaign"
	"followup-engine/internal/config"
	"followup-engine/internal/dedup"
	"followup-engine/internal/dispatch"
	"followup-engine/internal/pattern"
)

type candidate struct {
	lead       campaign.Lead
	recipient  string
	normalized string
}

// process runs one campaign through detection, admission, dispatch and advance.
// Storage failures before dispatch leave the campaign untouched so the next tick retries it.
func (s *Scheduler) process(ctx context.Context, cmp campaign.Campaign, tuning config.Tuning, startedAt time.Time, cycleID string) CampaignResult {
	res := CampaignResult{CampaignID: cmp.ID}
	log := s.logger.With("campaign_id", cmp.ID, "owner_id", cmp.OwnerID, "channel", cmp.Channel, "cycle_id", cycleID)

	fail := func(err error) CampaignResult {
		s.countError()
		log.Error("campaign cycle failed", "error", err)
		res.Error = err.Error()
		return res
	}

	page, err := s.deps.Store.CandidateRecipients(ctx, cmp, cmp.LeadCursor, tuning.MaxPhonesPerCampaign)
	if err != nil {
		return fail(fmt.Errorf("load candidates: %w", err))
	}
	sort.SliceStable(page, func(i, j int) bool {
		return campaign.CursorOf(page[i]).Before(page[j])
	})
	capped := len(page) >= tuning.MaxPhonesPerCampaign
	res.Candidates = len(page)

	// Leads whose last attempt failed get another try every cycle; they are behind the
	// cursor already, so they are loaded separately and never pin it.
	retries, err := s.deps.Store.FailedRecipients(ctx, cmp, tuning.MaxPhonesPerCampaign)
	if err != nil {
		return fail(fmt.Errorf("load failed recipients: %w", err))
	}
	res.Retried = len(retries)
	leads := mergeLeads(retries, page)

	recorded, err := s.deps.Store.DeliveredRecipients(ctx, cmp.ID)
	if err != nil {
		return fail(fmt.Errorf("load delivered recipients: %w", err))
	}
	if err := s.deps.Index.Refresh(ctx, cmp.ID, recorded); err != nil {
		return fail(fmt.Errorf("refresh dedup index: %w", err))
	}

	fresh, err := s.filter(ctx, cmp, leads, &res)
	if err != nil {
		return fail(err)
	}

	var granted int64
	if len(fresh) > 0 {
		granted, _, err = s.deps.Ledger.Admit(ctx, cmp.OwnerID, cmp.Channel, int64(len(fresh)))
		if err != nil {
			return fail(fmt.Errorf("admit credits: %w", err))
		}
	}
	admitted, deferred := fresh[:granted], fresh[granted:]
	res.Granted = len(admitted)
	res.Deferred = len(deferred)
	if len(deferred) > 0 {
		log.Info("recipients deferred for lack of credit", "granted", len(admitted), "deferred", len(deferred))
	}

	pinned := make(map[string]struct{}, len(deferred))
	for _, c := range deferred {
		pinned[c.lead.ID] = struct{}{}
	}

	if len(admitted) > 0 {
		report := s.deps.Dispatcher.Dispatch(ctx, s.job(cmp, tuning, admitted, cycleID))
		res.Sent, res.Failed, res.Skipped = report.Sent, report.Failed, report.Skipped

		var refund int64
		for i, o := range report.Outcomes {
			switch {
			case o.Result == dispatch.ResultSent:
			case o.Result == dispatch.ResultSkipped && !o.Claimed():
				// Never attempted; keep the lead eligible for the next cycle.
				refund++
				pinned[admitted[i].lead.ID] = struct{}{}
			default:
				refund++
			}
		}
		if refund > 0 {
			if _, err := s.deps.Ledger.Credit(context.WithoutCancel(ctx), cmp.OwnerID, cmp.Channel, refund, "refund:"+cycleID); err != nil {
				s.countError()
				log.Error("refund credits failed", "amount", refund, "error", err)
			} else {
				res.Refunded = refund
			}
		}
	}

	cursor := nextCursor(page, pinned, capped, cmp.LeadCursor, startedAt)
	s.advance(context.WithoutCancel(ctx), cmp, tuning, cursor, &res, log)
	return res
}

// filter keeps leads with a usable address that no earlier delivery or lead in this
// batch already covers.
func (s *Scheduler) filter(ctx context.Context, cmp campaign.Campaign, leads []campaign.Lead, res *CampaignResult) ([]candidate, error) {
	seen := make(map[string]struct{}, len(leads))
	fresh := make([]candidate, 0, len(leads))
	for _, lead := range leads {
		raw := lead.Recipient(cmp.Channel)
		norm := dedup.Normalize(cmp.Channel, raw)
		if norm == "" {
			continue
		}
		if _, dup := seen[norm]; dup {
			res.Duplicates++
			continue
		}
		seen[norm] = struct{}{}

		isNew, err := s.deps.Index.IsNew(ctx, cmp.ID, norm)
		if err != nil {
			return nil, fmt.Errorf("check dedup index: %w", err)
		}
		if !isNew {
			res.Duplicates++
			continue
		}
		fresh = append(fresh, candidate{lead: lead, recipient: raw, normalized: norm})
	}
	return fresh, nil
}

func (s *Scheduler) job(cmp campaign.Campaign, tuning config.Tuning, admitted []candidate, cycleID string) dispatch.Job {
	occurrence := cycleID
	if cmp.Pattern != nil && cmp.Pattern.NextOccurrence != nil {
		occurrence = strconv.FormatInt(cmp.Pattern.NextOccurrence.Unix(), 10)
	}
	items := make([]dispatch.Item, len(admitted))
	for i, c := range admitted {
		items[i] = dispatch.Item{
			LeadID:     c.lead.ID,
			Recipient:  c.recipient,
			Normalized: c.normalized,
			Subject:    cmp.Subject,
			Body:       cmp.Render(c.lead),
		}
	}
	return dispatch.Job{
		CampaignID: cmp.ID,
		Channel:    cmp.Channel,
		Occurrence: occurrence,
		Items:      items,
		Options: dispatch.Options{
			BatchSize:           tuning.BatchSize,
			DelayBetweenBatches: tuning.DelayBetweenBatches,
			SendTimeout:         tuning.SendTimeout,
			MaxRetries:          tuning.MaxRetries,
			RetryBaseDelay:      tuning.RetryBaseDelay,
		},
	}
}

// mergeLeads puts retried leads ahead of the fresh page, dropping leads present in both.
func mergeLeads(retries, page []campaign.Lead) []campaign.Lead {
	if len(retries) == 0 {
		return page
	}
	out := make([]campaign.Lead, 0, len(retries)+len(page))
	seen := make(map[string]struct{}, len(retries))
	for _, l := range retries {
		seen[l.ID] = struct{}{}
		out = append(out, l)
	}
	for _, l := range page {
		if _, ok := seen[l.ID]; !ok {
			out = append(out, l)
		}
	}
	return out
}

// nextCursor picks the keyset position for the next candidate lookup. The first pinned
// lead of the page is fetched again; a capped page resumes after its last lead; otherwise
// the cursor moves to the cycle start.
func nextCursor(page []campaign.Lead, pinned map[string]struct{}, capped bool, current campaign.Cursor, startedAt time.Time) campaign.Cursor {
	for i, l := range page {
		if _, ok := pinned[l.ID]; !ok {
			continue
		}
		if i == 0 {
			return current
		}
		return campaign.CursorOf(page[i-1])
	}
	if capped && len(page) > 0 {
		return campaign.CursorOf(page[len(page)-1])
	}
	if startedAt.Before(current.CreatedAt) {
		return current
	}
	return campaign.CursorAt(startedAt)
}

func (s *Scheduler) advance(ctx context.Context, cmp campaign.Campaign, tuning config.Tuning, cursor campaign.Cursor, res *CampaignResult, log *slog.Logger) {
	if cmp.Pattern == nil || res.Deferred > 0 {
		// An occurrence is only counted once every recipient it admitted was served;
		// the resume after a top-up reschedules the pattern and drains the rest.
		if cmp.Pattern != nil {
			res.Held = true
			log.Info("occurrence held until deferred recipients are served", "deferred", res.Deferred)
		}
		if err := s.deps.Store.SaveCampaignProgress(ctx, cmp.ID, nil, cursor); err != nil {
			s.countError()
			log.Error("save campaign progress failed", "error", err)
		}
		return
	}

	next, err := pattern.Advance(*cmp.Pattern, s.now(), tuning.Holidays)
	exhausted := pattern.IsExhausted(err)
	if err != nil && !exhausted {
		s.countError()
		log.Error("advance pattern failed", "error", err)
		if err := s.deps.Store.SaveCampaignProgress(ctx, cmp.ID, nil, cursor); err != nil {
			log.Error("save campaign progress failed", "error", err)
		}
		return
	}
	if err := s.deps.Store.SaveCampaignProgress(ctx, cmp.ID, &next, cursor); err != nil {
		s.countError()
		log.Error("save campaign progress failed", "error", err)
		return
	}
	if !exhausted {
		return
	}

	current, err := s.deps.Store.GetCampaign(ctx, cmp.ID)
	if err != nil {
		s.countError()
		log.Error("reload campaign failed", "error", err)
		return
	}
	if current.Status == campaign.StatusCompleted {
		return
	}
	if err := s.deps.Campaigns.Complete(ctx, current, &next); err != nil {
		s.countError()
		log.Error("complete campaign failed", "error", err)
		return
	}
	res.Completed = true
	log.Info("campaign completed", "occurrences", next.CurrentOccurrences)
}
