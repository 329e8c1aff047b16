package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"followup-engine/internal/channel"
	"followup-engine/internal/dedup"
	"followup-engine/internal/metrics"
)

// Options bound one dispatch run. They are read from the live tuning on every job.
type Options struct {
	BatchSize           int
	DelayBetweenBatches time.Duration
	SendTimeout         time.Duration
	MaxRetries          int
	RetryBaseDelay      time.Duration
	RetryMultiplier     float64
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 15 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryMultiplier < 1 {
		o.RetryMultiplier = 2
	}
	return o
}

// backoff returns the wait before retry number n (0-based).
func (o Options) backoff(n int) time.Duration {
	return time.Duration(float64(o.RetryBaseDelay) * math.Pow(o.RetryMultiplier, float64(n)))
}

// Item is one granted recipient.
type Item struct {
	LeadID     string
	Recipient  string
	Normalized string
	Subject    string
	Body       string
}

// Job is the granted recipient list of one campaign occurrence.
type Job struct {
	CampaignID string
	Channel    channel.Channel
	// Occurrence distinguishes fires of the same campaign in idempotency keys.
	Occurrence string
	Items      []Item
	Options    Options
}

// Result is the final state of one item.
type Result string

const (
	ResultSent    Result = "sent"
	ResultFailed  Result = "failed"
	ResultSkipped Result = "skipped"
)

// Outcome reports what happened to an item.
type Outcome struct {
	Item       Item
	Result     Result
	Attempts   int
	ProviderID string
	Err        error
}

// Claimed reports whether a concurrent cycle already owned the recipient.
func (o Outcome) Claimed() bool {
	return o.Result == ResultSkipped && o.Err == nil
}

// Report summarizes a dispatch run. Outcomes are in input order.
type Report struct {
	Sent     int
	Failed   int
	Skipped  int
	Outcomes []Outcome
}

// Batcher sends jobs in chunks, isolating per-item failures.
type Batcher struct {
	sender  Sender
	logs    LogStore
	index   dedup.Index
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewBatcher builds a Batcher.
func NewBatcher(sender Sender, logs LogStore, index dedup.Index, logger *slog.Logger, m *metrics.Metrics) *Batcher {
	return &Batcher{
		sender:  sender,
		logs:    logs,
		index:   index,
		logger:  logger.With("component", "dispatch"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepContext,
	}
}

// Dispatch sends every item of job. Chunks of BatchSize items go out concurrently with
// DelayBetweenBatches between chunks. Items not reached before ctx ends are reported as
// skipped with the context error.
func (b *Batcher) Dispatch(ctx context.Context, job Job) Report {
	opts := job.Options.withDefaults()
	outcomes := make([]Outcome, len(job.Items))

	for start := 0; start < len(job.Items); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(job.Items))
		if start > 0 && opts.DelayBetweenBatches > 0 {
			if err := b.sleep(ctx, opts.DelayBetweenBatches); err != nil {
				for i := start; i < len(job.Items); i++ {
					outcomes[i] = Outcome{Item: job.Items[i], Result: ResultSkipped, Err: err}
				}
				break
			}
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i] = b.deliver(ctx, job, opts, job.Items[i])
			}(i)
		}
		wg.Wait()
	}

	report := Report{Outcomes: outcomes}
	for _, o := range outcomes {
		switch o.Result {
		case ResultSent:
			report.Sent++
		case ResultFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}
	return report
}

func (b *Batcher) deliver(ctx context.Context, job Job, opts Options, item Item) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{Item: item, Result: ResultSkipped, Err: err}
	}
	claimed, err := b.index.MarkSent(ctx, job.CampaignID, item.Normalized)
	if err != nil {
		b.logger.Error("dedup claim failed", "campaign_id", job.CampaignID, "recipient", item.Normalized, "error", err)
		b.countError()
		return Outcome{Item: item, Result: ResultSkipped, Err: fmt.Errorf("claim recipient: %w", err)}
	}
	if !claimed {
		b.logger.Debug("recipient already claimed", "campaign_id", job.CampaignID, "recipient", item.Normalized)
		if b.metrics != nil {
			b.metrics.DuplicatesSkipped.WithLabelValues(string(job.Channel)).Inc()
		}
		return Outcome{Item: item, Result: ResultSkipped}
	}

	entry := DeliveryLog{
		ID:                  uuid.NewString(),
		CampaignID:          job.CampaignID,
		LeadID:              item.LeadID,
		Recipient:           item.Recipient,
		NormalizedRecipient: item.Normalized,
		Channel:             job.Channel,
		Status:              StatusPending,
		CreatedAt:           b.now(),
	}
	entry.UpdatedAt = entry.CreatedAt
	b.record(ctx, entry)

	msg := Message{
		Channel:        job.Channel,
		Recipient:      item.Recipient,
		Subject:        item.Subject,
		Body:           item.Body,
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", job.CampaignID, item.Normalized, job.Occurrence),
	}

	started := time.Now()
	receipt, attempts, sendErr := b.sendWithRetry(ctx, job, opts, msg)
	if b.metrics != nil {
		b.metrics.DeliveryLatency.WithLabelValues(string(job.Channel)).Observe(time.Since(started).Seconds())
	}

	out := Outcome{Item: item, Attempts: attempts, ProviderID: receipt.ProviderID, Err: sendErr}
	entry.Attempts = attempts
	entry.ProviderID = receipt.ProviderID
	entry.UpdatedAt = b.now()
	if sendErr != nil {
		out.Result = ResultFailed
		entry.Status = StatusFailed
		entry.Error = sendErr.Error()
		b.logger.Warn("delivery failed", "campaign_id", job.CampaignID, "recipient", item.Normalized, "attempts", attempts, "error", sendErr)
	} else {
		out.Result = ResultSent
		entry.Status = StatusSent
	}
	// The final row must land even when the cycle is being cancelled.
	b.record(context.WithoutCancel(ctx), entry)

	if out.Result == ResultFailed {
		if err := b.index.Release(context.WithoutCancel(ctx), job.CampaignID, item.Normalized); err != nil {
			b.logger.Error("dedup release failed", "campaign_id", job.CampaignID, "recipient", item.Normalized, "error", err)
			b.countError()
		}
	}
	if b.metrics != nil {
		b.metrics.Deliveries.WithLabelValues(string(job.Channel), string(entry.Status)).Inc()
	}
	return out
}

func (b *Batcher) sendWithRetry(ctx context.Context, job Job, opts Options, msg Message) (Receipt, int, error) {
	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if b.metrics != nil {
				b.metrics.DeliveryRetries.WithLabelValues(string(job.Channel)).Inc()
			}
			if err := b.sleep(ctx, opts.backoff(attempt-1)); err != nil {
				return Receipt{}, attempt, errors.Join(lastErr, err)
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, opts.SendTimeout)
		receipt, err := b.sender.Send(sendCtx, msg)
		cancel()
		if err == nil {
			return receipt, attempt + 1, nil
		}
		lastErr = err

		if IsPermanent(err) {
			return Receipt{}, attempt + 1, err
		}
		if ctx.Err() != nil {
			return Receipt{}, attempt + 1, err
		}
		b.logger.Debug("send attempt failed", "campaign_id", job.CampaignID, "attempt", attempt+1, "transient", IsTransient(err), "error", err)
	}
	return Receipt{}, opts.MaxRetries + 1, lastErr
}

func (b *Batcher) record(ctx context.Context, entry DeliveryLog) {
	if b.logs == nil {
		return
	}
	if err := b.logs.UpsertDeliveryLog(ctx, entry); err != nil {
		b.logger.Error("upsert delivery log failed", "campaign_id", entry.CampaignID, "recipient", entry.NormalizedRecipient, "status", entry.Status, "error", err)
		b.countError()
	}
}

func (b *Batcher) countError() {
	if b.metrics != nil {
		b.metrics.Errors.WithLabelValues("dispatch").Inc()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
