package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Type names an observable engine event.
type Type string

const (
	CycleSummary      Type = "cycle.summary"
	CampaignsPaused   Type = "campaigns.paused"
	CampaignsResumed  Type = "campaigns.resumed"
	CampaignCompleted Type = "campaign.completed"
)

// Event is the envelope handed to publishers. Payload must be JSON serializable.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// New stamps a fresh event.
func New(t Type, payload any) Event {
	return Event{ID: uuid.NewString(), Type: t, At: time.Now().UTC(), Payload: payload}
}

// Publisher delivers events to external observers.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With("component", "events")}
}

func (p *LogPublisher) Publish(ctx context.Context, evt Event) error {
	p.logger.InfoContext(ctx, "event", "event_id", evt.ID, "type", evt.Type, "payload", evt.Payload)
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
