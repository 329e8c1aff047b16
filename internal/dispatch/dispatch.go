package dispatch

import (
	"context"
	"time"

	"followup-engine/internal/channel"
)

// Status is the state of a DeliveryLog row.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// DeliveryLog is the single row kept per (campaign, normalized recipient).
// LeadID names the lead the latest attempt was made for; failed rows are retried through it.
type DeliveryLog struct {
	ID                  string
	CampaignID          string
	LeadID              string
	Recipient           string
	NormalizedRecipient string
	Channel             channel.Channel
	Status              Status
	ProviderID          string
	Error               string
	Attempts            int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// LogStore upserts delivery rows keyed by (CampaignID, NormalizedRecipient).
type LogStore interface {
	UpsertDeliveryLog(ctx context.Context, entry DeliveryLog) error
}

// Message is one outbound notification.
type Message struct {
	Channel        channel.Channel
	Recipient      string
	Subject        string
	Body           string
	IdempotencyKey string
}

// Receipt is what a provider returns for an accepted message.
type Receipt struct {
	ProviderID string
}

// Sender delivers a message. Implementations classify failures with Transient or Permanent
// and must tolerate repeated calls with the same IdempotencyKey.
type Sender interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) (Receipt, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (Receipt, error) {
	return f(ctx, msg)
}
