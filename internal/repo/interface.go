package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"followup-engine/internal/campaign"
	"followup-engine/internal/channel"
	"followup-engine/internal/credit"
	"followup-engine/internal/dispatch"
	"followup-engine/internal/pattern"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Campaigns
	CreateCampaign(ctx context.Context, c campaign.Campaign) (campaign.Campaign, error)
	GetCampaign(ctx context.Context, id string) (campaign.Campaign, error)
	DueCampaigns(ctx context.Context, now time.Time, limit int) ([]campaign.Campaign, error)
	ListCampaignsByOwnerChannel(ctx context.Context, ownerID string, ch channel.Channel, status campaign.Status) ([]campaign.Campaign, error)
	UpdateCampaignState(ctx context.Context, id string, from, to campaign.Status, p *pattern.RecurringPattern) error
	SaveCampaignProgress(ctx context.Context, id string, p *pattern.RecurringPattern, leadCursor campaign.Cursor) error

	// Leads
	InsertLead(ctx context.Context, lead campaign.Lead) (campaign.Lead, error)
	CandidateRecipients(ctx context.Context, c campaign.Campaign, after campaign.Cursor, limit int) ([]campaign.Lead, error)
	FailedRecipients(ctx context.Context, c campaign.Campaign, limit int) ([]campaign.Lead, error)

	// Delivery logs
	UpsertDeliveryLog(ctx context.Context, entry dispatch.DeliveryLog) error
	ListDeliveryLogs(ctx context.Context, campaignID string) ([]dispatch.DeliveryLog, error)
	DeliveredRecipients(ctx context.Context, campaignID string) ([]string, error)
	CoalesceDeliveryLogs(ctx context.Context, campaignID string) (int64, error)

	// Credits
	LoadBalance(ctx context.Context, userID string, ch channel.Channel) (credit.Balance, error)
	SaveBalance(ctx context.Context, bal credit.Balance, tx credit.Transaction) error
}
