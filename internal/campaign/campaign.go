package campaign

import (
	"strings"
	"time"

	"followup-engine/internal/channel"
	"followup-engine/internal/pattern"
)

// Status is the lifecycle state of a campaign.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Campaign is a follow-up sequence targeting the leads of one quiz.
// A campaign without a pattern is due on every cycle and never completes on its own.
type Campaign struct {
	ID         string
	OwnerID    string
	Name       string
	Channel    channel.Channel
	Status     Status
	LeadSource string
	Subject    string
	Template   string
	PatternID  string
	Pattern    *pattern.RecurringPattern
	LeadCursor Cursor
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Due reports whether the campaign should run at now.
func (c Campaign) Due(now time.Time) bool {
	if c.Status != StatusActive {
		return false
	}
	if c.Pattern == nil {
		return true
	}
	return c.Pattern.Active && c.Pattern.NextOccurrence != nil && !c.Pattern.NextOccurrence.After(now)
}

// Lead is a quiz respondent eligible for follow-up.
type Lead struct {
	ID        string
	QuizID    string
	Name      string
	Email     string
	Phone     string
	CreatedAt time.Time
}

// Cursor is a (created_at, id) keyset position in a quiz's leads. Candidate lookups
// return the leads strictly after it; the zero Cursor precedes every lead.
type Cursor struct {
	CreatedAt time.Time
	LeadID    string
}

// CursorAt returns the position just before the first lead created at or after t.
func CursorAt(t time.Time) Cursor {
	return Cursor{CreatedAt: t}
}

// CursorOf returns the position of lead itself.
func CursorOf(l Lead) Cursor {
	return Cursor{CreatedAt: l.CreatedAt, LeadID: l.ID}
}

// Before reports whether lead l sorts after the cursor.
func (c Cursor) Before(l Lead) bool {
	if !l.CreatedAt.Equal(c.CreatedAt) {
		return c.CreatedAt.Before(l.CreatedAt)
	}
	return c.LeadID < l.ID
}

// Recipient returns the address the lead is reached at on ch.
func (l Lead) Recipient(ch channel.Channel) string {
	if ch.UsesPhone() {
		return l.Phone
	}
	return l.Email
}

// Render fills the template placeholders for lead.
func (c Campaign) Render(lead Lead) string {
	r := strings.NewReplacer(
		"{name}", lead.Name,
		"{email}", lead.Email,
		"{phone}", lead.Phone,
		"{quiz}", lead.QuizID,
	)
	return r.Replace(c.Template)
}
