package domain

import (
	"time"

	"github.com/google/uuid"
)

// Campaign statuses. A campaign moves strictly
// scheduled -> sending -> sent|failed and is immutable once terminal.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignSent      = "sent"
	CampaignFailed    = "failed"
)

// Recipient selector types stored on a campaign.
const (
	RecipientAll      = "all"
	RecipientSelected = "selected"
	RecipientTest     = "test"
)

// Recurrence intervals. Anything unrecognized is treated as weekly.
const (
	RecurringWeekly    = "weekly"
	RecurringMonthly   = "monthly"
	RecurringQuarterly = "quarterly"
)

// A/B variant tags carried by child campaigns.
const (
	VariantA = "A"
	VariantB = "B"
)

// Campaign is a bulk one-shot or recurring email blast.
type Campaign struct {
	ID            uuid.UUID
	Name          string
	Subject       string
	Content       string
	Status        string
	ScheduledAt   *time.Time
	SentAt        *time.Time
	SentCount     *int
	RecipientType string
	SelectedIDs   []uuid.UUID
	TestEmails    string // comma-separated, used only when RecipientType == test
	IsRecurring   bool
	RecurringType string
	NextSendDate  *time.Time
	IsABTest      bool
	ABTestSplit   float64
	ParentID      *uuid.UUID
	ABVariant     string // set on A/B children only
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Sequence statuses.
const (
	SequenceDraft     = "draft"
	SequenceRunning   = "running"
	SequencePaused    = "paused"
	SequenceCompleted = "completed"
)

// Sequence is a named, ordered drip program.
type Sequence struct {
	ID             uuid.UUID
	Name           string
	Status         string
	TargetAudience string
	AutoEnroll     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SequenceEmail is one step of a sequence. StepOrder is 1-based and unique
// within a sequence; DelayDays is cumulative from enrollment, not from the
// previous step.
type SequenceEmail struct {
	ID         uuid.UUID
	SequenceID uuid.UUID
	StepOrder  int
	Subject    string
	Content    string
	DelayDays  int
	SendTime   string // "HH:MM"
	IsActive   bool
}

// Execution statuses.
const (
	ExecutionActive    = "active"
	ExecutionCompleted = "completed"
)

// SequenceExecution is one subscriber's run through one sequence. Exactly one
// execution exists per (sequence, subscriber email).
type SequenceExecution struct {
	ID              uuid.UUID
	SequenceID      uuid.UUID
	SubscriberEmail string
	SubscriberName  string
	Status          string
	CurrentStep     int
	NextEmailDue    *time.Time
	EmailsSent      int
	LastEmailSent   *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Sequence log events, one row per send attempt. Append-only.
const (
	LogEmailSent    = "EMAIL_SENT"
	LogEmailFailed  = "EMAIL_FAILED"
	LogEmailSkipped = "EMAIL_SKIPPED"
)

// SequenceLog is an immutable audit entry for a single step attempt.
type SequenceLog struct {
	ID          uuid.UUID
	ExecutionID uuid.UUID
	SequenceID  uuid.UUID
	StepOrder   int
	Event       string
	Subject     string
	Error       string
	CreatedAt   time.Time
}

// Recipient is a transient resolved {email, name} pair. It is not persisted
// beyond the per-campaign analytics row it leaves behind.
type Recipient struct {
	Email string
	Name  string
}

// CampaignResult is the per-campaign entry of a dispatch run summary.
type CampaignResult struct {
	CampaignID uuid.UUID `json:"campaignId"`
	Name       string    `json:"name"`
	SentCount  int       `json:"sentCount"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// CampaignRunSummary is returned by the campaign trigger entry point.
type CampaignRunSummary struct {
	ProcessedCampaigns int              `json:"processedCampaigns"`
	TotalSent          int              `json:"totalSent"`
	Results            []CampaignResult `json:"results"`
}

// SequenceResult is the per-sequence entry of a sequence run summary.
type SequenceResult struct {
	SequenceID   uuid.UUID `json:"sequenceId"`
	SequenceName string    `json:"sequenceName"`
	EmailsSent   int       `json:"emailsSent"`
	Errors       []string  `json:"errors,omitempty"`
	Success      bool      `json:"success"`
}

// SequenceRunSummary is returned by the sequence trigger entry point.
type SequenceRunSummary struct {
	ProcessedSequences int              `json:"processedSequences"`
	EmailsSent         int              `json:"emailsSent"`
	Results            []SequenceResult `json:"results"`
}
