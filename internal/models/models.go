package models

import "time"

// DateLayout is the calendar-day format used for the daily reward pool.
const DateLayout = "2006-01-02"

// Day returns the UTC calendar day of t in DateLayout.
func Day(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

type Pool string

const (
	PoolDaily        Pool = "daily"
	PoolSubscription Pool = "subscription"
	PoolSignup       Pool = "signup"
	PoolAdminGrant   Pool = "admin_grant"
	PoolPurchased    Pool = "purchased"
)

// CreditBalance holds one account's credits split across pools.
// DailyDate is empty until the first daily claim.
type CreditBalance struct {
	AccountID    string    `json:"account_id"`
	Daily        int       `json:"daily"`
	DailyDate    string    `json:"daily_date,omitempty"`
	Subscription int       `json:"subscription"`
	Signup       int       `json:"signup"`
	AdminGrant   int       `json:"admin_grant"`
	Purchased    int       `json:"purchased"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type ModelRole string

const (
	ModelPrimary  ModelRole = "primary"
	ModelFallback ModelRole = "fallback"
)

type AttemptOutcome string

const (
	OutcomeSuccess       AttemptOutcome = "success"
	OutcomeRateLimited   AttemptOutcome = "rate_limited"
	OutcomeSafetyBlocked AttemptOutcome = "safety_blocked"
	OutcomeTimeout       AttemptOutcome = "timeout"
	OutcomeOtherError    AttemptOutcome = "other_error"
)

type GenerationStatus string

const (
	StatusCompleted GenerationStatus = "completed"
	StatusFailed    GenerationStatus = "failed"
)

type ShotType string

const (
	ShotProduct   ShotType = "product"
	ShotModel     ShotType = "model"
	ShotLifestyle ShotType = "lifestyle"
)

// InputImage is a reference image supplied by the caller.
type InputImage struct {
	Data     []byte
	MIMEType string
}

type GenerationRequest struct {
	RequestID           string
	AccountID           string
	RequestedImageCount int
	ShotType            ShotType
	Prompt              string
	Inputs              []InputImage
	ReservedCredits     int
	CreatedAt           time.Time
}

type SynthesisAttempt struct {
	RequestID     string         `json:"request_id"`
	ImageSlot     int            `json:"image_slot"`
	Model         ModelRole      `json:"model"`
	AttemptNumber int            `json:"attempt_number"`
	Outcome       AttemptOutcome `json:"outcome"`
	LatencyMs     int64          `json:"latency_ms"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

// GenerationRecord is written once per request and never updated.
type GenerationRecord struct {
	RequestID           string           `json:"request_id"`
	AccountID           string           `json:"account_id"`
	Status              GenerationStatus `json:"status"`
	RequestedCount      int              `json:"requested_count"`
	SucceededImageURLs  []string         `json:"succeeded_image_urls"`
	FailedSlotCount     int              `json:"failed_slot_count"`
	PersistFailedSlots  int              `json:"persist_failed_slots"`
	TotalDurationMs     int64            `json:"total_duration_ms"`
	CreditsCharged      int              `json:"credits_charged"`
	CreditsRefunded     int              `json:"credits_refunded"`
	NeedsReconciliation bool             `json:"needs_reconciliation"`
	CreatedAt           time.Time        `json:"created_at"`
}

// BillingEvent is a top-up delivered by the billing provider.
type BillingEvent struct {
	ID              int64     `json:"id"`
	Provider        string    `json:"provider"`
	ProviderEventID string    `json:"provider_event_id"`
	AccountID       string    `json:"account_id"`
	Pool            Pool      `json:"pool"`
	Credits         int       `json:"credits"`
	RawPayload      string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// ReconciliationEvent describes billing state that needs manual follow-up.
type ReconciliationEvent struct {
	RequestID      string
	AccountID      string
	Reason         string
	SucceededCount int
	CreditsCharged int
	Err            string
}
