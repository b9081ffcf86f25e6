package models

import "time"

// RecipientStatus is the delivery state of a ledger row
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// LedgerRow is a single recipient of a campaign with its delivery outcome
type LedgerRow struct {
	ID         string          `json:"id"`
	CampaignID string          `json:"campaign_id"`
	Email      string          `json:"email"`
	Status     RecipientStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	SentAt     *time.Time      `json:"sent_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// LedgerFilter for paging through a campaign's ledger
type LedgerFilter struct {
	CampaignID string
	Status     RecipientStatus
	Limit      int
	Offset     int
}
