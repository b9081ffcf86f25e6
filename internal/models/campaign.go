package models

import "time"

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft   CampaignStatus = "draft"
	CampaignSending CampaignStatus = "sending"
	CampaignSent    CampaignStatus = "sent"
	CampaignFailed  CampaignStatus = "failed"
)

// Valid reports whether s is a known status
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignSending, CampaignSent, CampaignFailed:
		return true
	}
	return false
}

// PolicyKind selects how a campaign's recipients are resolved
type PolicyKind string

const (
	PolicyManual     PolicyKind = "manual"      // explicit address list
	PolicyClients    PolicyKind = "clients"     // clients tagged with a group
	PolicyAllClients PolicyKind = "all_clients" // every client with an email
)

// Policy is the recipient-selection policy of a campaign
type Policy struct {
	Kind       PolicyKind `json:"kind"`
	Recipients []string   `json:"recipients,omitempty"`
	Group      string     `json:"group,omitempty"`
}

// RecipientError is one failed delivery recorded in campaign statistics
type RecipientError struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

// Stats holds rolling delivery statistics of a campaign
type Stats struct {
	Total  int              `json:"total"`
	Sent   int              `json:"sent"`
	Failed int              `json:"failed"`
	Errors []RecipientError `json:"errors"`
}

// Campaign is one outbound email blast
type Campaign struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	TemplateID      string         `json:"template_id"`
	Subject         string         `json:"subject"`
	Policy          Policy         `json:"policy"`
	Status          CampaignStatus `json:"status"`
	Stats           Stats          `json:"stats"`
	LastBatchSentAt *time.Time     `json:"last_batch_sent_at,omitempty"`
	SentAt          *time.Time     `json:"sent_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`

	// Enqueuing is set while a send request expands the policy.
	Enqueuing bool `json:"-"`
}

// CampaignListFilter for filtering campaigns
type CampaignListFilter struct {
	Search string
	Status CampaignStatus
	Limit  int
	Offset int
}
