package campaign

import (
	"errors"
	"fmt"

	"github.com/foxzi/crmdispatch/internal/models"
)

// ErrNotFound is returned when a campaign id does not resolve
var ErrNotFound = errors.New("campaign not found")

// ValidationError reports malformed campaign input. Nothing was stored.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvalidStateError reports an operation outside its lifecycle window
type InvalidStateError struct {
	Op     string
	Status models.CampaignStatus
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s campaign: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("cannot %s campaign in status %s", e.Op, e.Status)
}

// DependencyError reports that a template or the client directory cannot
// satisfy a send precondition. The campaign stays in draft.
type DependencyError struct {
	Message string
}

func (e *DependencyError) Error() string {
	return e.Message
}

func invalidState(op string, c *models.Campaign) error {
	if c.Enqueuing {
		return &InvalidStateError{Op: op, Status: c.Status, Reason: "send already in progress"}
	}
	return &InvalidStateError{Op: op, Status: c.Status}
}
