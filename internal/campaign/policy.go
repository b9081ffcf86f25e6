package campaign

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"strings"

	"github.com/foxzi/crmdispatch/internal/models"
)

var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Directory looks up client emails for dynamic policies
type Directory interface {
	GroupExists(ctx context.Context, group string) (bool, error)
	GroupEmails(ctx context.Context, group string) ([]string, error)
	AllEmails(ctx context.Context) iter.Seq2[string, error]
}

// NormalizeEmail trims and lower-cases an address
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidEmail reports whether s looks like a deliverable address
func ValidEmail(s string) bool {
	return emailRegex.MatchString(s)
}

// uniqueEmails normalizes a finite list and drops empties and duplicates,
// keeping first-seen order.
func uniqueEmails(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, raw := range list {
		email := NormalizeEmail(raw)
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	return out
}

func validatePolicy(p models.Policy) error {
	switch p.Kind {
	case models.PolicyManual:
		emails := uniqueEmails(p.Recipients)
		if len(emails) == 0 {
			return &ValidationError{Field: "policy", Message: "at least one recipient is required"}
		}
		for _, email := range emails {
			if !ValidEmail(email) {
				return &ValidationError{Field: "policy", Message: fmt.Sprintf("invalid email address %q", email)}
			}
		}
	case models.PolicyClients:
		if strings.TrimSpace(p.Group) == "" {
			return &ValidationError{Field: "policy", Message: "group is required"}
		}
	case models.PolicyAllClients:
	default:
		return &ValidationError{Field: "policy", Message: fmt.Sprintf("unknown policy kind %q", p.Kind)}
	}
	return nil
}

// estimatedTotal is the draft total shown before sending. Dynamic policies
// are only counted when the ledger is written.
func estimatedTotal(p models.Policy) int {
	if p.Kind == models.PolicyManual {
		return len(uniqueEmails(p.Recipients))
	}
	return 0
}

// Resolve yields the normalized addresses selected by a policy. Finite
// policies are deduplicated here; the all-clients stream is passed through
// the directory cursor and relies on the ledger's per-campaign uniqueness.
func Resolve(ctx context.Context, dir Directory, p models.Policy) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		switch p.Kind {
		case models.PolicyManual:
			for _, email := range uniqueEmails(p.Recipients) {
				if !yield(email, nil) {
					return
				}
			}

		case models.PolicyClients:
			list, err := dir.GroupEmails(ctx, strings.TrimSpace(p.Group))
			if err != nil {
				yield("", fmt.Errorf("failed to resolve group %s: %w", p.Group, err))
				return
			}
			for _, email := range uniqueEmails(list) {
				if !yield(email, nil) {
					return
				}
			}

		case models.PolicyAllClients:
			for raw, err := range dir.AllEmails(ctx) {
				if err != nil {
					yield("", fmt.Errorf("failed to read client directory: %w", err))
					return
				}
				email := NormalizeEmail(raw)
				if email == "" {
					continue
				}
				if !yield(email, nil) {
					return
				}
			}

		default:
			yield("", &ValidationError{Field: "policy", Message: fmt.Sprintf("unknown policy kind %q", p.Kind)})
		}
	}
}
