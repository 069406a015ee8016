package services

import (
	"github.com/google/uuid"

	"github.com/iota-uz/approvalgate/pkg/configuration"
)

// RolloutChecker reports whether the approval gate is active for an organization.
type RolloutChecker func(organizationID uuid.UUID) bool

// RolloutFromConfig enables the gate for every organization when the allowlist
// is empty, otherwise only for listed organizations.
func RolloutFromConfig(opts configuration.ApprovalsOptions) RolloutChecker {
	mode := opts.RolloutMode
	allowed := map[uuid.UUID]struct{}{}
	for _, raw := range opts.RolloutOrganizationIDs() {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		allowed[id] = struct{}{}
	}
	return func(organizationID uuid.UUID) bool {
		if organizationID == uuid.Nil || mode != "enabled" {
			return false
		}
		if len(allowed) == 0 {
			return true
		}
		_, ok := allowed[organizationID]
		return ok
	}
}

func AlwaysEnabled(uuid.UUID) bool { return true }
