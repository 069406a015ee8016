package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	DefaultQuorum       = 1
	DefaultExpiresAfter = 14 * 24 * time.Hour
)

// ApproverConfig names who may approve and how many distinct approvals are needed.
type ApproverConfig struct {
	Users  []uuid.UUID `json:"users"`
	Roles  []string    `json:"roles"`
	Quorum int         `json:"quorum" validate:"gte=0"`
}

func (c ApproverConfig) EffectiveQuorum() int {
	if c.Quorum <= 0 {
		return DefaultQuorum
	}
	return c.Quorum
}

type ApprovalPolicy struct {
	ID                        uuid.UUID       `json:"id"`
	Name                      string          `json:"name" validate:"required,max=255"`
	OrganizationID            uuid.UUID       `json:"organization_id" validate:"required"`
	TeamID                    *uuid.UUID      `json:"team_id,omitempty"`
	ActionKey                 string          `json:"action_key" validate:"required,max=128"`
	Conditions                json.RawMessage `json:"conditions"`
	ApproverConfig            ApproverConfig  `json:"approver_config"`
	AllowSelfApprove          bool            `json:"allow_self_approve"`
	BypassOrgMembershipLevels []int           `json:"bypass_org_membership_levels"`
	BypassRoles               []string        `json:"bypass_roles"`
	ExpiresAfter              time.Duration   `json:"expires_after" validate:"gte=0"`
	Enabled                   bool            `json:"enabled"`
	CreatedBy                 *uuid.UUID      `json:"created_by,omitempty"`
	CreatedAt                 time.Time       `json:"created_at"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

// IsTeamScoped reports whether the policy overrides the organization default for one team.
func (p *ApprovalPolicy) IsTeamScoped() bool {
	return p.TeamID != nil && *p.TeamID != uuid.Nil
}

func (p *ApprovalPolicy) EffectiveExpiresAfter(fallback time.Duration) time.Duration {
	if p.ExpiresAfter > 0 {
		return p.ExpiresAfter
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultExpiresAfter
}

// Snapshot freezes the approver configuration at decision time.
func (p *ApprovalPolicy) Snapshot() Snapshot {
	users := make([]uuid.UUID, len(p.ApproverConfig.Users))
	copy(users, p.ApproverConfig.Users)
	roles := make([]string, len(p.ApproverConfig.Roles))
	copy(roles, p.ApproverConfig.Roles)
	return Snapshot{
		PolicyID:         p.ID,
		PolicyName:       p.Name,
		Users:            users,
		Roles:            roles,
		Quorum:           p.ApproverConfig.EffectiveQuorum(),
		AllowSelfApprove: p.AllowSelfApprove,
	}
}

var validate = sync.OnceValue(func() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
})

// Validate checks the document shape. Condition syntax is checked by the policy engine.
func (p *ApprovalPolicy) Validate() error {
	if err := validate().Struct(p); err != nil {
		return err
	}
	if len(p.ApproverConfig.Users) == 0 && len(p.ApproverConfig.Roles) == 0 {
		return fmt.Errorf("approver_config must list at least one user or role")
	}
	for _, r := range p.ApproverConfig.Roles {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("approver_config.roles must not contain blank entries")
		}
	}
	if len(p.Conditions) > 0 && !json.Valid(p.Conditions) {
		return fmt.Errorf("conditions must be valid JSON")
	}
	return nil
}

// Snapshot is the immutable copy of a policy stored on a change request.
type Snapshot struct {
	PolicyID         uuid.UUID   `json:"policy_id"`
	PolicyName       string      `json:"policy_name"`
	Users            []uuid.UUID `json:"users"`
	Roles            []string    `json:"roles"`
	Quorum           int         `json:"quorum"`
	AllowSelfApprove bool        `json:"allow_self_approve"`
}

func (s Snapshot) EffectiveQuorum() int {
	if s.Quorum <= 0 {
		return DefaultQuorum
	}
	return s.Quorum
}

func (s Snapshot) HasUser(id uuid.UUID) bool {
	for _, u := range s.Users {
		if u == id {
			return true
		}
	}
	return false
}
