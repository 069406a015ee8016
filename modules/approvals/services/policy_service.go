package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/iota-uz/approvalgate/modules/approvals/domain/policy"
	"github.com/iota-uz/approvalgate/pkg/composables"
)

// PolicyInput is the admin-facing shape of a policy, shared by the HTTP API and YAML import.
type PolicyInput struct {
	Name                      string          `json:"name"`
	TeamID                    *uuid.UUID      `json:"team_id,omitempty"`
	ActionKey                 string          `json:"action_key"`
	Conditions                json.RawMessage `json:"conditions,omitempty"`
	Approvers                 ApproversInput  `json:"approvers"`
	AllowSelfApprove          bool            `json:"allow_self_approve"`
	BypassOrgMembershipLevels []int           `json:"bypass_org_membership_levels,omitempty"`
	BypassRoles               []string        `json:"bypass_roles,omitempty"`
	ExpiresAfter              string          `json:"expires_after,omitempty"`
	Enabled                   *bool           `json:"enabled,omitempty"`
}

type ApproversInput struct {
	Users  []uuid.UUID `json:"users,omitempty"`
	Roles  []string    `json:"roles,omitempty"`
	Quorum int         `json:"quorum,omitempty"`
}

type PolicyService struct {
	repo policy.Repository
	tx   composables.Transactor
	now  func() time.Time
}

func NewPolicyService(repo policy.Repository, tx composables.Transactor, now func() time.Time) *PolicyService {
	if now == nil {
		now = time.Now
	}
	return &PolicyService{repo: repo, tx: tx, now: now}
}

func invalidPolicy(err error) *ServiceError {
	return newServiceError(http.StatusBadRequest, "invalid_policy", err.Error(), err)
}

func (s *PolicyService) build(organizationID uuid.UUID, in PolicyInput, into *policy.ApprovalPolicy) error {
	var expires time.Duration
	if raw := strings.TrimSpace(in.ExpiresAfter); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return invalidPolicy(fmt.Errorf("expires_after: %w", err))
		}
		expires = d
	}
	conditions := in.Conditions
	if len(conditions) == 0 {
		conditions = json.RawMessage(`{}`)
	}
	if _, err := ParseConditions(conditions); err != nil {
		return invalidPolicy(err)
	}
	into.Name = strings.TrimSpace(in.Name)
	into.OrganizationID = organizationID
	into.TeamID = in.TeamID
	into.ActionKey = strings.TrimSpace(in.ActionKey)
	into.Conditions = conditions
	into.ApproverConfig = policy.ApproverConfig{Users: in.Approvers.Users, Roles: in.Approvers.Roles, Quorum: in.Approvers.Quorum}
	into.AllowSelfApprove = in.AllowSelfApprove
	into.BypassOrgMembershipLevels = in.BypassOrgMembershipLevels
	into.BypassRoles = in.BypassRoles
	into.ExpiresAfter = expires
	into.Enabled = in.Enabled == nil || *in.Enabled
	if err := into.Validate(); err != nil {
		return invalidPolicy(err)
	}
	return nil
}

func (s *PolicyService) List(ctx context.Context, actor composables.Actor) ([]*policy.ApprovalPolicy, error) {
	items, err := s.repo.List(ctx, actor.OrganizationID)
	return items, mapRepositoryError(err)
}

func (s *PolicyService) Get(ctx context.Context, actor composables.Actor, id uuid.UUID) (*policy.ApprovalPolicy, error) {
	p, err := s.repo.GetByID(ctx, actor.OrganizationID, id)
	return p, mapRepositoryError(err)
}

func (s *PolicyService) Create(ctx context.Context, actor composables.Actor, in PolicyInput) (*policy.ApprovalPolicy, error) {
	now := s.now().UTC()
	p := &policy.ApprovalPolicy{ID: uuid.New(), CreatedBy: &actor.UserID, CreatedAt: now, UpdatedAt: now}
	if err := s.build(actor.OrganizationID, in, p); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, mapRepositoryError(err)
	}
	return p, nil
}

// Update rewrites a policy. Outstanding change requests keep their snapshot.
func (s *PolicyService) Update(ctx context.Context, actor composables.Actor, id uuid.UUID, in PolicyInput) (*policy.ApprovalPolicy, error) {
	var out *policy.ApprovalPolicy
	err := s.tx.InTx(ctx, func(txCtx context.Context) error {
		p, err := s.repo.GetByID(txCtx, actor.OrganizationID, id)
		if err != nil {
			return mapRepositoryError(err)
		}
		if err := s.build(actor.OrganizationID, in, p); err != nil {
			return err
		}
		p.UpdatedAt = s.now().UTC()
		if err := s.repo.Update(txCtx, p); err != nil {
			return mapRepositoryError(err)
		}
		out = p
		return nil
	})
	return out, err
}

func (s *PolicyService) Delete(ctx context.Context, actor composables.Actor, id uuid.UUID) error {
	return mapRepositoryError(s.repo.Delete(ctx, actor.OrganizationID, id))
}

type ImportReport struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

func sameScope(p *policy.ApprovalPolicy, teamID *uuid.UUID, actionKey string) bool {
	if p.ActionKey != actionKey {
		return false
	}
	if p.TeamID == nil || teamID == nil {
		return p.TeamID == nil && teamID == nil
	}
	return *p.TeamID == *teamID
}

// Import upserts policies keyed by (team, action_key) in one transaction.
func (s *PolicyService) Import(ctx context.Context, actor composables.Actor, inputs []PolicyInput) (ImportReport, error) {
	var report ImportReport
	err := s.tx.InTx(ctx, func(txCtx context.Context) error {
		existing, err := s.repo.List(txCtx, actor.OrganizationID)
		if err != nil {
			return mapRepositoryError(err)
		}
		for i, in := range inputs {
			var target *policy.ApprovalPolicy
			for _, p := range existing {
				if sameScope(p, in.TeamID, strings.TrimSpace(in.ActionKey)) {
					target = p
					break
				}
			}
			if target == nil {
				p, err := s.Create(txCtx, actor, in)
				if err != nil {
					return fmt.Errorf("policy #%d (%s): %w", i+1, in.Name, err)
				}
				existing = append(existing, p)
				report.Created++
				continue
			}
			if err := s.build(actor.OrganizationID, in, target); err != nil {
				return fmt.Errorf("policy #%d (%s): %w", i+1, in.Name, err)
			}
			target.UpdatedAt = s.now().UTC()
			if err := s.repo.Update(txCtx, target); err != nil {
				return mapRepositoryError(err)
			}
			report.Updated++
		}
		return nil
	})
	return report, err
}

type policyFile struct {
	Policies []policyYAML `yaml:"policies"`
}

type policyYAML struct {
	Name                      string        `yaml:"name"`
	Team                      string        `yaml:"team"`
	ActionKey                 string        `yaml:"action_key"`
	Conditions                any           `yaml:"conditions"`
	Approvers                 approversYAML `yaml:"approvers"`
	AllowSelfApprove          bool          `yaml:"allow_self_approve"`
	BypassOrgMembershipLevels []int         `yaml:"bypass_org_membership_levels"`
	BypassRoles               []string      `yaml:"bypass_roles"`
	ExpiresAfter              string        `yaml:"expires_after"`
	Enabled                   *bool         `yaml:"enabled"`
}

type approversYAML struct {
	Users  []string `yaml:"users"`
	Roles  []string `yaml:"roles"`
	Quorum int      `yaml:"quorum"`
}

// ParsePolicyFile reads a YAML policy document:
//
//	policies:
//	  - name: release gate
//	    action_key: feature_flag.update_rollout
//	    conditions: {type: change_amount, field: rollout_percentage, operator: ">", value: 20}
//	    approvers: {roles: [release_managers], quorum: 2}
func ParsePolicyFile(r io.Reader) ([]PolicyInput, error) {
	var doc policyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode policy file: %w", err)
	}
	out := make([]PolicyInput, 0, len(doc.Policies))
	for i, p := range doc.Policies {
		in := PolicyInput{
			Name:                      p.Name,
			ActionKey:                 p.ActionKey,
			Approvers:                 ApproversInput{Roles: p.Approvers.Roles, Quorum: p.Approvers.Quorum},
			AllowSelfApprove:          p.AllowSelfApprove,
			BypassOrgMembershipLevels: p.BypassOrgMembershipLevels,
			BypassRoles:               p.BypassRoles,
			ExpiresAfter:              p.ExpiresAfter,
			Enabled:                   p.Enabled,
		}
		if t := strings.TrimSpace(p.Team); t != "" {
			id, err := uuid.Parse(t)
			if err != nil {
				return nil, fmt.Errorf("policy #%d: team: %w", i+1, err)
			}
			in.TeamID = &id
		}
		for _, u := range p.Approvers.Users {
			id, err := uuid.Parse(strings.TrimSpace(u))
			if err != nil {
				return nil, fmt.Errorf("policy #%d: approver %q: %w", i+1, u, err)
			}
			in.Approvers.Users = append(in.Approvers.Users, id)
		}
		if p.Conditions != nil {
			raw, err := json.Marshal(p.Conditions)
			if err != nil {
				return nil, fmt.Errorf("policy #%d: conditions: %w", i+1, err)
			}
			in.Conditions = raw
		}
		out = append(out, in)
	}
	return out, nil
}
