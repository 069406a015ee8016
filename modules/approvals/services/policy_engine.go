package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"

	"github.com/iota-uz/approvalgate/modules/approvals/actions"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/policy"
	"github.com/iota-uz/approvalgate/pkg/composables"
)

type DecisionResult string

const (
	DecisionAllow           DecisionResult = "ALLOW"
	DecisionDeny            DecisionResult = "DENY"
	DecisionRequireApproval DecisionResult = "REQUIRE_APPROVAL"
)

const (
	ReasonBypass        = "bypass"
	ReasonNoMatch       = "conditions_not_met"
	ReasonNoApprovers   = "no_approvers"
	ReasonNeedsApproval = "approval_required"
)

type Decision struct {
	Result    DecisionResult
	Reason    string
	Message   string
	Policy    *policy.ApprovalPolicy
	Snapshot  *policy.Snapshot
	Approvers []uuid.UUID
}

type PolicyEngine struct {
	policies   policy.Repository
	roles      RoleResolver
	conditions *ConditionEvaluator
}

func NewPolicyEngine(policies policy.Repository, roles RoleResolver, conditions *ConditionEvaluator) *PolicyEngine {
	if conditions == nil {
		conditions = NewConditionEvaluator(string(MatchAny))
	}
	return &PolicyEngine{policies: policies, roles: roles, conditions: conditions}
}

// GetPolicy returns the most specific enabled policy, or nil when the action is not gated.
func (e *PolicyEngine) GetPolicy(ctx context.Context, actionKey string, teamID, organizationID uuid.UUID) (*policy.ApprovalPolicy, error) {
	candidates, err := e.policies.ListEnabled(ctx, actionKey, organizationID, teamID)
	if err != nil {
		return nil, err
	}
	var orgWide *policy.ApprovalPolicy
	for _, p := range candidates {
		if p.IsTeamScoped() {
			return p, nil
		}
		if orgWide == nil {
			orgWide = p
		}
	}
	return orgWide, nil
}

// GetAllMatchingPolicies returns every enabled team or organization policy
// whose conditions match intent. Used for conflict detection only.
func (e *PolicyEngine) GetAllMatchingPolicies(ctx context.Context, actionKey string, teamID, organizationID uuid.UUID, intent *actions.Intent) ([]*policy.ApprovalPolicy, error) {
	candidates, err := e.policies.ListEnabled(ctx, actionKey, organizationID, teamID)
	if err != nil {
		return nil, err
	}
	var out []*policy.ApprovalPolicy
	for _, p := range candidates {
		ok, err := e.EvaluateConditions(p.Conditions, intent)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.ID, err)
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (e *PolicyEngine) EvaluateConditions(conditions json.RawMessage, intent *actions.Intent) (bool, error) {
	return e.conditions.Evaluate(conditions, intent)
}

func (e *PolicyEngine) Evaluate(ctx context.Context, p *policy.ApprovalPolicy, actor composables.Actor, intent *actions.Intent) (*Decision, error) {
	bypass, err := e.bypasses(ctx, p, actor)
	if err != nil {
		return nil, err
	}
	if bypass {
		return &Decision{Result: DecisionAllow, Reason: ReasonBypass, Message: "actor may bypass this policy", Policy: p}, nil
	}

	matched, err := e.EvaluateConditions(p.Conditions, intent)
	if err != nil {
		return nil, err
	}
	if !matched {
		return &Decision{Result: DecisionAllow, Reason: ReasonNoMatch, Message: "policy conditions are not met", Policy: p}, nil
	}

	snapshot := p.Snapshot()
	approvers, err := e.ResolveApprovers(ctx, p.OrganizationID, snapshot)
	if err != nil {
		return nil, err
	}
	if !snapshot.AllowSelfApprove {
		approvers = slices.DeleteFunc(approvers, func(id uuid.UUID) bool { return id == actor.UserID })
	}
	if len(approvers) == 0 {
		return &Decision{
			Result:   DecisionDeny,
			Reason:   ReasonNoApprovers,
			Message:  fmt.Sprintf("policy %q has no eligible approvers", p.Name),
			Policy:   p,
			Snapshot: &snapshot,
		}, nil
	}
	return &Decision{
		Result:    DecisionRequireApproval,
		Reason:    ReasonNeedsApproval,
		Message:   fmt.Sprintf("%d approval(s) required by policy %q", snapshot.EffectiveQuorum(), p.Name),
		Policy:    p,
		Snapshot:  &snapshot,
		Approvers: approvers,
	}, nil
}

func (e *PolicyEngine) bypasses(ctx context.Context, p *policy.ApprovalPolicy, actor composables.Actor) (bool, error) {
	if actor.MembershipLevel != 0 && slices.Contains(p.BypassOrgMembershipLevels, actor.MembershipLevel) {
		return true, nil
	}
	if len(p.BypassRoles) == 0 {
		return false, nil
	}
	roles, err := e.roles.RolesForUser(ctx, p.OrganizationID, actor.UserID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if slices.Contains(p.BypassRoles, r) {
			return true, nil
		}
	}
	return false, nil
}

// ResolveApprovers expands the snapshot users and roles into a sorted, distinct user set.
func (e *PolicyEngine) ResolveApprovers(ctx context.Context, organizationID uuid.UUID, snapshot policy.Snapshot) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]struct{}{}
	for _, u := range snapshot.Users {
		seen[u] = struct{}{}
	}
	if len(snapshot.Roles) > 0 {
		members, err := e.roles.ResolveUserIDsForRoles(ctx, organizationID, snapshot.Roles)
		if err != nil {
			return nil, err
		}
		for _, u := range members {
			seen[u] = struct{}{}
		}
	}
	out := make([]uuid.UUID, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}
