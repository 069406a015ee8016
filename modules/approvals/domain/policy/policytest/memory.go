// Package policytest provides an in-memory policy.Repository for tests.
package policytest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/iota-uz/approvalgate/modules/approvals/domain/policy"
)

type MemoryRepository struct {
	mu       sync.Mutex
	policies map[uuid.UUID]*policy.ApprovalPolicy
	order    []uuid.UUID
}

func NewMemoryRepository(policies ...*policy.ApprovalPolicy) *MemoryRepository {
	r := &MemoryRepository{policies: map[uuid.UUID]*policy.ApprovalPolicy{}}
	for _, p := range policies {
		_ = r.Create(context.Background(), p)
	}
	return r
}

func clone(p *policy.ApprovalPolicy) *policy.ApprovalPolicy {
	cp := *p
	cp.ApproverConfig.Users = append([]uuid.UUID(nil), p.ApproverConfig.Users...)
	cp.ApproverConfig.Roles = append([]string(nil), p.ApproverConfig.Roles...)
	return &cp
}

func scopeKey(p *policy.ApprovalPolicy) string {
	team := uuid.Nil
	if p.TeamID != nil {
		team = *p.TeamID
	}
	return p.OrganizationID.String() + "/" + team.String() + "/" + p.ActionKey
}

func (r *MemoryRepository) GetByID(_ context.Context, organizationID, id uuid.UUID) (*policy.ApprovalPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[id]
	if !ok || p.OrganizationID != organizationID {
		return nil, policy.ErrNotFound
	}
	return clone(p), nil
}

func (r *MemoryRepository) ListEnabled(_ context.Context, actionKey string, organizationID, teamID uuid.UUID) ([]*policy.ApprovalPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var team, org []*policy.ApprovalPolicy
	for _, id := range r.order {
		p := r.policies[id]
		if !p.Enabled || p.ActionKey != actionKey || p.OrganizationID != organizationID {
			continue
		}
		switch {
		case p.TeamID == nil:
			org = append(org, clone(p))
		case *p.TeamID == teamID:
			team = append(team, clone(p))
		}
	}
	return append(team, org...), nil
}

func (r *MemoryRepository) List(_ context.Context, organizationID uuid.UUID) ([]*policy.ApprovalPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*policy.ApprovalPolicy
	for _, id := range r.order {
		if p := r.policies[id]; p.OrganizationID == organizationID {
			out = append(out, clone(p))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *MemoryRepository) Create(_ context.Context, p *policy.ApprovalPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.policies {
		if scopeKey(existing) == scopeKey(p) {
			return policy.ErrDuplicate
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	r.policies[p.ID] = clone(p)
	r.order = append(r.order, p.ID)
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, p *policy.ApprovalPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[p.ID]; !ok {
		return policy.ErrNotFound
	}
	for id, existing := range r.policies {
		if id != p.ID && scopeKey(existing) == scopeKey(p) {
			return policy.ErrDuplicate
		}
	}
	r.policies[p.ID] = clone(p)
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, organizationID, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[id]
	if !ok || p.OrganizationID != organizationID {
		return policy.ErrNotFound
	}
	delete(r.policies, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}
