// Package changerequesttest provides an in-memory changerequest.Repository for tests.
package changerequesttest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
)

type MemoryRepository struct {
	mu        sync.Mutex
	requests  map[uuid.UUID]*changerequest.ChangeRequest
	approvals []*changerequest.Approval
	// FailUpdateState makes UpdateState fail for the given request id.
	FailUpdateState map[uuid.UUID]error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		requests:        map[uuid.UUID]*changerequest.ChangeRequest{},
		FailUpdateState: map[uuid.UUID]error{},
	}
}

func clone(cr *changerequest.ChangeRequest) *changerequest.ChangeRequest {
	raw, _ := json.Marshal(cr)
	var out changerequest.ChangeRequest
	_ = json.Unmarshal(raw, &out)
	return &out
}

// Put stores cr as is, bypassing Create checks.
func (r *MemoryRepository) Put(cr *changerequest.ChangeRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[cr.ID] = clone(cr)
}

func (r *MemoryRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *MemoryRepository) Create(_ context.Context, cr *changerequest.ChangeRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.requests {
		if existing.State.IsOpen() &&
			existing.TeamID == cr.TeamID &&
			existing.ActionKey == cr.ActionKey &&
			existing.ResourceType == cr.ResourceType &&
			existing.ResourceID == cr.ResourceID {
			return changerequest.ErrDuplicatePending
		}
	}
	if cr.ID == uuid.Nil {
		cr.ID = uuid.New()
	}
	r.requests[cr.ID] = clone(cr)
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*changerequest.ChangeRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cr, ok := r.requests[id]
	if !ok {
		return nil, changerequest.ErrNotFound
	}
	return clone(cr), nil
}

func (r *MemoryRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*changerequest.ChangeRequest, error) {
	return r.GetByID(ctx, id)
}

func (r *MemoryRepository) FindOpen(_ context.Context, teamID uuid.UUID, actionKey, resourceType, resourceID string) (*changerequest.ChangeRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cr := range r.requests {
		if cr.State.IsOpen() && cr.TeamID == teamID && cr.ActionKey == actionKey && cr.ResourceType == resourceType && cr.ResourceID == resourceID {
			return clone(cr), nil
		}
	}
	return nil, changerequest.ErrNotFound
}

func (r *MemoryRepository) sorted(keep func(*changerequest.ChangeRequest) bool) []*changerequest.ChangeRequest {
	var out []*changerequest.ChangeRequest
	for _, cr := range r.requests {
		if keep(cr) {
			out = append(out, clone(cr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (r *MemoryRepository) List(_ context.Context, f changerequest.Filter) ([]*changerequest.ChangeRequest, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sorted(func(cr *changerequest.ChangeRequest) bool {
		switch {
		case cr.OrganizationID != f.OrganizationID:
			return false
		case f.TeamID != nil && cr.TeamID != *f.TeamID:
			return false
		case f.State != "" && cr.State != f.State:
			return false
		case f.ActionKey != "" && cr.ActionKey != f.ActionKey:
			return false
		case f.RequesterID != nil && cr.CreatedBy != *f.RequesterID:
			return false
		case f.ResourceType != "" && cr.ResourceType != f.ResourceType:
			return false
		case f.ResourceID != "" && cr.ResourceID != f.ResourceID:
			return false
		}
		return true
	})
	total := len(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, total, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func page(items []*changerequest.ChangeRequest, after uuid.UUID, limit int) []*changerequest.ChangeRequest {
	var out []*changerequest.ChangeRequest
	for _, cr := range items {
		if after != uuid.Nil && cr.ID.String() <= after.String() {
			continue
		}
		out = append(out, cr)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (r *MemoryRepository) ListPending(_ context.Context, after uuid.UUID, limit int) ([]*changerequest.ChangeRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return page(r.sorted(func(cr *changerequest.ChangeRequest) bool {
		return cr.State == changerequest.StatePending
	}), after, limit), nil
}

func (r *MemoryRepository) ListExpirable(_ context.Context, now time.Time, after uuid.UUID, limit int) ([]*changerequest.ChangeRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return page(r.sorted(func(cr *changerequest.ChangeRequest) bool {
		return cr.State == changerequest.StatePending && !cr.ExpiresAt.After(now)
	}), after, limit), nil
}

func (r *MemoryRepository) UpdateState(_ context.Context, cr *changerequest.ChangeRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.FailUpdateState[cr.ID]; err != nil {
		return err
	}
	stored, ok := r.requests[cr.ID]
	if !ok {
		return changerequest.ErrNotFound
	}
	next := clone(cr)
	next.PolicySnapshot = stored.PolicySnapshot
	next.Intent = stored.Intent
	r.requests[cr.ID] = next
	return nil
}

func (r *MemoryRepository) UpdateValidation(_ context.Context, id uuid.UUID, status changerequest.ValidationStatus, problems []string, validatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cr, ok := r.requests[id]
	if !ok {
		return changerequest.ErrNotFound
	}
	cr.ValidationStatus = status
	cr.ValidationErrors = problems
	cr.ValidatedAt = &validatedAt
	return nil
}

func (r *MemoryRepository) InsertApproval(_ context.Context, a *changerequest.Approval) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.approvals {
		if existing.ChangeRequestID == a.ChangeRequestID && existing.CreatedBy == a.CreatedBy {
			return changerequest.ErrDuplicateVote
		}
	}
	cp := *a
	r.approvals = append(r.approvals, &cp)
	return nil
}

func (r *MemoryRepository) ListApprovals(_ context.Context, changeRequestID uuid.UUID) ([]*changerequest.Approval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*changerequest.Approval
	for _, a := range r.approvals {
		if a.ChangeRequestID == changeRequestID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) CountApprovals(_ context.Context, changeRequestID uuid.UUID, decision changerequest.Decision) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.approvals {
		if a.ChangeRequestID == changeRequestID && a.Decision == decision {
			n++
		}
	}
	return n, nil
}
