package changerequest

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("change request not found")
	ErrDuplicatePending  = errors.New("an open change request already exists for this resource")
	ErrDuplicateVote     = errors.New("user has already voted on this change request")
	ErrIllegalTransition = errors.New("illegal change request state transition")
)

// Repository persists change requests and their votes. Approvals are insert-only and
// the policy snapshot is written once by Create.
type Repository interface {
	Create(ctx context.Context, cr *ChangeRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*ChangeRequest, error)
	// GetForUpdate row-locks the request for the rest of the transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*ChangeRequest, error)
	FindOpen(ctx context.Context, teamID uuid.UUID, actionKey, resourceType, resourceID string) (*ChangeRequest, error)
	List(ctx context.Context, filter Filter) ([]*ChangeRequest, int, error)
	// ListPending pages through PENDING requests ordered by id.
	ListPending(ctx context.Context, after uuid.UUID, limit int) ([]*ChangeRequest, error)
	// ListExpirable pages through PENDING requests with expires_at <= now ordered by id.
	ListExpirable(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]*ChangeRequest, error)
	UpdateState(ctx context.Context, cr *ChangeRequest) error
	UpdateValidation(ctx context.Context, id uuid.UUID, status ValidationStatus, problems []string, validatedAt time.Time) error

	InsertApproval(ctx context.Context, a *Approval) error
	ListApprovals(ctx context.Context, changeRequestID uuid.UUID) ([]*Approval, error)
	CountApprovals(ctx context.Context, changeRequestID uuid.UUID, decision Decision) (int, error)
}
