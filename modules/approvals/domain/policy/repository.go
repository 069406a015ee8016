package policy

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("approval policy not found")
	ErrDuplicate = errors.New("approval policy already exists for this scope and action")
)

type Repository interface {
	GetByID(ctx context.Context, organizationID, id uuid.UUID) (*ApprovalPolicy, error)
	// ListEnabled returns enabled policies for the action that apply to the
	// team: the team-scoped ones first, then organization-wide ones.
	ListEnabled(ctx context.Context, actionKey string, organizationID, teamID uuid.UUID) ([]*ApprovalPolicy, error)
	List(ctx context.Context, organizationID uuid.UUID) ([]*ApprovalPolicy, error)
	Create(ctx context.Context, p *ApprovalPolicy) error
	Update(ctx context.Context, p *ApprovalPolicy) error
	Delete(ctx context.Context, organizationID, id uuid.UUID) error
}
