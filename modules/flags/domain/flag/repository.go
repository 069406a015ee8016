package flag

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("feature flag not found")
	ErrVersionConflict = errors.New("feature flag was modified concurrently")
	ErrDuplicateKey    = errors.New("feature flag key already exists")
)

type Repository interface {
	GetByID(ctx context.Context, teamID, id uuid.UUID) (*FeatureFlag, error)
	// GetForUpdate reads the flag holding a row lock for the rest of the transaction.
	GetForUpdate(ctx context.Context, teamID, id uuid.UUID) (*FeatureFlag, error)
	List(ctx context.Context, teamID uuid.UUID) ([]*FeatureFlag, error)
	Create(ctx context.Context, f *FeatureFlag) error
	// Save persists the mutable fields when the stored version still equals
	// f.Version and bumps the version.
	Save(ctx context.Context, f *FeatureFlag) error
}
