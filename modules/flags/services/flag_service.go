package services

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/iota-uz/approvalgate/modules/flags/domain/flag"
	"github.com/iota-uz/approvalgate/pkg/composables"
)

// ValidationError carries the problems reported by FeatureFlag.Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid feature flag: " + strings.Join(e.Problems, "; ")
}

type FlagService struct {
	repo flag.Repository
	tx   composables.Transactor
}

func NewFlagService(repo flag.Repository, tx composables.Transactor) *FlagService {
	return &FlagService{repo: repo, tx: tx}
}

func (s *FlagService) Repository() flag.Repository {
	return s.repo
}

func (s *FlagService) Get(ctx context.Context, teamID, id uuid.UUID) (*flag.FeatureFlag, error) {
	return s.repo.GetByID(ctx, teamID, id)
}

func (s *FlagService) List(ctx context.Context, teamID uuid.UUID) ([]*flag.FeatureFlag, error) {
	return s.repo.List(ctx, teamID)
}

type CreateInput struct {
	Key     string       `json:"key"`
	Name    string       `json:"name"`
	Active  bool         `json:"active"`
	Filters flag.Filters `json:"filters"`
}

func (s *FlagService) Create(ctx context.Context, actor composables.Actor, in CreateInput) (*flag.FeatureFlag, error) {
	f := &flag.FeatureFlag{
		OrganizationID: actor.OrganizationID,
		TeamID:         actor.TeamID,
		Key:            strings.TrimSpace(in.Key),
		Name:           in.Name,
		Active:         in.Active,
		Filters:        in.Filters,
		CreatedBy:      &actor.UserID,
		UpdatedBy:      &actor.UserID,
	}
	if problems := f.Validate(); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	if err := s.repo.Create(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// PatchInput holds the fields a PATCH may change; nil means untouched.
type PatchInput struct {
	Name    *string       `json:"name,omitempty"`
	Active  *bool         `json:"active,omitempty"`
	Filters *flag.Filters `json:"filters,omitempty"`
	Deleted *bool         `json:"deleted,omitempty"`
}

// Patch applies an ungated update directly under a row lock.
func (s *FlagService) Patch(ctx context.Context, actor composables.Actor, id uuid.UUID, in PatchInput) (*flag.FeatureFlag, error) {
	var out *flag.FeatureFlag
	err := s.tx.InTx(ctx, func(txCtx context.Context) error {
		f, err := s.repo.GetForUpdate(txCtx, actor.TeamID, id)
		if err != nil {
			return err
		}
		if in.Name != nil {
			f.Name = *in.Name
		}
		if in.Active != nil {
			f.Active = *in.Active
		}
		if in.Filters != nil {
			f.Filters = *in.Filters
		}
		if in.Deleted != nil {
			f.Deleted = *in.Deleted
		}
		if problems := f.Validate(); len(problems) > 0 && !f.Deleted {
			return &ValidationError{Problems: problems}
		}
		f.UpdatedBy = &actor.UserID
		if err := s.repo.Save(txCtx, f); err != nil {
			return err
		}
		out = f
		return nil
	})
	return out, err
}
