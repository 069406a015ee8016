package persistence

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iota-uz/approvalgate/modules/flags/domain/flag"
	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/repo"
)

const featureFlagsTable = "feature_flags"

type FeatureFlagRepository struct{}

func NewFeatureFlagRepository() flag.Repository {
	return &FeatureFlagRepository{}
}

func featureFlagColumns() string {
	return strings.Join([]string{
		"id",
		"organization_id",
		"team_id",
		"key",
		"name",
		"active",
		"filters",
		"version",
		"deleted",
		"created_by",
		"updated_by",
		"created_at",
		"updated_at",
	}, ", ")
}

func scanFeatureFlag(row pgx.Row) (*flag.FeatureFlag, error) {
	var (
		f       flag.FeatureFlag
		filters []byte
	)
	if err := row.Scan(
		&f.ID,
		&f.OrganizationID,
		&f.TeamID,
		&f.Key,
		&f.Name,
		&f.Active,
		&filters,
		&f.Version,
		&f.Deleted,
		&f.CreatedBy,
		&f.UpdatedBy,
		&f.CreatedAt,
		&f.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, flag.ErrNotFound
		}
		return nil, errors.Wrap(err, "scan feature flag")
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &f.Filters); err != nil {
			return nil, errors.Wrap(err, "decode feature flag filters")
		}
	}
	return &f, nil
}

func (r *FeatureFlagRepository) get(ctx context.Context, teamID, id uuid.UUID, lock string) (*flag.FeatureFlag, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	query := repo.Join(
		"SELECT", featureFlagColumns(),
		"FROM", featureFlagsTable,
		"WHERE team_id = $1 AND id = $2",
		lock,
	)
	return scanFeatureFlag(tx.QueryRow(ctx, query, teamID, id))
}

func (r *FeatureFlagRepository) GetByID(ctx context.Context, teamID, id uuid.UUID) (*flag.FeatureFlag, error) {
	return r.get(ctx, teamID, id, "")
}

func (r *FeatureFlagRepository) GetForUpdate(ctx context.Context, teamID, id uuid.UUID) (*flag.FeatureFlag, error) {
	return r.get(ctx, teamID, id, "FOR UPDATE")
}

func (r *FeatureFlagRepository) List(ctx context.Context, teamID uuid.UUID) ([]*flag.FeatureFlag, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	query := repo.Join(
		"SELECT", featureFlagColumns(),
		"FROM", featureFlagsTable,
		"WHERE team_id = $1 AND deleted = false",
		"ORDER BY key ASC",
	)
	rows, err := tx.Query(ctx, query, teamID)
	if err != nil {
		return nil, errors.Wrap(err, "list feature flags")
	}
	defer rows.Close()

	var out []*flag.FeatureFlag
	for rows.Next() {
		f, err := scanFeatureFlag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *FeatureFlagRepository) Create(ctx context.Context, f *flag.FeatureFlag) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	filters, err := json.Marshal(f.Filters)
	if err != nil {
		return errors.Wrap(err, "encode feature flag filters")
	}

	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now
	f.Version = 1

	fields := []string{
		"organization_id",
		"team_id",
		"key",
		"name",
		"active",
		"filters",
		"version",
		"created_by",
		"updated_by",
		"created_at",
		"updated_at",
	}
	args := []any{
		f.OrganizationID,
		f.TeamID,
		f.Key,
		f.Name,
		f.Active,
		filters,
		f.Version,
		f.CreatedBy,
		f.UpdatedBy,
		f.CreatedAt,
		f.UpdatedAt,
	}
	if err := tx.QueryRow(ctx, repo.Insert(featureFlagsTable, fields, "id"), args...).Scan(&f.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return flag.ErrDuplicateKey
		}
		return errors.Wrap(err, "insert feature flag")
	}
	return nil
}

func (r *FeatureFlagRepository) Save(ctx context.Context, f *flag.FeatureFlag) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	filters, err := json.Marshal(f.Filters)
	if err != nil {
		return errors.Wrap(err, "encode feature flag filters")
	}

	query := `
		UPDATE feature_flags
		SET name = $1, active = $2, filters = $3, deleted = $4, updated_by = $5,
		    version = version + 1, updated_at = $6
		WHERE id = $7 AND team_id = $8 AND version = $9
		RETURNING version, updated_at
	`
	err = tx.QueryRow(ctx, query,
		f.Name,
		f.Active,
		filters,
		f.Deleted,
		f.UpdatedBy,
		time.Now().UTC(),
		f.ID,
		f.TeamID,
		f.Version,
	).Scan(&f.Version, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return flag.ErrVersionConflict
	}
	if err != nil {
		return errors.Wrap(err, "update feature flag")
	}
	return nil
}
