package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iota-uz/approvalgate/modules/approvals/domain/policy"
	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/repo"
)

const policiesTable = "approval_policies"

type PolicyRepository struct{}

func NewPolicyRepository() policy.Repository {
	return &PolicyRepository{}
}

func policyColumns() string {
	return strings.Join([]string{
		"id",
		"name",
		"organization_id",
		"team_id",
		"action_key",
		"conditions",
		"approver_config",
		"allow_self_approve",
		"bypass_org_membership_levels",
		"bypass_roles",
		"expires_after_seconds",
		"enabled",
		"created_by",
		"created_at",
		"updated_at",
	}, ", ")
}

func scanPolicy(row pgx.Row) (*policy.ApprovalPolicy, error) {
	var (
		p       policy.ApprovalPolicy
		config  []byte
		expires int64
	)
	if err := row.Scan(
		&p.ID,
		&p.Name,
		&p.OrganizationID,
		&p.TeamID,
		&p.ActionKey,
		&p.Conditions,
		&config,
		&p.AllowSelfApprove,
		&p.BypassOrgMembershipLevels,
		&p.BypassRoles,
		&expires,
		&p.Enabled,
		&p.CreatedBy,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, policy.ErrNotFound
		}
		return nil, errors.Wrap(err, "scan approval policy")
	}
	if err := json.Unmarshal(config, &p.ApproverConfig); err != nil {
		return nil, errors.Wrap(err, "decode approver config")
	}
	p.ExpiresAfter = time.Duration(expires) * time.Second
	return &p, nil
}

func collectPolicies(rows pgx.Rows) ([]*policy.ApprovalPolicy, error) {
	defer rows.Close()
	var out []*policy.ApprovalPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// policyArgs returns the values of policyWriteFields, in order.
func policyArgs(p *policy.ApprovalPolicy) ([]any, error) {
	config, err := json.Marshal(p.ApproverConfig)
	if err != nil {
		return nil, errors.Wrap(err, "encode approver config")
	}
	conditions := []byte(p.Conditions)
	if len(conditions) == 0 {
		conditions = []byte(`{}`)
	}
	levels := p.BypassOrgMembershipLevels
	if levels == nil {
		levels = []int{}
	}
	roles := p.BypassRoles
	if roles == nil {
		roles = []string{}
	}
	return []any{
		p.Name,
		p.TeamID,
		p.ActionKey,
		conditions,
		config,
		p.AllowSelfApprove,
		levels,
		roles,
		int64(p.ExpiresAfter / time.Second),
		p.Enabled,
		p.UpdatedAt,
	}, nil
}

var policyWriteFields = []string{
	"name",
	"team_id",
	"action_key",
	"conditions",
	"approver_config",
	"allow_self_approve",
	"bypass_org_membership_levels",
	"bypass_roles",
	"expires_after_seconds",
	"enabled",
	"updated_at",
}

func mapPolicyWriteError(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return policy.ErrDuplicate
	}
	return errors.Wrap(err, op)
}

func (r *PolicyRepository) GetByID(ctx context.Context, organizationID, id uuid.UUID) (*policy.ApprovalPolicy, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	query := repo.Join(
		"SELECT", policyColumns(),
		"FROM", policiesTable,
		"WHERE organization_id = $1 AND id = $2",
	)
	return scanPolicy(tx.QueryRow(ctx, query, organizationID, id))
}

// ListEnabled returns the team-scoped policies first, then the organization-wide ones.
func (r *PolicyRepository) ListEnabled(ctx context.Context, actionKey string, organizationID, teamID uuid.UUID) ([]*policy.ApprovalPolicy, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	query := repo.Join(
		"SELECT", policyColumns(),
		"FROM", policiesTable,
		"WHERE enabled AND action_key = $1 AND organization_id = $2",
		"AND (team_id IS NULL OR team_id = $3)",
		"ORDER BY (team_id IS NULL), created_at, id",
	)
	rows, err := tx.Query(ctx, query, actionKey, organizationID, teamID)
	if err != nil {
		return nil, errors.Wrap(err, "list enabled approval policies")
	}
	return collectPolicies(rows)
}

func (r *PolicyRepository) List(ctx context.Context, organizationID uuid.UUID) ([]*policy.ApprovalPolicy, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	query := repo.Join(
		"SELECT", policyColumns(),
		"FROM", policiesTable,
		"WHERE organization_id = $1",
		"ORDER BY action_key, (team_id IS NULL), created_at",
	)
	rows, err := tx.Query(ctx, query, organizationID)
	if err != nil {
		return nil, errors.Wrap(err, "list approval policies")
	}
	return collectPolicies(rows)
}

func (r *PolicyRepository) Create(ctx context.Context, p *policy.ApprovalPolicy) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	args, err := policyArgs(p)
	if err != nil {
		return err
	}
	fields := append([]string{"id", "organization_id", "created_by", "created_at"}, policyWriteFields...)
	args = append([]any{p.ID, p.OrganizationID, p.CreatedBy, p.CreatedAt}, args...)
	if _, err := tx.Exec(ctx, repo.Insert(policiesTable, fields), args...); err != nil {
		return mapPolicyWriteError(err, "insert approval policy")
	}
	return nil
}

func (r *PolicyRepository) Update(ctx context.Context, p *policy.ApprovalPolicy) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	args, err := policyArgs(p)
	if err != nil {
		return err
	}
	n := len(policyWriteFields)
	query := repo.Update(policiesTable, policyWriteFields,
		fmt.Sprintf("id = $%d", n+1),
		fmt.Sprintf("organization_id = $%d", n+2),
	)
	tag, err := tx.Exec(ctx, query, append(args, p.ID, p.OrganizationID)...)
	if err != nil {
		return mapPolicyWriteError(err, "update approval policy")
	}
	if tag.RowsAffected() == 0 {
		return policy.ErrNotFound
	}
	return nil
}

func (r *PolicyRepository) Delete(ctx context.Context, organizationID, id uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, "DELETE FROM approval_policies WHERE organization_id = $1 AND id = $2", organizationID, id)
	if err != nil {
		return errors.Wrap(err, "delete approval policy")
	}
	if tag.RowsAffected() == 0 {
		return policy.ErrNotFound
	}
	return nil
}
