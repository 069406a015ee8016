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

	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/repo"
)

const (
	changeRequestsTable = "change_requests"
	approvalsTable      = "change_request_approvals"

	openRequestConstraint = "change_requests_open_unique"
	oneVoteConstraint     = "change_request_approvals_one_vote"
)

type ChangeRequestRepository struct{}

func NewChangeRequestRepository() changerequest.Repository {
	return &ChangeRequestRepository{}
}

func changeRequestColumns() string {
	return strings.Join([]string{
		"id",
		"action_key",
		"action_version",
		"organization_id",
		"team_id",
		"resource_type",
		"resource_id",
		"intent",
		"intent_display",
		"policy_snapshot",
		"validation_status",
		"validation_errors",
		"validated_at",
		"state",
		"created_by",
		"applied_by",
		"created_at",
		"updated_at",
		"expires_at",
		"applied_at",
		"apply_error",
		"result_data",
	}, ", ")
}

func scanChangeRequest(row pgx.Row) (*changerequest.ChangeRequest, error) {
	var (
		cr         changerequest.ChangeRequest
		resourceID *string
		snapshot   []byte
		problems   []byte
		applyError *string
	)
	if err := row.Scan(
		&cr.ID,
		&cr.ActionKey,
		&cr.ActionVersion,
		&cr.OrganizationID,
		&cr.TeamID,
		&cr.ResourceType,
		&resourceID,
		&cr.Intent,
		&cr.IntentDisplay,
		&snapshot,
		&cr.ValidationStatus,
		&problems,
		&cr.ValidatedAt,
		&cr.State,
		&cr.CreatedBy,
		&cr.AppliedBy,
		&cr.CreatedAt,
		&cr.UpdatedAt,
		&cr.ExpiresAt,
		&cr.AppliedAt,
		&applyError,
		&cr.ResultData,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, changerequest.ErrNotFound
		}
		return nil, errors.Wrap(err, "scan change request")
	}
	if resourceID != nil {
		cr.ResourceID = *resourceID
	}
	if applyError != nil {
		cr.ApplyError = *applyError
	}
	if err := json.Unmarshal(snapshot, &cr.PolicySnapshot); err != nil {
		return nil, errors.Wrap(err, "decode policy snapshot")
	}
	if len(problems) > 0 {
		if err := json.Unmarshal(problems, &cr.ValidationErrors); err != nil {
			return nil, errors.Wrap(err, "decode validation errors")
		}
	}
	return &cr, nil
}

func collectChangeRequests(rows pgx.Rows) ([]*changerequest.ChangeRequest, error) {
	defer rows.Close()
	var out []*changerequest.ChangeRequest
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func encodeProblems(problems []string) ([]byte, error) {
	if problems == nil {
		problems = []string{}
	}
	return json.Marshal(problems)
}

func constraintViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func (r *ChangeRequestRepository) Create(ctx context.Context, cr *changerequest.ChangeRequest) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	if cr.ID == uuid.Nil {
		cr.ID = uuid.New()
	}
	snapshot, err := json.Marshal(cr.PolicySnapshot)
	if err != nil {
		return errors.Wrap(err, "encode policy snapshot")
	}
	problems, err := encodeProblems(cr.ValidationErrors)
	if err != nil {
		return errors.Wrap(err, "encode validation errors")
	}

	fields := []string{
		"id",
		"action_key",
		"action_version",
		"organization_id",
		"team_id",
		"resource_type",
		"resource_id",
		"intent",
		"intent_display",
		"policy_snapshot",
		"validation_status",
		"validation_errors",
		"validated_at",
		"state",
		"created_by",
		"created_at",
		"updated_at",
		"expires_at",
	}
	args := []any{
		cr.ID,
		cr.ActionKey,
		cr.ActionVersion,
		cr.OrganizationID,
		cr.TeamID,
		cr.ResourceType,
		nullableString(cr.ResourceID),
		[]byte(cr.Intent),
		[]byte(cr.IntentDisplay),
		snapshot,
		cr.ValidationStatus,
		problems,
		cr.ValidatedAt,
		cr.State,
		cr.CreatedBy,
		cr.CreatedAt,
		cr.UpdatedAt,
		cr.ExpiresAt,
	}
	if _, err := tx.Exec(ctx, repo.Insert(changeRequestsTable, fields), args...); err != nil {
		if constraintViolation(err, openRequestConstraint) {
			return changerequest.ErrDuplicatePending
		}
		return errors.Wrap(err, "insert change request")
	}
	return nil
}

func (r *ChangeRequestRepository) get(ctx context.Context, id uuid.UUID, lock string) (*changerequest.ChangeRequest, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	query := repo.Join(
		"SELECT", changeRequestColumns(),
		"FROM", changeRequestsTable,
		"WHERE id = $1",
		lock,
	)
	return scanChangeRequest(tx.QueryRow(ctx, query, id))
}

func (r *ChangeRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*changerequest.ChangeRequest, error) {
	return r.get(ctx, id, "")
}

func (r *ChangeRequestRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*changerequest.ChangeRequest, error) {
	return r.get(ctx, id, "FOR UPDATE")
}

func (r *ChangeRequestRepository) FindOpen(ctx context.Context, teamID uuid.UUID, actionKey, resourceType, resourceID string) (*changerequest.ChangeRequest, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	query := repo.Join(
		"SELECT", changeRequestColumns(),
		"FROM", changeRequestsTable,
		"WHERE team_id = $1 AND action_key = $2 AND resource_type = $3",
		"AND COALESCE(resource_id, '') = $4",
		"AND state IN ('PENDING', 'APPROVED')",
		"ORDER BY created_at DESC LIMIT 1",
	)
	return scanChangeRequest(tx.QueryRow(ctx, query, teamID, actionKey, resourceType, resourceID))
}

func filterExpressions(f changerequest.Filter) ([]string, []any) {
	where := []string{"organization_id = $1"}
	args := []any{f.OrganizationID}
	add := func(expr string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(expr, len(args)))
	}
	if f.TeamID != nil {
		add("team_id = $%d", *f.TeamID)
	}
	if f.State != "" {
		add("state = $%d", f.State)
	}
	if f.ActionKey != "" {
		add("action_key = $%d", f.ActionKey)
	}
	if f.RequesterID != nil {
		add("created_by = $%d", *f.RequesterID)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	return where, args
}

func (r *ChangeRequestRepository) List(ctx context.Context, f changerequest.Filter) ([]*changerequest.ChangeRequest, int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, 0, err
	}
	where, args := filterExpressions(f)

	var total int
	countQuery := repo.Join("SELECT COUNT(*) FROM", changeRequestsTable, repo.JoinWhere(where...))
	if err := tx.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count change requests")
	}

	query := repo.Join(
		"SELECT", changeRequestColumns(),
		"FROM", changeRequestsTable,
		repo.JoinWhere(where...),
		"ORDER BY created_at DESC, id DESC",
		repo.FormatLimitOffset(f.Limit, f.Offset),
	)
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list change requests")
	}
	items, err := collectChangeRequests(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *ChangeRequestRepository) ListPending(ctx context.Context, after uuid.UUID, limit int) ([]*changerequest.ChangeRequest, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	query := repo.Join(
		"SELECT", changeRequestColumns(),
		"FROM", changeRequestsTable,
		"WHERE state = 'PENDING' AND id > $1",
		"ORDER BY id",
		repo.FormatLimitOffset(limit, 0),
	)
	rows, err := tx.Query(ctx, query, after)
	if err != nil {
		return nil, errors.Wrap(err, "list pending change requests")
	}
	return collectChangeRequests(rows)
}

func (r *ChangeRequestRepository) ListExpirable(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]*changerequest.ChangeRequest, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	query := repo.Join(
		"SELECT", changeRequestColumns(),
		"FROM", changeRequestsTable,
		"WHERE state = 'PENDING' AND expires_at <= $1 AND id > $2",
		"ORDER BY id",
		repo.FormatLimitOffset(limit, 0),
	)
	rows, err := tx.Query(ctx, query, now, after)
	if err != nil {
		return nil, errors.Wrap(err, "list expirable change requests")
	}
	return collectChangeRequests(rows)
}

// UpdateState writes the lifecycle columns only. The snapshot and intent are never rewritten.
func (r *ChangeRequestRepository) UpdateState(ctx context.Context, cr *changerequest.ChangeRequest) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	problems, err := encodeProblems(cr.ValidationErrors)
	if err != nil {
		return errors.Wrap(err, "encode validation errors")
	}
	var result []byte
	if len(cr.ResultData) > 0 {
		result = cr.ResultData
	}
	query := repo.Update(changeRequestsTable, []string{
		"state",
		"applied_by",
		"applied_at",
		"apply_error",
		"result_data",
		"validation_status",
		"validation_errors",
		"updated_at",
	}, "id = $9")
	tag, err := tx.Exec(ctx, query,
		cr.State,
		cr.AppliedBy,
		cr.AppliedAt,
		nullableString(cr.ApplyError),
		result,
		cr.ValidationStatus,
		problems,
		cr.UpdatedAt,
		cr.ID,
	)
	if err != nil {
		return errors.Wrap(err, "update change request state")
	}
	if tag.RowsAffected() == 0 {
		return changerequest.ErrNotFound
	}
	return nil
}

func (r *ChangeRequestRepository) UpdateValidation(ctx context.Context, id uuid.UUID, status changerequest.ValidationStatus, problems []string, validatedAt time.Time) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	encoded, err := encodeProblems(problems)
	if err != nil {
		return errors.Wrap(err, "encode validation errors")
	}
	query := repo.Update(changeRequestsTable, []string{
		"validation_status",
		"validation_errors",
		"validated_at",
	}, "id = $4")
	tag, err := tx.Exec(ctx, query, status, encoded, validatedAt, id)
	if err != nil {
		return errors.Wrap(err, "update change request validation")
	}
	if tag.RowsAffected() == 0 {
		return changerequest.ErrNotFound
	}
	return nil
}

func (r *ChangeRequestRepository) InsertApproval(ctx context.Context, a *changerequest.Approval) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	fields := []string{"id", "change_request_id", "decision", "reason", "created_by", "created_at"}
	_, err = tx.Exec(ctx, repo.Insert(approvalsTable, fields), a.ID, a.ChangeRequestID, a.Decision, a.Reason, a.CreatedBy, a.CreatedAt)
	if constraintViolation(err, oneVoteConstraint) {
		return changerequest.ErrDuplicateVote
	}
	if err != nil {
		return errors.Wrap(err, "insert approval")
	}
	return nil
}

func (r *ChangeRequestRepository) ListApprovals(ctx context.Context, changeRequestID uuid.UUID) ([]*changerequest.Approval, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	query := repo.Join(
		"SELECT id, change_request_id, decision, reason, created_by, created_at",
		"FROM", approvalsTable,
		"WHERE change_request_id = $1",
		"ORDER BY created_at, id",
	)
	rows, err := tx.Query(ctx, query, changeRequestID)
	if err != nil {
		return nil, errors.Wrap(err, "list approvals")
	}
	defer rows.Close()

	var out []*changerequest.Approval
	for rows.Next() {
		var a changerequest.Approval
		if err := rows.Scan(&a.ID, &a.ChangeRequestID, &a.Decision, &a.Reason, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan approval")
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r *ChangeRequestRepository) CountApprovals(ctx context.Context, changeRequestID uuid.UUID, decision changerequest.Decision) (int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	query := repo.Join("SELECT COUNT(*) FROM", approvalsTable, "WHERE change_request_id = $1 AND decision = $2")
	if err := tx.QueryRow(ctx, query, changeRequestID, decision).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count approvals")
	}
	return n, nil
}
