package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/policy"
)

var (
	ErrInvalidState       = errors.New("change request is not in a state that allows this operation")
	ErrAlreadyVoted       = errors.New("user has already voted on this change request")
	ErrReasonRequired     = errors.New("a reason is required")
	ErrForbidden          = errors.New("not allowed to act on this change request")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrApplyFailed        = errors.New("apply failed")
	ErrUnknownAction      = errors.New("unknown action")
)

type ServiceError struct {
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *ServiceError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *ServiceError) Unwrap() error { return e.Cause }

func (e *ServiceError) HTTPStatus() int { return e.Status }

func (e *ServiceError) ErrorCode() string { return e.Code }

// PublicMessage is the client-facing message without the cause.
func (e *ServiceError) PublicMessage() string { return e.Message }

func newServiceError(status int, code, message string, cause error) *ServiceError {
	return &ServiceError{Status: status, Code: code, Message: message, Cause: cause}
}

func invalidState(cr *changerequest.ChangeRequest, status int) *ServiceError {
	return newServiceError(status, "invalid_state", fmt.Sprintf("change request is %s", cr.State), ErrInvalidState)
}

func alreadyVoted() *ServiceError {
	return newServiceError(http.StatusBadRequest, "already_voted", "you have already voted on this change request", ErrAlreadyVoted)
}

func forbidden(message string) *ServiceError {
	return newServiceError(http.StatusForbidden, "forbidden", message, ErrForbidden)
}

func notFound() *ServiceError {
	return newServiceError(http.StatusNotFound, "not_found", "change request not found", changerequest.ErrNotFound)
}

// mapRepositoryError turns storage sentinels and raw pg errors into service errors.
func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, changerequest.ErrNotFound):
		return notFound()
	case errors.Is(err, changerequest.ErrDuplicateVote):
		return alreadyVoted()
	case errors.Is(err, policy.ErrNotFound):
		return newServiceError(http.StatusNotFound, "not_found", "approval policy not found", err)
	case errors.Is(err, policy.ErrDuplicate):
		return newServiceError(http.StatusConflict, "policy_exists", err.Error(), err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return newServiceError(http.StatusConflict, "conflict", "unique constraint violated", err)
	case "23514":
		return newServiceError(http.StatusBadRequest, "invalid_body", "check constraint violated", err)
	default:
		return newServiceError(http.StatusInternalServerError, "internal", "internal server error", fmt.Errorf("database error (%s): %w", pgErr.Code, err))
	}
}
