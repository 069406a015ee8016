package services

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/pkg/httpapi"
)

func TestServiceErrorRendering(t *testing.T) {
	t.Parallel()

	pgErr := &pgconn.PgError{Severity: "ERROR", Code: "40001", Message: "could not serialize access due to concurrent update"}
	err := mapRepositoryError(errors.Wrap(pgErr, "lock change request"))

	rec := httptest.NewRecorder()
	require.NoError(t, httpapi.WriteStatusError(rec, err, false))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"code":"internal","message":"internal server error"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	require.NoError(t, httpapi.WriteStatusError(rec, err, true))
	require.Contains(t, rec.Body.String(), "database error (40001)")
	require.Contains(t, rec.Body.String(), "could not serialize access")

	rec = httptest.NewRecorder()
	require.NoError(t, httpapi.WriteStatusError(rec, mapRepositoryError(changerequest.ErrDuplicateVote), false))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"code":"already_voted","message":"you have already voted on this change request"}`, rec.Body.String())

	require.ErrorIs(t, err, pgErr)
}
