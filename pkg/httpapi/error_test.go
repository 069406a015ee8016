package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type conflictErr struct{}

func (conflictErr) Error() string         { return "already pending: duplicate key value violates unique constraint" }
func (conflictErr) HTTPStatus() int       { return http.StatusConflict }
func (conflictErr) ErrorCode() string     { return "CONFLICT" }
func (conflictErr) PublicMessage() string { return "already pending" }

func TestWriteStatusError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	require.NoError(t, WriteStatusError(rec, conflictErr{}, false))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.JSONEq(t, `{"code":"CONFLICT","message":"already pending"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	require.NoError(t, WriteStatusError(rec, fmt.Errorf("wrapped: %w", conflictErr{}), true))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "unique constraint")

	rec = httptest.NewRecorder()
	require.NoError(t, WriteStatusError(rec, errors.New("pg: connection reset"), false))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "connection reset")

	rec = httptest.NewRecorder()
	require.NoError(t, WriteStatusError(rec, errors.New("pg: connection reset"), true))
	require.Contains(t, rec.Body.String(), "*errors.errorString: pg: connection reset")
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	var dst struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, DecodeJSON(strings.NewReader(`{"reason":"no"}`), &dst))
	require.Equal(t, "no", dst.Reason)

	require.Error(t, DecodeJSON(strings.NewReader(`{"reason":"no","extra":1}`), &dst))
	require.Error(t, DecodeJSON(strings.NewReader(``), &dst))
	require.Error(t, DecodeJSON(strings.NewReader(`{"reason":"a"}{"reason":"b"}`), &dst))
}
