package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/approvalgate/pkg/composables"
)

func TestWithActor(t *testing.T) {
	t.Parallel()

	userID, orgID, teamID := uuid.New(), uuid.New(), uuid.New()
	var got composables.Actor
	var gotErr error
	h := WithActor()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, gotErr = composables.UseActor(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, userID.String())
	req.Header.Set(HeaderOrganizationID, orgID.String())
	req.Header.Set(HeaderTeamID, teamID.String())
	req.Header.Set(HeaderMembershipLevel, "15")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.NoError(t, gotErr)
	require.Equal(t, composables.Actor{UserID: userID, OrganizationID: orgID, TeamID: teamID, MembershipLevel: 15}, got)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, "nope")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.ErrorIs(t, gotErr, composables.ErrNoActor)
}

func TestWithLogger_RecoversPanics(t *testing.T) {
	t.Parallel()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	h := WithLogger(logger, LoggerOptions{RequestIDHeader: "X-Request-ID"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/change-requests", nil)
	req.Header.Set("X-Request-ID", "req-1")
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "req-1", rec.Header().Get("X-Request-Id"))
	require.Contains(t, rec.Body.String(), "INTERNAL_SERVER_ERROR")
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	h := RateLimit(RateLimitConfig{RequestsPerPeriod: 1, Store: NewMemoryStore()})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}
