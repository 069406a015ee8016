package controllers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/approvalgate/modules/flags/domain/flag"
	"github.com/iota-uz/approvalgate/modules/flags/domain/flag/flagtest"
	"github.com/iota-uz/approvalgate/modules/flags/presentation/controllers"
	"github.com/iota-uz/approvalgate/modules/flags/services"
	"github.com/iota-uz/approvalgate/pkg/application"
	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/middleware"
)

func newRouter(t *testing.T, repo flag.Repository) *mux.Router {
	t.Helper()
	app := application.New(&application.ApplicationOptions{})
	app.RegisterServices(services.NewFlagService(repo, composables.InlineTransactor{}))
	r := mux.NewRouter()
	r.Use(middleware.WithActor())
	controllers.NewFeatureFlagController(app).Register(r)
	return r
}

func withActor(req *http.Request, actor composables.Actor) *http.Request {
	req.Header.Set(middleware.HeaderUserID, actor.UserID.String())
	req.Header.Set(middleware.HeaderOrganizationID, actor.OrganizationID.String())
	req.Header.Set(middleware.HeaderTeamID, actor.TeamID.String())
	return req
}

func TestFeatureFlagController_CreatePatchGet(t *testing.T) {
	t.Parallel()

	repo := flagtest.NewMemoryRepository()
	router := newRouter(t, repo)
	actor := composables.Actor{UserID: uuid.New(), OrganizationID: uuid.New(), TeamID: uuid.New()}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, withActor(httptest.NewRequest(http.MethodPost, "/api/feature-flags", bytes.NewBufferString(`{"key":"checkout-v2"}`)), actor))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created flag.FeatureFlag
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withActor(httptest.NewRequest(http.MethodPatch, "/api/feature-flags/"+created.ID.String(), bytes.NewBufferString(`{"active":true}`)), actor))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withActor(httptest.NewRequest(http.MethodGet, "/api/feature-flags/"+created.ID.String(), nil), actor))
	require.Equal(t, http.StatusOK, rec.Code)
	var got flag.FeatureFlag
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.True(t, got.Active)
	require.Equal(t, int64(2), got.Version)
}

func TestFeatureFlagController_Errors(t *testing.T) {
	t.Parallel()

	router := newRouter(t, flagtest.NewMemoryRepository())
	actor := composables.Actor{UserID: uuid.New(), OrganizationID: uuid.New(), TeamID: uuid.New()}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/feature-flags", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withActor(httptest.NewRequest(http.MethodGet, "/api/feature-flags/"+uuid.NewString(), nil), actor))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withActor(httptest.NewRequest(http.MethodPost, "/api/feature-flags", bytes.NewBufferString(`{"key":"a","bogus":1}`)), actor))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, withActor(httptest.NewRequest(http.MethodPost, "/api/feature-flags", bytes.NewBufferString(`{"key":""}`)), actor))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "validation_failed")
}
