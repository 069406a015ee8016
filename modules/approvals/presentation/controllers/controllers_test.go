package controllers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/approvalgate/modules/approvals/actions"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest/changerequesttest"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/policy"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/policy/policytest"
	"github.com/iota-uz/approvalgate/modules/approvals/presentation/controllers"
	"github.com/iota-uz/approvalgate/modules/approvals/services"
	"github.com/iota-uz/approvalgate/modules/flags/domain/flag"
	"github.com/iota-uz/approvalgate/modules/flags/domain/flag/flagtest"
	flagcontrollers "github.com/iota-uz/approvalgate/modules/flags/presentation/controllers"
	flagservices "github.com/iota-uz/approvalgate/modules/flags/services"
	"github.com/iota-uz/approvalgate/pkg/application"
	"github.com/iota-uz/approvalgate/pkg/authz"
	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/middleware"
)

type roles map[string][]uuid.UUID

func (r roles) ResolveUserIDsForRoles(_ context.Context, _ uuid.UUID, names []string) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, n := range names {
		out = append(out, r[n]...)
	}
	return out, nil
}

func (r roles) RolesForUser(context.Context, uuid.UUID, uuid.UUID) ([]string, error) {
	return nil, nil
}

type allowList map[uuid.UUID]bool

func (a allowList) Authorize(_ context.Context, req authz.Request) error {
	id, ok := authz.UserFromSubject(req.Subject)
	if ok && a[id] {
		return nil
	}
	return authz.ErrForbidden
}

// faultyRepo fails selected operations once armed.
type faultyRepo struct {
	changerequest.Repository
	mu     sync.Mutex
	faults map[string]error
}

func (r *faultyRepo) arm(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[op] = err
}

func (r *faultyRepo) fault(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.faults[op]
}

func (r *faultyRepo) FindOpen(ctx context.Context, teamID uuid.UUID, actionKey, resourceType, resourceID string) (*changerequest.ChangeRequest, error) {
	if err := r.fault("FindOpen"); err != nil {
		return nil, err
	}
	return r.Repository.FindOpen(ctx, teamID, actionKey, resourceType, resourceID)
}

func (r *faultyRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*changerequest.ChangeRequest, error) {
	if err := r.fault("GetForUpdate"); err != nil {
		return nil, err
	}
	return r.Repository.GetForUpdate(ctx, id)
}

type fixture struct {
	router    *mux.Router
	org       uuid.UUID
	team      uuid.UUID
	requester uuid.UUID
	approver  uuid.UUID
	admin     uuid.UUID
	flag      *flag.FeatureFlag
	flags     *flagtest.MemoryRepository
	policies  *policytest.MemoryRepository
	crs       *changerequesttest.MemoryRepository
	faults    *faultyRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithDebug(t, false)
}

func newFixtureWithDebug(t *testing.T, debug bool) *fixture {
	t.Helper()
	f := &fixture{
		org:       uuid.New(),
		team:      uuid.New(),
		requester: uuid.New(),
		approver:  uuid.New(),
		admin:     uuid.New(),
		policies:  policytest.NewMemoryRepository(),
		crs:       changerequesttest.NewMemoryRepository(),
	}
	f.flag = &flag.FeatureFlag{ID: uuid.New(), OrganizationID: f.org, TeamID: f.team, Key: "checkout-v2", Version: 1}
	f.flags = flagtest.NewMemoryRepository(f.flag)
	f.faults = &faultyRepo{Repository: f.crs, faults: map[string]error{}}

	registry, err := actions.NewRegistry(actions.FeatureFlagActions(f.flags)...)
	require.NoError(t, err)
	tx := composables.InlineTransactor{}
	resolver := roles{"release_managers": {f.approver}}
	engine := services.NewPolicyEngine(f.policies, resolver, services.NewConditionEvaluator("any"))
	gate := services.NewApprovalGate(services.GateOptions{
		Registry:       registry,
		Engine:         engine,
		ChangeRequests: f.faults,
		Tx:             tx,
	})
	applier := services.NewApplier(registry, f.faults, nil, tx, nil, nil)

	app := application.New(&application.ApplicationOptions{})
	app.RegisterServices(
		flagservices.NewFlagService(f.flags, tx),
		services.NewChangeRequestService(f.faults, applier, resolver, nil, tx, nil, nil),
		services.NewPolicyService(f.policies, tx, nil),
	)

	f.router = mux.NewRouter()
	f.router.Use(middleware.WithActor())
	f.router.Use(controllers.GateMiddleware(gate, []controllers.GatedRoute{{
		Method:       http.MethodPatch,
		PathTemplate: "/api/feature-flags/{id}",
		ResourceType: flag.ResourceType,
		IDVar:        "id",
	}}, debug))
	flagcontrollers.NewFeatureFlagController(app).Register(f.router)
	controllers.NewChangeRequestController(app, controllers.ChangeRequestControllerOptions{DebugErrors: debug}).Register(f.router)
	controllers.NewPolicyController(app, allowList{f.admin: true}, debug).Register(f.router)
	return f
}

func (f *fixture) do(t *testing.T, user uuid.UUID, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(middleware.HeaderUserID, user.String())
	req.Header.Set(middleware.HeaderOrganizationID, f.org.String())
	req.Header.Set(middleware.HeaderTeamID, f.team.String())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) addPolicy(t *testing.T, mutate func(p *policy.ApprovalPolicy)) *policy.ApprovalPolicy {
	t.Helper()
	p := &policy.ApprovalPolicy{
		ID:             uuid.New(),
		Name:           "release gate",
		OrganizationID: f.org,
		ActionKey:      actions.KeyEnableFlag,
		Conditions:     json.RawMessage(`{}`),
		ApproverConfig: policy.ApproverConfig{Roles: []string{"release_managers"}, Quorum: 1},
		Enabled:        true,
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, f.policies.Create(context.Background(), p))
	return p
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestGate_BlocksAndApprovalApplies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addPolicy(t, nil)
	flagPath := "/api/feature-flags/" + f.flag.ID.String()

	rec := f.do(t, f.requester, http.MethodPatch, flagPath, `{"active":true}`)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	body := decode(t, rec)
	require.Equal(t, "approval_required", body["code"])
	require.Equal(t, []any{f.approver.String()}, body["required_approvers"])
	crID := body["change_request"].(map[string]any)["id"].(string)

	rec = f.do(t, f.requester, http.MethodPatch, flagPath, `{"active":true}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	body = decode(t, rec)
	require.Equal(t, "change_request_pending", body["code"])
	require.Equal(t, crID, body["change_request"].(map[string]any)["id"])
	require.Equal(t, 1, f.crs.Count())

	// Ungated fields still reach the handler.
	rec = f.do(t, f.requester, http.MethodPatch, flagPath, `{"name":"Checkout v2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, f.requester, http.MethodPost, "/api/change-requests/"+crID+"/approve", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, f.approver, http.MethodPost, "/api/change-requests/"+crID+"/approve", `{"reason":"lgtm"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decode(t, rec)
	require.Equal(t, "failed", body["status"], "the name edit bumped the flag version")

	rec = f.do(t, f.approver, http.MethodGet, "/api/change-requests/"+crID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode(t, rec)
	cr := detail["change_request"].(map[string]any)
	require.Equal(t, string(changerequest.StateFailed), cr["state"])
	require.Equal(t, "version mismatch: expected 1, got 2", cr["apply_error"])
}

func TestGate_ApproveAppliesChange(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addPolicy(t, nil)
	rec := f.do(t, f.requester, http.MethodPatch, "/api/feature-flags/"+f.flag.ID.String(), `{"active":true}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	crID := decode(t, rec)["change_request"].(map[string]any)["id"].(string)

	rec = f.do(t, f.approver, http.MethodPost, "/api/change-requests/"+crID+"/approve", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "applied", decode(t, rec)["status"])

	live, err := f.flags.GetByID(context.Background(), f.team, f.flag.ID)
	require.NoError(t, err)
	require.True(t, live.Active)

	rec = f.do(t, f.requester, http.MethodGet, "/api/change-requests?state=applied&requester="+f.requester.String(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decode(t, rec)
	require.EqualValues(t, 1, list["count"])
}

func TestGate_ConflictAndValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addPolicy(t, nil)
	f.addPolicy(t, func(p *policy.ApprovalPolicy) {
		p.Name = "team gate"
		p.TeamID = &f.team
	})
	rec := f.do(t, f.requester, http.MethodPatch, "/api/feature-flags/"+f.flag.ID.String(), `{"active":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "policy_conflict", body["code"])
	require.Len(t, body["conflicting_policies"], 2)
	require.NotEmpty(t, body["guidance"])
	require.Zero(t, f.crs.Count())

	g := newFixture(t)
	g.addPolicy(t, func(p *policy.ApprovalPolicy) { p.ActionKey = actions.KeyUpdateFlagRollout })
	rec = g.do(t, g.requester, http.MethodPatch, "/api/feature-flags/"+g.flag.ID.String(), `{"filters":{"groups":[{"rollout_percentage":101}]}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body = decode(t, rec)
	require.Equal(t, "validation_failed", body["code"])
	require.NotEmpty(t, body["errors"])
}

func TestChangeRequestController_RejectAndCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addPolicy(t, nil)
	flagPath := "/api/feature-flags/" + f.flag.ID.String()

	rec := f.do(t, f.requester, http.MethodPatch, flagPath, `{"active":true}`)
	crID := decode(t, rec)["change_request"].(map[string]any)["id"].(string)

	rec = f.do(t, f.approver, http.MethodPost, "/api/change-requests/"+crID+"/reject", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "reason_required", decode(t, rec)["code"])

	rec = f.do(t, f.approver, http.MethodPost, "/api/change-requests/"+crID+"/cancel", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, f.approver, http.MethodPost, "/api/change-requests/"+crID+"/reject", `{"reason":"freeze"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "rejected", decode(t, rec)["status"])

	rec = f.do(t, f.requester, http.MethodPatch, flagPath, `{"active":true}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	second := decode(t, rec)["change_request"].(map[string]any)["id"].(string)
	require.NotEqual(t, crID, second)

	rec = f.do(t, f.requester, http.MethodPost, "/api/change-requests/"+second+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "canceled", decode(t, rec)["status"])

	rec = f.do(t, f.requester, http.MethodPost, "/api/change-requests/"+second+"/cancel", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, f.requester, http.MethodPost, "/api/change-requests/not-a-uuid/approve", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, f.requester, http.MethodGet, "/api/change-requests/"+uuid.NewString(), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPolicyController(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	payload := `{"name":"big rollouts","action_key":"feature_flag.update_rollout",
		"conditions":{"type":"change_amount","field":"rollout_percentage","operator":">","value":20},
		"approvers":{"roles":["release_managers"],"quorum":2},"expires_after":"72h"}`

	rec := f.do(t, f.requester, http.MethodPost, "/api/approval-policies", payload)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, f.admin, http.MethodPost, "/api/approval-policies", payload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode(t, rec)["id"].(string)

	rec = f.do(t, f.admin, http.MethodPost, "/api/approval-policies", `{"name":"x","action_key":"feature_flag.enable"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_policy", decode(t, rec)["code"])

	rec = f.do(t, f.admin, http.MethodGet, "/api/approval-policies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["results"], 1)

	rec = f.do(t, f.admin, http.MethodDelete, "/api/approval-policies/"+id, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, f.admin, http.MethodGet, "/api/approval-policies/"+id, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func serializationFailure() error {
	return &pgconn.PgError{Severity: "ERROR", Code: "40001", Message: "could not serialize access due to concurrent update"}
}

func TestChangeRequestController_HidesErrorCauses(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addPolicy(t, func(p *policy.ApprovalPolicy) { p.ApproverConfig.Quorum = 2 })
	rec := f.do(t, f.requester, http.MethodPatch, "/api/feature-flags/"+f.flag.ID.String(), `{"active":true}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	crID := decode(t, rec)["change_request"].(map[string]any)["id"].(string)

	rec = f.do(t, f.approver, http.MethodPost, "/api/change-requests/"+crID+"/approve", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, f.approver, http.MethodPost, "/api/change-requests/"+crID+"/approve", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "already_voted", body["code"])
	require.Equal(t, "you have already voted on this change request", body["message"])

	f.faults.arm("GetForUpdate", serializationFailure())
	rec = f.do(t, f.approver, http.MethodPost, "/api/change-requests/"+crID+"/approve", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body = decode(t, rec)
	require.Equal(t, "internal", body["code"])
	require.Equal(t, "internal server error", body["message"])
	require.NotContains(t, rec.Body.String(), "serialize")
	require.NotContains(t, rec.Body.String(), "40001")
}

func TestChangeRequestController_DebugShowsCause(t *testing.T) {
	t.Parallel()

	f := newFixtureWithDebug(t, true)
	f.addPolicy(t, nil)
	rec := f.do(t, f.requester, http.MethodPatch, "/api/feature-flags/"+f.flag.ID.String(), `{"active":true}`)
	crID := decode(t, rec)["change_request"].(map[string]any)["id"].(string)

	f.faults.arm("GetForUpdate", serializationFailure())
	rec = f.do(t, f.approver, http.MethodPost, "/api/change-requests/"+crID+"/approve", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, decode(t, rec)["message"], "could not serialize access")
}

func TestGateMiddleware_InternalErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addPolicy(t, nil)
	f.faults.arm("FindOpen", serializationFailure())
	rec := f.do(t, f.requester, http.MethodPatch, "/api/feature-flags/"+f.flag.ID.String(), `{"active":true}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal server error", decode(t, rec)["message"])

	d := newFixtureWithDebug(t, true)
	d.addPolicy(t, nil)
	d.faults.arm("FindOpen", serializationFailure())
	rec = d.do(t, d.requester, http.MethodPatch, "/api/feature-flags/"+d.flag.ID.String(), `{"active":true}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	msg, ok := decode(t, rec)["message"].(string)
	require.True(t, ok)
	require.Regexp(t, `^\*errors\.\w+: find open change request: `, msg)
	require.Contains(t, msg, "could not serialize access")
}

func TestGateMiddleware_RejectsOversizedBody(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addPolicy(t, nil)
	flagPath := "/api/feature-flags/" + f.flag.ID.String()

	padding := strings.Repeat("x", 1<<20)
	rec := f.do(t, f.requester, http.MethodPatch, flagPath, `{"active":true,"name":"`+padding+`"}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, "payload_too_large", decode(t, rec)["code"])
	require.Zero(t, f.crs.Count())

	live, err := f.flags.GetByID(context.Background(), f.team, f.flag.ID)
	require.NoError(t, err)
	require.False(t, live.Active)
}
