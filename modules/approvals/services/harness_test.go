package services_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/approvalgate/modules/approvals/actions"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest/changerequesttest"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/policy"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/policy/policytest"
	"github.com/iota-uz/approvalgate/modules/approvals/services"
	"github.com/iota-uz/approvalgate/modules/flags/domain/flag"
	"github.com/iota-uz/approvalgate/modules/flags/domain/flag/flagtest"
	"github.com/iota-uz/approvalgate/pkg/composables"
)

type staticRoles struct {
	members   map[string][]uuid.UUID
	userRoles map[uuid.UUID][]string
}

func (r *staticRoles) ResolveUserIDsForRoles(_ context.Context, _ uuid.UUID, roles []string) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, role := range roles {
		out = append(out, r.members[role]...)
	}
	return out, nil
}

func (r *staticRoles) RolesForUser(_ context.Context, _ uuid.UUID, userID uuid.UUID) ([]string, error) {
	return r.userRoles[userID], nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) add(topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, topic)
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func (n *recordingNotifier) ApprovalRequested(context.Context, *changerequest.ChangeRequest, []uuid.UUID) {
	n.add(changerequest.TopicApprovalRequested)
}

func (n *recordingNotifier) Decision(context.Context, *changerequest.ChangeRequest, *changerequest.Approval) {
	n.add(changerequest.TopicDecision)
}

func (n *recordingNotifier) Applied(context.Context, *changerequest.ChangeRequest) {
	n.add(changerequest.TopicApplied)
}

func (n *recordingNotifier) ApplyFailed(context.Context, *changerequest.ChangeRequest) {
	n.add(changerequest.TopicApplyFailed)
}

func (n *recordingNotifier) Expired(context.Context, *changerequest.ChangeRequest) {
	n.add(changerequest.TopicExpired)
}

type harness struct {
	ctx       context.Context
	org       uuid.UUID
	team      uuid.UUID
	requester uuid.UUID
	approverA uuid.UUID
	approverB uuid.UUID
	outsider  uuid.UUID

	flag     *flag.FeatureFlag
	flags    *flagtest.MemoryRepository
	policies *policytest.MemoryRepository
	crs      *changerequesttest.MemoryRepository
	roles    *staticRoles
	notifier *recordingNotifier
	now      time.Time

	registry *actions.Registry
	engine   *services.PolicyEngine
	gate     *services.ApprovalGate
	svc      *services.ChangeRequestService
	maint    *services.MaintenanceService
}

func pct(v int) *int { return &v }

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctx:       context.Background(),
		org:       uuid.New(),
		team:      uuid.New(),
		requester: uuid.New(),
		approverA: uuid.New(),
		approverB: uuid.New(),
		outsider:  uuid.New(),
		policies:  policytest.NewMemoryRepository(),
		crs:       changerequesttest.NewMemoryRepository(),
		notifier:  &recordingNotifier{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.roles = &staticRoles{
		members:   map[string][]uuid.UUID{"release_managers": {h.approverA, h.approverB}},
		userRoles: map[uuid.UUID][]string{h.approverA: {"release_managers"}, h.approverB: {"release_managers"}},
	}
	h.flag = &flag.FeatureFlag{
		ID:             uuid.New(),
		OrganizationID: h.org,
		TeamID:         h.team,
		Key:            "checkout-v2",
		Filters:        flag.Filters{Groups: []flag.RolloutGroup{{RolloutPercentage: pct(10)}}},
		Version:        1,
	}
	h.flags = flagtest.NewMemoryRepository(h.flag)

	var err error
	h.registry, err = actions.NewRegistry(actions.FeatureFlagActions(h.flags)...)
	require.NoError(t, err)

	clock := func() time.Time { return h.now }
	tx := composables.InlineTransactor{}
	h.engine = services.NewPolicyEngine(h.policies, h.roles, services.NewConditionEvaluator("any"))
	h.gate = services.NewApprovalGate(services.GateOptions{
		Registry:            h.registry,
		Engine:              h.engine,
		ChangeRequests:      h.crs,
		Notifier:            h.notifier,
		Tx:                  tx,
		DefaultExpiresAfter: 24 * time.Hour,
		Now:                 clock,
	})
	applier := services.NewApplier(h.registry, h.crs, h.notifier, tx, clock, nil)
	h.svc = services.NewChangeRequestService(h.crs, applier, h.roles, h.notifier, tx, clock, nil)
	h.maint = services.NewMaintenanceService(h.registry, h.crs, h.notifier, tx, 2, clock, nil)
	return h
}

func (h *harness) actor(user uuid.UUID) composables.Actor {
	return composables.Actor{UserID: user, OrganizationID: h.org, TeamID: h.team, MembershipLevel: 1}
}

func (h *harness) addPolicy(t *testing.T, mutate func(p *policy.ApprovalPolicy)) *policy.ApprovalPolicy {
	t.Helper()
	p := &policy.ApprovalPolicy{
		ID:             uuid.New(),
		Name:           "release gate " + uuid.NewString()[:8],
		OrganizationID: h.org,
		ActionKey:      actions.KeyEnableFlag,
		Conditions:     json.RawMessage(`{}`),
		ApproverConfig: policy.ApproverConfig{Roles: []string{"release_managers"}, Quorum: 1},
		Enabled:        true,
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, h.policies.Create(h.ctx, p))
	return p
}

func (h *harness) patch(user uuid.UUID, body string) *actions.GatedRequest {
	return &actions.GatedRequest{
		Method:       http.MethodPatch,
		Path:         "/api/feature-flags/" + h.flag.ID.String(),
		ResourceType: flag.ResourceType,
		ResourceID:   h.flag.ID.String(),
		Body:         json.RawMessage(body),
		Actor:        h.actor(user),
	}
}

// requestEnable runs the gate for "enable the flag" and returns the created change request.
func (h *harness) requestEnable(t *testing.T) *changerequest.ChangeRequest {
	t.Helper()
	res, err := h.gate.Check(h.ctx, h.patch(h.requester, `{"active":true}`))
	require.NoError(t, err)
	require.Equal(t, services.GateApprovalRequired, res.Kind)
	require.NotNil(t, res.ChangeRequest)
	return res.ChangeRequest
}

func (h *harness) reload(t *testing.T, id uuid.UUID) *changerequest.ChangeRequest {
	t.Helper()
	cr, err := h.crs.GetByID(h.ctx, id)
	require.NoError(t, err)
	return cr
}

func (h *harness) liveFlag(t *testing.T) *flag.FeatureFlag {
	t.Helper()
	f, err := h.flags.GetByID(h.ctx, h.team, h.flag.ID)
	require.NoError(t, err)
	return f
}

func mustField(t *testing.T, raw json.RawMessage, name string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	v, ok := m[name]
	require.True(t, ok, "missing %s in %s", name, raw)
	return v
}
