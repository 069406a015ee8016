package services_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/approvalgate/modules/approvals/actions"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/policy"
	"github.com/iota-uz/approvalgate/modules/approvals/services"
)

func TestGate_PassesWhenNotGated(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res, err := h.gate.Check(h.ctx, h.patch(h.requester, `{"active":true}`))
	require.NoError(t, err)
	require.True(t, res.Passed())
	require.Equal(t, 0, h.crs.Count())

	h.addPolicy(t, nil)
	res, err = h.gate.Check(h.ctx, h.patch(h.requester, `{"name":"renamed"}`))
	require.NoError(t, err)
	require.True(t, res.Passed())
}

func TestGate_RolloutDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, nil)
	gate := services.NewApprovalGate(services.GateOptions{
		Registry:       h.registry,
		Engine:         h.engine,
		ChangeRequests: h.crs,
		Rollout:        func(uuid.UUID) bool { return false },
	})
	res, err := gate.Check(h.ctx, h.patch(h.requester, `{"active":true}`))
	require.NoError(t, err)
	require.True(t, res.Passed())
	require.Equal(t, "approvals_disabled", res.Reason)
}

func TestGate_RequiresApprovalAndDedupes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	p := h.addPolicy(t, func(p *policy.ApprovalPolicy) { p.ApproverConfig.Quorum = 2 })

	cr := h.requestEnable(t)
	require.Equal(t, changerequest.StatePending, cr.State)
	require.Equal(t, actions.KeyEnableFlag, cr.ActionKey)
	require.Equal(t, h.flag.ID.String(), cr.ResourceID)
	require.Equal(t, p.ID, cr.PolicySnapshot.PolicyID)
	require.Equal(t, 2, cr.PolicySnapshot.Quorum)
	require.True(t, h.now.Add(24*time.Hour).Equal(cr.ExpiresAt))
	require.Equal(t, []string{changerequest.TopicApprovalRequested}, h.notifier.Events())

	intent, err := actions.DecodeIntent(cr.Intent)
	require.NoError(t, err)
	require.Equal(t, "PATCH", intent.HTTPMethod)
	require.Equal(t, int64(1), intent.Preconditions.Version)

	res, err := h.gate.Check(h.ctx, h.patch(h.requester, `{"active":true}`))
	require.NoError(t, err)
	require.Equal(t, services.GateChangeRequestPending, res.Kind)
	require.Equal(t, cr.ID, res.ChangeRequest.ID)
	require.ElementsMatch(t, []uuid.UUID{h.approverA, h.approverB}, res.RequiredApprovers)
	require.Equal(t, 1, h.crs.Count())
	require.False(t, h.liveFlag(t).Active)
}

func TestGate_PolicyConflict(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	orgWide := h.addPolicy(t, nil)
	teamScoped := h.addPolicy(t, func(p *policy.ApprovalPolicy) { p.TeamID = &h.team })

	res, err := h.gate.Check(h.ctx, h.patch(h.requester, `{"active":true}`))
	require.NoError(t, err)
	require.Equal(t, services.GatePolicyConflict, res.Kind)
	ids := []uuid.UUID{res.ConflictingPolicies[0].ID, res.ConflictingPolicies[1].ID}
	require.ElementsMatch(t, []uuid.UUID{orgWide.ID, teamScoped.ID}, ids)
	require.NotEmpty(t, res.Message)
	require.Equal(t, 0, h.crs.Count())
}

func TestGate_ValidationFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, func(p *policy.ApprovalPolicy) { p.ActionKey = actions.KeyUpdateFlagRollout })

	res, err := h.gate.Check(h.ctx, h.patch(h.requester, `{"filters":{"groups":[{"rollout_percentage":150}]}}`))
	require.NoError(t, err)
	require.Equal(t, services.GateValidationFailed, res.Kind)
	require.NotEmpty(t, res.ValidationErrors)
	require.Equal(t, 0, h.crs.Count())
}

func TestGate_ConditionsAndDeny(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, func(p *policy.ApprovalPolicy) {
		p.ActionKey = actions.KeyUpdateFlagRollout
		p.Conditions = json.RawMessage(`{"type":"change_amount","field":"rollout_percentage","operator":">","value":20}`)
	})

	res, err := h.gate.Check(h.ctx, h.patch(h.requester, `{"filters":{"groups":[{"rollout_percentage":25}]}}`))
	require.NoError(t, err)
	require.True(t, res.Passed())

	res, err = h.gate.Check(h.ctx, h.patch(h.requester, `{"filters":{"groups":[{"rollout_percentage":50}]}}`))
	require.NoError(t, err)
	require.Equal(t, services.GateApprovalRequired, res.Kind)

	lonely := newHarness(t)
	lonely.addPolicy(t, func(p *policy.ApprovalPolicy) {
		p.ApproverConfig = policy.ApproverConfig{Users: []uuid.UUID{lonely.requester}}
	})
	res, err = lonely.gate.Check(lonely.ctx, lonely.patch(lonely.requester, `{"active":true}`))
	require.NoError(t, err)
	require.Equal(t, services.GateDenied, res.Kind)
	require.Equal(t, services.ReasonNoApprovers, res.Reason)
}

func TestGate_MissingResourcePassesThrough(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, nil)
	req := h.patch(h.requester, `{"active":true}`)
	req.ResourceID = uuid.NewString()
	res, err := h.gate.Check(h.ctx, req)
	require.NoError(t, err)
	require.True(t, res.Passed())
}
