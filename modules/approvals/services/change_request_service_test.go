package services_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/policy"
	"github.com/iota-uz/approvalgate/modules/approvals/services"
	"github.com/iota-uz/approvalgate/modules/flags/domain/flag"
)

func requireStatus(t *testing.T, err error, status int) {
	t.Helper()
	var se *services.ServiceError
	require.True(t, errors.As(err, &se), "expected ServiceError, got %v", err)
	require.Equal(t, status, se.Status)
}

func TestApprove_QuorumOneApplies(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, func(p *policy.ApprovalPolicy) {
		p.ApproverConfig = policy.ApproverConfig{Users: []uuid.UUID{h.approverA}, Quorum: 1}
	})
	cr := h.requestEnable(t)

	res, err := h.svc.Approve(h.ctx, h.actor(h.approverA), cr.ID, "ship it")
	require.NoError(t, err)
	require.Equal(t, services.VoteApplied, res.Status)

	stored := h.reload(t, cr.ID)
	require.Equal(t, changerequest.StateApplied, stored.State)
	require.Equal(t, h.approverA, *stored.AppliedBy)
	require.True(t, h.now.Equal(*stored.AppliedAt))
	require.JSONEq(t, `2`, string(mustField(t, stored.ResultData, "version")))

	live := h.liveFlag(t)
	require.True(t, live.Active)
	require.Equal(t, int64(2), live.Version)
	require.Contains(t, h.notifier.Events(), changerequest.TopicApplied)
}

func TestApprove_QuorumTwo(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, func(p *policy.ApprovalPolicy) { p.ApproverConfig.Quorum = 2 })
	cr := h.requestEnable(t)

	res, err := h.svc.Approve(h.ctx, h.actor(h.approverA), cr.ID, "")
	require.NoError(t, err)
	require.Equal(t, services.VoteApproved, res.Status)
	require.Equal(t, "approved, 1/2 approvals", res.Message)
	require.Equal(t, changerequest.StatePending, h.reload(t, cr.ID).State)
	require.False(t, h.liveFlag(t).Active)

	_, err = h.svc.Approve(h.ctx, h.actor(h.approverA), cr.ID, "")
	require.ErrorIs(t, err, services.ErrAlreadyVoted)
	requireStatus(t, err, http.StatusBadRequest)
	votes, err := h.crs.CountApprovals(h.ctx, cr.ID, changerequest.DecisionApproved)
	require.NoError(t, err)
	require.Equal(t, 1, votes)
	require.Equal(t, changerequest.StatePending, h.reload(t, cr.ID).State)

	res, err = h.svc.Approve(h.ctx, h.actor(h.approverB), cr.ID, "")
	require.NoError(t, err)
	require.Equal(t, services.VoteApplied, res.Status)
	require.Equal(t, 2, res.Approvals)
	require.Equal(t, changerequest.StateApplied, h.reload(t, cr.ID).State)
	require.True(t, h.liveFlag(t).Active)
}

func TestApprove_Permissions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, nil)
	cr := h.requestEnable(t)

	_, err := h.svc.Approve(h.ctx, h.actor(h.outsider), cr.ID, "")
	require.ErrorIs(t, err, services.ErrForbidden)
	requireStatus(t, err, http.StatusForbidden)

	_, err = h.svc.Approve(h.ctx, h.actor(h.requester), cr.ID, "")
	requireStatus(t, err, http.StatusForbidden)

	other := h.actor(h.approverA)
	other.OrganizationID = uuid.New()
	_, err = h.svc.Approve(h.ctx, other, cr.ID, "")
	requireStatus(t, err, http.StatusNotFound)
}

func TestApprove_SelfApprovalWhenAllowed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, func(p *policy.ApprovalPolicy) {
		p.AllowSelfApprove = true
		p.ApproverConfig.Users = []uuid.UUID{h.requester}
	})
	cr := h.requestEnable(t)

	ok, err := h.svc.CanApprove(h.ctx, cr, h.requester)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := h.svc.Approve(h.ctx, h.actor(h.requester), cr.ID, "")
	require.NoError(t, err)
	require.Equal(t, services.VoteApplied, res.Status)
}

func TestReject_SingleVeto(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, func(p *policy.ApprovalPolicy) { p.ApproverConfig.Quorum = 2 })
	cr := h.requestEnable(t)

	_, err := h.svc.Reject(h.ctx, h.actor(h.approverA), cr.ID, "  ")
	require.ErrorIs(t, err, services.ErrReasonRequired)
	requireStatus(t, err, http.StatusBadRequest)

	res, err := h.svc.Reject(h.ctx, h.actor(h.approverA), cr.ID, "not during the freeze")
	require.NoError(t, err)
	require.Equal(t, services.VoteRejected, res.Status)
	require.Equal(t, changerequest.StateRejected, h.reload(t, cr.ID).State)

	_, err = h.svc.Approve(h.ctx, h.actor(h.approverB), cr.ID, "")
	require.ErrorIs(t, err, services.ErrInvalidState)
	requireStatus(t, err, http.StatusBadRequest)

	_, err = h.svc.Reject(h.ctx, h.actor(h.approverB), cr.ID, "too late")
	require.ErrorIs(t, err, services.ErrInvalidState)
	require.False(t, h.liveFlag(t).Active)
}

func TestReject_AfterApproveIsAlreadyVoted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, func(p *policy.ApprovalPolicy) { p.ApproverConfig.Quorum = 2 })
	cr := h.requestEnable(t)

	_, err := h.svc.Approve(h.ctx, h.actor(h.approverA), cr.ID, "")
	require.NoError(t, err)
	_, err = h.svc.Reject(h.ctx, h.actor(h.approverA), cr.ID, "changed my mind")
	require.ErrorIs(t, err, services.ErrAlreadyVoted)
	require.Equal(t, changerequest.StatePending, h.reload(t, cr.ID).State)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, nil)
	cr := h.requestEnable(t)

	require.False(t, h.svc.CanCancel(cr, h.approverA))
	_, err := h.svc.Cancel(h.ctx, h.actor(h.approverA), cr.ID, "")
	require.ErrorIs(t, err, services.ErrForbidden)
	requireStatus(t, err, http.StatusForbidden)

	require.True(t, h.svc.CanCancel(cr, h.requester))
	res, err := h.svc.Cancel(h.ctx, h.actor(h.requester), cr.ID, "")
	require.NoError(t, err)
	require.Equal(t, services.VoteCanceled, res.Status)
	stored := h.reload(t, cr.ID)
	require.Equal(t, changerequest.StateRejected, stored.State)

	votes, err := h.crs.ListApprovals(h.ctx, cr.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	require.Equal(t, changerequest.DecisionRejected, votes[0].Decision)
	require.Equal(t, "canceled by requester", votes[0].Reason)

	_, err = h.svc.Cancel(h.ctx, h.actor(h.requester), cr.ID, "again")
	require.ErrorIs(t, err, services.ErrInvalidState)
	requireStatus(t, err, http.StatusForbidden)
}

func TestApprove_StalePreconditionFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, nil)
	cr := h.requestEnable(t)

	drifted := h.liveFlag(t)
	drifted.Name = "edited elsewhere"
	drifted.Version = 2
	h.flags.Put(drifted)

	res, err := h.svc.Approve(h.ctx, h.actor(h.approverA), cr.ID, "")
	require.NoError(t, err)
	require.Equal(t, services.VoteFailed, res.Status)
	require.Contains(t, res.Message, "version mismatch: expected 1, got 2")

	stored := h.reload(t, cr.ID)
	require.Equal(t, changerequest.StateFailed, stored.State)
	require.Equal(t, "version mismatch: expected 1, got 2", stored.ApplyError)
	require.Equal(t, 0, h.flags.Saves())
	require.False(t, h.liveFlag(t).Active)

	votes, err := h.crs.CountApprovals(h.ctx, cr.ID, changerequest.DecisionApproved)
	require.NoError(t, err)
	require.Equal(t, 1, votes)
	require.Contains(t, h.notifier.Events(), changerequest.TopicApplyFailed)
}

func TestApprove_AlreadyInTargetStateIsNoOp(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, nil)
	active := h.liveFlag(t)
	active.Active = true
	h.flags.Put(active)

	cr := h.requestEnable(t)
	res, err := h.svc.Approve(h.ctx, h.actor(h.approverA), cr.ID, "")
	require.NoError(t, err)
	require.Equal(t, services.VoteApplied, res.Status)
	require.Equal(t, 0, h.flags.Saves())
	require.JSONEq(t, `true`, string(mustField(t, h.reload(t, cr.ID).ResultData, "no_op")))
}

func TestApprove_InvalidAtApplyTimeFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, nil)
	cr := h.requestEnable(t)

	deleted := h.liveFlag(t)
	deleted.Deleted = true
	h.flags.Put(deleted)

	res, err := h.svc.Approve(h.ctx, h.actor(h.approverA), cr.ID, "")
	require.NoError(t, err)
	require.Equal(t, services.VoteFailed, res.Status)
	stored := h.reload(t, cr.ID)
	require.Equal(t, changerequest.StateFailed, stored.State)
	require.Equal(t, changerequest.ValidationInvalid, stored.ValidationStatus)
	require.Equal(t, 0, h.flags.Saves())
}

func TestGetAndList(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, func(p *policy.ApprovalPolicy) { p.ApproverConfig.Quorum = 2 })
	cr := h.requestEnable(t)
	_, err := h.svc.Approve(h.ctx, h.actor(h.approverA), cr.ID, "")
	require.NoError(t, err)

	detail, err := h.svc.Get(h.ctx, h.actor(h.approverB), cr.ID)
	require.NoError(t, err)
	require.Len(t, detail.Approvals, 1)
	require.True(t, detail.CanApprove)
	require.False(t, detail.CanCancel)

	detail, err = h.svc.Get(h.ctx, h.actor(h.approverA), cr.ID)
	require.NoError(t, err)
	require.False(t, detail.CanApprove)

	items, total, err := h.svc.List(h.ctx, h.actor(h.requester), changerequest.Filter{
		State:        changerequest.StatePending,
		ResourceType: flag.ResourceType,
		RequesterID:  &h.requester,
	})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, cr.ID, items[0].ID)

	_, _, err = h.svc.List(h.ctx, h.actor(h.requester), changerequest.Filter{State: "DRAFT"})
	requireStatus(t, err, http.StatusBadRequest)
}
