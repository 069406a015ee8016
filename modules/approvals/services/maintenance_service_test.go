package services_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/policy"
	"github.com/iota-uz/approvalgate/modules/approvals/services"
)

// seedPending stores a copy of template as a PENDING request expiring at expiresAt.
func seedPending(h *harness, template *changerequest.ChangeRequest, expiresAt time.Time) *changerequest.ChangeRequest {
	cr := *template
	cr.ID = uuid.New()
	cr.State = changerequest.StatePending
	cr.ExpiresAt = expiresAt
	h.crs.Put(&cr)
	return &cr
}

func TestExpireOld(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, nil)
	template := h.requestEnable(t)
	template.State = changerequest.StateApplied
	h.crs.Put(template)

	past := []*changerequest.ChangeRequest{
		seedPending(h, template, h.now.Add(-time.Hour)),
		seedPending(h, template, h.now.Add(-48*time.Hour)),
		seedPending(h, template, h.now),
	}
	future := seedPending(h, template, h.now.Add(time.Minute))

	report, err := h.maint.ExpireOld(h.ctx)
	require.NoError(t, err)
	require.Equal(t, services.SweepReport{Scanned: 3, Updated: 3}, report)

	for _, cr := range past {
		require.Equal(t, changerequest.StateExpired, h.reload(t, cr.ID).State)
	}
	require.Equal(t, changerequest.StatePending, h.reload(t, future.ID).State)
	require.Equal(t, changerequest.StateApplied, h.reload(t, template.ID).State)

	expired := 0
	for _, e := range h.notifier.Events() {
		if e == changerequest.TopicExpired {
			expired++
		}
	}
	require.Equal(t, 3, expired)

	report, err = h.maint.ExpireOld(h.ctx)
	require.NoError(t, err)
	require.Zero(t, report.Scanned)
}

func TestExpireOld_IsolatesFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, nil)
	template := h.requestEnable(t)
	template.State = changerequest.StateRejected
	h.crs.Put(template)

	broken := seedPending(h, template, h.now.Add(-time.Hour))
	healthy := seedPending(h, template, h.now.Add(-time.Hour))
	h.crs.FailUpdateState = map[uuid.UUID]error{broken.ID: errors.New("disk on fire")}

	report, err := h.maint.ExpireOld(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Scanned)
	require.Equal(t, 1, report.Updated)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, changerequest.StatePending, h.reload(t, broken.ID).State)
	require.Equal(t, changerequest.StateExpired, h.reload(t, healthy.ID).State)
}

func TestValidatePending(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, func(p *policy.ApprovalPolicy) { p.ApproverConfig.Quorum = 2 })
	cr := h.requestEnable(t)

	report, err := h.maint.ValidatePending(h.ctx)
	require.NoError(t, err)
	require.Equal(t, services.SweepReport{Scanned: 1, Updated: 1}, report)
	stored := h.reload(t, cr.ID)
	require.Equal(t, changerequest.ValidationValid, stored.ValidationStatus)
	require.Equal(t, changerequest.StatePending, stored.State)

	drifted := h.liveFlag(t)
	drifted.Version = 3
	h.flags.Put(drifted)
	_, err = h.maint.ValidatePending(h.ctx)
	require.NoError(t, err)
	stored = h.reload(t, cr.ID)
	require.Equal(t, changerequest.ValidationStale, stored.ValidationStatus)
	require.Equal(t, []string{"version mismatch: expected 1, got 3"}, stored.ValidationErrors)
	require.Equal(t, changerequest.StatePending, stored.State)

	drifted.Deleted = true
	h.flags.Put(drifted)
	_, err = h.maint.ValidatePending(h.ctx)
	require.NoError(t, err)
	stored = h.reload(t, cr.ID)
	require.Equal(t, changerequest.ValidationInvalid, stored.ValidationStatus)
	require.NotEmpty(t, stored.ValidationErrors)
	require.Equal(t, changerequest.StatePending, stored.State)

	h.now = cr.ExpiresAt
	_, err = h.maint.ValidatePending(h.ctx)
	require.NoError(t, err)
	stored = h.reload(t, cr.ID)
	require.Equal(t, changerequest.ValidationExpired, stored.ValidationStatus)
	require.Equal(t, changerequest.StatePending, stored.State)
	require.True(t, h.now.Equal(*stored.ValidatedAt))
}

func TestValidatePending_Pages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPolicy(t, nil)
	template := h.requestEnable(t)
	for i := 0; i < 4; i++ {
		seedPending(h, template, h.now.Add(time.Hour))
	}

	report, err := h.maint.ValidatePending(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 5, report.Scanned)
	require.Equal(t, 5, report.Updated)
}
