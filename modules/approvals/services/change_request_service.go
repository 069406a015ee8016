package services

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/logging"
)

type VoteStatus string

const (
	VoteApproved VoteStatus = "approved"
	VoteApplied  VoteStatus = "applied"
	VoteFailed   VoteStatus = "failed"
	VoteRejected VoteStatus = "rejected"
	VoteCanceled VoteStatus = "canceled"
)

type VoteResult struct {
	Status        VoteStatus                   `json:"status"`
	Message       string                       `json:"message"`
	ChangeRequest *changerequest.ChangeRequest `json:"change_request"`
	Approvals     int                          `json:"approvals"`
	Quorum        int                          `json:"quorum"`
}

type ChangeRequestService struct {
	repo     changerequest.Repository
	applier  *Applier
	roles    RoleResolver
	notifier Notifier
	tx       composables.Transactor
	now      func() time.Time
	log      *logrus.Entry
}

func NewChangeRequestService(
	repo changerequest.Repository,
	applier *Applier,
	roles RoleResolver,
	notifier Notifier,
	tx composables.Transactor,
	now func() time.Time,
	log *logrus.Entry,
) *ChangeRequestService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logging.Nop()
	}
	return &ChangeRequestService{
		repo:     repo,
		applier:  applier,
		roles:    roles,
		notifier: notifier,
		tx:       tx,
		now:      now,
		log:      log.WithField("component", "approvals.change_requests"),
	}
}

type ChangeRequestDetail struct {
	ChangeRequest *changerequest.ChangeRequest `json:"change_request"`
	Approvals     []*changerequest.Approval    `json:"approvals"`
	CanApprove    bool                         `json:"can_approve"`
	CanCancel     bool                         `json:"can_cancel"`
}

// Get returns a request of the actor's organization with its votes.
func (s *ChangeRequestService) Get(ctx context.Context, actor composables.Actor, id uuid.UUID) (*ChangeRequestDetail, error) {
	cr, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	if cr.OrganizationID != actor.OrganizationID {
		return nil, notFound()
	}
	votes, err := s.repo.ListApprovals(ctx, id)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	canApprove, err := s.CanApprove(ctx, cr, actor.UserID)
	if err != nil {
		return nil, err
	}
	return &ChangeRequestDetail{
		ChangeRequest: cr,
		Approvals:     votes,
		CanApprove:    canApprove && !hasVoted(votes, actor.UserID),
		CanCancel:     s.CanCancel(cr, actor.UserID),
	}, nil
}

func hasVoted(votes []*changerequest.Approval, userID uuid.UUID) bool {
	return slices.ContainsFunc(votes, func(a *changerequest.Approval) bool { return a.CreatedBy == userID })
}

func (s *ChangeRequestService) List(ctx context.Context, actor composables.Actor, filter changerequest.Filter) ([]*changerequest.ChangeRequest, int, error) {
	filter.OrganizationID = actor.OrganizationID
	if filter.State != "" && !filter.State.Valid() {
		return nil, 0, newServiceError(http.StatusBadRequest, "invalid_filter", fmt.Sprintf("unknown state %q", filter.State), nil)
	}
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, mapRepositoryError(err)
	}
	return items, total, nil
}

// isApprover reports membership in the snapshot's users or roles.
func (s *ChangeRequestService) isApprover(ctx context.Context, cr *changerequest.ChangeRequest, userID uuid.UUID) (bool, error) {
	if cr.PolicySnapshot.HasUser(userID) {
		return true, nil
	}
	if len(cr.PolicySnapshot.Roles) == 0 {
		return false, nil
	}
	members, err := s.roles.ResolveUserIDsForRoles(ctx, cr.OrganizationID, cr.PolicySnapshot.Roles)
	if err != nil {
		return false, err
	}
	return slices.Contains(members, userID), nil
}

// CanApprove: approver by user or role, not the requester unless self approval
// is allowed, and the request is PENDING.
func (s *ChangeRequestService) CanApprove(ctx context.Context, cr *changerequest.ChangeRequest, userID uuid.UUID) (bool, error) {
	if cr.State != changerequest.StatePending {
		return false, nil
	}
	if userID == cr.CreatedBy && !cr.PolicySnapshot.AllowSelfApprove {
		return false, nil
	}
	return s.isApprover(ctx, cr, userID)
}

func (s *ChangeRequestService) CanCancel(cr *changerequest.ChangeRequest, userID uuid.UUID) bool {
	return cr.State == changerequest.StatePending && cr.CreatedBy == userID
}

// lock row-locks the request and hides requests of other organizations.
func (s *ChangeRequestService) lock(ctx context.Context, actor composables.Actor, id uuid.UUID) (*changerequest.ChangeRequest, error) {
	cr, err := s.repo.GetForUpdate(ctx, id)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	if cr.OrganizationID != actor.OrganizationID {
		return nil, notFound()
	}
	return cr, nil
}

func (s *ChangeRequestService) vote(ctx context.Context, cr *changerequest.ChangeRequest, actor composables.Actor, decision changerequest.Decision, reason string) (*changerequest.Approval, error) {
	vote := &changerequest.Approval{
		ID:              uuid.New(),
		ChangeRequestID: cr.ID,
		Decision:        decision,
		Reason:          reason,
		CreatedBy:       actor.UserID,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.repo.InsertApproval(ctx, vote); err != nil {
		return nil, mapRepositoryError(err)
	}
	getMetrics().votes.WithLabelValues(string(decision)).Inc()
	return vote, nil
}

// Approve records an approval and applies the request synchronously once quorum is reached.
// A failed apply is reported through VoteResult, not as an error: the vote stays recorded.
func (s *ChangeRequestService) Approve(ctx context.Context, actor composables.Actor, id uuid.UUID, reason string) (*VoteResult, error) {
	var result *VoteResult
	err := s.tx.InTx(ctx, func(txCtx context.Context) error {
		cr, err := s.lock(txCtx, actor, id)
		if err != nil {
			return err
		}
		if cr.State != changerequest.StatePending {
			return invalidState(cr, http.StatusBadRequest)
		}
		ok, err := s.CanApprove(txCtx, cr, actor.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return forbidden("you are not an approver for this change request")
		}
		vote, err := s.vote(txCtx, cr, actor, changerequest.DecisionApproved, strings.TrimSpace(reason))
		if err != nil {
			return err
		}
		s.notifier.Decision(txCtx, cr, vote)

		count, err := s.repo.CountApprovals(txCtx, cr.ID, changerequest.DecisionApproved)
		if err != nil {
			return mapRepositoryError(err)
		}
		quorum := cr.PolicySnapshot.EffectiveQuorum()
		result = &VoteResult{ChangeRequest: cr, Approvals: count, Quorum: quorum}
		if count < quorum {
			result.Status = VoteApproved
			result.Message = fmt.Sprintf("approved, %d/%d approvals", count, quorum)
			return nil
		}

		if err := cr.TransitionTo(changerequest.StateApproved, s.now().UTC()); err != nil {
			return err
		}
		if err := s.repo.UpdateState(txCtx, cr); err != nil {
			return mapRepositoryError(err)
		}
		if applyErr := s.applier.Apply(txCtx, cr, actor.UserID); applyErr != nil {
			if cr.State != changerequest.StateFailed {
				return applyErr
			}
			result.Status = VoteFailed
			result.Message = "quorum reached but application failed: " + cr.ApplyError
			return nil
		}
		result.Status = VoteApplied
		result.Message = fmt.Sprintf("quorum reached (%d/%d), change applied", count, quorum)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"change_request_id": id,
		"user_id":           actor.UserID,
		"status":            result.Status,
	}).Info("change request approved")
	return result, nil
}

// Reject is a single veto: one rejection closes the request regardless of quorum.
func (s *ChangeRequestService) Reject(ctx context.Context, actor composables.Actor, id uuid.UUID, reason string) (*VoteResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, newServiceError(http.StatusBadRequest, "reason_required", "a reason is required to reject", ErrReasonRequired)
	}
	var result *VoteResult
	err := s.tx.InTx(ctx, func(txCtx context.Context) error {
		cr, err := s.lock(txCtx, actor, id)
		if err != nil {
			return err
		}
		if cr.State != changerequest.StatePending {
			return invalidState(cr, http.StatusBadRequest)
		}
		ok, err := s.isApprover(txCtx, cr, actor.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return forbidden("you are not an approver for this change request")
		}
		vote, err := s.vote(txCtx, cr, actor, changerequest.DecisionRejected, reason)
		if err != nil {
			return err
		}
		if err := s.close(txCtx, cr, vote); err != nil {
			return err
		}
		result = &VoteResult{
			Status:        VoteRejected,
			Message:       "change request rejected",
			ChangeRequest: cr,
			Quorum:        cr.PolicySnapshot.EffectiveQuorum(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel lets the requester withdraw a PENDING request.
func (s *ChangeRequestService) Cancel(ctx context.Context, actor composables.Actor, id uuid.UUID, reason string) (*VoteResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "canceled by requester"
	}
	var result *VoteResult
	err := s.tx.InTx(ctx, func(txCtx context.Context) error {
		cr, err := s.lock(txCtx, actor, id)
		if err != nil {
			return err
		}
		if cr.CreatedBy != actor.UserID {
			return forbidden("only the requester can cancel a change request")
		}
		if !s.CanCancel(cr, actor.UserID) {
			return invalidState(cr, http.StatusForbidden)
		}
		vote, err := s.vote(txCtx, cr, actor, changerequest.DecisionRejected, reason)
		if err != nil {
			return err
		}
		if err := s.close(txCtx, cr, vote); err != nil {
			return err
		}
		result = &VoteResult{
			Status:        VoteCanceled,
			Message:       "change request canceled",
			ChangeRequest: cr,
			Quorum:        cr.PolicySnapshot.EffectiveQuorum(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *ChangeRequestService) close(ctx context.Context, cr *changerequest.ChangeRequest, vote *changerequest.Approval) error {
	if err := cr.TransitionTo(changerequest.StateRejected, s.now().UTC()); err != nil {
		return errors.Wrap(err, "reject change request")
	}
	if err := s.repo.UpdateState(ctx, cr); err != nil {
		return mapRepositoryError(err)
	}
	s.notifier.Decision(ctx, cr, vote)
	return nil
}
