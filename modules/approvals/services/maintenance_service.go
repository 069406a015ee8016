package services

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/approvalgate/modules/approvals/actions"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/logging"
)

const (
	SweepValidate = "validate_pending"
	SweepExpire   = "expire_old"
)

type SweepReport struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

type MaintenanceService struct {
	registry  *actions.Registry
	repo      changerequest.Repository
	notifier  Notifier
	tx        composables.Transactor
	batchSize int
	now       func() time.Time
	log       *logrus.Entry
}

func NewMaintenanceService(
	registry *actions.Registry,
	repo changerequest.Repository,
	notifier Notifier,
	tx composables.Transactor,
	batchSize int,
	now func() time.Time,
	log *logrus.Entry,
) *MaintenanceService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logging.Nop()
	}
	return &MaintenanceService{
		registry:  registry,
		repo:      repo,
		notifier:  notifier,
		tx:        tx,
		batchSize: batchSize,
		now:       now,
		log:       log.WithField("component", "approvals.maintenance"),
	}
}

func (s *MaintenanceService) record(sweep string, report *SweepReport, err error, cr *changerequest.ChangeRequest) {
	if err != nil {
		report.Failed++
		getMetrics().sweepItems.WithLabelValues(sweep, "failed").Inc()
		s.log.WithError(err).WithFields(logrus.Fields{
			"sweep":             sweep,
			"change_request_id": cr.ID,
		}).Error("sweep item failed")
		return
	}
	getMetrics().sweepItems.WithLabelValues(sweep, "ok").Inc()
}

// ValidatePending re-validates every PENDING request. Only validation fields
// are written; state never changes here.
func (s *MaintenanceService) ValidatePending(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	after := uuid.Nil
	for {
		page, err := s.repo.ListPending(ctx, after, s.batchSize)
		if err != nil {
			return report, errors.Wrap(err, "list pending change requests")
		}
		for _, cr := range page {
			report.Scanned++
			err := s.validateOne(ctx, cr)
			if err == nil {
				report.Updated++
			}
			s.record(SweepValidate, &report, err, cr)
		}
		if len(page) < s.batchSize {
			break
		}
		after = page[len(page)-1].ID
	}
	s.log.WithFields(logrus.Fields{
		"scanned": report.Scanned,
		"updated": report.Updated,
		"failed":  report.Failed,
	}).Info("pending change requests validated")
	return report, nil
}

func (s *MaintenanceService) validateOne(ctx context.Context, cr *changerequest.ChangeRequest) error {
	now := s.now().UTC()
	status, problems, err := s.assess(ctx, cr, now)
	if err != nil {
		return err
	}
	return s.repo.UpdateValidation(ctx, cr.ID, status, problems, now)
}

func (s *MaintenanceService) assess(ctx context.Context, cr *changerequest.ChangeRequest, now time.Time) (changerequest.ValidationStatus, []string, error) {
	if cr.IsExpired(now) {
		return changerequest.ValidationExpired, nil, nil
	}
	action, ok := s.registry.Get(cr.ActionKey)
	if !ok {
		return changerequest.ValidationInvalid, []string{"unknown action " + cr.ActionKey}, nil
	}
	intent, err := actions.DecodeIntent(cr.Intent)
	if err != nil {
		return changerequest.ValidationInvalid, []string{"stored intent is unreadable"}, nil
	}
	actx := &actions.ApplyContext{OrganizationID: cr.OrganizationID, TeamID: cr.TeamID, Now: now}
	problems, err := action.ValidateIntent(ctx, intent, actx)
	if err != nil {
		return "", nil, err
	}
	if len(problems) > 0 {
		return changerequest.ValidationInvalid, problems, nil
	}
	res, err := action.LoadResource(ctx, intent, actx, false)
	if err != nil {
		return "", nil, err
	}
	if got := res.ResourceVersion(); got != intent.Preconditions.Version {
		return changerequest.ValidationStale, []string{(&PreconditionError{Expected: intent.Preconditions.Version, Actual: got}).Error()}, nil
	}
	return changerequest.ValidationValid, nil, nil
}

// ExpireOld moves PENDING requests with expires_at <= now to EXPIRED, one transaction per request.
func (s *MaintenanceService) ExpireOld(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now().UTC()
	after := uuid.Nil
	for {
		page, err := s.repo.ListExpirable(ctx, now, after, s.batchSize)
		if err != nil {
			return report, errors.Wrap(err, "list expirable change requests")
		}
		for _, cr := range page {
			report.Scanned++
			expired, err := s.expireOne(ctx, cr.ID, now)
			if expired {
				report.Updated++
			}
			s.record(SweepExpire, &report, err, cr)
		}
		if len(page) < s.batchSize {
			break
		}
		after = page[len(page)-1].ID
	}
	s.log.WithFields(logrus.Fields{
		"scanned": report.Scanned,
		"expired": report.Updated,
		"failed":  report.Failed,
	}).Info("old change requests expired")
	return report, nil
}

func (s *MaintenanceService) expireOne(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	expired := false
	err := s.tx.InTx(ctx, func(txCtx context.Context) error {
		cr, err := s.repo.GetForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		// A vote may have closed it since the page was read.
		if cr.State != changerequest.StatePending || !cr.IsExpired(now) {
			return nil
		}
		if err := cr.TransitionTo(changerequest.StateExpired, now); err != nil {
			return err
		}
		if err := s.repo.UpdateState(txCtx, cr); err != nil {
			return err
		}
		s.notifier.Expired(txCtx, cr)
		expired = true
		return nil
	})
	return expired && err == nil, err
}
