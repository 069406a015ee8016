package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/iota-uz/approvalgate/modules/approvals/actions"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/logging"
)

// PreconditionError reports that the live resource drifted since the intent was captured.
type PreconditionError struct {
	Expected int64
	Actual   int64
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("version mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *PreconditionError) Unwrap() error { return ErrPreconditionFailed }

func applyFailed(msg string) error {
	return fmt.Errorf("%w: %s", ErrApplyFailed, msg)
}

type Applier struct {
	registry       *actions.Registry
	changeRequests changerequest.Repository
	notifier       Notifier
	tx             composables.Transactor
	now            func() time.Time
	log            *logrus.Entry
}

func NewApplier(
	registry *actions.Registry,
	changeRequests changerequest.Repository,
	notifier Notifier,
	tx composables.Transactor,
	now func() time.Time,
	log *logrus.Entry,
) *Applier {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Applier{
		registry:       registry,
		changeRequests: changeRequests,
		notifier:       notifier,
		tx:             tx,
		now:            now,
		log:            log.WithField("component", "approvals.applier"),
	}
}

// Apply executes an APPROVED change request. It must run inside the
// transaction that holds the change request row lock. On failure the request
// is moved to FAILED (and persisted) before the error is returned; the
// resource mutation itself runs in a savepoint so nothing partial survives.
func (a *Applier) Apply(ctx context.Context, cr *changerequest.ChangeRequest, actor uuid.UUID) (err error) {
	ctx, span := tracer.Start(ctx, "approvals.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("change_request.id", cr.ID.String()),
		attribute.String("approvals.action", cr.ActionKey),
	)
	started := time.Now()
	defer func() {
		result := "applied"
		if err != nil {
			result = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		recordApply(cr.ActionKey, result, started)
	}()

	if cr.State != changerequest.StateApproved {
		return errors.Wrapf(ErrInvalidState, "apply %s", cr.State)
	}

	action, ok := a.registry.Get(cr.ActionKey)
	if !ok {
		cause := errors.Wrapf(ErrUnknownAction, "%q", cr.ActionKey)
		return a.markFailed(ctx, cr, cause.Error(), cause)
	}
	intent, err := actions.DecodeIntent(cr.Intent)
	if err != nil {
		return a.markFailed(ctx, cr, "stored intent is unreadable", applyFailed(err.Error()))
	}
	actx := &actions.ApplyContext{
		OrganizationID: cr.OrganizationID,
		TeamID:         cr.TeamID,
		Actor:          composables.Actor{UserID: actor, OrganizationID: cr.OrganizationID, TeamID: cr.TeamID},
		Now:            a.now().UTC(),
	}

	problems, err := action.ValidateIntent(ctx, intent, actx)
	if err != nil {
		return a.markFailed(ctx, cr, err.Error(), applyFailed(err.Error()))
	}
	if len(problems) > 0 {
		cr.ValidationStatus = changerequest.ValidationInvalid
		cr.ValidationErrors = problems
		msg := "validation failed: " + strings.Join(problems, "; ")
		return a.markFailed(ctx, cr, msg, applyFailed(msg))
	}

	var result *actions.ApplyResult
	err = a.tx.InSavepoint(ctx, func(spCtx context.Context) error {
		res, err := action.LoadResource(spCtx, intent, actx, true)
		if err != nil {
			return applyFailed(err.Error())
		}
		if got := res.ResourceVersion(); got != intent.Preconditions.Version {
			return &PreconditionError{Expected: intent.Preconditions.Version, Actual: got}
		}
		done, err := action.InTargetState(intent, res)
		if err != nil {
			return applyFailed(err.Error())
		}
		if done {
			result = &actions.ApplyResult{ResourceID: intent.ResourceID, Version: res.ResourceVersion(), NoOp: true}
			return nil
		}
		result, err = action.Apply(spCtx, intent, res, actor, actx)
		if err != nil {
			return applyFailed(err.Error())
		}
		return nil
	})
	if err != nil {
		var pre *PreconditionError
		if errors.As(err, &pre) {
			cr.ValidationStatus = changerequest.ValidationStale
			return a.markFailed(ctx, cr, pre.Error(), err)
		}
		return a.markFailed(ctx, cr, strings.TrimPrefix(err.Error(), ErrApplyFailed.Error()+": "), err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := cr.MarkApplied(actor, data, a.now().UTC()); err != nil {
		return err
	}
	if err := a.changeRequests.UpdateState(ctx, cr); err != nil {
		return errors.Wrap(err, "persist applied change request")
	}
	a.notifier.Applied(ctx, cr)
	a.log.WithFields(logrus.Fields{
		"change_request_id": cr.ID,
		"action_key":        cr.ActionKey,
		"no_op":             result.NoOp,
	}).Info("change request applied")
	return nil
}

func (a *Applier) markFailed(ctx context.Context, cr *changerequest.ChangeRequest, reason string, cause error) error {
	if err := cr.MarkFailed(reason, a.now().UTC()); err != nil {
		return errors.Wrap(err, cause.Error())
	}
	if err := a.changeRequests.UpdateState(ctx, cr); err != nil {
		return errors.Wrap(err, "persist failed change request")
	}
	a.notifier.ApplyFailed(ctx, cr)
	a.log.WithError(cause).WithFields(logrus.Fields{
		"change_request_id": cr.ID,
		"action_key":        cr.ActionKey,
	}).Warn("change request failed to apply")
	return cause
}
