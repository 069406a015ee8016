package services

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/logging"
	"github.com/iota-uz/approvalgate/pkg/outbox"
)

// Notifier records best-effort notifications. Implementations log and swallow
// their own failures; callers never see an error.
type Notifier interface {
	ApprovalRequested(ctx context.Context, cr *changerequest.ChangeRequest, approvers []uuid.UUID)
	Decision(ctx context.Context, cr *changerequest.ChangeRequest, vote *changerequest.Approval)
	Applied(ctx context.Context, cr *changerequest.ChangeRequest)
	ApplyFailed(ctx context.Context, cr *changerequest.ChangeRequest)
	Expired(ctx context.Context, cr *changerequest.ChangeRequest)
}

type NopNotifier struct{}

func (NopNotifier) ApprovalRequested(context.Context, *changerequest.ChangeRequest, []uuid.UUID) {}

func (NopNotifier) Decision(context.Context, *changerequest.ChangeRequest, *changerequest.Approval) {}

func (NopNotifier) Applied(context.Context, *changerequest.ChangeRequest) {}

func (NopNotifier) ApplyFailed(context.Context, *changerequest.ChangeRequest) {}

func (NopNotifier) Expired(context.Context, *changerequest.ChangeRequest) {}

// OutboxNotifier enqueues events into the approvals outbox inside a savepoint
// of the caller's transaction, so a failed enqueue never aborts the state change.
type OutboxNotifier struct {
	publisher outbox.Publisher
	table     pgx.Identifier
	tx        composables.Transactor
	log       *logrus.Entry
}

func NewOutboxNotifier(publisher outbox.Publisher, table pgx.Identifier, tx composables.Transactor, log *logrus.Entry) *OutboxNotifier {
	if log == nil {
		log = logging.Nop()
	}
	return &OutboxNotifier{
		publisher: publisher,
		table:     table,
		tx:        tx,
		log:       log.WithField("component", "approvals.notifier"),
	}
}

func (n *OutboxNotifier) enqueue(ctx context.Context, cr *changerequest.ChangeRequest, topic string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		n.log.WithError(err).WithField("topic", topic).Error("marshal notification")
		return
	}
	err = n.tx.InSavepoint(ctx, func(txCtx context.Context) error {
		tx, err := composables.UseTx(txCtx)
		if err != nil {
			return err
		}
		_, err = n.publisher.Enqueue(txCtx, tx, n.table, outbox.Message{
			OrganizationID: cr.OrganizationID,
			Topic:          topic,
			EventID:        uuid.New(),
			Payload:        payload,
		})
		return err
	})
	if err != nil {
		n.log.WithError(err).WithFields(logrus.Fields{
			"topic":             topic,
			"change_request_id": cr.ID,
		}).Warn("notification dropped")
	}
}

func (n *OutboxNotifier) ApprovalRequested(ctx context.Context, cr *changerequest.ChangeRequest, approvers []uuid.UUID) {
	n.enqueue(ctx, cr, changerequest.TopicApprovalRequested, changerequest.ApprovalRequestedEvent{
		Notification: changerequest.NewNotification(cr, approvers),
		RequestedBy:  cr.CreatedBy,
	})
}

func (n *OutboxNotifier) Decision(ctx context.Context, cr *changerequest.ChangeRequest, vote *changerequest.Approval) {
	n.enqueue(ctx, cr, changerequest.TopicDecision, changerequest.DecisionEvent{
		Notification: changerequest.NewNotification(cr, []uuid.UUID{cr.CreatedBy}),
		Decision:     vote.Decision,
		Reason:       vote.Reason,
		VotedBy:      vote.CreatedBy,
	})
}

func (n *OutboxNotifier) Applied(ctx context.Context, cr *changerequest.ChangeRequest) {
	var by uuid.UUID
	if cr.AppliedBy != nil {
		by = *cr.AppliedBy
	}
	n.enqueue(ctx, cr, changerequest.TopicApplied, changerequest.AppliedEvent{
		Notification: changerequest.NewNotification(cr, []uuid.UUID{cr.CreatedBy}),
		AppliedBy:    by,
	})
}

func (n *OutboxNotifier) ApplyFailed(ctx context.Context, cr *changerequest.ChangeRequest) {
	n.enqueue(ctx, cr, changerequest.TopicApplyFailed, changerequest.ApplyFailedEvent{
		Notification: changerequest.NewNotification(cr, []uuid.UUID{cr.CreatedBy}),
		Error:        cr.ApplyError,
	})
}

func (n *OutboxNotifier) Expired(ctx context.Context, cr *changerequest.ChangeRequest) {
	n.enqueue(ctx, cr, changerequest.TopicExpired, changerequest.ExpiredEvent{
		Notification: changerequest.NewNotification(cr, []uuid.UUID{cr.CreatedBy}),
	})
}
