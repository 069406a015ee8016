package handlers

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/modules/approvals/services"
	"github.com/iota-uz/approvalgate/pkg/eventbus"
	"github.com/iota-uz/approvalgate/pkg/logging"
	"github.com/iota-uz/approvalgate/pkg/outbox"
)

// NotificationHandler turns relayed change request events into emails.
// Delivery is best effort: a failed recipient is logged and skipped.
type NotificationHandler struct {
	mailer services.Mailer
	log    *logrus.Entry
}

func NewNotificationHandler(mailer services.Mailer, log *logrus.Entry) *NotificationHandler {
	if log == nil {
		log = logging.Nop()
	}
	return &NotificationHandler{mailer: mailer, log: log.WithField("component", "approvals.notifications")}
}

func (h *NotificationHandler) Subscribe(bus eventbus.EventBus) {
	bus.Subscribe(h.onApprovalRequested)
	bus.Subscribe(h.onDecision)
	bus.Subscribe(h.onApplied)
	bus.Subscribe(h.onApplyFailed)
	bus.Subscribe(h.onExpired)
}

func (h *NotificationHandler) send(meta *outbox.Meta, n changerequest.Notification, template string, data map[string]any) {
	data["change_request_id"] = n.ChangeRequestID
	data["action_key"] = n.ActionKey
	data["resource_type"] = n.ResourceType
	data["resource_id"] = n.ResourceID
	data["state"] = n.State

	ctx := context.Background()
	seen := make(map[uuid.UUID]struct{}, len(n.Recipients))
	for _, recipient := range n.Recipients {
		if _, dup := seen[recipient]; dup {
			continue
		}
		seen[recipient] = struct{}{}
		if err := h.mailer.SendApprovalEmail(ctx, recipient, template, data); err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{
				"event_id":          meta.EventID,
				"template":          template,
				"recipient":         recipient,
				"change_request_id": n.ChangeRequestID,
			}).Warn("approval email failed")
		}
	}
}

func (h *NotificationHandler) onApprovalRequested(meta *outbox.Meta, ev *changerequest.ApprovalRequestedEvent) error {
	if meta == nil || ev == nil {
		return nil
	}
	h.send(meta, ev.Notification, services.TemplateApprovalRequested, map[string]any{
		"requested_by": ev.RequestedBy,
	})
	return nil
}

func (h *NotificationHandler) onDecision(meta *outbox.Meta, ev *changerequest.DecisionEvent) error {
	if meta == nil || ev == nil {
		return nil
	}
	h.send(meta, ev.Notification, services.TemplateDecision, map[string]any{
		"decision": ev.Decision,
		"reason":   ev.Reason,
		"voted_by": ev.VotedBy,
	})
	return nil
}

func (h *NotificationHandler) onApplied(meta *outbox.Meta, ev *changerequest.AppliedEvent) error {
	if meta == nil || ev == nil {
		return nil
	}
	h.send(meta, ev.Notification, services.TemplateApplied, map[string]any{
		"applied_by": ev.AppliedBy,
	})
	return nil
}

func (h *NotificationHandler) onApplyFailed(meta *outbox.Meta, ev *changerequest.ApplyFailedEvent) error {
	if meta == nil || ev == nil {
		return nil
	}
	h.send(meta, ev.Notification, services.TemplateApplyFailed, map[string]any{
		"error": ev.Error,
	})
	return nil
}

func (h *NotificationHandler) onExpired(meta *outbox.Meta, ev *changerequest.ExpiredEvent) error {
	if meta == nil || ev == nil {
		return nil
	}
	h.send(meta, ev.Notification, services.TemplateExpired, map[string]any{})
	return nil
}
