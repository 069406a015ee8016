package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/approvalgate/pkg/logging"
)

const (
	TemplateApprovalRequested = "approval_requested"
	TemplateDecision          = "approval_decision"
	TemplateApplied           = "change_request_applied"
	TemplateApplyFailed       = "change_request_apply_failed"
	TemplateExpired           = "change_request_expired"
)

type Mailer interface {
	SendApprovalEmail(ctx context.Context, recipient uuid.UUID, template string, data map[string]any) error
}

// LogMailer writes emails to the log instead of sending them.
type LogMailer struct {
	log *logrus.Entry
}

func NewLogMailer(log *logrus.Entry) *LogMailer {
	if log == nil {
		log = logging.Nop()
	}
	return &LogMailer{log: log.WithField("component", "approvals.mailer")}
}

func (m *LogMailer) SendApprovalEmail(ctx context.Context, recipient uuid.UUID, template string, data map[string]any) error {
	m.log.WithContext(ctx).WithFields(logrus.Fields{
		"recipient": recipient,
		"template":  template,
		"data":      data,
	}).Info("approval email")
	return nil
}
