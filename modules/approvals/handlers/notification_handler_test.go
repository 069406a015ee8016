package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/modules/approvals/handlers"
	"github.com/iota-uz/approvalgate/modules/approvals/services"
	"github.com/iota-uz/approvalgate/pkg/eventbus"
	"github.com/iota-uz/approvalgate/pkg/logging"
	"github.com/iota-uz/approvalgate/pkg/outbox"
	outboxbus "github.com/iota-uz/approvalgate/pkg/outbox/dispatchers/eventbus"
)

type sent struct {
	recipient uuid.UUID
	template  string
	data      map[string]any
}

type fakeMailer struct {
	mu   sync.Mutex
	fail map[uuid.UUID]bool
	sent []sent
}

func (m *fakeMailer) SendApprovalEmail(_ context.Context, recipient uuid.UUID, template string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[recipient] {
		return errors.New("smtp unavailable")
	}
	m.sent = append(m.sent, sent{recipient: recipient, template: template, data: data})
	return nil
}

func dispatch(t *testing.T, d *outboxbus.Dispatcher, topic string, ev any) error {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	return d.Dispatch(context.Background(), outbox.DispatchedMessage{
		Meta:    outbox.Meta{Topic: topic, EventID: uuid.New()},
		Payload: payload,
	})
}

func TestNotificationHandler(t *testing.T) {
	t.Parallel()

	bus := eventbus.New(logging.Nop())
	d := outboxbus.New(bus).
		Register(changerequest.TopicApprovalRequested, outboxbus.JSON[changerequest.ApprovalRequestedEvent]()).
		Register(changerequest.TopicDecision, outboxbus.JSON[changerequest.DecisionEvent]()).
		Register(changerequest.TopicApplied, outboxbus.JSON[changerequest.AppliedEvent]())

	broken := uuid.New()
	approver := uuid.New()
	requester := uuid.New()
	mailer := &fakeMailer{fail: map[uuid.UUID]bool{broken: true}}
	handlers.NewNotificationHandler(mailer, nil).Subscribe(bus)

	cr := &changerequest.ChangeRequest{
		ID:           uuid.New(),
		ActionKey:    "feature_flag.enable",
		ResourceType: "feature_flag",
		ResourceID:   "42",
		State:        changerequest.StatePending,
		CreatedBy:    requester,
	}
	err := dispatch(t, d, changerequest.TopicApprovalRequested, changerequest.ApprovalRequestedEvent{
		Notification: changerequest.NewNotification(cr, []uuid.UUID{broken, approver, approver}),
		RequestedBy:  requester,
	})
	require.NoError(t, err, "a failing recipient does not fail the delivery")
	require.Len(t, mailer.sent, 1)
	require.Equal(t, approver, mailer.sent[0].recipient)
	require.Equal(t, services.TemplateApprovalRequested, mailer.sent[0].template)
	require.Equal(t, "42", mailer.sent[0].data["resource_id"])

	err = dispatch(t, d, changerequest.TopicDecision, changerequest.DecisionEvent{
		Notification: changerequest.NewNotification(cr, []uuid.UUID{requester}),
		Decision:     changerequest.DecisionRejected,
		Reason:       "freeze",
		VotedBy:      approver,
	})
	require.NoError(t, err)
	require.Len(t, mailer.sent, 2)
	require.Equal(t, services.TemplateDecision, mailer.sent[1].template)
	require.Equal(t, "freeze", mailer.sent[1].data["reason"])

	err = dispatch(t, d, changerequest.TopicApplied, changerequest.AppliedEvent{
		Notification: changerequest.NewNotification(cr, []uuid.UUID{requester}),
		AppliedBy:    approver,
	})
	require.NoError(t, err)
	require.Len(t, mailer.sent, 3)
	require.Equal(t, requester, mailer.sent[2].recipient)
}
