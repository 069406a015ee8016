package changerequest

import (
	"github.com/google/uuid"
)

const (
	TopicApprovalRequested = "approvals.approval_requested"
	TopicDecision          = "approvals.decision"
	TopicApplied           = "approvals.applied"
	TopicApplyFailed       = "approvals.apply_failed"
	TopicExpired           = "approvals.expired"
)

// Notification is the common payload of every change request event.
type Notification struct {
	ChangeRequestID uuid.UUID   `json:"change_request_id"`
	OrganizationID  uuid.UUID   `json:"organization_id"`
	ActionKey       string      `json:"action_key"`
	ResourceType    string      `json:"resource_type"`
	ResourceID      string      `json:"resource_id,omitempty"`
	State           State       `json:"state"`
	Recipients      []uuid.UUID `json:"recipients"`
}

type ApprovalRequestedEvent struct {
	Notification
	RequestedBy uuid.UUID `json:"requested_by"`
}

type DecisionEvent struct {
	Notification
	Decision Decision  `json:"decision"`
	Reason   string    `json:"reason,omitempty"`
	VotedBy  uuid.UUID `json:"voted_by"`
}

type AppliedEvent struct {
	Notification
	AppliedBy uuid.UUID `json:"applied_by"`
}

type ApplyFailedEvent struct {
	Notification
	Error string `json:"error"`
}

type ExpiredEvent struct {
	Notification
}

func NewNotification(cr *ChangeRequest, recipients []uuid.UUID) Notification {
	return Notification{
		ChangeRequestID: cr.ID,
		OrganizationID:  cr.OrganizationID,
		ActionKey:       cr.ActionKey,
		ResourceType:    cr.ResourceType,
		ResourceID:      cr.ResourceID,
		State:           cr.State,
		Recipients:      recipients,
	}
}
