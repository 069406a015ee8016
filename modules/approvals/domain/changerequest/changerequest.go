package changerequest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/approvalgate/modules/approvals/domain/policy"
)

type State string

const (
	StatePending  State = "PENDING"
	StateApproved State = "APPROVED"
	StateApplied  State = "APPLIED"
	StateRejected State = "REJECTED"
	StateExpired  State = "EXPIRED"
	StateFailed   State = "FAILED"
)

var transitions = map[State][]State{
	StatePending:  {StateApproved, StateRejected, StateExpired, StateFailed},
	StateApproved: {StateApplied, StateFailed},
}

// IsOpen reports whether the request still blocks new requests for the same resource.
func (s State) IsOpen() bool {
	return s == StatePending || s == StateApproved
}

func (s State) IsTerminal() bool {
	return len(transitions[s]) == 0
}

func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateApproved, StateApplied, StateRejected, StateExpired, StateFailed:
		return true
	}
	return false
}

type ValidationStatus string

const (
	ValidationValid   ValidationStatus = "VALID"
	ValidationInvalid ValidationStatus = "INVALID"
	ValidationExpired ValidationStatus = "EXPIRED"
	ValidationStale   ValidationStatus = "STALE"
)

type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

type ChangeRequest struct {
	ID               uuid.UUID        `json:"id"`
	ActionKey        string           `json:"action_key"`
	ActionVersion    int              `json:"action_version"`
	OrganizationID   uuid.UUID        `json:"organization_id"`
	TeamID           uuid.UUID        `json:"team_id"`
	ResourceType     string           `json:"resource_type"`
	ResourceID       string           `json:"resource_id,omitempty"`
	Intent           json.RawMessage  `json:"intent"`
	IntentDisplay    json.RawMessage  `json:"intent_display"`
	PolicySnapshot   policy.Snapshot  `json:"policy_snapshot"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	ValidationErrors []string         `json:"validation_errors"`
	ValidatedAt      *time.Time       `json:"validated_at,omitempty"`
	State            State            `json:"state"`
	CreatedBy        uuid.UUID        `json:"created_by"`
	AppliedBy        *uuid.UUID       `json:"applied_by,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	ExpiresAt        time.Time        `json:"expires_at"`
	AppliedAt        *time.Time       `json:"applied_at,omitempty"`
	ApplyError       string           `json:"apply_error,omitempty"`
	ResultData       json.RawMessage  `json:"result_data,omitempty"`
}

// TransitionTo moves the request along the state machine and bumps UpdatedAt.
func (cr *ChangeRequest) TransitionTo(next State, now time.Time) error {
	if !cr.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cr.State, next)
	}
	cr.State = next
	cr.UpdatedAt = now
	return nil
}

func (cr *ChangeRequest) MarkApplied(by uuid.UUID, result json.RawMessage, now time.Time) error {
	if err := cr.TransitionTo(StateApplied, now); err != nil {
		return err
	}
	cr.AppliedBy = &by
	cr.AppliedAt = &now
	cr.ResultData = result
	cr.ApplyError = ""
	return nil
}

func (cr *ChangeRequest) MarkFailed(reason string, now time.Time) error {
	if err := cr.TransitionTo(StateFailed, now); err != nil {
		return err
	}
	cr.ApplyError = reason
	return nil
}

func (cr *ChangeRequest) IsExpired(now time.Time) bool {
	return !cr.ExpiresAt.IsZero() && !cr.ExpiresAt.After(now)
}

type Approval struct {
	ID              uuid.UUID `json:"id"`
	ChangeRequestID uuid.UUID `json:"change_request_id"`
	Decision        Decision  `json:"decision"`
	Reason          string    `json:"reason"`
	CreatedBy       uuid.UUID `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
}

type Filter struct {
	OrganizationID uuid.UUID
	TeamID         *uuid.UUID
	State          State
	ActionKey      string
	RequesterID    *uuid.UUID
	ResourceType   string
	ResourceID     string
	Limit          int
	Offset         int
}
