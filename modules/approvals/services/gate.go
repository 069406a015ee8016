package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iota-uz/approvalgate/modules/approvals/actions"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/changerequest"
	"github.com/iota-uz/approvalgate/modules/approvals/domain/policy"
	"github.com/iota-uz/approvalgate/pkg/composables"
	"github.com/iota-uz/approvalgate/pkg/logging"
)

var tracer = otel.Tracer("approvalgate-approvals")

type GateResultKind string

const (
	GatePass                 GateResultKind = "pass"
	GateDenied               GateResultKind = "denied"
	GateValidationFailed     GateResultKind = "validation_failed"
	GatePolicyConflict       GateResultKind = "policy_conflict"
	GateApprovalRequired     GateResultKind = "approval_required"
	GateChangeRequestPending GateResultKind = "change_request_pending"
)

const conflictGuidance = "More than one approval policy matches this change. Split it into separate requests so that each one is governed by a single policy."

type PolicyRef struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// GateResult is what the HTTP layer renders. Only GatePass lets the original call proceed.
type GateResult struct {
	Kind                GateResultKind
	ActionKey           string
	Reason              string
	Message             string
	ValidationErrors    []string
	ConflictingPolicies []PolicyRef
	ChangeRequest       *changerequest.ChangeRequest
	RequiredApprovers   []uuid.UUID
}

func (r *GateResult) Passed() bool {
	return r.Kind == GatePass
}

type GateOptions struct {
	Registry            *actions.Registry
	Engine              *PolicyEngine
	ChangeRequests      changerequest.Repository
	Notifier            Notifier
	Tx                  composables.Transactor
	Rollout             RolloutChecker
	DefaultExpiresAfter time.Duration
	Now                 func() time.Time
	Logger              *logrus.Entry
}

type ApprovalGate struct {
	registry       *actions.Registry
	engine         *PolicyEngine
	changeRequests changerequest.Repository
	notifier       Notifier
	tx             composables.Transactor
	rollout        RolloutChecker
	defaultExpires time.Duration
	now            func() time.Time
	log            *logrus.Entry
}

func NewApprovalGate(opts GateOptions) *ApprovalGate {
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Tx == nil {
		opts.Tx = composables.NewTransactor()
	}
	if opts.Rollout == nil {
		opts.Rollout = AlwaysEnabled
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &ApprovalGate{
		registry:       opts.Registry,
		engine:         opts.Engine,
		changeRequests: opts.ChangeRequests,
		notifier:       opts.Notifier,
		tx:             opts.Tx,
		rollout:        opts.Rollout,
		defaultExpires: opts.DefaultExpiresAfter,
		now:            opts.Now,
		log:            opts.Logger.WithField("component", "approvals.gate"),
	}
}

func pass(reason string) *GateResult {
	return &GateResult{Kind: GatePass, Reason: reason}
}

// Check decides whether req may proceed. Policy conflicts, validation failures
// and approval requirements are results, not errors; an error means the check
// itself could not complete.
func (g *ApprovalGate) Check(ctx context.Context, req *actions.GatedRequest) (*GateResult, error) {
	ctx, span := tracer.Start(ctx, "approvals.gate.check")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource.type", req.ResourceType),
		attribute.String("resource.id", req.ResourceID),
	)

	actor := req.Actor
	if !g.rollout(actor.OrganizationID) {
		return pass("approvals_disabled"), nil
	}
	actx := &actions.ApplyContext{
		OrganizationID: actor.OrganizationID,
		TeamID:         actor.TeamID,
		Actor:          actor,
		Request:        req,
		Now:            g.now().UTC(),
	}

	for _, action := range g.registry.Candidates(req) {
		p, err := g.engine.GetPolicy(ctx, action.Key(), actx.TeamID, actx.OrganizationID)
		if err != nil {
			return nil, g.fail(ctx, span, action.Key(), errors.Wrap(err, "resolve policy"))
		}
		if p == nil {
			continue
		}
		span.SetAttributes(attribute.String("approvals.action", action.Key()))
		res, err := g.run(ctx, action, p, actx)
		if err != nil {
			return nil, g.fail(ctx, span, action.Key(), err)
		}
		res.ActionKey = action.Key()
		recordGateOutcome(action.Key(), res.Kind)
		span.SetAttributes(attribute.String("approvals.outcome", string(res.Kind)))
		return res, nil
	}
	recordGateOutcome("", GatePass)
	return pass("not_gated"), nil
}

func (g *ApprovalGate) fail(ctx context.Context, span trace.Span, actionKey string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	composables.UseLogger(ctx).WithError(err).WithFields(logrus.Fields{
		"component":  "approvals.gate",
		"action_key": actionKey,
	}).Error("approval gate check failed")
	recordGateOutcome(actionKey, "error")
	return err
}

func (g *ApprovalGate) run(ctx context.Context, action actions.Action, p *policy.ApprovalPolicy, actx *actions.ApplyContext) (*GateResult, error) {
	intent, err := action.ExtractIntent(ctx, actx.Request, actx)
	if errors.Is(err, actions.ErrResourceNotFound) {
		return pass("resource_not_found"), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "extract intent")
	}
	intent.HTTPMethod = actx.Request.Method

	problems, err := action.ValidateIntent(ctx, intent, actx)
	if err != nil {
		return nil, errors.Wrap(err, "validate intent")
	}
	if len(problems) > 0 {
		return &GateResult{
			Kind:             GateValidationFailed,
			Message:          "the requested change is invalid",
			ValidationErrors: problems,
		}, nil
	}

	matching, err := g.engine.GetAllMatchingPolicies(ctx, action.Key(), actx.TeamID, actx.OrganizationID, intent)
	if err != nil {
		return nil, errors.Wrap(err, "match policies")
	}
	if len(matching) > 1 {
		refs := make([]PolicyRef, len(matching))
		for i, m := range matching {
			refs[i] = PolicyRef{ID: m.ID, Name: m.Name}
		}
		return &GateResult{
			Kind:                GatePolicyConflict,
			Message:             conflictGuidance,
			ConflictingPolicies: refs,
		}, nil
	}

	decision, err := g.engine.Evaluate(ctx, p, actx.Actor, intent)
	if err != nil {
		return nil, errors.Wrap(err, "evaluate policy")
	}
	switch decision.Result {
	case DecisionAllow:
		return pass(decision.Reason), nil
	case DecisionDeny:
		return &GateResult{Kind: GateDenied, Reason: decision.Reason, Message: decision.Message}, nil
	}

	var res *GateResult
	err = g.tx.InTx(ctx, func(txCtx context.Context) error {
		var err error
		res, err = g.requireApproval(txCtx, action, p, intent, decision, actx)
		return err
	})
	return res, err
}

func (g *ApprovalGate) requireApproval(
	ctx context.Context,
	action actions.Action,
	p *policy.ApprovalPolicy,
	intent *actions.Intent,
	decision *Decision,
	actx *actions.ApplyContext,
) (*GateResult, error) {
	if existing, err := g.findOpen(ctx, action, intent, actx); err != nil || existing != nil {
		return existing, err
	}

	cr, err := g.newChangeRequest(action, p, intent, decision, actx)
	if err != nil {
		return nil, err
	}
	err = g.tx.InSavepoint(ctx, func(spCtx context.Context) error {
		return g.changeRequests.Create(spCtx, cr)
	})
	if errors.Is(err, changerequest.ErrDuplicatePending) {
		existing, err := g.findOpen(ctx, action, intent, actx)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		return nil, errors.Wrap(changerequest.ErrDuplicatePending, "open change request vanished")
	}
	if err != nil {
		return nil, errors.Wrap(err, "create change request")
	}

	g.notifier.ApprovalRequested(ctx, cr, decision.Approvers)
	g.log.WithFields(logrus.Fields{
		"change_request_id": cr.ID,
		"action_key":        cr.ActionKey,
		"resource_id":       cr.ResourceID,
		"policy_id":         p.ID,
	}).Info("change request created")
	return &GateResult{
		Kind:              GateApprovalRequired,
		Reason:            decision.Reason,
		Message:           decision.Message,
		ChangeRequest:     cr,
		RequiredApprovers: decision.Approvers,
	}, nil
}

func (g *ApprovalGate) findOpen(ctx context.Context, action actions.Action, intent *actions.Intent, actx *actions.ApplyContext) (*GateResult, error) {
	existing, err := g.changeRequests.FindOpen(ctx, actx.TeamID, action.Key(), action.ResourceType(), intent.ResourceID)
	if errors.Is(err, changerequest.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find open change request")
	}
	approvers, err := g.engine.ResolveApprovers(ctx, existing.OrganizationID, existing.PolicySnapshot)
	if err != nil {
		return nil, errors.Wrap(err, "resolve approvers")
	}
	return &GateResult{
		Kind:              GateChangeRequestPending,
		Message:           fmt.Sprintf("change request %s is already %s for this resource", existing.ID, existing.State),
		ChangeRequest:     existing,
		RequiredApprovers: approvers,
	}, nil
}

func (g *ApprovalGate) newChangeRequest(
	action actions.Action,
	p *policy.ApprovalPolicy,
	intent *actions.Intent,
	decision *Decision,
	actx *actions.ApplyContext,
) (*changerequest.ChangeRequest, error) {
	rawIntent, err := json.Marshal(intent)
	if err != nil {
		return nil, err
	}
	display, err := action.DisplayData(intent)
	if err != nil {
		return nil, errors.Wrap(err, "display data")
	}
	rawDisplay, err := json.Marshal(display)
	if err != nil {
		return nil, err
	}
	now := actx.Now
	return &changerequest.ChangeRequest{
		ID:               uuid.New(),
		ActionKey:        action.Key(),
		ActionVersion:    action.Version(),
		OrganizationID:   actx.OrganizationID,
		TeamID:           actx.TeamID,
		ResourceType:     action.ResourceType(),
		ResourceID:       intent.ResourceID,
		Intent:           rawIntent,
		IntentDisplay:    rawDisplay,
		PolicySnapshot:   *decision.Snapshot,
		ValidationStatus: changerequest.ValidationValid,
		ValidatedAt:      &now,
		State:            changerequest.StatePending,
		CreatedBy:        actx.Actor.UserID,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(p.EffectiveExpiresAfter(g.defaultExpires)),
	}, nil
}
