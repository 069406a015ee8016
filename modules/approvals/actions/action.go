// Package actions defines the gated operation protocol. Each Action recognizes
// one kind of mutating request, captures it as an Intent, and can later apply
// that Intent exactly once against the live resource.
package actions

import (
	"context"
	"encoding/json"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/iota-uz/approvalgate/pkg/composables"
)

// GatedRequest is the mutating call as seen by the gate.
type GatedRequest struct {
	Method       string
	Path         string
	ResourceType string
	ResourceID   string
	Body         json.RawMessage
	Actor        composables.Actor
}

// Field decodes a top-level body field, reporting false when it is absent.
func (r *GatedRequest) Field(name string) (json.RawMessage, bool) {
	if len(r.Body) == 0 {
		return nil, false
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return nil, false
	}
	v, ok := body[name]
	return v, ok
}

// ApplyContext is built once per gate check or apply and threaded through every Action call.
type ApplyContext struct {
	OrganizationID uuid.UUID
	TeamID         uuid.UUID
	Actor          composables.Actor
	Request        *GatedRequest
	Now            time.Time
}

type Preconditions struct {
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Intent is the captured description of a proposed change.
type Intent struct {
	ResourceID    string          `json:"resource_id"`
	CurrentState  json.RawMessage `json:"current_state"`
	GatedChanges  json.RawMessage `json:"gated_changes"`
	Preconditions Preconditions   `json:"preconditions"`
	HTTPMethod    string          `json:"http_method"`
}

// AfterState is CurrentState with GatedChanges merged in.
func (i *Intent) AfterState() (json.RawMessage, error) {
	return jsonpatch.MergePatch(i.CurrentState, i.GatedChanges)
}

func DecodeIntent(raw json.RawMessage) (*Intent, error) {
	var in Intent
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// Resource is the live target of an Action.
type Resource interface {
	ResourceVersion() int64
}

type ApplyResult struct {
	ResourceID string          `json:"resource_id"`
	Version    int64           `json:"version"`
	NoOp       bool            `json:"no_op"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type Change struct {
	Path string `json:"path"`
	Old  any    `json:"old"`
	New  any    `json:"new"`
}

type DisplayDoc struct {
	Title   string          `json:"title"`
	Before  json.RawMessage `json:"before"`
	After   json.RawMessage `json:"after"`
	Changes []Change        `json:"changes"`
}

type Action interface {
	Key() string
	Version() int
	ResourceType() string
	// Detect is a cheap, side-effect free match test.
	Detect(req *GatedRequest) bool
	ExtractIntent(ctx context.Context, req *GatedRequest, actx *ApplyContext) (*Intent, error)
	// ValidateIntent returns the problems found; an error means validation could not run.
	ValidateIntent(ctx context.Context, intent *Intent, actx *ApplyContext) ([]string, error)
	LoadResource(ctx context.Context, intent *Intent, actx *ApplyContext, forUpdate bool) (Resource, error)
	// InTargetState reports whether res already reflects the intent.
	InTargetState(intent *Intent, res Resource) (bool, error)
	Apply(ctx context.Context, intent *Intent, res Resource, actor uuid.UUID, actx *ApplyContext) (*ApplyResult, error)
	DisplayData(intent *Intent) (*DisplayDoc, error)
}
