package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/iota-uz/approvalgate/modules/flags/domain/flag"
)

const (
	KeyEnableFlag        = "feature_flag.enable"
	KeyDisableFlag       = "feature_flag.disable"
	KeyUpdateFlagRollout = "feature_flag.update_rollout"
)

var ErrResourceNotFound = errors.New("gated resource not found")

// FeatureFlagActions returns the flag actions in detection precedence order.
func FeatureFlagActions(flags flag.Repository) []Action {
	return []Action{
		&EnableFlag{flagAction{key: KeyEnableFlag, title: "Enable feature flag", flags: flags}},
		&DisableFlag{flagAction{key: KeyDisableFlag, title: "Disable feature flag", flags: flags}},
		&UpdateFlagRollout{flagAction{key: KeyUpdateFlagRollout, title: "Update feature flag rollout", flags: flags}},
	}
}

type flagAction struct {
	key   string
	title string
	flags flag.Repository
}

func (a *flagAction) Key() string          { return a.key }
func (a *flagAction) Version() int         { return 1 }
func (a *flagAction) ResourceType() string { return flag.ResourceType }

func isPatch(req *GatedRequest) bool {
	return req.ResourceType == flag.ResourceType && (req.Method == http.MethodPatch || req.Method == http.MethodPut)
}

func activeField(req *GatedRequest) (bool, bool) {
	raw, ok := req.Field("active")
	if !ok {
		return false, false
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, false
	}
	return v, true
}

func (a *flagAction) load(ctx context.Context, teamID uuid.UUID, resourceID string, forUpdate bool) (*flag.FeatureFlag, error) {
	id, err := uuid.Parse(resourceID)
	if err != nil {
		return nil, errors.Wrapf(ErrResourceNotFound, "feature flag id %q", resourceID)
	}
	var f *flag.FeatureFlag
	if forUpdate {
		f, err = a.flags.GetForUpdate(ctx, teamID, id)
	} else {
		f, err = a.flags.GetByID(ctx, teamID, id)
	}
	if errors.Is(err, flag.ErrNotFound) {
		return nil, errors.Wrapf(ErrResourceNotFound, "feature flag %s", id)
	}
	return f, err
}

func (a *flagAction) extract(ctx context.Context, req *GatedRequest, actx *ApplyContext, gated any) (*Intent, error) {
	f, err := a.load(ctx, actx.TeamID, req.ResourceID, false)
	if err != nil {
		return nil, err
	}
	current, err := json.Marshal(f.State())
	if err != nil {
		return nil, err
	}
	changes, err := json.Marshal(gated)
	if err != nil {
		return nil, err
	}
	return &Intent{
		ResourceID:    f.ID.String(),
		CurrentState:  current,
		GatedChanges:  changes,
		Preconditions: Preconditions{Version: f.Version, UpdatedAt: f.UpdatedAt},
		HTTPMethod:    req.Method,
	}, nil
}

// targetState merges the gated changes into the live flag state.
func targetState(f *flag.FeatureFlag, intent *Intent) (flag.State, error) {
	live, err := json.Marshal(f.State())
	if err != nil {
		return flag.State{}, err
	}
	merged, err := jsonpatch.MergePatch(live, intent.GatedChanges)
	if err != nil {
		return flag.State{}, err
	}
	var s flag.State
	if err := json.Unmarshal(merged, &s); err != nil {
		return flag.State{}, err
	}
	return s, nil
}

func (a *flagAction) ValidateIntent(ctx context.Context, intent *Intent, actx *ApplyContext) ([]string, error) {
	f, err := a.load(ctx, actx.TeamID, intent.ResourceID, false)
	if errors.Is(err, ErrResourceNotFound) {
		return []string{"feature flag not found"}, nil
	}
	if err != nil {
		return nil, err
	}
	state, err := targetState(f, intent)
	if err != nil {
		return []string{fmt.Sprintf("invalid gated changes: %v", err)}, nil
	}
	candidate := *f
	candidate.SetState(state)
	return candidate.Validate(), nil
}

func (a *flagAction) LoadResource(ctx context.Context, intent *Intent, actx *ApplyContext, forUpdate bool) (Resource, error) {
	return a.load(ctx, actx.TeamID, intent.ResourceID, forUpdate)
}

func asFlag(res Resource) (*flag.FeatureFlag, error) {
	f, ok := res.(*flag.FeatureFlag)
	if !ok {
		return nil, fmt.Errorf("actions: expected *flag.FeatureFlag, got %T", res)
	}
	return f, nil
}

func (a *flagAction) InTargetState(intent *Intent, res Resource) (bool, error) {
	f, err := asFlag(res)
	if err != nil {
		return false, err
	}
	target, err := targetState(f, intent)
	if err != nil {
		return false, err
	}
	live, err := json.Marshal(f.State())
	if err != nil {
		return false, err
	}
	want, err := json.Marshal(target)
	if err != nil {
		return false, err
	}
	return jsonpatch.Equal(live, want), nil
}

func (a *flagAction) Apply(ctx context.Context, intent *Intent, res Resource, actor uuid.UUID, _ *ApplyContext) (*ApplyResult, error) {
	f, err := asFlag(res)
	if err != nil {
		return nil, err
	}
	target, err := targetState(f, intent)
	if err != nil {
		return nil, err
	}
	f.SetState(target)
	f.UpdatedBy = &actor
	if problems := f.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("feature flag is invalid: %s", strings.Join(problems, "; "))
	}
	if err := a.flags.Save(ctx, f); err != nil {
		return nil, err
	}
	data, err := json.Marshal(map[string]any{
		"id":      f.ID,
		"key":     f.Key,
		"active":  f.Active,
		"version": f.Version,
	})
	if err != nil {
		return nil, err
	}
	return &ApplyResult{ResourceID: f.ID.String(), Version: f.Version, Data: data}, nil
}

func (a *flagAction) DisplayData(intent *Intent) (*DisplayDoc, error) {
	after, err := intent.AfterState()
	if err != nil {
		return nil, err
	}
	return BuildDisplay(a.title, intent.CurrentState, after)
}

// EnableFlag gates PATCH requests that switch a flag on.
type EnableFlag struct{ flagAction }

func (a *EnableFlag) Detect(req *GatedRequest) bool {
	v, ok := activeField(req)
	return isPatch(req) && ok && v
}

func (a *EnableFlag) ExtractIntent(ctx context.Context, req *GatedRequest, actx *ApplyContext) (*Intent, error) {
	return a.extract(ctx, req, actx, map[string]bool{"active": true})
}

// DisableFlag gates PATCH requests that switch a flag off.
type DisableFlag struct{ flagAction }

func (a *DisableFlag) Detect(req *GatedRequest) bool {
	v, ok := activeField(req)
	return isPatch(req) && ok && !v
}

func (a *DisableFlag) ExtractIntent(ctx context.Context, req *GatedRequest, actx *ApplyContext) (*Intent, error) {
	return a.extract(ctx, req, actx, map[string]bool{"active": false})
}

// UpdateFlagRollout gates PATCH requests that replace the rollout filters.
type UpdateFlagRollout struct{ flagAction }

func (a *UpdateFlagRollout) Detect(req *GatedRequest) bool {
	if !isPatch(req) {
		return false
	}
	raw, ok := req.Field("filters")
	return ok && string(raw) != "null"
}

func (a *UpdateFlagRollout) ExtractIntent(ctx context.Context, req *GatedRequest, actx *ApplyContext) (*Intent, error) {
	raw, _ := req.Field("filters")
	return a.extract(ctx, req, actx, map[string]json.RawMessage{"filters": raw})
}
