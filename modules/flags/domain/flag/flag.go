package flag

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const ResourceType = "feature_flag"

type RolloutGroup struct {
	Properties        json.RawMessage `json:"properties,omitempty"`
	RolloutPercentage *int            `json:"rollout_percentage" validate:"omitempty,min=0,max=100"`
}

type Filters struct {
	Groups []RolloutGroup `json:"groups" validate:"dive"`
}

// State is the mutable part of a flag that gated changes operate on.
type State struct {
	Active  bool    `json:"active"`
	Filters Filters `json:"filters"`
}

type FeatureFlag struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id" validate:"required"`
	TeamID         uuid.UUID  `json:"team_id" validate:"required"`
	Key            string     `json:"key" validate:"required,max=400"`
	Name           string     `json:"name" validate:"max=400"`
	Active         bool       `json:"active"`
	Filters        Filters    `json:"filters"`
	Version        int64      `json:"version"`
	Deleted        bool       `json:"deleted"`
	CreatedBy      *uuid.UUID `json:"created_by,omitempty"`
	UpdatedBy      *uuid.UUID `json:"updated_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (f *FeatureFlag) ResourceVersion() int64 {
	return f.Version
}

func (f *FeatureFlag) State() State {
	groups := make([]RolloutGroup, len(f.Filters.Groups))
	copy(groups, f.Filters.Groups)
	return State{Active: f.Active, Filters: Filters{Groups: groups}}
}

func (f *FeatureFlag) SetState(s State) {
	f.Active = s.Active
	f.Filters = s.Filters
}

var validate = sync.OnceValue(func() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
})

// Validate returns human-readable problems; an empty slice means the flag can be saved.
func (f *FeatureFlag) Validate() []string {
	var problems []string
	if f.Deleted {
		problems = append(problems, "feature flag is deleted")
	}
	if strings.ContainsAny(f.Key, " \t\n") {
		problems = append(problems, "key must not contain whitespace")
	}
	if err := validate().Struct(f); err != nil {
		problems = append(problems, describe(err)...)
	}
	return problems
}

func describe(err error) []string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "FeatureFlag.")
		switch fe.Tag() {
		case "required":
			out = append(out, fmt.Sprintf("%s is required", field))
		case "min", "max":
			out = append(out, fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param()))
		default:
			out = append(out, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
		}
	}
	return out
}
