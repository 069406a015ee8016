package actions

import (
	"fmt"
)

// Registry maps action keys to actions and keeps registration order, which is
// the detection precedence.
type Registry struct {
	byKey   map[string]Action
	ordered []Action
}

func NewRegistry(actions ...Action) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Action, len(actions))}
	for _, a := range actions {
		if _, dup := r.byKey[a.Key()]; dup {
			return nil, fmt.Errorf("actions: duplicate action key %q", a.Key())
		}
		r.byKey[a.Key()] = a
		r.ordered = append(r.ordered, a)
	}
	return r, nil
}

func (r *Registry) Get(key string) (Action, bool) {
	a, ok := r.byKey[key]
	return a, ok
}

// Candidates returns, in precedence order, the actions that detect req.
func (r *Registry) Candidates(req *GatedRequest) []Action {
	var out []Action
	for _, a := range r.ordered {
		if a.ResourceType() != req.ResourceType {
			continue
		}
		if a.Detect(req) {
			out = append(out, a)
		}
	}
	return out
}

func (r *Registry) Keys() []string {
	keys := make([]string, len(r.ordered))
	for i, a := range r.ordered {
		keys[i] = a.Key()
	}
	return keys
}
