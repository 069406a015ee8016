package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/iota-uz/approvalgate/modules/approvals/actions"
)

type ConditionType string

const (
	ConditionAnyChange    ConditionType = "any_change"
	ConditionBeforeAfter  ConditionType = "before_after"
	ConditionChangeAmount ConditionType = "change_amount"
)

type MatchMode string

const (
	MatchAny MatchMode = "any"
	MatchAll MatchMode = "all"
)

// Condition is one clause of a policy's conditions document. A document is
// either {} (always matches), a single condition, or an array of conditions
// that must all match.
type Condition struct {
	Type     ConditionType   `json:"type"`
	Field    string          `json:"field"`
	Operator string          `json:"operator,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	Match    MatchMode       `json:"match,omitempty"`
}

var operators = map[string]func(c int) bool{
	">":  func(c int) bool { return c > 0 },
	">=": func(c int) bool { return c >= 0 },
	"<":  func(c int) bool { return c < 0 },
	"<=": func(c int) bool { return c <= 0 },
	"==": func(c int) bool { return c == 0 },
	"!=": func(c int) bool { return c != 0 },
}

func (c Condition) validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("condition %q: field is required", c.Type)
	}
	switch c.Type {
	case ConditionAnyChange:
	case ConditionBeforeAfter, ConditionChangeAmount:
		if _, ok := operators[c.Operator]; !ok {
			return fmt.Errorf("condition %q: unsupported operator %q", c.Type, c.Operator)
		}
		if len(c.Value) == 0 {
			return fmt.Errorf("condition %q: value is required", c.Type)
		}
		if c.Type == ConditionChangeAmount {
			if _, err := decimal.NewFromString(strings.TrimSpace(string(c.Value))); err != nil {
				return fmt.Errorf("condition %q: value must be numeric", c.Type)
			}
		}
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	switch c.Match {
	case "", MatchAny, MatchAll:
	default:
		return fmt.Errorf("condition %q: match must be any or all", c.Type)
	}
	return nil
}

// ParseConditions decodes and validates a conditions document. An empty
// result means "match unconditionally".
func ParseConditions(raw json.RawMessage) ([]Condition, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" || string(trimmed) == "{}" {
		return nil, nil
	}
	var out []Condition
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("decode conditions: %w", err)
		}
	} else {
		var c Condition
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return nil, fmt.Errorf("decode conditions: %w", err)
		}
		out = []Condition{c}
	}
	for _, c := range out {
		if err := c.validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// extractField finds every occurrence of field in doc. A dotted field is
// resolved as a path, otherwise every key with that name is collected.
func extractField(doc json.RawMessage, field string) map[string]gjson.Result {
	out := map[string]gjson.Result{}
	if len(doc) == 0 {
		return out
	}
	root := gjson.ParseBytes(doc)
	if strings.Contains(field, ".") {
		if v := root.Get(field); v.Exists() {
			out[field] = v
		}
		return out
	}
	var walk func(prefix string, v gjson.Result)
	walk = func(prefix string, v gjson.Result) {
		if !v.IsObject() && !v.IsArray() {
			return
		}
		idx := 0
		v.ForEach(func(key, value gjson.Result) bool {
			name := key.String()
			if v.IsArray() {
				name = fmt.Sprint(idx)
				idx++
			}
			path := name
			if prefix != "" {
				path = prefix + "." + name
			}
			if v.IsObject() && name == field {
				out[path] = value
			}
			walk(path, value)
			return true
		})
	}
	walk("", root)
	return out
}

// changedValues pairs before/after occurrences of field and keeps the ones that differ.
func changedValues(intent *actions.Intent, field string) (before, after map[string]gjson.Result, changed []string, err error) {
	afterDoc, err := intent.AfterState()
	if err != nil {
		return nil, nil, nil, err
	}
	before = extractField(intent.CurrentState, field)
	after = extractField(afterDoc, field)
	seen := map[string]struct{}{}
	for _, m := range []map[string]gjson.Result{before, after} {
		for path := range m {
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = struct{}{}
			b, a := before[path], after[path]
			if b.Exists() != a.Exists() || !valuesEqual(b, a) {
				changed = append(changed, path)
			}
		}
	}
	return before, after, changed, nil
}

func valuesEqual(a, b gjson.Result) bool {
	if a.Type == gjson.Number && b.Type == gjson.Number {
		da, errA := decimal.NewFromString(a.Raw)
		db, errB := decimal.NewFromString(b.Raw)
		if errA == nil && errB == nil {
			return da.Equal(db)
		}
	}
	var va, vb any
	if json.Unmarshal([]byte(a.Raw), &va) != nil || json.Unmarshal([]byte(b.Raw), &vb) != nil {
		return a.Raw == b.Raw
	}
	ra, _ := json.Marshal(va)
	rb, _ := json.Marshal(vb)
	return bytes.Equal(ra, rb)
}

func numeric(v gjson.Result) (decimal.Decimal, bool) {
	if !v.Exists() || v.Type == gjson.Null {
		return decimal.Zero, true
	}
	if v.Type != gjson.Number {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(v.Raw)
	return d, err == nil
}

func compare(op string, left gjson.Result, right json.RawMessage) bool {
	rv := gjson.ParseBytes(right)
	if left.Type == gjson.Number && rv.Type == gjson.Number {
		ld, errL := decimal.NewFromString(left.Raw)
		rd, errR := decimal.NewFromString(rv.Raw)
		if errL == nil && errR == nil {
			return operators[op](ld.Cmp(rd))
		}
	}
	switch op {
	case "==":
		return valuesEqual(left, rv)
	case "!=":
		return !valuesEqual(left, rv)
	}
	return false
}

// ConditionEvaluator evaluates conditions documents against intents.
type ConditionEvaluator struct {
	defaultMatch MatchMode
}

func NewConditionEvaluator(defaultMatch string) *ConditionEvaluator {
	m := MatchMode(strings.ToLower(strings.TrimSpace(defaultMatch)))
	if m != MatchAll {
		m = MatchAny
	}
	return &ConditionEvaluator{defaultMatch: m}
}

func (e *ConditionEvaluator) Evaluate(raw json.RawMessage, intent *actions.Intent) (bool, error) {
	conds, err := ParseConditions(raw)
	if err != nil {
		return false, err
	}
	for _, c := range conds {
		ok, err := e.evaluateOne(c, intent)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (e *ConditionEvaluator) evaluateOne(c Condition, intent *actions.Intent) (bool, error) {
	before, after, changed, err := changedValues(intent, c.Field)
	if err != nil {
		return false, err
	}
	if c.Type == ConditionAnyChange {
		return len(changed) > 0, nil
	}
	if len(changed) == 0 {
		return false, nil
	}

	match := c.Match
	if match == "" {
		match = e.defaultMatch
	}
	hits := 0
	for _, path := range changed {
		var ok bool
		switch c.Type {
		case ConditionBeforeAfter:
			ok = compare(c.Operator, after[path], c.Value)
		case ConditionChangeAmount:
			b, bok := numeric(before[path])
			a, aok := numeric(after[path])
			if bok && aok {
				delta := a.Sub(b)
				ok = compare(c.Operator, gjson.Parse(delta.String()), c.Value)
			}
		}
		if ok {
			hits++
			if match == MatchAny {
				return true, nil
			}
		}
	}
	return match == MatchAll && hits == len(changed), nil
}
