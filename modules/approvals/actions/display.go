package actions

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/wI2L/jsondiff"
)

// BuildDisplay renders before/after documents and every changed path.
func BuildDisplay(title string, before, after json.RawMessage) (*DisplayDoc, error) {
	patch, err := jsondiff.CompareJSON(before, after)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	var ops []struct {
		Op    string `json:"op"`
		Path  string `json:"path"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, err
	}

	doc := &DisplayDoc{Title: title, Before: before, After: after, Changes: make([]Change, 0, len(ops))}
	for _, op := range ops {
		path := pointerToPath(op.Path)
		c := Change{Path: path}
		if op.Op != "add" {
			c.Old = gjson.GetBytes(before, gjsonPath(op.Path)).Value()
		}
		if op.Op != "remove" {
			c.New = op.Value
		}
		doc.Changes = append(doc.Changes, c)
	}
	return doc, nil
}

func pointerTokens(ptr string) []string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return nil
	}
	parts := strings.Split(ptr, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return parts
}

// pointerToPath turns "/filters/groups/0/rollout_percentage" into "filters.groups.0.rollout_percentage".
func pointerToPath(ptr string) string {
	return strings.Join(pointerTokens(ptr), ".")
}

var gjsonEscaper = strings.NewReplacer(`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

func gjsonPath(ptr string) string {
	tokens := pointerTokens(ptr)
	for i, t := range tokens {
		tokens[i] = gjsonEscaper.Replace(t)
	}
	return strings.Join(tokens, ".")
}
