package params

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// placeholderRE matches {{name}} placeholders, including dotted paths.
var placeholderRE = regexp.MustCompile(`\{\{(.*?)\}\}`)

// RenderPrompt substitutes {{placeholder}} occurrences in prompt with values
// from vars. Nested maps are flattened with dotted keys so both {{user}} and
// {{user.name}} resolve. Values render via JSON with surrounding quotes
// stripped. The second return lists placeholders with no matching variable.
func RenderPrompt(prompt string, vars map[string]any) (string, []string) {
	matches := placeholderRE.FindAllStringSubmatch(prompt, -1)
	if len(matches) == 0 {
		return prompt, nil
	}
	pending := make(map[string]bool, len(matches))
	order := make([]string, 0, len(matches))
	for _, m := range matches {
		if !pending[m[1]] {
			pending[m[1]] = true
			order = append(order, m[1])
		}
	}

	flat := Flatten(vars)
	for name, val := range flat {
		if !pending[name] {
			continue
		}
		prompt = strings.ReplaceAll(prompt, "{{"+name+"}}", stringify(val))
		delete(pending, name)
	}

	var missing []string
	for _, name := range order {
		if pending[name] {
			missing = append(missing, name)
		}
	}
	return prompt, missing
}

// Flatten returns vars plus a dotted-key entry for every nested map value.
// Intermediate maps stay addressable as whole objects.
func Flatten(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	flattenInto(out, "", vars)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		out[key] = v
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, key, nested)
		}
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// VariableState describes one declared prompt variable.
type VariableState struct {
	Status       string `bson:"status" json:"status"`
	DefaultValue any    `bson:"default_value" json:"default_value"`
}

// ApplyDefaults fills vars with declared defaults for variables the caller
// left unset or empty.
func ApplyDefaults(vars map[string]any, states map[string]VariableState) {
	for name, st := range states {
		cur, ok := vars[name]
		if !ok || cur == nil || cur == "" {
			vars[name] = st.DefaultValue
		}
	}
}

// FilterMissing keeps only the missing placeholders declared "required".
// Undeclared placeholders are kept: absence of a declaration does not excuse
// absence of a value.
func FilterMissing(missing []string, states map[string]VariableState) []string {
	if states == nil {
		return missing
	}
	var out []string
	for _, name := range missing {
		if st, ok := states[name]; ok && st.Status != "required" {
			continue
		}
		out = append(out, name)
	}
	return out
}
