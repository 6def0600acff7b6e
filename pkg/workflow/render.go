package workflow

import (
	"fmt"
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}\s]+)\}`)

// Render replaces every {key} in template with the string form of vars[key]
// in a single pass. Placeholders without a matching key are left untouched.
func Render(template string, vars map[string]any) string {
	if template == "" || len(vars) == 0 {
		return template
	}

	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		v, ok := vars[match[1:len(match)-1]]
		if !ok {
			return match
		}
		return stringify(v)
	})
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func mergeVars(context, inputs map[string]any) map[string]any {
	out := make(map[string]any, len(context)+len(inputs))
	for k, v := range context {
		out[k] = v
	}
	for k, v := range inputs {
		out[k] = v
	}
	return out
}
