package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orkestr/orkestr/internal/rules"
)

// Interpolate resolves {{dot.path}} references in a prompt template against
// the step input. Missing paths and nil values render as the empty string;
// maps and slices are rendered as compact JSON; everything else uses its
// default formatting.
func Interpolate(template string, data map[string]any) string {
	var b strings.Builder
	b.Grow(len(template))

	i := 0
	for i < len(template) {
		open := strings.Index(template[i:], "{{")
		if open == -1 {
			b.WriteString(template[i:])
			break
		}
		open += i
		close := strings.Index(template[open:], "}}")
		if close == -1 {
			b.WriteString(template[i:])
			break
		}
		close += open

		b.WriteString(template[i:open])

		path := strings.TrimSpace(template[open+2 : close])
		val, ok := rules.Lookup(data, path)
		if ok && val != nil {
			b.WriteString(renderValue(val))
		}

		i = close + 2
	}

	return b.String()
}

func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", t)
	}
}
