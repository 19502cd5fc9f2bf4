package toolexecutor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/NForce-ai/SDRbot/pkg/toolgen"
)

// summarize renders a one-line description of what an action will do.
func summarize(tool toolgen.ToolDefinition, args map[string]interface{}, scope int) string {
	target := tool.Object
	switch {
	case args["id"] != nil:
		target = fmt.Sprintf("%s %v", tool.Object, args["id"])
	case args["ids"] != nil:
		target = fmt.Sprintf("%d %s records", scope, tool.Object)
	case args["where"] != nil:
		where, _ := args["where"].(map[string]interface{})
		count := "all"
		if scope >= 0 {
			count = fmt.Sprint(scope)
		}
		target = fmt.Sprintf("%s %s records matching %s", count, tool.Object, renderInline(where))
	}

	s := fmt.Sprintf("%s %s in %s", tool.Operation, target, tool.Service)
	if fields, ok := args["fields"].(map[string]interface{}); ok && tool.Operation == toolgen.OpCreate {
		s += " with " + renderInline(fields)
	}
	return s
}

// fieldDiff renders a unified diff between current and proposed values of
// the fields an update sets. Unknown current values show as additions.
func fieldDiff(current, fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	before := make(map[string]interface{}, len(fields))
	for k := range fields {
		if v, ok := current[k]; ok {
			before[k] = v
		}
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(renderLines(before)),
		B:        difflib.SplitLines(renderLines(fields)),
		FromFile: "current",
		ToFile:   "proposed",
		Context:  0,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return text
}

func renderLines(values map[string]interface{}) string {
	var b strings.Builder
	for _, k := range sortedKeys(values) {
		fmt.Fprintf(&b, "%s: %s\n", k, renderValue(values[k]))
	}
	return b.String()
}

func renderInline(values map[string]interface{}) string {
	parts := make([]string, 0, len(values))
	for _, k := range sortedKeys(values) {
		parts = append(parts, k+"="+renderValue(values[k]))
	}
	return strings.Join(parts, ", ")
}

func renderValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
