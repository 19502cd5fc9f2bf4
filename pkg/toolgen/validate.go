package toolgen

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/NForce-ai/SDRbot/pkg/crmerr"
)

// Validator checks argument bags against tool parameter schemas. Compiled
// schemas are cached by content, so a regenerated tool with new parameters
// is compiled afresh.
type Validator struct {
	mu      sync.Mutex
	schemas map[[32]byte]*gojsonschema.Schema
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[[32]byte]*gojsonschema.Schema)}
}

func (v *Validator) compile(tool ToolDefinition) (*gojsonschema.Schema, error) {
	key := sha256.Sum256(tool.Parameters)

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.schemas[key]; ok {
		return s, nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.Parameters))
	if err != nil {
		return nil, fmt.Errorf("compile parameters for %s: %w", tool.Name, err)
	}
	v.schemas[key] = s
	return s, nil
}

// Validate coerces args to the tool's declared types and validates them.
// It returns the coerced bag; the input is not modified. Failures are
// validation_error with the first failing field.
func (v *Validator) Validate(tool ToolDefinition, args map[string]interface{}) (map[string]interface{}, error) {
	s, err := v.compile(tool)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	coerced := Coerce(tool, args)

	result, err := s.Validate(gojsonschema.NewGoLoader(coerced))
	if err != nil {
		return nil, crmerr.Validation("", "arguments for %s are not a JSON object: %v", tool.Name, err)
	}
	if result.Valid() {
		return coerced, nil
	}

	var field string
	msgs := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		f := errorField(re)
		if field == "" && f != "" {
			field = f
		}
		msgs = append(msgs, describeError(re, f))
	}
	sort.Strings(msgs)
	e := crmerr.Validation(field, "invalid arguments for %s: %s", tool.Name, strings.Join(msgs, "; "))
	e.Service = tool.Service
	e.Object = tool.Object
	return nil, e
}

// errorField returns the dotted path of the failing field, naming the
// missing property for required errors.
func errorField(re gojsonschema.ResultError) string {
	field := re.Field()
	if field == "(root)" {
		field = ""
	}
	if prop, ok := re.Details()["property"].(string); ok && prop != "" {
		if field == "" {
			return prop
		}
		return field + "." + prop
	}
	return field
}

func describeError(re gojsonschema.ResultError, field string) string {
	switch re.Type() {
	case "number_one_of", "number_any_of":
		return "specify exactly one of id, ids or where"
	}
	if field == "" {
		return re.Description()
	}
	return field + ": " + re.Description()
}

// Coerce converts loosely typed values to the types the tool declares:
// numeric strings to numbers, "true"/"false" to booleans, numeric ids to
// strings and date strings to a canonical form. Values that cannot be
// converted are left for validation to reject.
func Coerce(tool ToolDefinition, args map[string]interface{}) map[string]interface{} {
	return coerceObject(tool.Schema(), args)
}

func coerceObject(sch map[string]interface{}, args map[string]interface{}) map[string]interface{} {
	props, _ := sch["properties"].(map[string]interface{})
	out := make(map[string]interface{}, len(args))
	for k, val := range args {
		ps, ok := props[k].(map[string]interface{})
		if !ok {
			out[k] = val
			continue
		}
		out[k] = coerceValue(ps, val)
	}
	return out
}

func coerceValue(ps map[string]interface{}, val interface{}) interface{} {
	typ, _ := ps["type"].(string)
	switch typ {
	case "object":
		if m, ok := val.(map[string]interface{}); ok {
			return coerceObject(ps, m)
		}
	case "array":
		items, _ := ps["items"].(map[string]interface{})
		if list, ok := val.([]interface{}); ok && items != nil {
			out := make([]interface{}, len(list))
			for i, item := range list {
				out[i] = coerceValue(items, item)
			}
			return out
		}
		if list, ok := val.([]string); ok {
			out := make([]interface{}, len(list))
			for i, item := range list {
				out[i] = item
			}
			return out
		}
	case "number", "integer":
		if s, ok := val.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f
			}
		}
	case "boolean":
		if s, ok := val.(string); ok {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "true":
				return true
			case "false":
				return false
			}
		}
	case "string":
		switch n := val.(type) {
		case float64:
			return strconv.FormatFloat(n, 'f', -1, 64)
		case int:
			return strconv.Itoa(n)
		case int64:
			return strconv.FormatInt(n, 10)
		case json.Number:
			return n.String()
		case string:
			if _, isDate := ps["pattern"]; isDate {
				return normalizeDate(n)
			}
		}
	}
	return val
}

// normalizeDate keeps dates as YYYY-MM-DD and date-times as RFC 3339 UTC.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC().Format(time.RFC3339)
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.Format("2006-01-02")
	}
	return s
}
