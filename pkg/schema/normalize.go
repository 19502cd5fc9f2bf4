package schema

import (
	"sort"
	"strings"
)

// RawMetadata is what an adapter returns from a schema fetch, before normalization.
type RawMetadata struct {
	Objects []RawObject `json:"objects" yaml:"objects"`
}

// RawObject is one provider object.
type RawObject struct {
	Key    string     `json:"key" yaml:"key"`
	Label  string     `json:"label,omitempty" yaml:"label,omitempty"`
	Fields []RawField `json:"fields" yaml:"fields"`
}

// RawField is one provider field. Type is the provider's own type name.
type RawField struct {
	Name      string   `json:"name" yaml:"name"`
	Label     string   `json:"label,omitempty" yaml:"label,omitempty"`
	Type      string   `json:"type" yaml:"type"`
	Required  bool     `json:"required,omitempty" yaml:"required,omitempty"`
	ReadOnly  bool     `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	Options   []string `json:"options,omitempty" yaml:"options,omitempty"`
	Reference string   `json:"reference,omitempty" yaml:"reference,omitempty"`
}

var typeAliases = map[string]FieldType{
	"string":   TypeString,
	"text":     TypeString,
	"varchar":  TypeString,
	"char":     TypeString,
	"email":    TypeString,
	"phone":    TypeString,
	"url":      TypeString,
	"textarea": TypeString,
	"html":     TypeString,

	"number":   TypeNumber,
	"int":      TypeNumber,
	"integer":  TypeNumber,
	"double":   TypeNumber,
	"float":    TypeNumber,
	"decimal":  TypeNumber,
	"monetary": TypeNumber,
	"currency": TypeNumber,
	"percent":  TypeNumber,

	"boolean":  TypeBoolean,
	"bool":     TypeBoolean,
	"checkbox": TypeBoolean,

	"date":     TypeDate,
	"datetime": TypeDate,
	"time":     TypeDate,

	"enum":        TypeEnum,
	"picklist":    TypeEnum,
	"select":      TypeEnum,
	"selection":   TypeEnum,
	"set":         TypeEnum,
	"multiselect": TypeEnum,
	"radio":       TypeEnum,

	"reference": TypeReference,
	"lookup":    TypeReference,
	"many2one":  TypeReference,
	"user":      TypeReference,
	"owner":     TypeReference,
	"org":       TypeReference,
	"person":    TypeReference,
	"id":        TypeReference,
}

// NormalizeType maps a provider type name onto the closed tag set. Unknown
// names are strings. An enum-like type without options is a plain string.
func NormalizeType(raw string, hasOptions bool) FieldType {
	t, ok := typeAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return TypeString
	}
	if t == TypeEnum && !hasOptions {
		return TypeString
	}
	return t
}

func normalizeField(rf RawField) FieldDefinition {
	f := FieldDefinition{
		Name:     rf.Name,
		Label:    rf.Label,
		Type:     NormalizeType(rf.Type, len(rf.Options) > 0),
		Required: rf.Required,
		ReadOnly: rf.ReadOnly,
	}
	switch f.Type {
	case TypeEnum:
		f.Enum = dedupeSorted(rf.Options)
	case TypeReference:
		f.Reference = rf.Reference
	}
	// A read-only field can never be required on write.
	if f.ReadOnly {
		f.Required = false
	}
	return f
}

func dedupeSorted(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
