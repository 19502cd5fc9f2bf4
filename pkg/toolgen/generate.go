package toolgen

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/NForce-ai/SDRbot/pkg/schema"
)

const (
	// MaxSearchLimit caps the page size a search tool accepts.
	MaxSearchLimit = 200

	datePattern = `^\d{4}-\d{2}-\d{2}([Tt ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?([Zz]|[+-]\d{2}:?\d{2})?)?$`
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lower-cases an object key and collapses everything else to underscores.
func Slug(objectKey string) string {
	return strings.Trim(nonAlnum.ReplaceAllString(strings.ToLower(objectKey), "_"), "_")
}

func keyHash(objectKey string) string {
	sum := sha256.Sum256([]byte(objectKey))
	return hex.EncodeToString(sum[:])[:8]
}

// ToolName builds the name for an operation on an object slug.
func ToolName(service string, op Operation, slug string) string {
	return service + "_" + string(op) + "_" + slug
}

// Generate compiles a snapshot into a catalog. It performs no I/O and keeps
// no state, so equal snapshots always produce byte-identical catalogs.
func Generate(snap *schema.Snapshot) Catalog {
	cat := Catalog{Service: snap.Service, SchemaHash: snap.Hash}
	slugs := objectSlugs(snap.Objects)

	for _, obj := range snap.Objects {
		slug := slugs[obj.Key]
		for _, op := range Operations {
			cat.Tools = append(cat.Tools, ToolDefinition{
				Name:        ToolName(snap.Service, op, slug),
				Description: describe(snap.Service, obj, op),
				Service:     snap.Service,
				Object:      obj.Key,
				Operation:   op,
				Risk:        Classify(op),
				Parameters:  mustJSON(parameters(obj, op)),
			})
		}
	}
	sort.Slice(cat.Tools, func(i, j int) bool { return cat.Tools[i].Name < cat.Tools[j].Name })
	return cat
}

// objectSlugs assigns each object a slug. Objects whose slugs collide are
// all suffixed with a hash of their key, so none is dropped and the result
// does not depend on which object came first.
func objectSlugs(objects []schema.ObjectDefinition) map[string]string {
	groups := make(map[string][]string)
	for _, o := range objects {
		s := Slug(o.Key)
		groups[s] = append(groups[s], o.Key)
	}

	out := make(map[string]string, len(objects))
	for s, keys := range groups {
		if len(keys) == 1 && s != "" {
			out[keys[0]] = s
			continue
		}
		for _, k := range keys {
			if s == "" {
				out[k] = "object_" + keyHash(k)
			} else {
				out[k] = s + "_" + keyHash(k)
			}
		}
	}
	return out
}

func describe(service string, obj schema.ObjectDefinition, op Operation) string {
	name := obj.Key
	if obj.Label != "" && obj.Label != obj.Key {
		name = fmt.Sprintf("%s (%s)", obj.Label, obj.Key)
	}
	switch op {
	case OpCreate:
		desc := fmt.Sprintf("Create a new %s record in %s.", name, service)
		if req := requiredFields(obj); len(req) > 0 {
			desc += " Required fields: " + strings.Join(req, ", ") + "."
		}
		return desc
	case OpGet:
		return fmt.Sprintf("Fetch one %s record from %s by id.", name, service)
	case OpSearch:
		return fmt.Sprintf("Search %s records in %s by free-text query and/or exact field filters.", name, service)
	case OpUpdate:
		return fmt.Sprintf("Update %s records in %s: one by id, several by ids, or all matching where. Large scopes always require confirmation.", name, service)
	case OpDelete:
		return fmt.Sprintf("Delete %s records in %s: one by id, several by ids, or all matching where. Large scopes always require confirmation.", name, service)
	}
	return ""
}

func requiredFields(obj schema.ObjectDefinition) []string {
	var out []string
	for _, f := range obj.Fields {
		if f.Required && f.Writable() {
			out = append(out, f.Name)
		}
	}
	return out
}

func parameters(obj schema.ObjectDefinition, op Operation) map[string]interface{} {
	switch op {
	case OpCreate:
		fields := fieldsObject(obj, true)
		if req := requiredFields(obj); len(req) > 0 {
			fields["required"] = req
		}
		return object(map[string]interface{}{"fields": fields}, "fields")

	case OpGet:
		return object(map[string]interface{}{"id": idSchema()}, "id")

	case OpSearch:
		filters := fieldsObject(obj, false)
		filters["description"] = "Exact-match filters by field name."
		return object(map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Free-text search term.",
			},
			"filters": filters,
			"limit": map[string]interface{}{
				"type":    "integer",
				"minimum": 1,
				"maximum": MaxSearchLimit,
			},
		})

	case OpUpdate:
		fields := fieldsObject(obj, true)
		fields["minProperties"] = 1
		props := scopeProperties(obj)
		props["fields"] = fields
		p := object(props, "fields")
		p["oneOf"] = scopeOneOf()
		return p

	case OpDelete:
		p := object(scopeProperties(obj))
		p["oneOf"] = scopeOneOf()
		return p
	}
	return object(map[string]interface{}{})
}

func object(props map[string]interface{}, required ...string) map[string]interface{} {
	m := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		m["required"] = required
	}
	return m
}

func idSchema() map[string]interface{} {
	return map[string]interface{}{"type": "string", "minLength": 1, "description": "Record identifier."}
}

func scopeProperties(obj schema.ObjectDefinition) map[string]interface{} {
	where := fieldsObject(obj, false)
	where["minProperties"] = 1
	where["description"] = "Match every record whose fields equal these values."
	return map[string]interface{}{
		"id": idSchema(),
		"ids": map[string]interface{}{
			"type":        "array",
			"items":       map[string]interface{}{"type": "string", "minLength": 1},
			"minItems":    1,
			"uniqueItems": true,
		},
		"where": where,
	}
}

func scopeOneOf() []interface{} {
	return []interface{}{
		map[string]interface{}{"required": []string{"id"}},
		map[string]interface{}{"required": []string{"ids"}},
		map[string]interface{}{"required": []string{"where"}},
	}
}

// fieldsObject maps fields 1:1 to properties. Read-only fields are left out
// when the object is written.
func fieldsObject(obj schema.ObjectDefinition, writable bool) map[string]interface{} {
	props := make(map[string]interface{}, len(obj.Fields))
	for _, f := range obj.Fields {
		if writable && !f.Writable() {
			continue
		}
		props[f.Name] = fieldSchema(f)
	}
	return map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
}

func fieldSchema(f schema.FieldDefinition) map[string]interface{} {
	m := map[string]interface{}{}
	switch f.Type {
	case schema.TypeNumber:
		m["type"] = "number"
	case schema.TypeBoolean:
		m["type"] = "boolean"
	case schema.TypeDate:
		m["type"] = "string"
		m["pattern"] = datePattern
	case schema.TypeEnum:
		m["type"] = "string"
		m["enum"] = f.Enum
	case schema.TypeReference:
		m["type"] = "string"
		m["minLength"] = 1
	default:
		m["type"] = "string"
	}

	var notes []string
	if f.Label != "" && f.Label != f.Name {
		notes = append(notes, f.Label)
	}
	switch f.Type {
	case schema.TypeDate:
		notes = append(notes, "ISO 8601 date (YYYY-MM-DD) or RFC 3339 date-time")
	case schema.TypeReference:
		if f.Reference != "" {
			notes = append(notes, "identifier of a "+f.Reference+" record")
		} else {
			notes = append(notes, "record identifier")
		}
	}
	if f.ReadOnly {
		notes = append(notes, "read-only")
	}
	if len(notes) > 0 {
		m["description"] = strings.Join(notes, "; ")
	}
	return m
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Parameter maps only hold strings, numbers, bools and slices of those.
		panic(fmt.Sprintf("toolgen: marshal parameters: %v", err))
	}
	return data
}
