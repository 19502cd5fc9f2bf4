// Package toolgen compiles schema snapshots into catalogs of callable tools.
// A tool is plain data (name, parameter schema, risk class, target object)
// interpreted by a generic dispatcher.
package toolgen

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Operation is one of the per-object operations.
type Operation string

const (
	OpCreate Operation = "create"
	OpGet    Operation = "get"
	OpSearch Operation = "search"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Operations lists the generated operations in emission order.
var Operations = []Operation{OpCreate, OpGet, OpSearch, OpUpdate, OpDelete}

// Risk classifies a tool for approval gating.
type Risk string

const (
	RiskRead        Risk = "read"
	RiskWrite       Risk = "write"
	RiskDestructive Risk = "destructive"
)

// Classify applies the fixed precedence: delete is destructive, create and
// update are writes, everything else reads.
func Classify(op Operation) Risk {
	switch op {
	case OpDelete:
		return RiskDestructive
	case OpCreate, OpUpdate:
		return RiskWrite
	default:
		return RiskRead
	}
}

// RequiresApproval reports whether the risk class is gated.
func (r Risk) RequiresApproval() bool {
	return r == RiskWrite || r == RiskDestructive
}

// Scoped reports whether the operation can target many records at once.
func (o Operation) Scoped() bool {
	return o == OpUpdate || o == OpDelete
}

// ToolDefinition is one callable operation.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Service     string          `json:"service"`
	Object      string          `json:"object"`
	Operation   Operation       `json:"operation"`
	Risk        Risk            `json:"risk"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Schema decodes the parameter schema.
func (t ToolDefinition) Schema() map[string]interface{} {
	var m map[string]interface{}
	_ = json.Unmarshal(t.Parameters, &m)
	return m
}

// Catalog is the set of tools for one service, ordered by name.
type Catalog struct {
	Service    string           `json:"service"`
	SchemaHash string           `json:"schema_hash"`
	Tools      []ToolDefinition `json:"tools"`
}

// Lookup finds a tool by name.
func (c Catalog) Lookup(name string) (ToolDefinition, bool) {
	i := sort.Search(len(c.Tools), func(i int) bool { return c.Tools[i].Name >= name })
	if i < len(c.Tools) && c.Tools[i].Name == name {
		return c.Tools[i], true
	}
	return ToolDefinition{}, false
}

// Find returns the tool for an (object, operation) pair.
func (c Catalog) Find(object string, op Operation) (ToolDefinition, bool) {
	for _, t := range c.Tools {
		if t.Object == object && t.Operation == op {
			return t, true
		}
	}
	return ToolDefinition{}, false
}

// Names returns the tool names in order.
func (c Catalog) Names() []string {
	out := make([]string, len(c.Tools))
	for i, t := range c.Tools {
		out[i] = t.Name
	}
	return out
}

// Fingerprint hashes the catalog's canonical JSON.
func (c Catalog) Fingerprint() string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// CatalogDiff lists tool-level changes between two catalogs.
type CatalogDiff struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Changed []string `json:"changed,omitempty"`
}

// Empty reports whether nothing changed.
func (d CatalogDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffCatalogs compares two catalogs tool by tool.
func DiffCatalogs(prev, next Catalog) CatalogDiff {
	var d CatalogDiff
	for _, t := range next.Tools {
		old, ok := prev.Lookup(t.Name)
		switch {
		case !ok:
			d.Added = append(d.Added, t.Name)
		case old.Description != t.Description || old.Risk != t.Risk || string(old.Parameters) != string(t.Parameters):
			d.Changed = append(d.Changed, t.Name)
		}
	}
	for _, t := range prev.Tools {
		if _, ok := next.Lookup(t.Name); !ok {
			d.Removed = append(d.Removed, t.Name)
		}
	}
	return d
}
