// Package schema turns provider metadata into immutable snapshots and keeps
// the per-service snapshot cache current.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
)

// FormatVersion is written into every snapshot this build produces.
const FormatVersion = "1.0.0"

// formatConstraint accepts persisted snapshots this build can read.
var formatConstraint = mustConstraint("^1")

func mustConstraint(c string) *semver.Constraints {
	cons, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cons
}

// FieldType is the closed set of field type tags.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeNumber    FieldType = "number"
	TypeBoolean   FieldType = "boolean"
	TypeDate      FieldType = "date"
	TypeEnum      FieldType = "enum"
	TypeReference FieldType = "reference"
)

// FieldDefinition describes one field of an object.
type FieldDefinition struct {
	Name      string    `json:"name" yaml:"name"`
	Label     string    `json:"label,omitempty" yaml:"label,omitempty"`
	Type      FieldType `json:"type" yaml:"type"`
	Required  bool      `json:"required,omitempty" yaml:"required,omitempty"`
	ReadOnly  bool      `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	Enum      []string  `json:"enum,omitempty" yaml:"enum,omitempty"`
	Reference string    `json:"reference,omitempty" yaml:"reference,omitempty"`
}

// Writable reports whether the field may be set on create and update.
func (f FieldDefinition) Writable() bool { return !f.ReadOnly }

// ObjectDefinition describes one object type and its fields, ordered by name.
type ObjectDefinition struct {
	Key    string            `json:"key" yaml:"key"`
	Label  string            `json:"label,omitempty" yaml:"label,omitempty"`
	Fields []FieldDefinition `json:"fields" yaml:"fields"`
}

// Field looks a field up by name.
func (o ObjectDefinition) Field(name string) (FieldDefinition, bool) {
	i := sort.Search(len(o.Fields), func(i int) bool { return o.Fields[i].Name >= name })
	if i < len(o.Fields) && o.Fields[i].Name == name {
		return o.Fields[i], true
	}
	return FieldDefinition{}, false
}

// Snapshot is one service's schema at a point in time. Snapshots are never
// modified after Build returns; a sync produces a new one.
type Snapshot struct {
	Service       string             `json:"service" yaml:"service"`
	FormatVersion string             `json:"format_version" yaml:"format_version"`
	FetchedAt     time.Time          `json:"fetched_at" yaml:"fetched_at"`
	Hash          string             `json:"hash" yaml:"hash"`
	Objects       []ObjectDefinition `json:"objects" yaml:"objects"`
}

// Object looks an object up by key.
func (s *Snapshot) Object(key string) (ObjectDefinition, bool) {
	i := sort.Search(len(s.Objects), func(i int) bool { return s.Objects[i].Key >= key })
	if i < len(s.Objects) && s.Objects[i].Key == key {
		return s.Objects[i], true
	}
	return ObjectDefinition{}, false
}

// ObjectKeys returns the object keys in order.
func (s *Snapshot) ObjectKeys() []string {
	keys := make([]string, len(s.Objects))
	for i, o := range s.Objects {
		keys[i] = o.Key
	}
	return keys
}

// Build normalizes raw provider metadata into a snapshot.
func Build(service string, raw RawMetadata, fetchedAt time.Time) (*Snapshot, error) {
	objects := make([]ObjectDefinition, 0, len(raw.Objects))
	seenObj := make(map[string]bool, len(raw.Objects))

	for _, ro := range raw.Objects {
		if ro.Key == "" {
			return nil, fmt.Errorf("object with empty key in %s metadata", service)
		}
		if seenObj[ro.Key] {
			return nil, fmt.Errorf("duplicate object %q in %s metadata", ro.Key, service)
		}
		seenObj[ro.Key] = true

		obj := ObjectDefinition{Key: ro.Key, Label: ro.Label, Fields: make([]FieldDefinition, 0, len(ro.Fields))}
		seenField := make(map[string]bool, len(ro.Fields))
		for _, rf := range ro.Fields {
			if rf.Name == "" {
				return nil, fmt.Errorf("field with empty name on %s.%s", service, ro.Key)
			}
			if seenField[rf.Name] {
				return nil, fmt.Errorf("duplicate field %q on %s.%s", rf.Name, service, ro.Key)
			}
			seenField[rf.Name] = true
			obj.Fields = append(obj.Fields, normalizeField(rf))
		}
		sort.Slice(obj.Fields, func(i, j int) bool { return obj.Fields[i].Name < obj.Fields[j].Name })
		objects = append(objects, obj)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	snap := &Snapshot{
		Service:       service,
		FormatVersion: FormatVersion,
		FetchedAt:     fetchedAt.UTC(),
		Objects:       objects,
	}
	hash, err := Hash(objects)
	if err != nil {
		return nil, err
	}
	snap.Hash = hash
	return snap, nil
}

// Hash returns the first 16 hex chars of sha256 over the canonical JSON of objects.
func Hash(objects []ObjectDefinition) (string, error) {
	data, err := json.Marshal(objects)
	if err != nil {
		return "", fmt.Errorf("failed to encode schema for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}

// CheckFormat reports whether a persisted snapshot's format version is readable.
func CheckFormat(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid snapshot format version %q: %w", version, err)
	}
	if !formatConstraint.Check(v) {
		return fmt.Errorf("unsupported snapshot format version %s", version)
	}
	return nil
}
