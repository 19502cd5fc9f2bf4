package adapter

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/NForce-ai/SDRbot/pkg/credential"
	"github.com/NForce-ai/SDRbot/pkg/crmerr"
	"github.com/NForce-ai/SDRbot/pkg/schema"
	"github.com/NForce-ai/SDRbot/pkg/toolgen"
)

// Fixture seeds a Memory adapter: a schema plus initial records per object.
type Fixture struct {
	Objects []schema.RawObject                  `yaml:"objects"`
	Records map[string][]map[string]interface{} `yaml:"records"`
}

// LoadFixture reads a YAML (or JSON) fixture file.
func LoadFixture(path string) (Fixture, error) {
	var f Fixture
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("failed to read fixture: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to parse fixture %s: %w", path, err)
	}
	return f, nil
}

// Memory is an in-process CRM used as a sandbox service and in tests. It
// reports unknown objects and fields as schema_mismatch like a real API.
type Memory struct {
	service string

	mu      sync.Mutex
	objects map[string]schema.RawObject
	records map[string]map[string]map[string]interface{}
	seq     int
}

// NewMemory creates an in-memory adapter for service seeded from f.
func NewMemory(service string, f Fixture) *Memory {
	m := &Memory{
		service: service,
		records: make(map[string]map[string]map[string]interface{}),
	}
	m.SetSchema(f.Objects)
	for obj, recs := range f.Records {
		for _, r := range recs {
			rec := copyRecord(r)
			id, _ := rec["id"].(string)
			if id == "" {
				id = m.nextID(obj)
				rec["id"] = id
			}
			m.table(obj)[id] = rec
		}
	}
	return m
}

// SetSchema replaces the metadata the adapter reports and accepts.
func (m *Memory) SetSchema(objects []schema.RawObject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = make(map[string]schema.RawObject, len(objects))
	for _, o := range objects {
		m.objects[o.Key] = o
	}
}

// FetchSchema implements Adapter.
func (m *Memory) FetchSchema(ctx context.Context, _ credential.Credential) (schema.RawMetadata, error) {
	if err := ctx.Err(); err != nil {
		return schema.RawMetadata{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	raw := schema.RawMetadata{}
	for _, k := range keys {
		raw.Objects = append(raw.Objects, m.objects[k])
	}
	return raw, nil
}

// Invoke implements Adapter.
func (m *Memory) Invoke(ctx context.Context, call Call, _ credential.Credential) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[call.Object]
	if !ok {
		return Result{}, crmerr.SchemaMismatch(m.service, call.Object, "", fmt.Errorf("unknown object %s", call.Object))
	}

	switch call.Operation {
	case toolgen.OpCreate:
		fields, _ := call.Args["fields"].(map[string]interface{})
		if err := m.checkFields(obj, fields); err != nil {
			return Result{}, err
		}
		rec := copyRecord(fields)
		id := m.nextID(obj.Key)
		rec["id"] = id
		m.table(obj.Key)[id] = rec
		return Result{Payload: copyRecord(rec), Affected: 1}, nil

	case toolgen.OpGet:
		id := fmt.Sprint(call.Args["id"])
		rec, ok := m.table(obj.Key)[id]
		if !ok {
			return Result{}, notFound(m.service, obj.Key, id)
		}
		return Result{Payload: copyRecord(rec)}, nil

	case toolgen.OpSearch:
		filters, _ := call.Args["filters"].(map[string]interface{})
		if err := m.checkFields(obj, filters); err != nil {
			return Result{}, err
		}
		query, _ := call.Args["query"].(string)
		limit := 50
		if l, ok := call.Args["limit"].(float64); ok && l > 0 {
			limit = int(l)
		}
		var out []map[string]interface{}
		for _, id := range m.sortedIDs(obj.Key) {
			rec := m.table(obj.Key)[id]
			if matches(rec, filters) && matchesQuery(rec, query) {
				out = append(out, copyRecord(rec))
				if len(out) == limit {
					break
				}
			}
		}
		return Result{Payload: out}, nil

	case toolgen.OpUpdate:
		fields, _ := call.Args["fields"].(map[string]interface{})
		if err := m.checkFields(obj, fields); err != nil {
			return Result{}, err
		}
		ids, err := m.scope(obj, call.Args)
		if err != nil {
			return Result{}, err
		}
		for _, id := range ids {
			for k, v := range fields {
				m.table(obj.Key)[id][k] = v
			}
		}
		return Result{Payload: map[string]interface{}{"updated": ids}, Affected: len(ids)}, nil

	case toolgen.OpDelete:
		ids, err := m.scope(obj, call.Args)
		if err != nil {
			return Result{}, err
		}
		for _, id := range ids {
			delete(m.table(obj.Key), id)
		}
		return Result{Payload: map[string]interface{}{"deleted": ids}, Affected: len(ids)}, nil
	}
	return Result{}, crmerr.New(crmerr.KindValidation, m.service, "unsupported operation %s", call.Operation)
}

// Count implements Counter.
func (m *Memory) Count(ctx context.Context, object string, where map[string]interface{}, _ credential.Credential) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.table(object) {
		if matches(rec, where) {
			n++
		}
	}
	return n, nil
}

// Read implements Reader.
func (m *Memory) Read(ctx context.Context, object, id string, _ credential.Credential) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[object][id]
	if !ok {
		return nil, notFound(m.service, object, id)
	}
	return copyRecord(rec), nil
}

// Len returns the number of stored records of object.
func (m *Memory) Len(object string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[object])
}

func (m *Memory) scope(obj schema.RawObject, args map[string]interface{}) ([]string, error) {
	tbl := m.table(obj.Key)
	switch {
	case args["id"] != nil:
		id := fmt.Sprint(args["id"])
		if _, ok := tbl[id]; !ok {
			return nil, notFound(m.service, obj.Key, id)
		}
		return []string{id}, nil
	case args["ids"] != nil:
		list, _ := args["ids"].([]interface{})
		ids := make([]string, 0, len(list))
		for _, v := range list {
			id := fmt.Sprint(v)
			if _, ok := tbl[id]; ok {
				ids = append(ids, id)
			}
		}
		return ids, nil
	default:
		where, _ := args["where"].(map[string]interface{})
		if err := m.checkFields(obj, where); err != nil {
			return nil, err
		}
		var ids []string
		for _, id := range m.sortedIDs(obj.Key) {
			if matches(tbl[id], where) {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}
}

func (m *Memory) checkFields(obj schema.RawObject, values map[string]interface{}) error {
	known := make(map[string]bool, len(obj.Fields))
	for _, f := range obj.Fields {
		known[f.Name] = true
	}
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if !known[k] {
			return crmerr.SchemaMismatch(m.service, obj.Key, k, fmt.Errorf("no such field %s on %s", k, obj.Key))
		}
	}
	return nil
}

func (m *Memory) table(object string) map[string]map[string]interface{} {
	t, ok := m.records[object]
	if !ok {
		t = make(map[string]map[string]interface{})
		m.records[object] = t
	}
	return t
}

func (m *Memory) sortedIDs(object string) []string {
	ids := make([]string, 0, len(m.records[object]))
	for id := range m.records[object] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Memory) nextID(object string) string {
	m.seq++
	return fmt.Sprintf("%s-%06d", strings.ToLower(object), m.seq)
}

func notFound(service, object, id string) error {
	return &crmerr.Error{
		Kind:    crmerr.KindAdapterFailure,
		Service: service,
		Object:  object,
		Message: fmt.Sprintf("%s %s not found", object, id),
	}
}

func matches(rec, where map[string]interface{}) bool {
	for k, v := range where {
		if fmt.Sprint(rec[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func matchesQuery(rec map[string]interface{}, q string) bool {
	if q == "" {
		return true
	}
	q = strings.ToLower(q)
	for _, v := range rec {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}

func copyRecord(r map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
