package schema

import (
	"reflect"
	"sort"
)

// Diff lists what changed between two snapshots.
type Diff struct {
	AddedObjects   []string            `json:"added_objects,omitempty"`
	RemovedObjects []string            `json:"removed_objects,omitempty"`
	AddedFields    map[string][]string `json:"added_fields,omitempty"`
	RemovedFields  map[string][]string `json:"removed_fields,omitempty"`
	ChangedFields  map[string][]string `json:"changed_fields,omitempty"`
}

// Empty reports whether the diff has no changes.
func (d Diff) Empty() bool {
	return len(d.AddedObjects) == 0 && len(d.RemovedObjects) == 0 &&
		len(d.AddedFields) == 0 && len(d.RemovedFields) == 0 && len(d.ChangedFields) == 0
}

// Compare diffs prev against next. A nil prev treats every object as added.
func Compare(prev, next *Snapshot) Diff {
	var d Diff
	prevObjs := indexObjects(prev)
	nextObjs := indexObjects(next)

	for key, no := range nextObjs {
		po, ok := prevObjs[key]
		if !ok {
			d.AddedObjects = append(d.AddedObjects, key)
			continue
		}
		added, removed, changed := compareFields(po, no)
		addTo(&d.AddedFields, key, added)
		addTo(&d.RemovedFields, key, removed)
		addTo(&d.ChangedFields, key, changed)
	}
	for key := range prevObjs {
		if _, ok := nextObjs[key]; !ok {
			d.RemovedObjects = append(d.RemovedObjects, key)
		}
	}
	sort.Strings(d.AddedObjects)
	sort.Strings(d.RemovedObjects)
	return d
}

func indexObjects(s *Snapshot) map[string]ObjectDefinition {
	out := make(map[string]ObjectDefinition)
	if s == nil {
		return out
	}
	for _, o := range s.Objects {
		out[o.Key] = o
	}
	return out
}

func compareFields(prev, next ObjectDefinition) (added, removed, changed []string) {
	prevFields := make(map[string]FieldDefinition, len(prev.Fields))
	for _, f := range prev.Fields {
		prevFields[f.Name] = f
	}
	nextNames := make(map[string]bool, len(next.Fields))
	for _, f := range next.Fields {
		nextNames[f.Name] = true
		pf, ok := prevFields[f.Name]
		switch {
		case !ok:
			added = append(added, f.Name)
		case !reflect.DeepEqual(pf, f):
			changed = append(changed, f.Name)
		}
	}
	for _, f := range prev.Fields {
		if !nextNames[f.Name] {
			removed = append(removed, f.Name)
		}
	}
	return added, removed, changed
}

func addTo(m *map[string][]string, key string, names []string) {
	if len(names) == 0 {
		return
	}
	if *m == nil {
		*m = make(map[string][]string)
	}
	sort.Strings(names)
	(*m)[key] = names
}
