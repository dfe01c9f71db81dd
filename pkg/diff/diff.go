// Package diff computes structural diffs between two unstructured snapshots
// and reduces a diff to be relative to a deeper field path.
package diff

import (
	"fmt"
	"reflect"
)

// Op names the kind of change a single diff item represents.
type Op string

const (
	// OpAdd marks a field present only in the new snapshot.
	OpAdd Op = "add"
	// OpChange marks a field whose value differs between snapshots.
	OpChange Op = "change"
	// OpRemove marks a field present only in the old snapshot.
	OpRemove Op = "remove"
)

// Path is an ordered sequence of map keys locating a field, root being the
// empty path.
type Path []string

// Item is a single entry in a Diff: one field, one operation, its old and
// new values.
type Item struct {
	Op       Op
	Path     Path
	Old, New interface{}
}

// Diff is an ordered sequence of Items. Lists are treated as opaque scalar
// values: an addition/removal/change anywhere inside a list surfaces as a
// single "change" of the whole list value.
type Diff []Item

// Empty is the diff of any value against itself.
var Empty = Diff{}

// Of computes the diff turning a into b.
func Of(a, b interface{}) Diff {
	return ofPath(a, b, nil)
}

func ofPath(a, b interface{}, path Path) Diff {
	if equal(a, b) {
		return nil
	}
	switch {
	case a == nil:
		return Diff{{Op: OpAdd, Path: clonePath(path), Old: a, New: b}}
	case b == nil:
		return Diff{{Op: OpRemove, Path: clonePath(path), Old: a, New: b}}
	}

	am, aIsMap := asMap(a)
	bm, bIsMap := asMap(b)
	if aIsMap && bIsMap {
		return diffMaps(am, bm, path)
	}

	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return Diff{{Op: OpChange, Path: clonePath(path), Old: a, New: b}}
	}

	return Diff{{Op: OpChange, Path: clonePath(path), Old: a, New: b}}
}

func diffMaps(a, b map[string]interface{}, path Path) Diff {
	var out Diff
	for key := range b {
		if _, ok := a[key]; !ok {
			out = append(out, ofPath(nil, b[key], append(path, key))...)
		}
	}
	for key := range a {
		if _, ok := b[key]; !ok {
			out = append(out, ofPath(a[key], nil, append(path, key))...)
		}
	}
	for key := range a {
		if _, ok := b[key]; ok {
			out = append(out, ofPath(a[key], b[key], append(path, key))...)
		}
	}
	return out
}

// Reduce rewrites d to be relative to path: field paths that start with path
// have that prefix stripped, and add/remove operations on a parent whose
// path is shorter than the requested depth are expanded into synthesized
// per-leaf operations by resolving the requested tail inside the old/new
// container values.
func Reduce(d Diff, path Path) Diff {
	if len(path) == 0 {
		return d
	}

	var out Diff
	for _, item := range d {
		switch {
		case len(item.Path) >= len(path) && pathHasPrefix(item.Path, path):
			out = append(out, Item{
				Op:   item.Op,
				Path: item.Path[len(path):],
				Old:  item.Old,
				New:  item.New,
			})

		case len(item.Path) < len(path) && pathHasPrefix(path, item.Path):
			tail := path[len(item.Path):]
			oldTail := resolve(item.Old, tail)
			newTail := resolve(item.New, tail)
			out = append(out, ofPath(oldTail, newTail, nil)...)
		}
	}
	return out
}

// resolve walks a value through a field path, treating a missing key or a
// non-map value as a nil leaf (the "assume_empty" behavior of the original).
func resolve(v interface{}, path Path) interface{} {
	cur := v
	for _, key := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func pathHasPrefix(p, prefix Path) bool {
	if len(p) < len(prefix) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

func clonePath(p Path) Path {
	if p == nil {
		return Path{}
	}
	out := make(Path, len(p))
	copy(out, p)
	return out
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func equal(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

// String renders an Item in the (op, path, old, new) shape the rest of the
// package documents, mainly for debugging/logging.
func (i Item) String() string {
	return fmt.Sprintf("(%s, %v, %v, %v)", i.Op, []string(i.Path), i.Old, i.New)
}
