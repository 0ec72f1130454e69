// Package snapshot models the point-in-time inventory reported by a provider:
// ordered attribute records with nested cross-references, grouped into
// per-collection batches. Records are produced by a collector (or decoded from
// a snapshot file) and consumed read-only by the refresh engine.
package snapshot

import (
	"fmt"
	"strings"
)

// Well-known attribute names used as natural key material and result flags.
const (
	KeyID      = "id"
	KeyEMSRef  = "ems_ref"
	KeyUIDEMS  = "uid_ems"
	KeyName    = "name"
	KeyType    = "type"
	KeyInvalid = "invalid"
)

// Record is an ordered mapping from attribute name to value. Values are
// scalars (string, int64, float64, bool, nil), nested *Record
// cross-references, []*Record lists of cross-references, or []any scalar
// lists. Insertion order is preserved so dumps and logs are stable.
type Record struct {
	keys []string
	vals map[string]any
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{vals: make(map[string]any)}
}

// Set stores value under key, appending key to the order on first use.
// Go integer types are widened to int64. Returns the record for chaining.
func (r *Record) Set(key string, value any) *Record {
	if r.vals == nil {
		r.vals = make(map[string]any)
	}

	if _, ok := r.vals[key]; !ok {
		r.keys = append(r.keys, key)
	}

	r.vals[key] = normalizeValue(value)

	return r
}

// Get returns the value stored under key.
func (r *Record) Get(key string) (any, bool) {
	if r == nil {
		return nil, false
	}

	v, ok := r.vals[key]

	return v, ok
}

// Has reports whether key is present (even with a nil value).
func (r *Record) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// Delete removes key and returns the value it held.
func (r *Record) Delete(key string) (any, bool) {
	if r == nil {
		return nil, false
	}

	v, ok := r.vals[key]
	if !ok {
		return nil, false
	}

	delete(r.vals, key)

	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}

	return v, true
}

// Keys returns the attribute names in insertion order.
func (r *Record) Keys() []string {
	if r == nil {
		return nil
	}

	out := make([]string, len(r.keys))
	copy(out, r.keys)

	return out
}

// Len returns the number of attributes.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}

	return len(r.keys)
}

// Clone returns a shallow copy: the attribute table is copied, nested
// records are shared. Callers that strip or set attributes on the clone
// leave the original untouched.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	c := &Record{
		keys: make([]string, len(r.keys)),
		vals: make(map[string]any, len(r.vals)),
	}

	copy(c.keys, r.keys)

	for k, v := range r.vals {
		c.vals[k] = v
	}

	return c
}

// String returns the attribute as a string. Numbers are formatted; missing,
// nil, and non-scalar values yield "".
func (r *Record) String(key string) string {
	v, ok := r.Get(key)
	if !ok || v == nil {
		return ""
	}

	switch t := v.(type) {
	case string:
		return t
	case int64, float64, bool:
		return fmt.Sprint(t)
	default:
		return ""
	}
}

// Bool returns the attribute as a bool; anything but a true bool is false.
func (r *Record) Bool(key string) bool {
	v, _ := r.Get(key)
	b, ok := v.(bool)

	return ok && b
}

// Int64 returns the attribute as an int64 and whether it held one.
func (r *Record) Int64(key string) (int64, bool) {
	v, _ := r.Get(key)

	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), t == float64(int64(t))
	default:
		return 0, false
	}
}

// Record returns the nested record stored under key, or nil.
func (r *Record) Record(key string) *Record {
	v, _ := r.Get(key)
	nested, _ := v.(*Record)

	return nested
}

// Records returns the list of nested records stored under key. Nil entries
// are dropped.
func (r *Record) Records(key string) []*Record {
	v, _ := r.Get(key)

	switch t := v.(type) {
	case []*Record:
		out := make([]*Record, 0, len(t))
		for _, n := range t {
			if n != nil {
				out = append(out, n)
			}
		}

		return out
	case []any:
		out := make([]*Record, 0, len(t))
		for _, e := range t {
			if n, ok := e.(*Record); ok && n != nil {
				out = append(out, n)
			}
		}

		return out
	default:
		return nil
	}
}

// FetchPath walks nested records and list indexes. Path elements are
// attribute names or ints (list positions). Returns nil, false as soon as a
// step is missing.
func (r *Record) FetchPath(path ...any) (any, bool) {
	var cur any = r

	for _, step := range path {
		switch s := step.(type) {
		case string:
			rec, ok := cur.(*Record)
			if !ok || rec == nil {
				return nil, false
			}

			v, ok := rec.Get(s)
			if !ok {
				return nil, false
			}

			cur = v
		case int:
			list := asList(cur)
			if s < 0 || s >= len(list) {
				return nil, false
			}

			cur = list[s]
		default:
			return nil, false
		}
	}

	return cur, true
}

// ID returns the identifier carried by the record, if one is present.
func (r *Record) ID() (int64, bool) {
	return r.Int64(KeyID)
}

// Invalid reports whether the collector flagged the record as incomplete.
func (r *Record) Invalid() bool {
	return r.Bool(KeyInvalid)
}

// Label returns the best human-readable identity: name, then uid_ems, then
// ems_ref.
func (r *Record) Label() string {
	for _, k := range []string{KeyName, KeyUIDEMS, KeyEMSRef} {
		if s := r.String(k); s != "" {
			return s
		}
	}

	return ""
}

// ToMap converts the record into plain maps and slices, recursively.
func (r *Record) ToMap() map[string]any {
	if r == nil {
		return nil
	}

	out := make(map[string]any, len(r.keys))
	for _, k := range r.keys {
		out[k] = plainValue(r.vals[k])
	}

	return out
}

// GoString renders the record compactly for debugging.
func (r *Record) GoString() string {
	if r == nil {
		return "<nil>"
	}

	parts := make([]string, 0, len(r.keys))
	for _, k := range r.keys {
		parts = append(parts, fmt.Sprintf("%s:%#v", k, r.vals[k]))
	}

	return "{" + strings.Join(parts, ", ") + "}"
}

func asList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []*Record:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}

		return out
	default:
		return nil
	}
}

func plainValue(v any) any {
	switch t := v.(type) {
	case *Record:
		return t.ToMap()
	case []*Record:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n.ToMap()
		}

		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plainValue(e)
		}

		return out
	default:
		return v
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case uint32:
		return int64(t)
	case float32:
		return float64(t)
	case []int64:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}

		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}

		return out
	default:
		return v
	}
}
