package document

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tiendc/go-deepcopy"
	"github.com/zeebo/xxh3"

	"github.com/huntsman-telescope/drp/internal/domain/filter"
)

// Reserved bookkeeping fields stamped by collections.
const (
	FieldDateCreated  = "date_created"
	FieldDateModified = "date_modified"
)

// Document is a nested field/value record whose identity is defined by an
// ordered list of identifying fields.
//
// Values are canonicalized on write: times become unix seconds, integers
// become float64 and nested maps become map[string]any. A Document is not
// safe for concurrent mutation.
type Document struct {
	fields   map[string]any
	identity []string
}

// New creates a document from fields. Dotted keys are expanded into nested maps.
// The input map is not retained.
func New(fields map[string]any, identity ...string) *Document {
	d := &Document{
		fields:   make(map[string]any, len(fields)),
		identity: append([]string(nil), identity...),
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d.Set(k, fields[k])
	}
	return d
}

// Identity returns the identifying field names.
func (d *Document) Identity() []string {
	return append([]string(nil), d.identity...)
}

// WithIdentity returns a copy of d identified by the given fields.
func (d *Document) WithIdentity(fields ...string) *Document {
	out := d.Copy()
	out.identity = append([]string(nil), fields...)
	return out
}

// Get returns the value at a dotted path.
func (d *Document) Get(key string) (any, bool) {
	var cur any = d.fields
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Has reports whether a non-nil value exists at key.
func (d *Document) Has(key string) bool {
	v, ok := d.Get(key)
	return ok && v != nil
}

// Set stores v at a dotted path, creating intermediate maps and replacing
// scalar parents.
func (d *Document) Set(key string, v any) {
	parts := strings.Split(key, ".")
	m := d.fields
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	leaf := parts[len(parts)-1]
	if nested, ok := v.(map[string]any); ok {
		sub := make(map[string]any, len(nested))
		m[leaf] = sub
		child := &Document{fields: sub}
		for k, nv := range nested {
			child.Set(k, nv)
		}
		return
	}
	m[leaf] = canonical(v)
}

// Delete removes the value at a dotted path. Missing paths are ignored.
func (d *Document) Delete(key string) {
	parts := strings.Split(key, ".")
	m := d.fields
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
}

// String returns the value at key formatted as a string, or "" if absent.
func (d *Document) String(key string) string {
	v, ok := d.Get(key)
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// Float returns a numeric value at key.
func (d *Document) Float(key string) (float64, bool) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Bool returns the boolean value at key, false if absent.
func (d *Document) Bool(key string) bool {
	v, _ := d.Get(key)
	b, _ := v.(bool)
	return b
}

// Time decodes the time at key. Unix seconds and RFC3339 strings are accepted.
func (d *Document) Time(key string) (time.Time, bool) {
	v, ok := d.Get(key)
	if !ok {
		return time.Time{}, false
	}
	switch x := v.(type) {
	case float64:
		return filter.FromUnixSeconds(x), true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", time.DateOnly} {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// Keys returns the top-level field names in sorted order.
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.fields))
	for k := range d.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fields returns a deep copy of the nested field tree.
func (d *Document) Fields() map[string]any {
	return d.Copy().fields
}

// Flat returns the document as a flat dotted-key mapping.
func (d *Document) Flat() map[string]any {
	return Flatten(d.fields)
}

// Merge applies a field-level update. Nested patches are flattened first so
// sibling fields survive; a nil value deletes the field.
func (d *Document) Merge(patch map[string]any) {
	flat := Flatten(patch)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if flat[k] == nil {
			d.Delete(k)
			continue
		}
		d.Set(k, flat[k])
	}
}

// Copy returns a deep copy of the document.
func (d *Document) Copy() *Document {
	out := &Document{identity: append([]string(nil), d.identity...)}
	if err := deepcopy.Copy(&out.fields, d.fields); err != nil {
		out.fields, _ = canonical(d.fields).(map[string]any)
	}
	if out.fields == nil {
		out.fields = make(map[string]any)
	}
	return out
}

// Equal compares identifying fields only. Any identifying field missing on
// either side makes documents unequal.
func (d *Document) Equal(o *Document) bool {
	if d == nil || o == nil || len(d.identity) == 0 {
		return false
	}
	for _, k := range d.identity {
		a, ok := d.Get(k)
		if !ok || a == nil {
			return false
		}
		b, ok := o.Get(k)
		if !ok || b == nil {
			return false
		}
		if token(a) != token(b) {
			return false
		}
	}
	return true
}

// Key returns a stable xxh3-128 hex digest over the identifying field values.
// Documents that are Equal have equal keys.
func (d *Document) Key() string {
	return HashFields(d.identity, func(k string) (any, bool) { return d.Get(k) })
}

// Filter returns an equality filter over the identifying fields present on d.
func (d *Document) Filter() filter.Expression {
	values := make(map[string]any, len(d.identity))
	for _, k := range d.identity {
		if v, ok := d.Get(k); ok {
			values[k] = v
		}
	}
	return filter.FromFields(values)
}

// Project returns a new document holding only the given fields, identified by them.
func (d *Document) Project(fields ...string) *Document {
	out := New(nil, fields...)
	for _, k := range fields {
		if v, ok := d.Get(k); ok {
			out.Set(k, v)
		}
	}
	return out
}

// HashFields hashes the named values in order. Missing values hash as null.
func HashFields(keys []string, get func(string) (any, bool)) string {
	h := xxh3.New()
	for _, k := range keys {
		v, ok := get(k)
		if !ok {
			v = nil
		}
		_, _ = h.Write([]byte(k + "=" + token(v) + "\x00"))
	}
	sum := h.Sum128()
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], sum.Lo)
	binary.LittleEndian.PutUint64(b[8:16], sum.Hi)
	return hex.EncodeToString(b)
}

func token(v any) string {
	switch x := canonical(v).(type) {
	case nil:
		return "null"
	case string:
		return "s:" + x
	case float64:
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return "b:" + strconv.FormatBool(x)
	default:
		return fmt.Sprintf("v:%v", x)
	}
}

func canonical(v any) any {
	switch x := v.(type) {
	case nil, string, bool, float64:
		return x
	case time.Time:
		return filter.UnixSeconds(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, nv := range x {
			out[k] = canonical(nv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, nv := range x {
			out[i] = canonical(nv)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = f
		}
		return out
	}
	if n, err := filter.Normalize(v); err == nil {
		return n
	}
	return v
}
