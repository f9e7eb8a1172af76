package document

import (
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Flatten converts a nested tree into a flat mapping with dotted keys.
// Empty sub-maps are dropped.
func Flatten(tree map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", tree)
	return out
}

func flattenInto(out map[string]any, prefix string, tree map[string]any) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flattenInto(out, key, sub)
			continue
		}
		out[key] = v
	}
}

// Unflatten expands dotted keys into a nested tree. Keys are applied in
// sorted order, so a dotted key overwrites a scalar parent with a map.
func Unflatten(flat map[string]any) map[string]any {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any)
	for _, key := range keys {
		parts := strings.Split(key, ".")
		m := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := m[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				m[part] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = flat[key]
	}
	return out
}

// Marshal encodes the document for storage.
func Marshal(d *Document) ([]byte, error) {
	return json.Marshal(d.fields)
}

// Unmarshal decodes a stored document and assigns its identifying fields.
func Unmarshal(data []byte, identity ...string) (*Document, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	return &Document{fields: fields, identity: append([]string(nil), identity...)}, nil
}

// MarshalJSON implements json.Marshaler.
func (d *Document) MarshalJSON() ([]byte, error) {
	return Marshal(d)
}
