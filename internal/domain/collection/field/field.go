package field

import (
	"fmt"
	"sort"
	"strings"

	"github.com/huntsman-telescope/drp/internal/domain/filter"
)

// Type is the indexing type of a field.
type Type string

// Field type constants.
const (
	// Tag is an exact-match field for strings and booleans.
	Tag     Type = "tag"
	Numeric Type = "numeric"
)

// Stamped by collections on every write and always indexed as numeric.
var reservedFieldNames = map[string]bool{
	"date_created": true, "date_modified": true,
}

// Field is an immutable value object describing an indexed document path.
type Field struct {
	name      string
	fieldType Type
}

// New validates and creates a Field.
// Name is a dotted path of [a-zA-Z0-9_-] segments, max 64 chars, not reserved.
// Type must be tag or numeric.
func New(name string, ft Type) (Field, error) {
	if name == "" {
		return Field{}, fmt.Errorf("field name is required")
	}
	if len(name) > 64 {
		return Field{}, fmt.Errorf("field name %q too long (max 64)", name)
	}
	if reservedFieldNames[name] {
		return Field{}, fmt.Errorf("field name %q is reserved", name)
	}
	for _, part := range strings.Split(name, ".") {
		if !validSegment(part) {
			return Field{}, fmt.Errorf("field name %q has an invalid path segment %q", name, part)
		}
	}
	if ft != Tag && ft != Numeric {
		return Field{}, fmt.Errorf("invalid field type %q for %q", ft, name)
	}
	return Field{name: name, fieldType: ft}, nil
}

// Reconstruct creates a Field without validation.
func Reconstruct(name string, ft Type) Field {
	return Field{name: name, fieldType: ft}
}

// Name returns the dotted field path.
func (f Field) Name() string { return f.name }

// FieldType returns the field's indexing type.
func (f Field) FieldType() Type { return f.fieldType }

// Infer derives the fields queried by expr. Ranges and numeric matches are
// numeric, everything else is a tag. The first type seen for a path wins.
func Infer(exprs ...filter.Expression) []Field {
	types := make(map[string]Type)
	for _, e := range exprs {
		inferInto(types, e)
	}

	out := make([]Field, 0, len(types))
	for name, ft := range types {
		out = append(out, Field{name: name, fieldType: ft})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func inferInto(types map[string]Type, e filter.Expression) {
	conds := make([]filter.Condition, 0, len(e.Must())+len(e.Should())+len(e.MustNot()))
	conds = append(conds, e.Must()...)
	conds = append(conds, e.Should()...)
	conds = append(conds, e.MustNot()...)

	for _, c := range conds {
		var ft Type
		switch c.Kind() {
		case filter.KindGroup:
			inferInto(types, *c.Group())
			continue
		case filter.KindRange:
			ft = Numeric
		case filter.KindMatch:
			ft = typeOf(c.Value())
		case filter.KindIn:
			if len(c.Values()) == 0 {
				continue
			}
			ft = typeOf(c.Values()[0])
		}
		if _, ok := types[c.Key()]; !ok {
			types[c.Key()] = ft
		}
	}
}

func typeOf(v any) Type {
	if _, ok := v.(float64); ok {
		return Numeric
	}
	return Tag
}

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		isAlpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		isDigit := r >= '0' && r <= '9'
		if !isAlpha && !isDigit && r != '_' && r != '-' {
			return false
		}
	}
	return true
}
