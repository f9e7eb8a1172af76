package collection

import (
	"fmt"
	"regexp"

	"github.com/huntsman-telescope/drp/internal/domain/collection/field"
)

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// DefaultDateKey is the observation time field of raw and calib documents.
const DefaultDateKey = "date"

// Schema describes one document collection: its name, the field holding the
// observation time, the fields that identify a document and the fields that
// must be queryable.
type Schema struct {
	name     string
	dateKey  string
	unique   []string
	required []string
	fields   []field.Field
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("collection name is required")
	}
	if len(name) > 64 {
		return fmt.Errorf("collection name too long (max 64)")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("collection name must be alphanumeric with underscores and hyphens")
	}
	return nil
}

func validateFields(fields []field.Field) error {
	if len(fields) > 64 {
		return fmt.Errorf("too many fields (max 64)")
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if seen[f.Name()] {
			return fmt.Errorf("duplicate field name: %s", f.Name())
		}
		seen[f.Name()] = true
	}
	return nil
}

// New validates and creates a Schema. An empty dateKey selects DefaultDateKey.
func New(name, dateKey string, unique, required []string, fields []field.Field) (Schema, error) {
	if err := validateName(name); err != nil {
		return Schema{}, err
	}
	if err := validateFields(fields); err != nil {
		return Schema{}, err
	}
	if dateKey == "" {
		dateKey = DefaultDateKey
	}
	return Schema{
		name:     name,
		dateKey:  dateKey,
		unique:   append([]string(nil), unique...),
		required: append([]string(nil), required...),
		fields:   append([]field.Field(nil), fields...),
	}, nil
}

// Name returns the collection name.
func (s Schema) Name() string { return s.name }

// DateKey returns the field used for date range queries.
func (s Schema) DateKey() string { return s.dateKey }

// UniqueFields returns the identifying fields.
func (s Schema) UniqueFields() []string { return append([]string(nil), s.unique...) }

// RequiredFields returns the fields every inserted document must carry.
func (s Schema) RequiredFields() []string { return append([]string(nil), s.required...) }

// Fields returns the declared indexed fields.
func (s Schema) Fields() []field.Field { return append([]field.Field(nil), s.fields...) }

// HasField checks if a field with the given name and type exists.
func (s Schema) HasField(name string, ft field.Type) bool {
	for _, f := range s.fields {
		if f.Name() == name && f.FieldType() == ft {
			return true
		}
	}
	return false
}

// FieldByName looks up a field by name.
func (s Schema) FieldByName(name string) (field.Field, bool) {
	for _, f := range s.fields {
		if f.Name() == name {
			return f, true
		}
	}
	return field.Field{}, false
}

// WithFields returns a copy of s that also indexes extra. Declared fields
// keep their type when extra names them again.
func (s Schema) WithFields(extra ...field.Field) Schema {
	out := s
	out.fields = append([]field.Field(nil), s.fields...)
	for _, f := range extra {
		if _, ok := out.FieldByName(f.Name()); ok {
			continue
		}
		out.fields = append(out.fields, f)
	}
	return out
}
