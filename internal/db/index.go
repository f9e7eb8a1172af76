package db

import (
	"errors"
	"strconv"
	"strings"
)

// IndexFieldType enumerates supported index field types.
type IndexFieldType int

const (
	// IndexFieldNumeric is a numeric field (also used for times, stored as unix seconds).
	IndexFieldNumeric IndexFieldType = iota
	// IndexFieldTag is an exact-match field for strings and booleans.
	IndexFieldTag
)

// IndexField describes a single indexed document path.
type IndexField struct {
	Path string // dotted document path, e.g. metrics.screen_success
	Type IndexFieldType
}

// Alias returns the query-safe name of the field ("." replaced by "__").
func (f IndexField) Alias() string {
	return FieldAlias(f.Path)
}

// FieldAlias maps a dotted document path to its index attribute name.
func FieldAlias(path string) string {
	return strings.ReplaceAll(path, ".", "__")
}

// IndexDefinition describes the queryable fields of one collection.
type IndexDefinition struct {
	Name   string // collection name
	Fields []IndexField
}

// Field returns the definition of path.
func (idx *IndexDefinition) Field(path string) (IndexField, bool) {
	for _, f := range idx.Fields {
		if f.Path == path {
			return f, true
		}
	}
	return IndexField{}, false
}

// Validate checks that the index definition is well-formed.
func (idx *IndexDefinition) Validate() error {
	if idx.Name == "" {
		return errors.New("index name is required")
	}
	if !IsValidIdentifier(idx.Name) {
		return errors.New("index name contains invalid characters")
	}
	if len(idx.Fields) == 0 {
		return errors.New("at least one field is required")
	}

	seen := make(map[string]bool)
	for i := range idx.Fields {
		f := &idx.Fields[i]
		if f.Path == "" {
			return errors.New("field path is required at index " + strconv.Itoa(i))
		}
		for _, part := range strings.Split(f.Path, ".") {
			if !IsValidIdentifier(part) {
				return errors.New("field path contains invalid characters: " + f.Path)
			}
		}
		if seen[f.Alias()] {
			return errors.New("duplicate field: " + f.Path)
		}
		seen[f.Alias()] = true
	}

	return nil
}

// IsValidIdentifier returns true if s matches [a-zA-Z0-9_:-]+.
func IsValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		isAlpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		isDigit := r >= '0' && r <= '9'
		isSpecial := r == '_' || r == ':' || r == '-'
		if !isAlpha && !isDigit && !isSpecial {
			return false
		}
	}
	return true
}
