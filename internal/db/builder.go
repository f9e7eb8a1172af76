package db

import "strings"

// IndexBuilder is a fluent builder for collection index definitions.
type IndexBuilder struct {
	def IndexDefinition
}

// NewIndex starts building the index definition of a collection.
func NewIndex(name string) *IndexBuilder {
	return &IndexBuilder{def: IndexDefinition{Name: name}}
}

// Numeric adds NUMERIC fields to the index.
func (b *IndexBuilder) Numeric(paths ...string) *IndexBuilder {
	for _, p := range paths {
		b.def.Fields = append(b.def.Fields, IndexField{Path: p, Type: IndexFieldNumeric})
	}
	return b
}

// Tag adds TAG fields to the index.
func (b *IndexBuilder) Tag(paths ...string) *IndexBuilder {
	for _, p := range paths {
		b.def.Fields = append(b.def.Fields, IndexField{Path: p, Type: IndexFieldTag})
	}
	return b
}

// Field adds a field of the given type.
func (b *IndexBuilder) Field(path string, t IndexFieldType) *IndexBuilder {
	b.def.Fields = append(b.def.Fields, IndexField{Path: path, Type: t})
	return b
}

// Build validates and returns the index definition.
func (b *IndexBuilder) Build() (*IndexDefinition, error) {
	if err := b.def.Validate(); err != nil {
		return nil, err
	}
	def := b.def
	def.Fields = append([]IndexField(nil), b.def.Fields...)
	return &def, nil
}

// MustBuild calls Build and panics on error.
func (b *IndexBuilder) MustBuild() *IndexDefinition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// String returns a debug representation resembling the FT.CREATE command.
func (idx *IndexDefinition) String() string {
	parts := []string{"FT.CREATE", idx.Name, "ON", "JSON", "SCHEMA"}
	for i := range idx.Fields {
		f := &idx.Fields[i]
		parts = append(parts, "$."+f.Path, "AS", f.Alias())
		switch f.Type {
		case IndexFieldTag:
			parts = append(parts, "TAG")
		case IndexFieldNumeric:
			parts = append(parts, "NUMERIC")
		}
	}
	return strings.Join(parts, " ")
}
