package calib

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/domain/filter"
)

// Dataset types.
const (
	TypeBias    = "bias"
	TypeDark    = "dark"
	TypeFlat    = "flat"
	TypeDefects = "defects"
	TypeScience = "science"
)

// Document field names shared by raw and calib collections.
const (
	FieldDatasetType     = "datasetType"
	FieldCalibDate       = "calibDate"
	FieldFilename        = "filename"
	FieldDate            = "date"
	FieldValidity        = "validity_days"
	FieldObservationType = "observation_type"
	FieldCameraName      = "camera_name"
	FieldFilter          = "filter"
	FieldScreenSuccess   = "metrics.screen_success"
)

// DateLayout is the calibDate format.
const DateLayout = time.DateOnly

// Order is the build order: later types consume earlier ones.
var Order = []string{TypeBias, TypeDark, TypeFlat, TypeDefects}

// Rank returns the position of datasetType in Order, or len(Order) if unknown.
func Rank(datasetType string) int {
	for i, t := range Order {
		if t == datasetType {
			return i
		}
	}
	return len(Order)
}

// RawType maps a dataset type to the observation type of its raw inputs.
// Defects are built from darks.
func RawType(datasetType string) string {
	if datasetType == TypeDefects {
		return TypeDark
	}
	return datasetType
}

// Dependents returns the dataset types that consume datasetType as an input.
func Dependents(datasetType string) []string {
	switch datasetType {
	case TypeBias:
		return []string{TypeDark, TypeFlat, TypeDefects}
	case TypeDark:
		return []string{TypeFlat, TypeDefects}
	default:
		return nil
	}
}

// Prerequisite returns the dataset type that must exist before datasetType
// can be built, or "" if none.
func Prerequisite(datasetType string) string {
	switch datasetType {
	case TypeDark, TypeFlat:
		return TypeBias
	case TypeDefects:
		return TypeDark
	default:
		return ""
	}
}

// FormatDate renders t as a calibDate.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate parses a calibDate.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid calib date %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ID is the identity of one master calibration build target.
type ID struct {
	DatasetType string
	CalibDate   string
	Keys        map[string]string
}

// NewID creates an ID for datasetType on the calendar date of t.
func NewID(datasetType string, t time.Time, keys map[string]string) ID {
	cp := make(map[string]string, len(keys))
	for k, v := range keys {
		cp[k] = v
	}
	return ID{DatasetType: datasetType, CalibDate: FormatDate(t), Keys: cp}
}

// IDFromDocument projects doc onto datasetType's matching keys.
func IDFromDocument(doc *document.Document, datasetType string, t time.Time, matching []string) (ID, error) {
	keys := make(map[string]string, len(matching))
	for _, k := range matching {
		if !doc.Has(k) {
			return ID{}, fmt.Errorf("document %s has no matching key %q", doc.String(FieldFilename), k)
		}
		keys[k] = doc.String(k)
	}
	return NewID(datasetType, t, keys), nil
}

// ParseID reconstructs the ID of a stored calib document.
func ParseID(doc *document.Document, matching []string) (ID, error) {
	datasetType := doc.String(FieldDatasetType)
	if datasetType == "" {
		return ID{}, fmt.Errorf("calib document has no %s", FieldDatasetType)
	}
	date, err := ParseDate(doc.String(FieldCalibDate))
	if err != nil {
		return ID{}, err
	}
	return IDFromDocument(doc, datasetType, date, matching)
}

// MatchingKeys returns the matching key names in sorted order.
func (id ID) MatchingKeys() []string {
	keys := make([]string, 0, len(id.Keys))
	for k := range id.Keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Date returns the calibDate at midnight UTC.
func (id ID) Date() time.Time {
	t, _ := ParseDate(id.CalibDate)
	return t
}

// WithType returns a copy of id for another dataset type.
func (id ID) WithType(datasetType string) ID {
	return NewID(datasetType, id.Date(), id.Keys)
}

// Key returns a stable hash of the ID.
func (id ID) Key() string {
	fields := append([]string{FieldDatasetType, FieldCalibDate}, id.MatchingKeys()...)
	return document.HashFields(fields, func(k string) (any, bool) {
		switch k {
		case FieldDatasetType:
			return id.DatasetType, true
		case FieldCalibDate:
			return id.CalibDate, true
		}
		v, ok := id.Keys[k]
		return v, ok
	})
}

// Fields returns the ID as document fields.
func (id ID) Fields() map[string]any {
	out := map[string]any{
		FieldDatasetType: id.DatasetType,
		FieldCalibDate:   id.CalibDate,
		FieldDate:        id.Date(),
	}
	for k, v := range id.Keys {
		out[k] = v
	}
	return out
}

// Filter matches calib documents with this identity.
func (id ID) Filter() filter.Expression {
	f := filter.And(
		filter.Eq(FieldDatasetType, id.DatasetType),
		filter.Eq(FieldCalibDate, id.CalibDate),
	)
	return f.Merge(id.MatchFilter())
}

// MatchFilter matches any document sharing the matching key values.
func (id ID) MatchFilter() filter.Expression {
	conds := make([]filter.Condition, 0, len(id.Keys))
	for _, k := range id.MatchingKeys() {
		conds = append(conds, filter.Eq(k, id.Keys[k]))
	}
	return filter.And(conds...)
}

func (id ID) String() string {
	parts := make([]string, 0, len(id.Keys))
	for _, k := range id.MatchingKeys() {
		parts = append(parts, k+"="+id.Keys[k])
	}
	return fmt.Sprintf("%s[%s]@%s", id.DatasetType, strings.Join(parts, ","), id.CalibDate)
}

// Basename is the archived file name of id: the dataset type, the matching
// values ordered by key and the calib date, joined by underscores.
func (id ID) Basename(ext string) string {
	parts := []string{id.DatasetType}
	for _, k := range id.MatchingKeys() {
		parts = append(parts, sanitize(id.Keys[k]))
	}
	parts = append(parts, id.CalibDate)
	return strings.Join(parts, "_") + ext
}

// ArchivePath returns {root}/{calibDate}/{datasetType}/{basename}.
func ArchivePath(root string, id ID, ext string) string {
	return filepath.Join(root, id.CalibDate, id.DatasetType, id.Basename(ext))
}

// Ext returns the file extension, treating .fits.fz as one extension.
func Ext(filename string) string {
	if strings.HasSuffix(filename, ".fits.fz") {
		return ".fits.fz"
	}
	return filepath.Ext(filename)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '_':
			return '-'
		}
		return r
	}, s)
}

// IDSet is a de-duplicating set of IDs.
type IDSet struct {
	ids map[string]ID
}

// NewIDSet creates a set holding ids.
func NewIDSet(ids ...ID) *IDSet {
	s := &IDSet{ids: make(map[string]ID, len(ids))}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id and reports whether it was new.
func (s *IDSet) Add(id ID) bool {
	k := id.Key()
	if _, ok := s.ids[k]; ok {
		return false
	}
	s.ids[k] = id
	return true
}

// Has reports membership.
func (s *IDSet) Has(id ID) bool {
	_, ok := s.ids[id.Key()]
	return ok
}

// Len returns the number of IDs.
func (s *IDSet) Len() int { return len(s.ids) }

// IDs returns the members in build order, then by String.
func (s *IDSet) IDs() []ID {
	out := make([]ID, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := Rank(out[i].DatasetType), Rank(out[j].DatasetType)
		if ri != rj {
			return ri < rj
		}
		return out[i].String() < out[j].String()
	})
	return out
}

// OfType returns the members with the given dataset type, in order.
func (s *IDSet) OfType(datasetType string) []ID {
	var out []ID
	for _, id := range s.IDs() {
		if id.DatasetType == datasetType {
			out = append(out, id)
		}
	}
	return out
}
