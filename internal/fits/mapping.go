package fits

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrMissingHeaderKey is returned when a required field cannot be mapped.
var ErrMissingHeaderKey = errors.New("missing header key")

// Observation types derived from IMAGETYP and FIELD.
const (
	ObsScience = "science"
	ObsBias    = "bias"
	ObsDark    = "dark"
	ObsFlat    = "flat"
)

// Mapping translates header cards into top-level document fields.
type Mapping struct {
	// Fields maps document field -> header key.
	Fields map[string]string
	// Required document fields; mapping fails if any is absent.
	Required []string
	// DateField is parsed as a timestamp.
	DateField string
	// TypeField receives the observation type when Fields does not map it.
	TypeField string
}

// DefaultMapping is the Huntsman camera header layout.
func DefaultMapping() Mapping {
	return Mapping{
		Fields: map[string]string{
			"camera_name": "INSTRUME",
			"filter":      "FILTER",
			"exptime":     "EXPTIME",
			"date":        "DATE-OBS",
			"field_name":  "FIELD",
			"ccd_temp":    "CCD-TEMP",
			"bitdepth":    "BITDEPTH",
			"ra":          "RA-MNT",
			"dec":         "DEC-MNT",
			"image_id":    "IMAGEID",
			"sequence_id": "SEQID",
		},
		Required:  []string{"camera_name", "date", "observation_type"},
		DateField: "date",
		TypeField: "observation_type",
	}
}

// Map returns the document fields found in header.
func (m Mapping) Map(header map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m.Fields)+1)

	names := make([]string, 0, len(m.Fields))
	for name := range m.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v, ok := header[m.Fields[name]]
		if !ok || v == nil {
			continue
		}
		if name == m.DateField {
			t, err := ParseTime(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", m.Fields[name], err)
			}
			v = t
		}
		if s, ok := v.(string); ok {
			v = strings.TrimSpace(s)
		}
		out[name] = v
	}

	if _, mapped := m.Fields[m.TypeField]; m.TypeField != "" && !mapped {
		if obsType, err := ObservationType(header); err == nil {
			out[m.TypeField] = obsType
		}
	}

	for _, name := range m.Required {
		if _, ok := out[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingHeaderKey, name)
		}
	}
	return out, nil
}

// ObservationType classifies a frame from its IMAGETYP and FIELD cards.
func ObservationType(header map[string]any) (string, error) {
	imageType, _ := header["IMAGETYP"].(string)
	fieldName, _ := header["FIELD"].(string)
	imageType = strings.TrimSpace(imageType)
	fieldName = strings.TrimSpace(fieldName)

	switch imageType {
	case "Light Frame":
		if strings.HasPrefix(fieldName, "Flat") {
			return ObsFlat, nil
		}
		return ObsScience, nil
	case "Dark Frame":
		if fieldName == "Bias" {
			return ObsBias, nil
		}
		return ObsDark, nil
	}
	return "", fmt.Errorf("IMAGETYP not recognised: %q", imageType)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	time.DateOnly,
}

// ParseTime accepts the DATE-OBS formats written by the camera software.
func ParseTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("date is %T, not a string", v)
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}
