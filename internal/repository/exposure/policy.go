package exposure

import (
	"fmt"
	"sort"

	"github.com/huntsman-telescope/drp/internal/domain/calib"
	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/domain/filter"
	"github.com/huntsman-telescope/drp/internal/fits"
)

// QualityPolicy applies per observation type quality criteria to raw
// exposures. Types without criteria pass unconditionally.
type QualityPolicy struct {
	criteria map[string]filter.Expression
}

// NewQualityPolicy parses criteria keyed by observation type.
func NewQualityPolicy(criteria map[string]map[string]any) (QualityPolicy, error) {
	p := QualityPolicy{criteria: make(map[string]filter.Expression, len(criteria))}
	for obsType, c := range criteria {
		expr, err := filter.Parse(c)
		if err != nil {
			return QualityPolicy{}, fmt.Errorf("quality criteria for %s: %w", obsType, err)
		}
		p.criteria[obsType] = expr
	}
	return p, nil
}

// QualityFilter matches documents passing the criteria of their own type, or
// whose type has no criteria.
func (p QualityPolicy) QualityFilter() filter.Expression {
	if len(p.criteria) == 0 {
		return filter.All()
	}

	types := make([]string, 0, len(p.criteria))
	for t := range p.criteria {
		types = append(types, t)
	}
	sort.Strings(types)

	conds := make([]filter.Condition, 0, len(types)+1)
	for _, t := range types {
		perType := filter.And(filter.Eq(calib.FieldObservationType, t)).Merge(p.criteria[t])
		conds = append(conds, filter.Group(perType))
	}
	conds = append(conds, filter.Group(filter.Not(filter.In(calib.FieldObservationType, types...))))
	return filter.Or(conds...)
}

// ScreenFilter matches documents whose raw metrics were all computed.
func (p QualityPolicy) ScreenFilter() filter.Expression {
	return filter.And(filter.Eq(calib.FieldScreenSuccess, true))
}

// Validate requires an exposure filename.
func (p QualityPolicy) Validate(doc *document.Document) error {
	if name := doc.String(calib.FieldFilename); !fits.IsExposure(name) {
		return fmt.Errorf("filename %q is not a FITS exposure", name)
	}
	return nil
}
