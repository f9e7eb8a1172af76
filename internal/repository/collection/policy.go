package collection

import (
	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/domain/filter"
)

// Policy supplies the collection-specific quality and screening filters and
// validates documents before they are written.
type Policy interface {
	QualityFilter() filter.Expression
	ScreenFilter() filter.Expression
	Validate(doc *document.Document) error
}

// PermissivePolicy accepts every document.
type PermissivePolicy struct{}

// QualityFilter matches everything.
func (PermissivePolicy) QualityFilter() filter.Expression { return filter.All() }

// ScreenFilter matches everything.
func (PermissivePolicy) ScreenFilter() filter.Expression { return filter.All() }

// Validate accepts every document.
func (PermissivePolicy) Validate(*document.Document) error { return nil }
