package quality

import (
	"context"

	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/transport/refcat"
)

// Exposures lists science exposures awaiting calexp metrics and stores them.
type Exposures interface {
	FindCalexpTargets(ctx context.Context) ([]*document.Document, error)
	SetCalexpMetrics(ctx context.Context, filename string, metrics map[string]any) error
}

// Calibs matches master calibs to an exposure.
type Calibs interface {
	GetMatchingCalibs(ctx context.Context, doc *document.Document) (map[string]*document.Document, error)
}

// Refcats makes reference catalogues.
type Refcats interface {
	MakeReferenceCatalogue(ctx context.Context, coords []refcat.Coordinate, path string) error
}
