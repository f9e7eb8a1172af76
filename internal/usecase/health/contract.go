package health

import (
	"context"

	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/domain/filter"
	"github.com/huntsman-telescope/drp/internal/repository/collection"
)

// DBPinger checks database availability.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// Loop is a background service whose liveness is reported.
type Loop interface {
	IsRunning() bool
}

// Documents is a collection inspected by the cleanup monitor.
type Documents interface {
	Name() string
	Find(ctx context.Context, f filter.Expression, opts ...collection.FindOption) ([]*document.Document, error)
	DeleteOne(ctx context.Context, f filter.Expression, force bool) error
}
