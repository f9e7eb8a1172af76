package collection

import (
	"time"

	"github.com/huntsman-telescope/drp/internal/domain/filter"
)

// FindOption narrows a query beyond its filter.
type FindOption func(*findOptions)

type findOptions struct {
	dateMin, dateMax time.Time
	quality          bool
	screen           bool
	limit            int
}

// WithDateRange restricts the date key to [min, max]. A zero bound is open.
func WithDateRange(minDate, maxDate time.Time) FindOption {
	return func(o *findOptions) {
		o.dateMin = minDate
		o.dateMax = maxDate
	}
}

// WithQualityFilter applies the policy quality filter.
func WithQualityFilter() FindOption {
	return func(o *findOptions) { o.quality = true }
}

// WithScreen applies the policy screening filter.
func WithScreen() FindOption {
	return func(o *findOptions) { o.screen = true }
}

// WithLimit caps the number of returned documents.
func WithLimit(n int) FindOption {
	return func(o *findOptions) { o.limit = n }
}

func applyFindOptions(opts []FindOption) findOptions {
	var o findOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// dateCondition builds the range condition on key, or false if both bounds are open.
func (o findOptions) dateCondition(key string) (filter.Condition, bool) {
	if o.dateMin.IsZero() && o.dateMax.IsZero() {
		return filter.Condition{}, false
	}
	return filter.Between(key, o.dateMin, o.dateMax), true
}
