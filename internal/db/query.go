package db

import "github.com/huntsman-telescope/drp/internal/domain/filter"

// Query selects documents of one collection.
type Query struct {
	Collection string
	Filter     filter.Expression
	Offset     int
	Limit      int // 0 means no limit
}

// Record is a stored document.
type Record struct {
	ID   string
	Data []byte
}
