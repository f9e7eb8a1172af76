package ingest

import "context"

// Exposures is the raw exposure store fed by the ingestor.
type Exposures interface {
	Filenames(ctx context.Context, screened bool) ([]string, error)
	IngestFile(ctx context.Context, filename string) error
}

// Lister finds exposure files under a directory.
type Lister func(dir string) ([]string, error)
