package calib

import (
	"context"
	"time"

	domcalib "github.com/huntsman-telescope/drp/internal/domain/calib"
	"github.com/huntsman-telescope/drp/internal/domain/document"
)

// RawCalibs finds raw calibration exposures.
type RawCalibs interface {
	CalibDates(ctx context.Context) ([]time.Time, error)
	FindRawCalibs(ctx context.Context, date time.Time) ([]*document.Document, error)
	CalibIDs(docs []*document.Document, date time.Time) *domcalib.IDSet
	GetMatchingRawCalibs(ctx context.Context, id domcalib.ID, sortDate *time.Time) ([]*document.Document, error)
}

// Calibs stores archived master calibs.
type Calibs interface {
	FindArchived(ctx context.Context, id domcalib.ID) (*document.Document, error)
	GetMatchingCalib(ctx context.Context, datasetType string, doc *document.Document) (*document.Document, error)
	ArchiveMasterCalib(ctx context.Context, filename string, metadata map[string]any) (*document.Document, error)
}
