// Package pipeline defines the contracts of the external image-processing
// pipeline and provides a filesystem workspace and a command-line adapter.
package pipeline

import (
	"context"
	"time"

	"github.com/huntsman-telescope/drp/internal/domain/calib"
)

// Workspace is an exclusive scratch repository for one pipeline run.
type Workspace interface {
	// Dir is the workspace root.
	Dir() string
	// IngestRaw makes raw exposures available to the pipeline.
	IngestRaw(ctx context.Context, files []string) error
	// IngestCalibs makes archived master calibs of datasetType available.
	IngestCalibs(ctx context.Context, datasetType string, files []string) error
	// RawPath is where IngestRaw stages file.
	RawPath(file string) string
	// CalibPath is where IngestCalibs stages file of datasetType.
	CalibPath(datasetType, file string) string
	// Close removes the workspace.
	Close() error
}

// WorkspaceFactory creates workspaces.
type WorkspaceFactory interface {
	NewWorkspace(ctx context.Context) (Workspace, error)
}

// CalibRequest describes one master calib build.
type CalibRequest struct {
	DatasetType string
	ID          calib.ID
	RawFiles    []string
	Validity    time.Duration
}

// CalibBuilder builds master calibs inside a workspace and returns the path
// of the built file.
type CalibBuilder interface {
	BuildCalib(ctx context.Context, ws Workspace, req CalibRequest) (string, error)
}

// ExposureRequest describes the processing of one science exposure.
type ExposureRequest struct {
	Filename string
	// DataID holds the exposure document fields.
	DataID map[string]any
	// Calibs maps dataset type to archived calib filename.
	Calibs map[string]string
	// RefcatPath is the reference catalogue for the exposure's footprint.
	RefcatPath string
}

// ExposureProcessor runs single-exposure processing and returns its metrics.
type ExposureProcessor interface {
	ProcessExposure(ctx context.Context, ws Workspace, req ExposureRequest) (map[string]any, error)
}
