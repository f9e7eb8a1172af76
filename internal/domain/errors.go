package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals zero matches where exactly one was required.
	ErrNotFound = errors.New("no matching document")
	// ErrAmbiguous signals more than one match for a filter expected to be unique.
	ErrAmbiguous = errors.New("multiple matching documents")
	// ErrDuplicateKey signals a uniqueness violation on insert.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrMissingField signals a document without a required field.
	ErrMissingField = errors.New("missing required field")
	// ErrMissingCalib signals that no calib of a required type could be found.
	ErrMissingCalib = errors.New("missing calibration")
	// ErrMetricEvaluation signals that at least one metric function failed.
	ErrMetricEvaluation = errors.New("metric evaluation unsuccessful")
	// ErrNotConfirmed signals a destructive operation called without confirmation.
	ErrNotConfirmed = errors.New("destructive operation not confirmed")
	// ErrMissingPrerequisite signals a calib build without its input calibs.
	ErrMissingPrerequisite = errors.New("missing prerequisite calibration")
	// ErrRefcatService signals a failed reference catalogue request.
	ErrRefcatService = errors.New("reference catalogue service error")
)

// MissingCalibError names the dataset type that could not be matched.
type MissingCalibError struct {
	DatasetType string
}

func (e *MissingCalibError) Error() string {
	return fmt.Sprintf("%s: no %s calib found", ErrMissingCalib.Error(), e.DatasetType)
}

func (e *MissingCalibError) Unwrap() error { return ErrMissingCalib }

// NewMissingCalib creates a missing calibration error for datasetType.
func NewMissingCalib(datasetType string) error {
	return &MissingCalibError{DatasetType: datasetType}
}
