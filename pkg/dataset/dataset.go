// Package dataset defines the contracts a concrete dataset implements to be
// binarized, and the train/valid split shared by every dataset.
package dataset

import (
	"context"
	"errors"
	"fmt"

	"svs-binarizer/pkg/models"
)

// MetadataLoader enumerates the items of one raw data directory. dsID is the
// position of the directory in the configured raw_data_dir list.
type MetadataLoader interface {
	LoadMetadata(ctx context.Context, rawDataDir string, dsID int) ([]models.Item, error)
}

// ItemProcessor converts one item into a binarized record. A nil record with
// a nil error means the item is skipped; any error aborts the run.
// Implementations must be safe for concurrent use.
type ItemProcessor interface {
	ProcessItem(ctx context.Context, item models.Item) (*models.Record, error)
}

// AugmentationPlanner decides which items receive which augmentation tasks.
type AugmentationPlanner interface {
	ArrangeDataAugmentation(items []models.Item) (map[string][]models.AugmentationTask, error)
}

// CoverageChecker validates the whole item table before processing starts.
type CoverageChecker interface {
	CheckCoverage(items []models.Item) error
}

// Dataset bundles everything the binarizer needs from a concrete dataset.
type Dataset interface {
	MetadataLoader
	ItemProcessor
	AugmentationPlanner
	CoverageChecker
}

// BinarizationError marks systemic data problems found while binarizing,
// such as phonemes missing from the dataset.
type BinarizationError struct {
	Msg string
}

func (e *BinarizationError) Error() string {
	return "binarization error: " + e.Msg
}

func NewBinarizationError(format string, args ...any) error {
	return &BinarizationError{Msg: fmt.Sprintf(format, args...)}
}

func IsBinarizationError(err error) bool {
	var be *BinarizationError
	return errors.As(err, &be)
}
