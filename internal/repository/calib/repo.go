// Package calib stores archived master calibrations and matches them to exposures.
package calib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/domain"
	domcalib "github.com/huntsman-telescope/drp/internal/domain/calib"
	domcol "github.com/huntsman-telescope/drp/internal/domain/collection"
	"github.com/huntsman-telescope/drp/internal/domain/collection/field"
	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/domain/filter"
	"github.com/huntsman-telescope/drp/internal/repository/collection"
)

// Config controls calib matching and archival.
type Config struct {
	// Types lists the dataset types matched for an exposure.
	Types []string
	// MatchingColumns lists, per dataset type, the fields shared by a calib
	// and the exposures it applies to.
	MatchingColumns map[string][]string
	// Validity is the half-width of the preferred search window.
	Validity time.Duration
	// ArchiveDir is the root of the archived calib tree.
	ArchiveDir string
}

// Matching returns the matching columns of datasetType.
func (c Config) Matching(datasetType string) []string {
	return append([]string(nil), c.MatchingColumns[datasetType]...)
}

func (c Config) validityDays() float64 {
	return c.Validity.Hours() / 24
}

// Schema returns the calib schema. Documents are unique on dataset type,
// calib date and the union of all matching columns.
func Schema(name string, cfg Config) (domcol.Schema, error) {
	seen := map[string]bool{}
	var keys []string
	for _, cols := range cfg.MatchingColumns {
		for _, c := range cols {
			if !seen[c] {
				seen[c] = true
				keys = append(keys, c)
			}
		}
	}
	sort.Strings(keys)

	unique := append([]string{domcalib.FieldDatasetType, domcalib.FieldCalibDate}, keys...)
	fields := make([]field.Field, 0, len(unique)+1)
	for _, k := range append(unique, domcalib.FieldFilename) {
		f, err := field.New(k, field.Tag)
		if err != nil {
			return domcol.Schema{}, err
		}
		fields = append(fields, f)
	}
	return domcol.New(name, domcol.DefaultDateKey, unique,
		[]string{domcalib.FieldDatasetType, domcalib.FieldCalibDate, domcalib.FieldFilename, domcalib.FieldDate},
		fields,
	)
}

// Policy validates calib documents. Calibs are not quality filtered.
type Policy struct {
	collection.PermissivePolicy
}

// Validate requires a known dataset type and a well formed calib date.
func (Policy) Validate(doc *document.Document) error {
	t := doc.String(domcalib.FieldDatasetType)
	if domcalib.Rank(t) == len(domcalib.Order) {
		return fmt.Errorf("unknown dataset type %q", t)
	}
	if _, err := domcalib.ParseDate(doc.String(domcalib.FieldCalibDate)); err != nil {
		return err
	}
	return nil
}

// Collection is the archived master calib collection.
type Collection struct {
	*collection.Collection

	cfg    Config
	logger *zap.Logger
}

// New wraps base.
func New(base *collection.Collection, cfg Config, logger *zap.Logger) *Collection {
	return &Collection{
		Collection: base.WithPolicy(Policy{}),
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "calib_collection")),
	}
}

// Config returns the matching configuration.
func (c *Collection) Config() Config { return c.cfg }

// GetMatchingCalibs returns the best calib of every configured type for the
// exposure doc, keyed by dataset type.
func (c *Collection) GetMatchingCalibs(ctx context.Context, doc *document.Document) (map[string]*document.Document, error) {
	out := make(map[string]*document.Document, len(c.cfg.Types))
	for _, t := range c.cfg.Types {
		match, err := c.GetMatchingCalib(ctx, t, doc)
		if err != nil {
			return nil, err
		}
		out[t] = match
	}
	return out, nil
}

// GetMatchingCalib returns the calib of datasetType sharing doc's matching
// values whose date is nearest to doc's. Calibs inside the validity window
// are preferred; failing that every date is searched. Ties go to the
// smallest filename.
func (c *Collection) GetMatchingCalib(ctx context.Context, datasetType string, doc *document.Document) (*document.Document, error) {
	date, ok := doc.Time(domcalib.FieldDate)
	if !ok {
		return nil, fmt.Errorf("match %s calib: %s: %w", datasetType, domcalib.FieldDate, domain.ErrMissingField)
	}
	id, err := domcalib.IDFromDocument(doc, datasetType, date, c.cfg.Matching(datasetType))
	if err != nil {
		return nil, fmt.Errorf("match %s calib: %w: %v", datasetType, domain.ErrMissingField, err)
	}
	f := id.MatchFilter().With(filter.Eq(domcalib.FieldDatasetType, datasetType))

	docs, err := c.Find(ctx, f, collection.WithDateRange(date.Add(-c.cfg.Validity), date.Add(c.cfg.Validity)))
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		c.logger.Warn("No calib inside validity window, searching all dates",
			zap.String("dataset_type", datasetType),
			zap.String("filename", doc.String(domcalib.FieldFilename)),
			zap.Duration("validity", c.cfg.Validity),
		)
		if docs, err = c.Find(ctx, f); err != nil {
			return nil, err
		}
	}
	if len(docs) == 0 {
		return nil, domain.NewMissingCalib(datasetType)
	}
	return nearest(docs, date), nil
}

// FindArchived returns the archived calib of id, nil if there is none and
// domain.ErrAmbiguous if there are several.
func (c *Collection) FindArchived(ctx context.Context, id domcalib.ID) (*document.Document, error) {
	return c.FindOne(ctx, id.Filter())
}

// ArchiveMasterCalib copies the built file into the archive tree and upserts
// its document. metadata must carry the dataset type, calib date and
// matching values. Archiving the same calib twice leaves one document and
// one archived file.
func (c *Collection) ArchiveMasterCalib(ctx context.Context, filename string, metadata map[string]any) (*document.Document, error) {
	meta := document.New(metadata)
	id, err := domcalib.ParseID(meta, c.cfg.Matching(meta.String(domcalib.FieldDatasetType)))
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", filename, err)
	}

	prev, err := c.FindArchived(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", id, err)
	}

	path := domcalib.ArchivePath(c.cfg.ArchiveDir, id, domcalib.Ext(filename))
	if err := copyFile(filename, path); err != nil {
		return nil, fmt.Errorf("archive %s: %w", filename, err)
	}

	fields := meta.Fields()
	for k, v := range id.Fields() {
		fields[k] = v
	}
	fields[domcalib.FieldFilename] = path
	if _, ok := fields[domcalib.FieldValidity]; !ok {
		fields[domcalib.FieldValidity] = c.cfg.validityDays()
	}
	doc := document.New(fields)

	if err := c.ReplaceOne(ctx, id.Filter(), doc, true); err != nil {
		return nil, fmt.Errorf("archive %s: %w", id, err)
	}
	// A rebuild with another extension leaves the old product behind.
	if prev != nil {
		if old := prev.String(domcalib.FieldFilename); old != "" && filepath.Clean(old) != filepath.Clean(path) {
			if err := os.Remove(old); err != nil && !errors.Is(err, os.ErrNotExist) {
				c.logger.Warn("Unable to remove replaced master calib", zap.String("filename", old), zap.Error(err))
			}
		}
	}
	c.logger.Info("Archived master calib", zap.Stringer("calib_id", id), zap.String("filename", path))
	return doc, nil
}

func nearest(docs []*document.Document, date time.Time) *document.Document {
	var best *document.Document
	bestDist := math.Inf(1)
	for _, d := range docs {
		dist := math.Inf(1)
		if t, ok := d.Time(domcalib.FieldDate); ok {
			dist = math.Abs(t.Sub(date).Seconds())
		}
		switch {
		case best == nil, dist < bestDist:
		case dist == bestDist && d.String(domcalib.FieldFilename) < best.String(domcalib.FieldFilename):
		default:
			continue
		}
		best, bestDist = d, dist
	}
	return best
}

// copyFile writes src to dst through a temporary file in dst's directory.
// Copying a file onto itself is a no-op.
func copyFile(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
