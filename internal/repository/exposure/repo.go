// Package exposure stores raw exposure documents and matches them to calibration targets.
package exposure

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/domain"
	"github.com/huntsman-telescope/drp/internal/domain/calib"
	domcol "github.com/huntsman-telescope/drp/internal/domain/collection"
	"github.com/huntsman-telescope/drp/internal/domain/collection/field"
	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/domain/filter"
	"github.com/huntsman-telescope/drp/internal/fits"
	"github.com/huntsman-telescope/drp/internal/metric"
	"github.com/huntsman-telescope/drp/internal/repository/collection"
)

// Metric document fields.
const (
	FieldMetrics       = "metrics"
	FieldCalexpMetrics = "metrics.calexp"
	screenFlag         = "screen_success"
	calexpProcessedAt  = "processed_at"

	// FieldCalexpProcessedAt is when the calexp metrics were stored.
	FieldCalexpProcessedAt = FieldCalexpMetrics + "." + calexpProcessedAt
)

// Config controls calibration matching.
type Config struct {
	// CalibTypes lists the dataset types to build, in build order.
	CalibTypes []string
	// MatchingColumns lists, per dataset type, the fields a raw exposure
	// shares with its master calibration.
	MatchingColumns map[string][]string
	// Validity is the half-width of the window around a calib date.
	Validity time.Duration
}

// DefaultConfig matches on camera, plus filter for flats, with a one day validity.
func DefaultConfig() Config {
	return Config{
		CalibTypes: append([]string(nil), calib.Order...),
		MatchingColumns: map[string][]string{
			calib.TypeBias:    {calib.FieldCameraName},
			calib.TypeDark:    {calib.FieldCameraName},
			calib.TypeFlat:    {calib.FieldCameraName, calib.FieldFilter},
			calib.TypeDefects: {calib.FieldCameraName},
		},
		Validity: 24 * time.Hour,
	}
}

// Matching returns the matching columns of datasetType.
func (c Config) Matching(datasetType string) []string {
	return append([]string(nil), c.MatchingColumns[datasetType]...)
}

// rawTypes returns the distinct observation types feeding the calib types.
func (c Config) rawTypes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range c.CalibTypes {
		raw := calib.RawType(t)
		if !seen[raw] {
			seen[raw] = true
			out = append(out, raw)
		}
	}
	return out
}

func (c Config) hasType(datasetType string) bool {
	for _, t := range c.CalibTypes {
		if t == datasetType {
			return true
		}
	}
	return false
}

// Schema returns the raw exposure schema: unique filenames, a required date
// and observation type, and tag fields for every matching column.
func Schema(name string, cfg Config, extra ...field.Field) (domcol.Schema, error) {
	tags := []string{calib.FieldFilename, calib.FieldObservationType}
	for _, cols := range cfg.MatchingColumns {
		tags = append(tags, cols...)
	}
	fields := make([]field.Field, 0, len(tags)+len(extra))
	seen := make(map[string]bool)
	for _, f := range extra {
		seen[f.Name()] = true
		fields = append(fields, f)
	}
	sort.Strings(tags)
	for _, t := range tags {
		if seen[t] {
			continue
		}
		seen[t] = true
		f, err := field.New(t, field.Tag)
		if err != nil {
			return domcol.Schema{}, err
		}
		fields = append(fields, f)
	}
	return domcol.New(name, domcol.DefaultDateKey,
		[]string{calib.FieldFilename},
		[]string{calib.FieldFilename, calib.FieldDate, calib.FieldObservationType},
		fields,
	)
}

// FrameReader reads a raw exposure from disk.
type FrameReader func(filename string) (*fits.Frame, error)

// Collection is the raw exposure collection.
type Collection struct {
	*collection.Collection

	cfg       Config
	mapping   fits.Mapping
	evaluator *metric.Evaluator
	read      FrameReader
	logger    *zap.Logger
}

// New wraps base. Inserting an exposure fails when its compressed or
// uncompressed twin is already stored.
func New(base *collection.Collection, cfg Config, logger *zap.Logger) *Collection {
	c := &Collection{
		Collection: base,
		cfg:        cfg,
		mapping:    fits.DefaultMapping(),
		evaluator:  metric.NewEvaluator(logger),
		read:       fits.Read,
		logger:     logger.With(zap.String("component", "exposure_collection")),
	}
	base.WithInsertCheck(c.checkTwin)
	return c
}

// WithIngest configures header mapping and metric evaluation for IngestFile.
func (c *Collection) WithIngest(mapping fits.Mapping, evaluator *metric.Evaluator) *Collection {
	c.mapping = mapping
	if evaluator != nil {
		c.evaluator = evaluator
	}
	return c
}

// WithReader replaces the FITS reader.
func (c *Collection) WithReader(read FrameReader) *Collection {
	if read != nil {
		c.read = read
	}
	return c
}

// Config returns the matching configuration.
func (c *Collection) Config() Config { return c.cfg }

func (c *Collection) checkTwin(ctx context.Context, doc *document.Document) error {
	filename := doc.String(calib.FieldFilename)
	twin, ok := fits.Twin(filename)
	if !ok {
		return nil
	}
	n, err := c.CountDocuments(ctx, ByFilename(twin))
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("insert %s: %s already exists: %w", filename, twin, domain.ErrDuplicateKey)
	}
	return nil
}

// IngestFile reads filename, evaluates the raw metrics and upserts the
// exposure document by filename. When any metric fails the document is still
// written and domain.ErrMetricEvaluation is returned.
func (c *Collection) IngestFile(ctx context.Context, filename string) error {
	c.logger.Debug("Ingesting file", zap.String("filename", filename))

	frame, err := c.read(filename)
	if err != nil {
		return fmt.Errorf("read %s: %w", filename, err)
	}
	fields, err := c.mapping.Map(frame.Header)
	if err != nil {
		return fmt.Errorf("parse header of %s: %w", filename, err)
	}

	res := c.evaluator.Evaluate(ctx, metric.Input{
		Filename: filename,
		Header:   frame.Header,
		Data:     frame.Data,
		Width:    frame.Width,
		Height:   frame.Height,
	})
	metrics := make(map[string]any, len(res.Metrics)+1)
	for k, v := range res.Metrics {
		metrics[k] = v
	}
	metrics[screenFlag] = res.Success

	fields[calib.FieldFilename] = filename
	fields[FieldMetrics] = metrics
	doc := document.New(fields)

	if err := c.ReplaceOne(ctx, ByFilename(filename), doc, true); err != nil {
		return fmt.Errorf("ingest %s: %w", filename, err)
	}
	if !res.Success {
		return fmt.Errorf("%s: %w: %v", filename, domain.ErrMetricEvaluation, res.Failed)
	}
	return nil
}

// FindRawCalibs returns the screened, quality-filtered raw calibration
// exposures within the validity window of date.
func (c *Collection) FindRawCalibs(ctx context.Context, date time.Time) ([]*document.Document, error) {
	f := filter.And(filter.In(calib.FieldObservationType, c.cfg.rawTypes()...))
	docs, err := c.Find(ctx, f, c.window(date), collection.WithScreen(), collection.WithQualityFilter())
	if err != nil {
		return nil, err
	}
	c.logger.Info("Found raw calibs",
		zap.String("calib_date", calib.FormatDate(date)),
		zap.Int("count", len(docs)),
	)
	return docs, nil
}

// GetCalibIDs returns the calibration targets implied by the raw calibs
// valid for date. Every dark target also yields a defects target.
func (c *Collection) GetCalibIDs(ctx context.Context, date time.Time) (*calib.IDSet, error) {
	docs, err := c.FindRawCalibs(ctx, date)
	if err != nil {
		return nil, err
	}
	return c.CalibIDs(docs, date), nil
}

// CalibIDs projects raw calibration documents onto their targets for date.
func (c *Collection) CalibIDs(docs []*document.Document, date time.Time) *calib.IDSet {
	ids := calib.NewIDSet()
	for _, d := range docs {
		datasetType := d.String(calib.FieldObservationType)
		if !c.cfg.hasType(datasetType) {
			continue
		}
		id, err := calib.IDFromDocument(d, datasetType, date, c.cfg.Matching(datasetType))
		if err != nil {
			c.logger.Warn("Skipping raw calib without matching keys", zap.Error(err))
			continue
		}
		ids.Add(id)
	}
	if c.cfg.hasType(calib.TypeDefects) {
		for _, id := range ids.OfType(calib.TypeDark) {
			ids.Add(id.WithType(calib.TypeDefects))
		}
	}
	c.logger.Info("Found calib IDs",
		zap.String("calib_date", calib.FormatDate(date)),
		zap.Int("count", ids.Len()),
	)
	return ids
}

// GetMatchingRawCalibs returns the raw exposures that feed id: same matching
// key values, the raw observation type of id and a date inside the validity
// window. With sortDate, results are ordered by distance from it.
func (c *Collection) GetMatchingRawCalibs(ctx context.Context, id calib.ID, sortDate *time.Time) ([]*document.Document, error) {
	f := id.MatchFilter().With(filter.Eq(calib.FieldObservationType, calib.RawType(id.DatasetType)))
	docs, err := c.Find(ctx, f, c.window(id.Date()), collection.WithScreen(), collection.WithQualityFilter())
	if err != nil {
		return nil, err
	}
	if sortDate != nil {
		SortByDistance(docs, calib.FieldDate, *sortDate)
	}
	c.logger.Debug("Found matching raw calibs", zap.Stringer("calib_id", id), zap.Int("count", len(docs)))
	return docs, nil
}

// CalibDates returns the distinct calendar dates of the screened,
// quality-filtered exposures, in order.
func (c *Collection) CalibDates(ctx context.Context) ([]time.Time, error) {
	values, err := c.FindValues(ctx, filter.All(), calib.FieldDate, collection.WithScreen(), collection.WithQualityFilter())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var dates []time.Time
	for _, v := range values {
		secs, ok := v.(float64)
		if !ok {
			continue
		}
		day := calib.FormatDate(filter.FromUnixSeconds(secs))
		if seen[day] {
			continue
		}
		seen[day] = true
		t, err := calib.ParseDate(day)
		if err != nil {
			return nil, err
		}
		dates = append(dates, t)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

// Filenames returns the stored exposure filenames. With screened, only
// exposures whose raw metrics all succeeded are listed.
func (c *Collection) Filenames(ctx context.Context, screened bool) ([]string, error) {
	var opts []collection.FindOption
	if screened {
		opts = append(opts, collection.WithScreen())
	}
	values, err := c.FindValues(ctx, filter.All(), calib.FieldFilename, opts...)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// FindCalexpTargets returns the screened, quality-filtered science exposures
// that have no calexp metrics yet.
func (c *Collection) FindCalexpTargets(ctx context.Context) ([]*document.Document, error) {
	f := filter.And(filter.Eq(calib.FieldObservationType, calib.TypeScience))
	docs, err := c.Find(ctx, f, collection.WithScreen(), collection.WithQualityFilter())
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if !d.Has(FieldCalexpMetrics) {
			out = append(out, d)
		}
	}
	return out, nil
}

// SetCalexpMetrics replaces the calexp metrics of filename. The stored map
// always carries processed_at, so an exposure without metrics still counts
// as processed.
func (c *Collection) SetCalexpMetrics(ctx context.Context, filename string, metrics map[string]any) error {
	calexp := make(map[string]any, len(metrics)+1)
	for k, v := range metrics {
		calexp[k] = v
	}
	calexp[calexpProcessedAt] = c.Now()

	err := c.ModifyOne(ctx, ByFilename(filename), func(doc *document.Document) error {
		doc.Delete(FieldCalexpMetrics)
		doc.Set(FieldCalexpMetrics, calexp)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set calexp metrics of %s: %w", filename, err)
	}
	return nil
}

// ClearCalexpMetrics removes the calexp metrics from every exposure so the
// quality monitor processes them again.
func (c *Collection) ClearCalexpMetrics(ctx context.Context) (int, error) {
	docs, err := c.Find(ctx, filter.All())
	if err != nil {
		return 0, err
	}
	var n int
	for _, d := range docs {
		if !d.Has(FieldCalexpMetrics) {
			continue
		}
		patch := map[string]any{FieldCalexpMetrics: nil}
		if err := c.UpdateOne(ctx, ByFilename(d.String(calib.FieldFilename)), patch, false); err != nil {
			return n, fmt.Errorf("clear calexp metrics: %w", err)
		}
		n++
	}
	c.logger.Info("Cleared calexp metrics", zap.Int("count", n))
	return n, nil
}

func (c *Collection) window(date time.Time) collection.FindOption {
	return collection.WithDateRange(date.Add(-c.cfg.Validity), date.Add(c.cfg.Validity))
}

// SortByDistance orders docs by the distance of their key time from t, then
// by filename.
func SortByDistance(docs []*document.Document, key string, t time.Time) {
	dist := func(d *document.Document) float64 {
		v, ok := d.Time(key)
		if !ok {
			return math.Inf(1)
		}
		return math.Abs(v.Sub(t).Seconds())
	}
	sort.SliceStable(docs, func(i, j int) bool {
		di, dj := dist(docs[i]), dist(docs[j])
		if di != dj {
			return di < dj
		}
		return docs[i].String(calib.FieldFilename) < docs[j].String(calib.FieldFilename)
	})
}

// ByFilename matches the document of one file.
func ByFilename(name string) filter.Expression {
	return filter.And(filter.Eq(calib.FieldFilename, name))
}
