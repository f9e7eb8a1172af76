// Package calib schedules master calibration builds: it finds the calib
// targets implied by raw exposures, decides which are stale, builds them in
// a disposable workspace and archives the products.
package calib

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/domain"
	domcalib "github.com/huntsman-telescope/drp/internal/domain/calib"
	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/metrics"
	"github.com/huntsman-telescope/drp/internal/pipeline"
	"github.com/huntsman-telescope/drp/internal/queue"
)

// Options tunes the scheduler.
type Options struct {
	// SleepInterval is the idle time between passes. Default: 5m.
	SleepInterval time.Duration
	// Validity is recorded on archived calibs. Default: 24h.
	Validity time.Duration
	// Types lists the dataset types to build, in build order.
	Types []string
}

func (o *Options) defaults() {
	if o.SleepInterval <= 0 {
		o.SleepInterval = 5 * time.Minute
	}
	if o.Validity <= 0 {
		o.Validity = 24 * time.Hour
	}
	if len(o.Types) == 0 {
		o.Types = append([]string(nil), domcalib.Order...)
	}
	sort.SliceStable(o.Types, func(i, j int) bool {
		return domcalib.Rank(o.Types[i]) < domcalib.Rank(o.Types[j])
	})
}

// Result summarises one calib date.
type Result struct {
	Date          string
	IDs           []domcalib.ID
	ToProcess     []domcalib.ID
	Built         []domcalib.ID
	Failed        []domcalib.ID
	Archived      []domcalib.ID
	ArchiveFailed []domcalib.ID
	Skipped       bool
	Abandoned     bool
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	Running   bool      `json:"running"`
	LoopAlive bool      `json:"loop_alive"`
	Passes    int64     `json:"passes"`
	LastPass  time.Time `json:"last_pass,omitzero"`
	LastDate  string    `json:"last_date,omitempty"`
	Built     int64     `json:"built"`
	Failed    int64     `json:"failed"`
}

// Service is the master calib scheduler.
type Service struct {
	raws       RawCalibs
	calibs     Calibs
	builder    pipeline.CalibBuilder
	workspaces pipeline.WorkspaceFactory
	opts       Options
	logger     *zap.Logger

	lifecycle sync.Mutex
	stop      chan struct{}
	done      chan struct{}
	running   atomic.Bool
	loopAlive atomic.Bool

	passes   atomic.Int64
	lastPass atomic.Int64
	built    atomic.Int64
	failed   atomic.Int64
	lastDate atomic.Value // string
}

// New creates a stopped scheduler.
func New(raws RawCalibs, calibs Calibs, builder pipeline.CalibBuilder, workspaces pipeline.WorkspaceFactory, opts Options, logger *zap.Logger) *Service {
	opts.defaults()
	return &Service{
		raws:       raws,
		calibs:     calibs,
		builder:    builder,
		workspaces: workspaces,
		opts:       opts,
		logger:     logger.With(zap.String("component", "calib_maker")),
	}
}

// Start runs passes over every calib date until Stop is called or ctx ends.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.running.Load() {
		return fmt.Errorf("start calib maker: %w", queue.ErrRunning)
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running.Store(true)
	s.loopAlive.Store(true)

	s.logger.Info("Starting master calib maker", zap.Duration("sleep_interval", s.opts.SleepInterval))
	go s.run(ctx, s.stop, s.done)
	return nil
}

// Stop signals the loop and waits for the current date to finish.
func (s *Service) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.running.Load() {
		return
	}
	s.logger.Info("Stopping master calib maker")
	close(s.stop)
	<-s.done
	s.running.Store(false)
	s.logger.Info("Master calib maker stopped")
}

// IsRunning reports whether the loop is alive.
func (s *Service) IsRunning() bool { return s.running.Load() && s.loopAlive.Load() }

// Status returns the scheduler counters.
func (s *Service) Status() Status {
	st := Status{
		Running:   s.running.Load(),
		LoopAlive: s.loopAlive.Load(),
		Passes:    s.passes.Load(),
		Built:     s.built.Load(),
		Failed:    s.failed.Load(),
	}
	if ns := s.lastPass.Load(); ns > 0 {
		st.LastPass = time.Unix(0, ns).UTC()
	}
	if d, ok := s.lastDate.Load().(string); ok {
		st.LastDate = d
	}
	return st
}

func (s *Service) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer s.loopAlive.Store(false)

	for {
		s.pass(ctx, stop)

		s.logger.Info("Finished processing calib dates", zap.Duration("sleep", s.opts.SleepInterval))
		timer := time.NewTimer(s.opts.SleepInterval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pass runs RunOnce, logging errors and panics instead of ending the loop.
func (s *Service) pass(ctx context.Context, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Calib pass panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	if err := s.runOnce(ctx, stop); err != nil {
		s.logger.Error("Calib pass failed", zap.Error(err))
	}
}

// RunOnce processes every known calib date once. Per-date failures are
// logged and do not stop the pass.
func (s *Service) RunOnce(ctx context.Context) error {
	return s.runOnce(ctx, nil)
}

func (s *Service) runOnce(ctx context.Context, stop <-chan struct{}) error {
	defer func() {
		s.passes.Add(1)
		s.lastPass.Store(time.Now().UnixNano())
	}()

	dates, err := s.raws.CalibDates(ctx)
	if err != nil {
		return fmt.Errorf("list calib dates: %w", err)
	}
	s.logger.Info("Found calib dates", zap.Int("count", len(dates)))

	for _, date := range dates {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := s.ProcessDate(ctx, date)
		if err != nil {
			metrics.CalibDatesTotal.WithLabelValues("failed").Inc()
			s.logger.Error("Calib date failed", zap.String("calib_date", res.Date), zap.Error(err))
		}
	}
	return nil
}

// plan is the work for one calib date.
type plan struct {
	process  map[string]domcalib.ID
	todo     []domcalib.ID
	raws     map[string][]string
	archived map[string]*document.Document
}

func (p plan) has(id domcalib.ID) bool {
	_, ok := p.process[id.Key()]
	return ok
}

// ProcessDate builds and archives every stale calib of date. Only planning,
// workspace and ingest failures are returned; per-calib build and archive
// failures are recorded in the result.
func (s *Service) ProcessDate(ctx context.Context, date time.Time) (Result, error) {
	res := Result{Date: domcalib.FormatDate(date)}
	s.lastDate.Store(res.Date)
	logger := s.logger.With(zap.String("calib_date", res.Date))
	logger.Info("Processing calibs")

	rawDocs, err := s.raws.FindRawCalibs(ctx, date)
	if err != nil {
		return res, err
	}
	ids := s.filterTypes(s.raws.CalibIDs(rawDocs, date))
	res.IDs = ids

	p, err := s.plan(ctx, ids)
	if err != nil {
		return res, err
	}
	p.todo = ordered(ids, p)
	res.ToProcess = p.todo
	logger.Info("Planned calibs",
		zap.Int("calib_ids", len(ids)),
		zap.Int("to_process", len(res.ToProcess)),
	)
	if len(res.ToProcess) == 0 {
		res.Skipped = true
		metrics.CalibDatesTotal.WithLabelValues("skipped").Inc()
		logger.Info("No calibs require processing")
		return res, nil
	}

	inputs, missing, err := s.prerequisites(ctx, ids, p)
	if err != nil {
		return res, err
	}
	if len(missing) == len(res.ToProcess) {
		res.Abandoned = true
		metrics.CalibDatesTotal.WithLabelValues("abandoned").Inc()
		logger.Warn("Abandoning calib date: no calib has its prerequisites",
			zap.Error(missing[res.ToProcess[0].Key()]),
		)
		return res, nil
	}

	ws, err := s.workspaces.NewWorkspace(ctx)
	if err != nil {
		return res, fmt.Errorf("calib date %s: %w", res.Date, err)
	}
	defer func() {
		if err := ws.Close(); err != nil {
			logger.Warn("Failed to remove workspace", zap.String("dir", ws.Dir()), zap.Error(err))
		}
	}()

	if err := ws.IngestRaw(ctx, rawUnion(res.ToProcess, p, missing)); err != nil {
		return res, fmt.Errorf("ingest raw files: %w", err)
	}
	for _, t := range s.opts.Types {
		if files := inputs[t]; len(files) > 0 {
			if err := ws.IngestCalibs(ctx, t, files); err != nil {
				return res, fmt.Errorf("ingest %s calibs: %w", t, err)
			}
		}
	}

	built := make(map[string]string, len(res.ToProcess))
	for _, id := range res.ToProcess {
		if err, ok := missing[id.Key()]; ok {
			res.Failed = append(res.Failed, id)
			s.failed.Add(1)
			metrics.CalibBuildsTotal.WithLabelValues(id.DatasetType, "missing_prerequisite").Inc()
			logger.Warn("Skipping master calib", zap.Stringer("calib_id", id), zap.Error(err))
			continue
		}
		path, err := s.build(ctx, ws, id, p, built)
		if err != nil {
			res.Failed = append(res.Failed, id)
			s.failed.Add(1)
			metrics.CalibBuildsTotal.WithLabelValues(id.DatasetType, "failed").Inc()
			logger.Error("Failed to build master calib", zap.Stringer("calib_id", id), zap.Error(err))
			continue
		}
		built[id.Key()] = path
		res.Built = append(res.Built, id)
		s.built.Add(1)
		metrics.CalibBuildsTotal.WithLabelValues(id.DatasetType, "success").Inc()
	}

	logger.Info("Archiving master calibs", zap.Int("count", len(res.Built)))
	for _, id := range res.Built {
		meta := id.Fields()
		meta[domcalib.FieldValidity] = s.opts.Validity.Hours() / 24
		if _, err := s.calibs.ArchiveMasterCalib(ctx, built[id.Key()], meta); err != nil {
			res.ArchiveFailed = append(res.ArchiveFailed, id)
			metrics.CalibBuildsTotal.WithLabelValues(id.DatasetType, "archive_failed").Inc()
			logger.Warn("Unable to archive master calib", zap.Stringer("calib_id", id), zap.Error(err))
			continue
		}
		res.Archived = append(res.Archived, id)
	}
	metrics.CalibDatesTotal.WithLabelValues("built").Inc()
	return res, nil
}

// ShouldProcess reports whether id needs a build: it has no archived calib,
// the archived file is gone, or a contributing raw exposure was modified at
// or after the archived calib. Several archived calibs for id is an error.
func (s *Service) ShouldProcess(ctx context.Context, id domcalib.ID) (bool, error) {
	archived, err := s.calibs.FindArchived(ctx, id)
	if err != nil {
		return false, fmt.Errorf("find archived %s: %w", id, err)
	}
	raws, err := s.raws.GetMatchingRawCalibs(ctx, id, nil)
	if err != nil {
		return false, err
	}
	return stale(archived, raws), nil
}

func (s *Service) plan(ctx context.Context, ids []domcalib.ID) (plan, error) {
	p := plan{
		process:  make(map[string]domcalib.ID),
		raws:     make(map[string][]string, len(ids)),
		archived: make(map[string]*document.Document),
	}
	for _, id := range ids {
		archived, err := s.calibs.FindArchived(ctx, id)
		if err != nil {
			return p, fmt.Errorf("find archived %s: %w", id, err)
		}
		date := id.Date()
		raws, err := s.raws.GetMatchingRawCalibs(ctx, id, &date)
		if err != nil {
			return p, err
		}
		files := make([]string, len(raws))
		for i, r := range raws {
			files[i] = r.String(domcalib.FieldFilename)
		}
		p.raws[id.Key()] = files
		if archived != nil {
			p.archived[id.Key()] = archived
		}
		if stale(archived, raws) {
			p.process[id.Key()] = id
		}
	}

	// Rebuilding a calib invalidates the calibs built from it. ids is in
	// build order, so one pass reaches transitive dependents.
	for _, id := range ids {
		if !p.has(id) {
			continue
		}
		for _, dep := range ids {
			if !p.has(dep) && consumes(dep, id) {
				s.logger.Debug("Rebuilding dependent calib",
					zap.Stringer("calib_id", dep),
					zap.Stringer("input", id),
				)
				p.process[dep.Key()] = dep
			}
		}
	}
	return p, nil
}

// prerequisites resolves the input calibs of the planned builds and returns
// the archived files to ingest, by dataset type. Builds with no input calib
// at all are returned in missing, keyed by ID, with an error wrapping
// domain.ErrMissingPrerequisite. A build whose planned inputs are all
// missing falls back to an archived input like any other.
func (s *Service) prerequisites(ctx context.Context, ids []domcalib.ID, p plan) (map[string][]string, map[string]error, error) {
	inputs := make(map[string][]string)
	missing := make(map[string]error)
	seen := make(map[string]bool)
	add := func(datasetType, filename string) {
		if filename != "" && !seen[filename] {
			seen[filename] = true
			inputs[datasetType] = append(inputs[datasetType], filename)
		}
	}

	// Calibs of this date that are not being rebuilt.
	for _, id := range ids {
		if doc, ok := p.archived[id.Key()]; ok && !p.has(id) {
			add(id.DatasetType, doc.String(domcalib.FieldFilename))
		}
	}

	for _, id := range p.todo {
		pre := domcalib.Prerequisite(id.DatasetType)
		if pre == "" || !s.builds(pre) {
			continue
		}
		if plannedInput(p.todo, id, pre) && !inputsMissing(p.todo, missing, id, pre) {
			continue
		}
		doc, err := s.calibs.GetMatchingCalib(ctx, pre, document.New(id.Fields()))
		if errors.Is(err, domain.ErrMissingCalib) {
			missing[id.Key()] = fmt.Errorf("%s needs a %s calib: %w", id, pre, domain.ErrMissingPrerequisite)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		add(pre, doc.String(domcalib.FieldFilename))
	}
	return inputs, missing, nil
}

// build runs the pipeline for id. A prerequisite planned for this pass must
// have been built; if its build failed, an archived calib is used instead.
func (s *Service) build(ctx context.Context, ws pipeline.Workspace, id domcalib.ID, p plan, built map[string]string) (string, error) {
	if pre := domcalib.Prerequisite(id.DatasetType); pre != "" && s.builds(pre) && plannedInput(p.todo, id, pre) {
		if !builtInput(built, p, id, pre) {
			doc, err := s.calibs.GetMatchingCalib(ctx, pre, document.New(id.Fields()))
			if err != nil {
				return "", fmt.Errorf("%s build failed and no archived %s: %w", pre, pre, domain.ErrMissingPrerequisite)
			}
			if err := ws.IngestCalibs(ctx, pre, []string{doc.String(domcalib.FieldFilename)}); err != nil {
				return "", err
			}
		}
	}

	start := time.Now()
	path, err := s.builder.BuildCalib(ctx, ws, pipeline.CalibRequest{
		DatasetType: id.DatasetType,
		ID:          id,
		RawFiles:    p.raws[id.Key()],
		Validity:    s.opts.Validity,
	})
	metrics.CalibBuildDuration.WithLabelValues(id.DatasetType).Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	s.logger.Info("Built master calib", zap.Stringer("calib_id", id), zap.String("filename", path))

	if err := ws.IngestCalibs(ctx, id.DatasetType, []string{path}); err != nil {
		return "", fmt.Errorf("ingest built %s: %w", id, err)
	}
	return path, nil
}

func (s *Service) builds(datasetType string) bool {
	for _, t := range s.opts.Types {
		if t == datasetType {
			return true
		}
	}
	return false
}

func (s *Service) filterTypes(set *domcalib.IDSet) []domcalib.ID {
	var out []domcalib.ID
	for _, id := range set.IDs() {
		if s.builds(id.DatasetType) {
			out = append(out, id)
		}
	}
	return out
}

// stale reports whether an archived calib must be rebuilt given its raws.
func stale(archived *document.Document, raws []*document.Document) bool {
	if archived == nil {
		return true
	}
	if _, err := os.Stat(archived.String(domcalib.FieldFilename)); err != nil {
		return true
	}
	modified, ok := archived.Time(document.FieldDateModified)
	if !ok {
		return true
	}
	for _, r := range raws {
		if t, ok := r.Time(document.FieldDateModified); ok && !t.Before(modified) {
			return true
		}
	}
	return false
}

// consumes reports whether dep is built from input.
func consumes(dep, input domcalib.ID) bool {
	for _, t := range domcalib.Dependents(input.DatasetType) {
		if t == dep.DatasetType {
			return subset(input.Keys, dep.Keys)
		}
	}
	return false
}

func subset(a, b map[string]string) bool {
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// plannedInput reports whether todo holds a calib of type pre that id consumes.
func plannedInput(todo []domcalib.ID, id domcalib.ID, pre string) bool {
	for _, in := range todo {
		if in.DatasetType == pre && subset(in.Keys, id.Keys) {
			return true
		}
	}
	return false
}

// inputsMissing reports whether every planned calib of type pre that id
// consumes is in missing.
func inputsMissing(todo []domcalib.ID, missing map[string]error, id domcalib.ID, pre string) bool {
	for _, in := range todo {
		if in.DatasetType != pre || !subset(in.Keys, id.Keys) {
			continue
		}
		if _, ok := missing[in.Key()]; !ok {
			return false
		}
	}
	return true
}

func builtInput(built map[string]string, p plan, id domcalib.ID, pre string) bool {
	for k := range built {
		in := p.process[k]
		if in.DatasetType == pre && subset(in.Keys, id.Keys) {
			return true
		}
	}
	return false
}

// ordered returns the planned IDs in the order of ids.
func ordered(ids []domcalib.ID, p plan) []domcalib.ID {
	out := make([]domcalib.ID, 0, len(p.process))
	for _, id := range ids {
		if p.has(id) {
			out = append(out, id)
		}
	}
	return out
}

func rawUnion(ids []domcalib.ID, p plan, missing map[string]error) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range ids {
		if _, ok := missing[id.Key()]; ok {
			continue
		}
		for _, f := range p.raws[id.Key()] {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out
}
