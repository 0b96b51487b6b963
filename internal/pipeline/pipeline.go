// Package pipeline runs the per-area load sequence: geometry, demographics,
// vulnerability, health outcomes and the composite index, then notifies
// webhook subscribers. Areas run one after another; a failed step aborts
// only the rest of its own area.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/EmpoweredVote/geohealth-etl/internal/metrics"
	"github.com/EmpoweredVote/geohealth-etl/internal/sources/svi"
	"github.com/EmpoweredVote/geohealth-etl/internal/webhooks"
)

var (
	// ErrSetup wraps failures that stop a run before any area is processed.
	ErrSetup = errors.New("pipeline setup failed")
	// ErrRunInProgress is returned when another run holds the run lock.
	ErrRunInProgress = errors.New("another pipeline run is in progress")
)

// EventDataUpdated is sent once per successfully loaded area.
const EventDataUpdated = "data.updated"

const (
	StepGeometry      = "geometry"
	StepDemographics  = "demographics"
	StepVulnerability = "vulnerability"
	StepHealth        = "health"
	StepComposite     = "composite"
	StepEnvironment   = "environment"
	StepTrends        = "trends"
)

type GeometryLoader interface {
	LoadArea(ctx context.Context, year int, area string) (int, error)
}

type DemographicsLoader interface {
	LoadArea(ctx context.Context, year int, area string) (int64, error)
}

// VulnerabilitySource downloads the national dataset once per run.
type VulnerabilitySource interface {
	Download(ctx context.Context, year int) (*svi.Dataset, error)
}

type VulnerabilityLoader interface {
	LoadArea(ctx context.Context, ds *svi.Dataset, area string) (int64, error)
}

type HealthLoader interface {
	LoadArea(ctx context.Context, year int, area string) (int64, error)
}

type IndexCalculator interface {
	ComputeArea(ctx context.Context, area string) (int64, error)
}

// Store is the schema and resume state of the tract table.
type Store interface {
	EnsureSchema(ctx context.Context) error
	LoadedAreas(ctx context.Context, areas []string) (map[string]bool, error)
}

// Locker guards against two runs sharing a database.
type Locker interface {
	TryLock(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}

type Notifier interface {
	DispatchEvent(ctx context.Context, event string, data map[string]any, subs []webhooks.Subscription) webhooks.Result
}

type SubscriptionSource interface {
	ActiveSubscriptions(ctx context.Context) ([]webhooks.Subscription, error)
}

// Steps are the loaders run for every area.
type Steps struct {
	Geometry            GeometryLoader
	Demographics        DemographicsLoader
	VulnerabilitySource VulnerabilitySource
	Vulnerability       VulnerabilityLoader
	Health              HealthLoader
	Index               IndexCalculator
}

// Config wires a Pipeline. Locker, Notifier, Subscriptions, Metrics and
// Tracker are optional.
type Config struct {
	Steps         Steps
	Store         Store
	Locker        Locker
	Notifier      Notifier
	Subscriptions SubscriptionSource
	Metrics       *metrics.Metrics
	Tracker       *Tracker
	Logger        *zap.Logger
}

type Pipeline struct {
	steps    Steps
	store    Store
	locker   Locker
	notifier Notifier
	subs     SubscriptionSource
	metrics  *metrics.Metrics
	tracker  *Tracker
	tracer   trace.Tracer
	log      *zap.Logger
}

func New(c Config) *Pipeline {
	tracker := c.Tracker
	if tracker == nil {
		tracker = NewTracker()
	}
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		steps:    c.Steps,
		store:    c.Store,
		locker:   c.Locker,
		notifier: c.Notifier,
		subs:     c.Subscriptions,
		metrics:  c.Metrics,
		tracker:  tracker,
		tracer:   otel.Tracer("github.com/EmpoweredVote/geohealth-etl/internal/pipeline"),
		log:      log,
	}
}

// Tracker exposes run progress.
func (p *Pipeline) Tracker() *Tracker { return p.tracker }

// Options selects what a run loads.
type Options struct {
	Areas []string
	// Year is the TIGER, ACS and SVI vintage.
	Year int
	// HealthYear is the PLACES release.
	HealthYear int
	// Resume skips geometry for areas that already have it.
	Resume bool
}

// Summary is the outcome of a run over all areas.
type Summary struct {
	RunID       string
	Succeeded   int
	Failed      int
	FailedAreas []string
	Elapsed     time.Duration
}

// Run processes every area in opts.Areas. Per-area failures are counted in
// the summary; only setup failures and a held run lock return an error.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Summary, error) {
	sum := Summary{RunID: uuid.NewString()}
	started := time.Now()
	log := p.log.With(zap.String("run_id", sum.RunID))

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run_id", sum.RunID),
		attribute.Int("areas", len(opts.Areas)),
		attribute.Int("year", opts.Year),
	))
	defer span.End()

	if p.locker != nil {
		release, ok, err := p.locker.TryLock(ctx)
		if err != nil {
			return sum, p.fail(span, fmt.Errorf("%w: run lock: %v", ErrSetup, err))
		}
		if !ok {
			return sum, p.fail(span, ErrRunInProgress)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("release run lock", zap.Error(err))
			}
		}()
	}

	if err := p.store.EnsureSchema(ctx); err != nil {
		return sum, p.fail(span, fmt.Errorf("%w: %v", ErrSetup, err))
	}

	loaded := map[string]bool{}
	if opts.Resume {
		var err error
		if loaded, err = p.store.LoadedAreas(ctx, opts.Areas); err != nil {
			return sum, p.fail(span, fmt.Errorf("%w: %v", ErrSetup, err))
		}
		if len(loaded) > 0 {
			log.Info("resume mode: skipping geometry for loaded areas", zap.Int("loaded", len(loaded)))
		}
	}

	p.tracker.start(sum.RunID, len(opts.Areas))

	var dataset *svi.Dataset
	if p.steps.VulnerabilitySource != nil {
		ds, err := p.steps.VulnerabilitySource.Download(ctx, opts.Year)
		if err != nil {
			log.Warn("vulnerability download failed; step skipped for every area", zap.Error(err))
		} else {
			dataset = ds
		}
	}

	log.Info("run started", zap.Int("areas", len(opts.Areas)), zap.Int("year", opts.Year),
		zap.Int("health_year", opts.HealthYear), zap.Bool("resume", opts.Resume))

	for i, area := range opts.Areas {
		if err := ctx.Err(); err != nil {
			log.Warn("run cancelled", zap.Int("remaining", len(opts.Areas)-i), zap.Error(err))
			break
		}

		areaStart := time.Now()
		log.Info("area started", zap.String("area", area), zap.Int("index", i+1), zap.Int("total", len(opts.Areas)))

		err := p.runArea(ctx, log, area, opts, loaded[area], dataset)
		elapsed := time.Since(areaStart)
		if err != nil {
			log.Error("area failed", zap.String("area", area), zap.Duration("elapsed", elapsed), zap.Error(err))
			sum.Failed++
			sum.FailedAreas = append(sum.FailedAreas, area)
			p.areaOutcome("failure")
		} else {
			log.Info("area completed", zap.String("area", area), zap.Duration("elapsed", elapsed))
			sum.Succeeded++
			p.areaOutcome("success")
		}
		p.tracker.areaDone(area, err != nil)
	}

	sum.Elapsed = time.Since(started)
	status := "completed"
	switch {
	case ctx.Err() != nil:
		status = "aborted"
	case sum.Failed > 0:
		status = "completed_with_errors"
	}
	p.tracker.finish(status)
	span.SetAttributes(attribute.Int("succeeded", sum.Succeeded), attribute.Int("failed", sum.Failed))

	log.Info("run finished",
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("total", len(opts.Areas)),
		zap.Duration("elapsed", sum.Elapsed),
	)
	return sum, nil
}

func (p *Pipeline) runArea(ctx context.Context, log *zap.Logger, area string, opts Options, hasGeometry bool, ds *svi.Dataset) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.area", trace.WithAttributes(attribute.String("area", area)))
	defer span.End()

	if hasGeometry {
		log.Info("skipping geometry (already loaded)", zap.String("area", area))
	} else if err := p.step(ctx, log, area, StepGeometry, func(ctx context.Context) (int64, error) {
		n, err := p.steps.Geometry.LoadArea(ctx, opts.Year, area)
		return int64(n), err
	}); err != nil {
		return p.fail(span, err)
	}

	if err := p.step(ctx, log, area, StepDemographics, func(ctx context.Context) (int64, error) {
		return p.steps.Demographics.LoadArea(ctx, opts.Year, area)
	}); err != nil {
		return p.fail(span, err)
	}

	if ds == nil {
		log.Info("skipping vulnerability (no dataset)", zap.String("area", area))
	} else if err := p.step(ctx, log, area, StepVulnerability, func(ctx context.Context) (int64, error) {
		return p.steps.Vulnerability.LoadArea(ctx, ds, area)
	}); err != nil {
		return p.fail(span, err)
	}

	if err := p.step(ctx, log, area, StepHealth, func(ctx context.Context) (int64, error) {
		return p.steps.Health.LoadArea(ctx, opts.HealthYear, area)
	}); err != nil {
		return p.fail(span, err)
	}

	if err := p.step(ctx, log, area, StepComposite, func(ctx context.Context) (int64, error) {
		return p.steps.Index.ComputeArea(ctx, area)
	}); err != nil {
		return p.fail(span, err)
	}

	p.notify(ctx, log, area)
	return nil
}

// step runs fn inside its own span and records its duration and row count.
func (p *Pipeline) step(ctx context.Context, log *zap.Logger, area, name string, fn func(context.Context) (int64, error)) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.step."+name, trace.WithAttributes(
		attribute.String("area", area),
		attribute.String("step", name),
	))
	defer span.End()
	p.tracker.step(area, name)

	start := time.Now()
	rows, err := fn(ctx)
	took := time.Since(start)
	if p.metrics != nil {
		p.metrics.ObserveStep(name, took, rows, err)
	}
	if err != nil {
		log.Error("step failed",
			zap.String("area", area),
			zap.String("step", name),
			zap.Duration("elapsed", took),
			zap.Error(err),
		)
		return p.fail(span, fmt.Errorf("%s: %w", name, err))
	}
	span.SetAttributes(attribute.Int64("rows", rows))
	log.Info("step completed",
		zap.String("area", area),
		zap.String("step", name),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", took),
	)
	return nil
}

// notify sends data.updated for area. It never fails the area.
func (p *Pipeline) notify(ctx context.Context, log *zap.Logger, area string) {
	if p.notifier == nil || p.subs == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("webhook dispatch panicked", zap.String("area", area), zap.Any("panic", r))
		}
	}()

	subs, err := p.subs.ActiveSubscriptions(ctx)
	if err != nil {
		log.Warn("webhook dispatch skipped", zap.String("area", area), zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	res := p.notifier.DispatchEvent(ctx, EventDataUpdated, map[string]any{
		"state_fips": area,
		"etl_step":   "complete",
	}, subs)
	if res.Delivered > 0 || res.Failed > 0 {
		log.Info("webhooks dispatched",
			zap.String("area", area),
			zap.Int("delivered", res.Delivered),
			zap.Int("failed", res.Failed),
		)
	}
}

func (p *Pipeline) areaOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.Areas.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
