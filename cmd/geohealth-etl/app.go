package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/EmpoweredVote/geohealth-etl/internal/archive"
	"github.com/EmpoweredVote/geohealth-etl/internal/config"
	"github.com/EmpoweredVote/geohealth-etl/internal/db"
	"github.com/EmpoweredVote/geohealth-etl/internal/etlog"
	"github.com/EmpoweredVote/geohealth-etl/internal/fetch"
	"github.com/EmpoweredVote/geohealth-etl/internal/metrics"
	"github.com/EmpoweredVote/geohealth-etl/internal/pipeline"
	"github.com/EmpoweredVote/geohealth-etl/internal/sdoh"
	"github.com/EmpoweredVote/geohealth-etl/internal/sources/acs"
	"github.com/EmpoweredVote/geohealth-etl/internal/sources/ejscreen"
	"github.com/EmpoweredVote/geohealth-etl/internal/sources/places"
	"github.com/EmpoweredVote/geohealth-etl/internal/sources/socrata"
	"github.com/EmpoweredVote/geohealth-etl/internal/sources/svi"
	"github.com/EmpoweredVote/geohealth-etl/internal/sources/tiger"
	"github.com/EmpoweredVote/geohealth-etl/internal/sources/trends"
	"github.com/EmpoweredVote/geohealth-etl/internal/status"
	"github.com/EmpoweredVote/geohealth-etl/internal/tracts"
	"github.com/EmpoweredVote/geohealth-etl/internal/webhooks"
)

const runLockKey = "geohealth-etl"

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	db      *gorm.DB
	store   *tracts.Store
	archive archive.Archive
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	tracker *pipeline.Tracker
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := etlog.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	d, err := db.Open(cfg.DatabaseURL, log, cfg.Logging.SQLLevel)
	if err != nil {
		log.Sync()
		return nil, err
	}

	var arc archive.Archive = archive.Nop{}
	if cfg.Archive.Bucket != "" {
		s3Arc, err := archive.NewS3(ctx, archive.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			Prefix:          cfg.Archive.Prefix,
			PathStyle:       cfg.Archive.PathStyle,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		arc = s3Arc
		log.Info("archiving raw downloads", zap.String("bucket", cfg.Archive.Bucket))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &app{
		cfg:     cfg,
		log:     log,
		db:      d,
		store:   tracts.NewStore(d, log),
		archive: arc,
		reg:     reg,
		metrics: metrics.New(reg),
		tracker: pipeline.NewTracker(),
	}, nil
}

func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
	a.log.Sync()
}

// serveStatus starts the status server when an address is configured. It
// stops with ctx.
func (a *app) serveStatus(ctx context.Context) {
	if a.cfg.Status.Addr == "" {
		return
	}
	ping := func(ctx context.Context) error {
		sqlDB, err := a.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
	h := status.NewRouter(a.tracker, a.reg, ping)
	go func() {
		if err := status.Serve(ctx, a.cfg.Status.Addr, h, a.log); err != nil {
			a.log.Error("status server", zap.Error(err))
		}
	}()
}

// fetcher builds the shared GET helper for one source.
func (a *app) fetcher(source, apiKey string, header http.Header) *fetch.Fetcher {
	return fetch.New(fetch.Options{
		Source:            source,
		Timeout:           a.cfg.HTTP.Timeout,
		APIKey:            apiKey,
		Header:            header,
		MaxAttempts:       a.cfg.HTTP.MaxAttempts,
		BaseBackoff:       a.cfg.HTTP.BaseBackoff,
		RequestsPerSecond: a.cfg.HTTP.RequestsPerSecond,
		Logger:            a.log,
		OnRetry:           a.metrics.FetchRetried,
	})
}

func (a *app) socrataPager(source string) *socrata.Pager {
	var header http.Header
	if a.cfg.SocrataAppToken != "" {
		header = http.Header{"X-App-Token": []string{a.cfg.SocrataAppToken}}
	}
	return socrata.NewPager(a.fetcher(source, "", header), source, socrata.DefaultPageSize, a.log)
}

func (a *app) censusClient() *acs.Client {
	return acs.NewClient(a.fetcher(acs.Source, a.cfg.CensusAPIKey, nil), a.cfg.Sources.ACSBaseURL, a.log)
}

func (a *app) geometryLoader() *tiger.Loader {
	return tiger.NewLoader(a.fetcher(tiger.Source, "", nil), a.cfg.Sources.TigerURL, a.archive, a.store, a.log)
}

func (a *app) demographicsLoader() *acs.Loader {
	return acs.NewLoader(a.censusClient(), a.store, a.log)
}

func (a *app) vulnerabilityDownloader() *svi.Downloader {
	return svi.NewDownloader(a.fetcher(svi.Source, "", nil), a.cfg.Sources.SVIURL, a.archive, a.log)
}

func (a *app) healthLoader() *places.Loader {
	return places.NewLoader(a.socrataPager(places.Source), a.cfg.Sources.PlacesURLFor, a.store, a.log)
}

func (a *app) environmentLoader() *ejscreen.Loader {
	return ejscreen.NewLoader(a.socrataPager(ejscreen.Source), a.cfg.Sources.EJScreenURL, a.store, a.store, a.log)
}

func (a *app) trendsLoader(mode trends.Mode) *trends.Loader {
	return trends.NewLoader(a.censusClient(), a.store, mode, a.log)
}

func (a *app) indexCalculator() *sdoh.Calculator {
	return sdoh.NewCalculator(a.store, a.log)
}

func (a *app) pipeline() *pipeline.Pipeline {
	c := pipeline.Config{
		Steps: pipeline.Steps{
			Geometry:            a.geometryLoader(),
			Demographics:        a.demographicsLoader(),
			VulnerabilitySource: a.vulnerabilityDownloader(),
			Vulnerability:       svi.NewLoader(a.store, a.log),
			Health:              a.healthLoader(),
			Index:               a.indexCalculator(),
		},
		Store:         a.store,
		Notifier:      webhooks.NewDispatcher(webhooks.Options{Timeout: a.cfg.Webhooks.Timeout, MaxRetries: a.cfg.Webhooks.MaxRetries, Logger: a.log, OnDelivery: a.metrics.WebhookDelivered}),
		Subscriptions: webhooks.NewStore(a.db, a.log),
		Metrics:       a.metrics,
		Tracker:       a.tracker,
		Logger:        a.log,
	}
	if a.cfg.Pipeline.Lock {
		c.Locker = db.Locker{DB: a.db, Key: runLockKey}
	}
	return pipeline.New(c)
}

// eachArea runs one step over areas sequentially. A failed area is logged
// and counted; the remaining areas still run.
func (a *app) eachArea(ctx context.Context, step string, areas []string, fn func(ctx context.Context, area string) (int64, error)) error {
	start := time.Now()
	var failed []string
	for _, area := range areas {
		if err := ctx.Err(); err != nil {
			return err
		}
		areaStart := time.Now()
		n, err := fn(ctx, area)
		took := time.Since(areaStart)
		a.metrics.ObserveStep(step, took, n, err)
		if err != nil {
			a.log.Error("area failed", zap.String("step", step), zap.String("area", area),
				zap.Duration("elapsed", took), zap.Error(err))
			failed = append(failed, area)
			continue
		}
		a.log.Info("area completed", zap.String("step", step), zap.String("area", area),
			zap.Int64("rows", n), zap.Duration("elapsed", took))
	}

	a.log.Info("step finished",
		zap.String("step", step),
		zap.Int("succeeded", len(areas)-len(failed)),
		zap.Int("failed", len(failed)),
		zap.Duration("elapsed", time.Since(start)),
	)
	if len(failed) > 0 {
		return fmt.Errorf("%s: %d of %d areas failed: %v", step, len(failed), len(areas), failed)
	}
	return nil
}
