package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/EmpoweredVote/geohealth-etl/internal/pipeline"
	"github.com/EmpoweredVote/geohealth-etl/internal/sources/svi"
	"github.com/EmpoweredVote/geohealth-etl/internal/sources/trends"
	"github.com/EmpoweredVote/geohealth-etl/internal/webhooks"
)

// withApp parses the area list, builds the app and the status server, then
// runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app, areas []string) error) error {
	areas, err := pipeline.ParseAreas(areasFlag)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	if yearFlag == 0 {
		yearFlag = a.cfg.Pipeline.Year
	}

	statusCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.serveStatus(statusCtx)

	return fn(ctx, a, areas)
}

func loadAllCmd() *cobra.Command {
	var resume bool
	var healthYear int
	cmd := &cobra.Command{
		Use:   "load-all",
		Short: "Run geometry, demographics, vulnerability, health and index steps for each state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, areas []string) error {
				if healthYear == 0 {
					healthYear = a.cfg.Pipeline.PlacesYear
				}
				sum, err := a.pipeline().Run(ctx, pipeline.Options{
					Areas:      areas,
					Year:       yearFlag,
					HealthYear: healthYear,
					Resume:     resume,
				})
				if err != nil {
					return err
				}
				fmt.Printf("=== DONE === %d succeeded, %d failed out of %d states in %s\n",
					sum.Succeeded, sum.Failed, len(areas), sum.Elapsed.Round(100*time.Millisecond))
				if sum.Failed > 0 {
					return fmt.Errorf("failed states: %v", sum.FailedAreas)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "skip geometry for states already loaded")
	cmd.Flags().IntVar(&healthYear, "places-year", 0, "PLACES release year (default from config)")
	return cmd
}

func loadGeometryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load-geometry",
		Short: "Replace tract boundaries from TIGER/Line shapefiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, areas []string) error {
				if err := a.store.EnsureSchema(ctx); err != nil {
					return err
				}
				l := a.geometryLoader()
				return a.eachArea(ctx, pipeline.StepGeometry, areas, func(ctx context.Context, area string) (int64, error) {
					n, err := l.LoadArea(ctx, yearFlag, area)
					return int64(n), err
				})
			})
		},
	}
}

func loadDemographicsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load-demographics",
		Short: "Load ACS 5-year demographic estimates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, areas []string) error {
				l := a.demographicsLoader()
				return a.eachArea(ctx, pipeline.StepDemographics, areas, func(ctx context.Context, area string) (int64, error) {
					return l.LoadArea(ctx, yearFlag, area)
				})
			})
		},
	}
}

func loadVulnerabilityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load-vulnerability",
		Short: "Load CDC/ATSDR SVI theme percentiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, areas []string) error {
				ds, err := a.vulnerabilityDownloader().Download(ctx, yearFlag)
				if err != nil {
					return err
				}
				l := svi.NewLoader(a.store, a.log)
				return a.eachArea(ctx, pipeline.StepVulnerability, areas, func(ctx context.Context, area string) (int64, error) {
					return l.LoadArea(ctx, ds, area)
				})
			})
		},
	}
}

func loadHealthCmd() *cobra.Command {
	var healthYear int
	cmd := &cobra.Command{
		Use:   "load-health",
		Short: "Load CDC PLACES crude prevalence measures",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, areas []string) error {
				if healthYear == 0 {
					healthYear = a.cfg.Pipeline.PlacesYear
				}
				l := a.healthLoader()
				return a.eachArea(ctx, pipeline.StepHealth, areas, func(ctx context.Context, area string) (int64, error) {
					return l.LoadArea(ctx, healthYear, area)
				})
			})
		},
	}
	cmd.Flags().IntVar(&healthYear, "places-year", 0, "PLACES release year (default from config)")
	return cmd
}

func loadEnvironmentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load-environment",
		Short: "Load EPA EJScreen indicators, estimating them when the API is unavailable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, areas []string) error {
				l := a.environmentLoader()
				return a.eachArea(ctx, pipeline.StepEnvironment, areas, l.LoadArea)
			})
		},
	}
}

func loadTrendsCmd() *cobra.Command {
	var start, end int
	var replace bool
	cmd := &cobra.Command{
		Use:   "load-trends",
		Short: "Load multi-year ACS snapshots into the trends column",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, areas []string) error {
				if start == 0 {
					start = a.cfg.Pipeline.TrendsStart
				}
				if end == 0 {
					end = a.cfg.Pipeline.TrendsEnd
				}
				mode := trends.Merge
				if replace {
					mode = trends.Replace
				}
				l := a.trendsLoader(mode)
				return a.eachArea(ctx, pipeline.StepTrends, areas, func(ctx context.Context, area string) (int64, error) {
					return l.LoadArea(ctx, area, start, end)
				})
			})
		},
	}
	cmd.Flags().IntVar(&start, "start-year", 0, "first year (default from config)")
	cmd.Flags().IntVar(&end, "end-year", 0, "last year, inclusive (default from config)")
	cmd.Flags().BoolVar(&replace, "replace", false, "drop stored years outside the range instead of merging")
	return cmd
}

func computeIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compute-index",
		Short: "Recompute the composite SDOH index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, areas []string) error {
				return a.eachArea(ctx, pipeline.StepComposite, areas, a.indexCalculator().ComputeArea)
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostGIS extension, tract table and webhook subscriptions table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, _ []string) error {
				if err := a.store.EnsureSchema(ctx); err != nil {
					return err
				}
				if err := webhooks.NewStore(a.db, a.log).Migrate(ctx); err != nil {
					return err
				}
				a.log.Info("schema up to date")
				return nil
			})
		},
	}
}

// exitCode maps a run error to a process status for schedulers.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, pipeline.ErrRunInProgress):
		return 75 // EX_TEMPFAIL
	default:
		return 1
	}
}
