package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

var (
	configPath string
	areasFlag  string
	yearFlag   int
)

func main() {
	_ = godotenv.Load(".env.local")

	rootCmd := &cobra.Command{
		Use:           "geohealth-etl",
		Short:         "Load census tract geometry, demographics and health data into PostGIS",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file")
	rootCmd.PersistentFlags().StringVar(&areasFlag, "state", "all", "'all' or comma-separated state FIPS codes (e.g. 27,06,48)")
	rootCmd.PersistentFlags().IntVar(&yearFlag, "year", 0, "TIGER/ACS/SVI vintage (default from config)")

	rootCmd.AddCommand(
		loadAllCmd(),
		loadGeometryCmd(),
		loadDemographicsCmd(),
		loadVulnerabilityCmd(),
		loadHealthCmd(),
		loadEnvironmentCmd(),
		loadTrendsCmd(),
		computeIndexCmd(),
		migrateCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
