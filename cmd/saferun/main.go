// cmd/saferun/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signalnine/saferun/internal/classifier"
	"github.com/signalnine/saferun/internal/config"
	"github.com/signalnine/saferun/internal/detector"
	"github.com/signalnine/saferun/internal/monitor"
	"github.com/signalnine/saferun/internal/server"
	"github.com/signalnine/saferun/internal/store"
)

var (
	configPath string
	debug      bool
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "saferun",
	Short: "Workout telemetry anomaly detection",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(".env"); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}

		var err error
		if debug {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the detection API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServerConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if !debug {
			gin.SetMode(gin.ReleaseMode)
		}

		srv, err := server.NewServer(cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return srv.Run(ctx)
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch a telemetry file and run new readings through the detector",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadMonitorConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.ServerURL != "" {
			det := monitor.NewHTTPDetector(cfg.ServerURL, cfg.APIKey, cfg.TLSSkipVerify)
			return monitor.New(cfg, det, nil, logger).Run(ctx)
		}

		// In-process detection
		detCfg := cfg.Detector.Detector()
		opts := []detector.Option{detector.WithLogger(logger)}
		var recorder monitor.Recorder

		if cfg.DBPath != "" {
			db, err := store.NewDB(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			saved, err := db.LoadDetectorSettings(ctx)
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}
			detCfg = server.ResolveDetectorConfig(cfg.Detector, saved, logger)
			opts = append(opts, detector.WithSettingsStore(db))
			recorder = db
		}

		det, err := detector.New(detCfg, classifier.NewClient(logger), opts...)
		if err != nil {
			return err
		}

		return monitor.New(cfg, det, recorder, logger).Run(ctx)
	},
}

var probeURL string

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Send a canned reading to a classifier endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint := probeURL
		if endpoint == "" {
			endpoint = os.Getenv(config.EnvEndpointURL)
		}
		if endpoint == "" {
			endpoint = detector.DefaultEndpointURL
		}
		if err := detector.ValidateEndpoint(endpoint); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		isAnomaly, latency, err := classifier.NewClient(logger).Probe(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("probe %s: %w", endpoint, err)
		}

		fmt.Printf("ok: %s answered is_anomaly=%t in %s\n", endpoint, isAnomaly, latency.Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "saferun.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	probeCmd.Flags().StringVar(&probeURL, "url", "", "classifier endpoint (default: $"+config.EnvEndpointURL+" or the built-in default)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(probeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
