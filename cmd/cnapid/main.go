package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/cnapi/pkg/census"
	"github.com/cuemby/cnapi/pkg/config"
	"github.com/cuemby/cnapi/pkg/core"
	"github.com/cuemby/cnapi/pkg/dispatch"
	"github.com/cuemby/cnapi/pkg/heartbeat"
	"github.com/cuemby/cnapi/pkg/log"
	"github.com/cuemby/cnapi/pkg/metrics"
	"github.com/cuemby/cnapi/pkg/server"
	"github.com/cuemby/cnapi/pkg/waitlist"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cnapid",
	Short:   "CNAPI - Compute Node API control plane",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("cnapid version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file (defaults baked in if omitted)")
	rootCmd.PersistentFlags().String("log-level", "", "Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Override log format (console, json)")

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the CNAPI control plane process",
	RunE:  runServe,
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if fmtStr, _ := cmd.Flags().GetString("log-format"); fmtStr != "" {
		cfg.LogFormat = fmtStr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogFormat == "json"})
	metrics.SetVersion(Version)

	ctx, err := core.New(cfg, log.Logger)
	if err != nil {
		return fmt.Errorf("build context: %w", err)
	}
	defer ctx.Close()

	instanceID := uuid.NewString()
	ctx.Logger.Info().Str("instance_id", instanceID).Msg("cnapid starting")

	servers := server.NewStore(ctx.Store, ctx.Clock)
	registry := heartbeat.NewRegistry()
	reconciler := heartbeat.NewReconciler(ctx, registry, servers, instanceID, cfg.HeartbeatLifetime, cfg.ReconcilerPeriod)
	reconciler.Start()
	defer reconciler.Stop()
	metrics.RegisterComponent("reconciler", true, "running")

	model := waitlist.NewModel(ctx.Store, ctx.Clock)
	director := waitlist.NewDirector(model, ctx.Clock, ctx.Events, ctx.Logger, cfg.WaitlistDirectorPeriod, cfg.TicketRetention)
	director.Start()
	defer director.Stop()
	metrics.RegisterComponent("waitlist_director", true, "running")

	_ = dispatch.NewDispatcher(ctx, servers, cfg.TaskStatusCacheRetention)
	metrics.RegisterComponent("dispatcher", true, "running")

	collector := census.NewCollector(servers, registry, cfg.ReconcilerPeriod)
	collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		ctx.Logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		ctx.Logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		ctx.Logger.Error().Err(err).Msg("metrics server failed")
	}

	_ = metricsServer.Close()
	ctx.Logger.Info().Msg("cnapid stopped")
	return nil
}
