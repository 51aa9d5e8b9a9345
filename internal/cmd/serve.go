package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"genflow/internal/agent"
	"genflow/internal/api"
	"genflow/internal/auth"
	"genflow/internal/broker"
	"genflow/internal/chain"
	"genflow/internal/config"
	"genflow/internal/domain"
	"genflow/internal/engine"
	"genflow/internal/fs"
	"genflow/internal/logging"
	"genflow/internal/messaging/inproc"
	"genflow/internal/notify"
	"genflow/internal/orchestrator"
	"genflow/internal/policy"
	sqlitestore "genflow/internal/store/sqlite"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the generation engine and stage workers",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "http listen address override")
	serveCmd.Flags().String("db", "", "sqlite database path override")
	serveCmd.Flags().String("artifacts", "", "artifact root override")
	serveCmd.Flags().String("mode", "", "default job mode (engine|chain)")
	serveCmd.Flags().String("log-level", "", "log level (debug|info|warn|error)")
	serveCmd.Flags().StringSlice("stages", nil, "chain stages in order")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.db_path", serveCmd.Flags().Lookup("db"))
	_ = viper.BindPFlag("server.artifact_root", serveCmd.Flags().Lookup("artifacts"))
	_ = viper.BindPFlag("generation.mode", serveCmd.Flags().Lookup("mode"))
	_ = viper.BindPFlag("server.log_level", serveCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("chain.stages", serveCmd.Flags().Lookup("stages"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Server.LogLevel, cfg.Server.LogFormat)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return serve(ctx, cfg, logger)
}

func serve(parent context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := context.WithCancel(parent)
	defer stop()

	verifier, err := auth.NewVerifier(cfg.Server.Secret)
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}

	dbPath := filepath.Clean(cfg.Server.DBPath)
	artifactRoot := filepath.Clean(cfg.Server.ArtifactRoot)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}

	artifacts, err := fs.NewGateway(artifactRoot, policy.New(cfg.Chain.ArtifactExtensions), store)
	if err != nil {
		return fmt.Errorf("create artifact gateway: %w", err)
	}
	stages, err := chain.Select(chain.Canonical(artifacts), cfg.Chain.Stages)
	if err != nil {
		return fmt.Errorf("configure chain: %w", err)
	}

	b := broker.New(store, inproc.New(cfg.Chain.QueueBuffer), broker.Config{
		DispatchInterval: config.Ms(cfg.Chain.DispatchIntervalMS),
		TaskLease:        config.Ms(cfg.Chain.TaskLeaseMS),
		RetryDelay:       config.Ms(cfg.Chain.RetryDelayMS),
		MaxAttempts:      cfg.Chain.MaxAttempts,
	}, logger.With("component", "broker"))
	executor, err := chain.New(stages, b, chain.Config{WorkersPerStage: cfg.Chain.WorkersPerStage}, logger.With("component", "chain"))
	if err != nil {
		return fmt.Errorf("configure chain: %w", err)
	}
	eng := engine.New(agent.Defaults(), nil, store, engine.Config{
		MaxConcurrentRounds: cfg.Generation.MaxConcurrentRounds,
		Seed:                cfg.Generation.Seed,
	}, logger.With("component", "engine"))
	svc := orchestrator.New(store, eng, executor, orchestrator.Config{
		SyncInterval: config.Ms(cfg.Chain.SyncIntervalMS),
		DefaultMode:  domain.JobMode(cfg.Generation.Mode),
		MaxVariants:  cfg.Generation.MaxVariants,
	}, logger.With("component", "orchestrator"))
	notifier := notify.New(svc, notify.Config{
		PollInterval: config.Ms(cfg.Stream.PollIntervalMS),
		Timeout:      config.Ms(cfg.Stream.TimeoutMS),
	}, logger.With("component", "notify"))

	executor.Start(ctx)
	b.Start(ctx)
	svc.Start(ctx)

	apiServer := api.New(svc, notifier, verifier, logger.With("component", "api"))
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		apiServer.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("genflow started",
		"addr", cfg.Server.Addr,
		"db", dbPath,
		"artifacts", artifactRoot,
		"mode", cfg.Generation.Mode,
		"stages", cfg.Chain.Stages,
	)

	serveErr := server.ListenAndServe()
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	// Stop background workers before the store closes.
	stop()
	svc.Wait()
	executor.Wait()
	b.Wait()
	logger.Info("genflow stopped")
	return serveErr
}
