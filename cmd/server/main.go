// Command server runs the agricultural listing and bid settlement engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agrimart/listing-engine/internal/api"
	"github.com/agrimart/listing-engine/internal/bidding"
	"github.com/agrimart/listing-engine/internal/config"
	"github.com/agrimart/listing-engine/internal/discovery"
	"github.com/agrimart/listing-engine/internal/feed"
	"github.com/agrimart/listing-engine/internal/listing"
	"github.com/agrimart/listing-engine/internal/logging"
	"github.com/agrimart/listing-engine/internal/settlement"
	"github.com/agrimart/listing-engine/internal/sweeper"
)

var (
	configPath string
	envFile    string
)

func main() {
	root := &cobra.Command{
		Use:           "listing-engine",
		Short:         "Agricultural marketplace listing and bid settlement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file exported before the config is read")
	root.AddCommand(serveCmd, sweepCmd, migrateCmd)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, event feed and expiry sweeper",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire stale listings once and exit",
	Long:  `Runs a single expiry pass. Intended for cron when the in-process sweeper is disabled.`,
	RunE:  runSweep,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE:  runMigrate,
}

// setup loads configuration and installs the default logger.
func setup() (*config.Config, func(), error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, closer := logging.New(logging.Options{Level: cfg.Logging.Level, File: cfg.Logging.File})
	slog.SetDefault(logger)
	return cfg, func() { closer.Close() }, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	hub := feed.NewHub()
	listings := listing.NewService(st, listing.WithPublisher(hub))
	ledger := bidding.NewLedger(st, bidding.WithPublisher(hub))
	coord := settlement.NewCoordinator(st,
		settlement.WithPublisher(hub),
		settlement.WithLockTimeout(cfg.Settlement.LockTimeout),
	)
	disc := discovery.NewService(st, nil)
	sw := sweeper.New(st,
		sweeper.Config{Interval: cfg.Sweeper.Interval, Retention: cfg.Sweeper.Retention},
		sweeper.WithPublisher(hub),
	)

	h := api.NewHandler(listings, ledger, coord, disc, sw, st)
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      api.NewRouter(h, hub, cfg.Server.RequestTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	if cfg.Sweeper.Enabled {
		g.Go(func() error { return sw.Run(gctx) })
	} else {
		slog.Info("in-process sweeper disabled")
	}
	g.Go(func() error {
		slog.Info("listing-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		slog.Info("shutting down listing-engine...")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("listing-engine stopped")
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	st, cleanup, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	sw := sweeper.New(st, sweeper.Config{Interval: cfg.Sweeper.Interval, Retention: cfg.Sweeper.Retention})
	expired, err := sw.ExpireOldListings(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "expired %d listings\n", len(expired))
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.Database.URL == "" {
		return errors.New("migrate requires database.url or DATABASE_URL")
	}
	pool, err := connectPostgres(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	return migrate(cmd.Context(), pool)
}
