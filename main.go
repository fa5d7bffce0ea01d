package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SwartzMss/MiniRustDesk/config"
	"github.com/SwartzMss/MiniRustDesk/crypto"
	"github.com/SwartzMss/MiniRustDesk/discovery"
	"github.com/SwartzMss/MiniRustDesk/registry"
	"github.com/SwartzMss/MiniRustDesk/relay"
	"github.com/SwartzMss/MiniRustDesk/rendezvous"
	"github.com/SwartzMss/MiniRustDesk/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()

	cmd := &cobra.Command{
		Use:          "hbbr",
		Short:        "Relay server pairing peers that cannot connect directly",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, config.DefaultEnvFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	config.AddFlags(cmd.Flags())
	cobra.CheckErr(config.BindFlags(v, cmd.Flags()))
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("startup failed while preparing data directory: %w", err)
	}

	key := crypto.ServerKey(cfg.Key, cfg.DataDir)

	dbPath := cfg.DBPath()
	store, err := storage.OpenPath(dbPath)
	if err != nil {
		return fmt.Errorf("startup failed while opening database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", "error", err)
		}
	}()
	logger.Info("database ready", "path", dbPath)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	relayServer := relay.New(relay.Options{
		Port:     cfg.Port,
		Key:      key,
		Compress: cfg.Compress,
		Logger:   logger,
		Metrics:  relay.NewMetrics(promRegistry),
	})
	g.Go(func() error {
		return relayServer.ListenAndServe(gctx)
	})

	if cfg.RendezvousPort != 0 {
		rendezvousServer := rendezvous.New(rendezvous.Options{
			Port:     cfg.RendezvousPort,
			Registry: registry.New(store, logger),
			Logger:   logger,
		})
		g.Go(func() error {
			return rendezvousServer.ListenAndServe(gctx)
		})
	}

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, promRegistry, logger)
		})
	}

	if cfg.MDNS {
		g.Go(func() error {
			err := discovery.Advertise(gctx, discovery.Config{
				Port:      cfg.Port,
				WSPort:    relay.WebSocketPort(cfg.Port),
				PublicKey: key,
			})
			if err != nil {
				logger.Warn("mDNS advertisement failed", "error", err)
			}
			return nil
		})
	}

	logger.Info("running (press Ctrl+C to stop)")
	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})
	defer stopped()

	logger.Info("metrics listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}
