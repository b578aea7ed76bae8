package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fenwickfs/fenwick/internal/breaktransport"
	"github.com/fenwickfs/fenwick/internal/config"
	"github.com/fenwickfs/fenwick/internal/logger"
	"github.com/fenwickfs/fenwick/internal/metrics"
	"github.com/fenwickfs/fenwick/internal/telemetry"
	"github.com/fenwickfs/fenwick/pkg/openfile"
	"github.com/fenwickfs/fenwick/pkg/openfile/localvfs"
	badgerstore "github.com/fenwickfs/fenwick/pkg/openfile/sharestore/badger"
	memorystore "github.com/fenwickfs/fenwick/pkg/openfile/sharestore/memory"
)

var serveRoot string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the open-arbitration daemon",
	Long: `Build the share-mode store, the local filesystem backend, and the
open orchestrator, then serve until interrupted. Protocol adapters register
with the break dispatcher to receive oplock break notifications.

Examples:
  # Serve /srv/share with the in-memory share-mode table
  fenwickd serve --root /srv/share

  # Multi-process setup: point every process at the same Badger directory
  # (a config file setting store.backend: badger and store.badger_dir)
  fenwickd serve --config /etc/fenwickd/config.yaml --root /srv/share`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveRoot, "root", ".", "Filesystem root the daemon arbitrates opens under")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "fenwickd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "fenwickd",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
		StoreBackend:   cfg.Store.Backend,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.Err(err))
		}
	}()

	store, err := buildShareStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	vfs, err := localvfs.New(serveRoot)
	if err != nil {
		return fmt.Errorf("failed to open root %q: %w", serveRoot, err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)
	metrics.SetGlobal(m)

	dispatcher := breaktransport.NewDispatcher()
	orch := openfile.NewOrchestrator(vfs, store, dispatcher, nil)
	orch.Tracer = telemetry.Tracer()
	orch.Metrics = m
	orch.BreakTimeout = cfg.Oplock.BreakTimeout
	orch.ViolationWait = cfg.Oplock.ShareViolationWait
	orch.DeferSharingViolations = !cfg.Share.NoSharingViolationDelay
	orch.LevelIIDisabled = cfg.Oplock.DisableLevelII

	scanner := breaktransport.NewScanner(orch.Deferred, store, nil, m)
	scanner.Start()
	defer scanner.Stop()

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Port, registry)
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				logger.Error("metrics server error", logger.Err(err))
			}
		}()
		defer func() {
			if err := metricsServer.Stop(context.Background()); err != nil {
				logger.Error("metrics server shutdown error", logger.Err(err))
			}
		}()
	}

	logger.Info("fenwickd ready",
		"root", serveRoot,
		"store", cfg.Store.Backend,
		"pid", os.Getpid(),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", "signal", s.String())
	case <-ctx.Done():
	}
	return nil
}

func buildShareStore(cfg *config.Config) (openfile.ShareStore, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return memorystore.New(), nil
	case "badger":
		store, err := badgerstore.Open(cfg.Store.BadgerDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open share store at %q: %w", cfg.Store.BadgerDir, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown share store backend %q", cfg.Store.Backend)
	}
}
