// Command venderd runs the vending-machine coordination daemon: the REST
// API, the device transport listener, the fan-out bus subscription, and the
// expiry sweeper.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/smartvend/venderd/internal/api"
	"github.com/smartvend/venderd/internal/bus"
	"github.com/smartvend/venderd/internal/config"
	"github.com/smartvend/venderd/internal/conn"
	"github.com/smartvend/venderd/internal/idem"
	"github.com/smartvend/venderd/internal/notify"
	"github.com/smartvend/venderd/internal/reserve"
	"github.com/smartvend/venderd/internal/retry"
	"github.com/smartvend/venderd/internal/storage"
	"github.com/smartvend/venderd/internal/sweeper"
	"github.com/smartvend/venderd/internal/telemetry"
)

func main() {
	logger := pslog.NewStructured(os.Stderr).With("app", "venderd")
	root := &cobra.Command{
		Use:           "venderd",
		Short:         "vending-machine reservation coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, logger)
		},
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("venderd.fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger pslog.Logger) error {
	if level, ok := pslog.ParseLevel(cfg.LogLevel); ok {
		logger = logger.LogLevel(level)
	}
	shutdownTrace, err := telemetry.Setup(ctx, "venderd", cfg.TraceStdout, os.Stdout)
	if err != nil {
		return err
	}

	store, err := storage.NewBadgerStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := reserve.New(store, reserve.Options{
		CodeLength:        cfg.CodeLength,
		CodeTTL:           cfg.DisplayCodeTTL,
		LowStockThreshold: cfg.LowStockThreshold,
		Retry:             retry.Default(),
		Logger:            logger,
		OnLowStock: func(machineID string, remaining int) {
			// Alert delivery (email etc.) lives outside this daemon; the log
			// line is the integration point.
			logger.Warn("stock.low", "machine", machineID, "remaining", remaining)
		},
	})

	registry := conn.NewRegistry(cfg.PingInterval, func(machineID string) {
		if err := svc.MarkOffline(context.Background(), machineID); err != nil {
			logger.Warn("conn.mark_offline_failed", "machine", machineID, "error", err)
		}
	}, logger)

	var commandBus bus.Bus
	if cfg.NATSURL != "" {
		commandBus, err = bus.ConnectNATS(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Info("bus.memory", "note", "no NATS URL configured; fan-out limited to this process")
		commandBus = bus.NewMemoryBus()
	}
	defer commandBus.Close()

	pending := conn.NewPendingBuffer(cfg.PendingCap)
	notifier := notify.New(registry, commandBus, pending, logger)

	unsubscribe, err := commandBus.Subscribe(ctx, notifier.DeliverLocal)
	if err != nil {
		return err
	}

	sw := sweeper.New(svc, notifier, cfg.SweepInterval, logger)
	go sw.Run(ctx)

	deviceLn, err := net.Listen("tcp", cfg.DeviceAddr)
	if err != nil {
		return err
	}
	deviceSrv := conn.NewServer(svc, registry, logger)
	go func() {
		logger.Info("device.listening", "addr", cfg.DeviceAddr)
		if err := deviceSrv.Serve(ctx, deviceLn); err != nil {
			logger.Error("device.serve_failed", "error", err)
		}
	}()

	handler := api.NewHandler(api.Options{
		Service:  svc,
		Guard:    idem.NewStoreGuard(store),
		Notifier: notifier,
		Pending:  pending,
		Logger:   logger,
		LockTTL:  cfg.LockTTL,
	})
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}
	go func() {
		logger.Info("http.listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http.serve_failed", "error", err)
		}
	}()

	metricsMux := http.NewServeMux()
	api.RegisterMetrics(metricsMux, func() int { return len(registry.LiveIDs()) })
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		logger.Info("metrics.listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics.serve_failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("venderd.shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http.shutdown_failed", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics.shutdown_failed", "error", err)
	}
	if err := unsubscribe(); err != nil {
		logger.Warn("bus.unsubscribe_failed", "error", err)
	}
	registry.Shutdown()
	if err := shutdownTrace(shutdownCtx); err != nil {
		logger.Warn("telemetry.shutdown_failed", "error", err)
	}
	logger.Info("venderd.stopped")
	return nil
}
