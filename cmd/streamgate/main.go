// streamgate is the real-time telemetry gateway. It serves WebSocket topic
// subscriptions backed by polling an upstream JSON-RPC node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"streamgate/internal/config"
	"streamgate/internal/logger"
	"streamgate/internal/metrics"
	"streamgate/pkg/gateway"
	"streamgate/pkg/registry"
	"streamgate/pkg/rpc"
	"streamgate/pkg/stream"
	"streamgate/pkg/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamgate: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamgate: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("gateway stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	upstream := rpc.New(rpc.Config{
		URL:         cfg.Upstream.RPCURL,
		AuthToken:   cfg.Upstream.AuthToken,
		Timeout:     cfg.Upstream.Timeout,
		MaxRetries:  cfg.Upstream.MaxRetries,
		BackoffBase: cfg.Upstream.BackoffBase,
		Offline:     cfg.Upstream.Offline,
		Logger:      log,
	})
	if upstream.Offline() {
		log.Warn("upstream disabled, topics will not publish")
	}

	reg := registry.New(registry.Config{
		MaxConnections:      cfg.Registry.MaxConnections,
		MaxConnectionsPerIP: cfg.Registry.MaxConnectionsPerIP,
		HeartbeatInterval:   cfg.Heartbeat.Interval,
		MaxMissedPongs:      cfg.Heartbeat.MaxMissed,
		Logger:              log,
		Metrics:             m,
	})

	sched := stream.NewScheduler(upstream, reg, stream.Catalogue(cfg.Streams), stream.Config{
		PollTimeout: cfg.Scheduler.PollTimeout,
		Logger:      log,
		Metrics:     m,
	})
	reg.SetObserver(sched)
	defer sched.Stop()

	srv := gateway.New(gateway.Config{
		Addr:             cfg.Server.Addr,
		Path:             cfg.Server.Path,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		Conn: websocket.ConnConfig{
			MaxMessageSize: cfg.WS.MaxMessageSize,
			OutboundQueue:  cfg.WS.OutboundQueue,
			WriteTimeout:   cfg.WS.WriteTimeout,
			CloseTimeout:   cfg.WS.CloseTimeout,
		},
		CommandsPerSecond: cfg.Limits.CommandsPerSecond,
		CommandBurst:      cfg.Limits.CommandBurst,
		Logger:            log,
		Metrics:           m,
		Gatherer:          promReg,
	}, reg, sched)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error { return reg.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	log.Info("gateway starting",
		zap.String("addr", cfg.Server.Addr),
		zap.Strings("streams", sched.Topics()),
		zap.String("upstream", cfg.Upstream.RPCURL))

	return g.Wait()
}
