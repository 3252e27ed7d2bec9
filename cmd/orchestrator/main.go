// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command orchestrator runs the fleet control plane: node registry and
// heartbeat tracking, the resource manager's scale-up/scale-down loop,
// and the behavioral, anomaly, and threat-intel experts that turn
// telemetry into block commands.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegismesh/aegis/internal/bus"
	"github.com/aegismesh/aegis/internal/config"
	"github.com/aegismesh/aegis/internal/experts/anomaly"
	"github.com/aegismesh/aegis/internal/experts/behavioral"
	"github.com/aegismesh/aegis/internal/experts/threatintel"
	"github.com/aegismesh/aegis/internal/logging"
	"github.com/aegismesh/aegis/internal/metrics"
	"github.com/aegismesh/aegis/internal/orchhttp"
	"github.com/aegismesh/aegis/internal/proto"
	"github.com/aegismesh/aegis/internal/registry"
	"github.com/aegismesh/aegis/internal/resourcemgr"
	"github.com/aegismesh/aegis/internal/statesync"
)

func main() {
	configPath := flag.String("config", "/etc/aegis/orchestrator.toml", "Path to TOML config file")
	flag.Parse()

	logger := logging.WithComponent("orchestrator")

	cfg, err := config.LoadOrchestratorConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("orchestrator exited with error", "err", err)
		os.Exit(1)
	}
	logger.Info("orchestrator exited cleanly")
}

func run(ctx context.Context, cfg *config.OrchestratorConfig, logger *logging.Logger) error {
	var fleetBus bus.Bus
	if cfg.Bus.RedisAddr != "" {
		redisBus, err := bus.NewRedisBus(ctx, cfg.Bus.RedisAddr, "", 0, logger)
		if err != nil {
			return err
		}
		fleetBus = redisBus
	} else {
		logger.Warn("no bus.redis_addr configured, running with an in-process bus (no real nodes can reach it)")
		fleetBus = bus.NewMemoryBus()
	}

	reg := registry.New(registry.Config{
		HeartbeatTimeout:  time.Duration(cfg.Registry.HeartbeatTimeout),
		DeadCheckInterval: time.Duration(cfg.Registry.DeadCheckInterval),
	})
	go reg.Run(ctx.Done(), logger.With("subsystem", "registry"))

	resourceMgr := resourcemgr.New(resourcemgr.Config{
		ScaleUpCPU:        cfg.ResourceManager.ScaleUpCPU,
		ScaleDownCPU:      cfg.ResourceManager.ScaleDownCPU,
		MinFleetSize:      cfg.ResourceManager.MinFleetSize,
		WebhookURL:        cfg.ResourceManager.WebhookURL,
		TerminateGraceS:   cfg.ResourceManager.TerminateGraceS,
		WebhookTimeout:    time.Duration(cfg.ResourceManager.WebhookTimeout),
		TickInterval:      time.Duration(cfg.ResourceManager.TickInterval),
		MaxHistoryMinutes: cfg.ResourceManager.MaxHistoryMinutes,
	}, reg, logger.With("subsystem", "resourcemgr"))
	go resourceMgr.Run(ctx)

	threatIntel := threatintel.New(fleetBus, logger.With("subsystem", "threatintel"))
	go func() {
		if err := threatIntel.Run(ctx, fleetBus); err != nil && ctx.Err() == nil {
			logger.Error("threat-intel expert stopped", "err", err)
		}
	}()

	behavioralExpert := behavioral.New(behavioral.Config{
		WindowSeconds:    cfg.Behavioral.WindowSeconds,
		ErrorThreshold:   cfg.Behavioral.ErrorThreshold,
		RequestThreshold: cfg.Behavioral.RequestThreshold,
		BlockDurationS:   cfg.Behavioral.BlockDurationS,
		CleanupInterval:  time.Duration(cfg.Behavioral.CleanupInterval),
	}, fleetBus, logger.With("subsystem", "behavioral"))
	go func() {
		if err := behavioralExpert.Run(ctx, fleetBus); err != nil && ctx.Err() == nil {
			logger.Error("behavioral expert stopped", "err", err)
		}
	}()

	anomalyExpert := anomaly.New(anomaly.Config{
		MaxBufferSize:      cfg.Anomaly.MaxBufferSize,
		FeatureWindowS:     cfg.Anomaly.FeatureWindowS,
		TrainingDurationS:  cfg.Anomaly.TrainingDurationS,
		RetrainIntervalS:   cfg.Anomaly.RetrainIntervalS,
		AnomalyThreshold:   cfg.Anomaly.AnomalyThreshold,
		BlockDurationS:     cfg.Anomaly.BlockDurationS,
		InferenceQueueSize: cfg.Anomaly.InferenceQueueSize,
		TreeCount:          cfg.Anomaly.TreeCount,
	}, fleetBus, logger.With("subsystem", "anomaly"))
	go func() {
		if err := anomalyExpert.RunWorker(ctx); err != nil && ctx.Err() == nil {
			logger.Error("anomaly expert worker stopped", "err", err)
		}
	}()
	go consumeTelemetryForAnomaly(ctx, fleetBus, anomalyExpert, logger.With("subsystem", "anomaly"))

	heartbeatInterval := time.Duration(cfg.Registry.HeartbeatInterval)
	if heartbeatInterval <= 0 {
		heartbeatInterval = time.Duration(cfg.Registry.HeartbeatTimeout) / 3
	}
	fleetCounters := statesync.New("orchestrator", logger.With("subsystem", "statesync"))
	go func() {
		if err := fleetCounters.Listen(ctx, fleetBus); err != nil && ctx.Err() == nil {
			logger.Error("state sync listener stopped", "err", err)
		}
	}()

	orchestratorSrv := orchhttp.New(reg, resourceMgr, threatIntel, fleetCounters, heartbeatInterval, logger.With("subsystem", "orchhttp"))
	router := mux.NewRouter()
	orchestratorSrv.RegisterRoutes(router)

	apiSrv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		logger.Info("orchestrator API listening", "addr", cfg.ListenAddr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("orchestrator API server failed", "err", err)
		}
	}()
	defer apiSrv.Close()

	promReg := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry()
	metricsRegistry.Register(promReg)

	collector := metrics.NewCollector(metricsRegistry, metrics.Sources{
		ResourceMgr: resourceMgr,
	}, time.Duration(cfg.Metrics.CollectInterval), logger.With("subsystem", "metrics"))
	go collector.Start()
	defer collector.Stop()

	if cfg.Metrics.ListenAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: metricsMux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.ListenAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "err", err)
			}
		}()
		defer metricsSrv.Close()
	}

	<-ctx.Done()
	return nil
}

// consumeTelemetryForAnomaly feeds every telemetry event to anomalyExpert.Observe.
// Latency is not carried on proto.TelemetryEvent (only emitted for
// status >= 400 or blocked requests), so it is reported as 0 here; the
// anomaly expert's feature extraction averages that 0 into
// avg_latency_ms and latency_stddev_ms like any other sample.
func consumeTelemetryForAnomaly(ctx context.Context, sub bus.Subscriber, expert *anomaly.Expert, logger *logging.Logger) {
	msgs, err := sub.Subscribe(ctx, bus.TopicTelemetryPrefix+"*")
	if err != nil {
		logger.Error("failed to subscribe to telemetry", "err", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev proto.TelemetryEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				logger.Warn("malformed telemetry event", "err", err)
				continue
			}
			expert.Observe(ctx, ev.SourceIP, ev, 0)
		}
	}
}
