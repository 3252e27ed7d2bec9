// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command mitigation-node runs one edge node of the mesh: the fast-path
// blocklist, admission controller, WAF/sandbox-backed front end, and the
// management API that lets the orchestrator drain or terminate it.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegismesh/aegis/internal/admission"
	"github.com/aegismesh/aegis/internal/bus"
	"github.com/aegismesh/aegis/internal/config"
	"github.com/aegismesh/aegis/internal/fastpath"
	"github.com/aegismesh/aegis/internal/frontend"
	"github.com/aegismesh/aegis/internal/logging"
	"github.com/aegismesh/aegis/internal/metrics"
	"github.com/aegismesh/aegis/internal/mgmtauth"
	"github.com/aegismesh/aegis/internal/orchclient"
	"github.com/aegismesh/aegis/internal/proto"
	"github.com/aegismesh/aegis/internal/sandbox"
	"github.com/aegismesh/aegis/internal/secret"
	"github.com/aegismesh/aegis/internal/statesync"
	"github.com/aegismesh/aegis/internal/waf"
)

func main() {
	configPath := flag.String("config", "/etc/aegis/node.toml", "Path to TOML config file")
	flag.Parse()

	logger := logging.WithComponent("mitigation-node")

	cfg, err := config.LoadNodeConfig(*configPath)
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
		logger.Error("node exited with error", "err", err)
		os.Exit(1)
	}
	logger.Info("node exited cleanly")
}

func run(ctx context.Context, cfg *config.NodeConfig, logger *logging.Logger) error {
	syncookieSecret, err := secret.Load(cfg.Secret.Path, true)
	if err != nil {
		return fmt.Errorf("load syncookie secret: %w", err)
	}
	defer secret.Zero(syncookieSecret)

	var pub bus.Publisher
	if cfg.Bus.RedisAddr != "" {
		redisBus, err := bus.NewRedisBus(ctx, cfg.Bus.RedisAddr, "", 0, logger)
		if err != nil {
			return fmt.Errorf("connect to event bus: %w", err)
		}
		pub = redisBus
	} else {
		logger.Warn("no bus.redis_addr configured, running with an in-process bus (events stay local)")
		pub = bus.NewMemoryBus()
	}

	blocklist, err := fastpath.NewBackend(fastpath.BackendConfig{
		Kind:       cfg.FastPath.Backend,
		Capacity:   cfg.FastPath.Capacity,
		ObjectPath: cfg.FastPath.EBPFObjectPath,
		Iface:      cfg.FastPath.Iface,
		TableName:  cfg.FastPath.NftablesTable,
		SetName:    cfg.FastPath.NftablesSet,
	})
	if err != nil {
		return fmt.Errorf("build fastpath blocklist: %w", err)
	}
	packetFilter := fastpath.NewPacketFilter(blocklist)

	admissionCtrl := admission.New(admission.Config{
		MaxTotalConnections: cfg.Admission.MaxTotalConnections,
		MaxConnectionsPerIP: cfg.Admission.MaxConnectionsPerIP,
		RatePerSecond:       cfg.Admission.RatePerSecond,
		RateBurst:           cfg.Admission.RateBurst,
		ViolationThreshold:  cfg.Admission.ViolationThreshold,
		BlacklistDuration:   time.Duration(cfg.Admission.BlacklistDuration),
		MaintenanceInterval: 30 * time.Second,
	})
	go admissionCtrl.Run(ctx.Done())

	wafEngine := waf.New(logger.With("subsystem", "waf"))
	if err := wafEngine.LoadDefaults(); err != nil {
		return fmt.Errorf("load default WAF rules: %w", err)
	}

	sandboxEngine := sandbox.New(ctx, sandbox.Config{CallTimeout: 50 * time.Millisecond}, logger.With("subsystem", "sandbox"))
	defer sandboxEngine.Close(context.Background())

	if cfg.Frontend.SandboxModule != "" {
		bytecode, err := os.ReadFile(cfg.Frontend.SandboxModulePath)
		if err != nil {
			return fmt.Errorf("read sandbox module %s: %w", cfg.Frontend.SandboxModulePath, err)
		}
		if err := sandboxEngine.LoadModule(ctx, cfg.Frontend.SandboxModule, bytecode, ""); err != nil {
			return fmt.Errorf("load sandbox module %s: %w", cfg.Frontend.SandboxModule, err)
		}
	}

	frontendSrv, err := frontend.New(frontend.Config{
		ListenAddr:     cfg.Frontend.ListenAddr,
		UpstreamURL:    cfg.Frontend.UpstreamURL,
		CertFile:       cfg.Frontend.CertFile,
		KeyFile:        cfg.Frontend.KeyFile,
		NodeID:         cfg.NodeID,
		SandboxModule:  cfg.Frontend.SandboxModule,
		RequestTimeout: time.Duration(cfg.Frontend.RequestTimeout),
	}, admissionCtrl, wafEngine, sandboxEngine, pub, logger.With("subsystem", "frontend"))
	if err != nil {
		return fmt.Errorf("build front end: %w", err)
	}

	registry := metrics.NewRegistry()
	promReg := prometheus.NewRegistry()
	registry.Register(promReg)
	frontendSrv.SetMetrics(registry)

	collector := metrics.NewCollector(registry, metrics.Sources{
		FastPath: packetFilter,
		WAF:      wafEngine,
		Sandbox:  sandboxEngine,
	}, time.Duration(cfg.Metrics.CollectInterval), logger.With("subsystem", "metrics"))
	go collector.Start()
	defer collector.Stop()

	stateSync := statesync.New(cfg.NodeID, logger.With("subsystem", "statesync"))
	go sampleFleetCounters(ctx, stateSync, packetFilter, wafEngine, time.Duration(cfg.Metrics.CollectInterval))
	go stateSync.Run(ctx, pub, time.Duration(cfg.Metrics.CollectInterval))

	nodeAPI := frontend.NewNodeAPI(wafEngine,
		func(reason string, gracePeriodS int64) {
			logger.Warn("termination requested", "reason", reason, "grace_period_s", gracePeriodS)
			time.AfterFunc(time.Duration(gracePeriodS)*time.Second, cancel)
		},
		func(force bool) error {
			logger.Info("config reload requested", "force", force)
			return nil
		},
	)
	auth := mgmtauth.New(cfg.ManagementAPI.TokenHash)
	router := mux.NewRouter()
	nodeAPI.RegisterRoutes(router, auth)

	mgmtSrv := &http.Server{Addr: cfg.ManagementAPI.ListenAddr, Handler: router}
	go func() {
		logger.Info("management API listening", "addr", cfg.ManagementAPI.ListenAddr)
		if err := mgmtSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("management API server failed", "err", err)
		}
	}()
	defer mgmtSrv.Close()

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

	if cfg.Orchestrator.BaseURL != "" {
		go registerWithOrchestrator(ctx, cfg, logger, admissionCtrl)
	}

	return frontendSrv.Serve(ctx)
}

// registerWithOrchestrator registers this node and heartbeats on
// cfg.Orchestrator.HeartbeatInterval until ctx is canceled.
func registerWithOrchestrator(ctx context.Context, cfg *config.NodeConfig, logger *logging.Logger, admissionCtrl *admission.Controller) {
	client := orchclient.New(cfg.Orchestrator.BaseURL, cfg.ManagementAPI.TokenHash, 10*time.Second)

	reply, err := client.Register(ctx, cfg.Frontend.ListenAddr, cfg.NodeID)
	if err != nil {
		logger.Error("orchestrator registration failed", "err", err)
		return
	}
	logger.Info("registered with orchestrator", "node_id", reply.NodeID, "heartbeat_interval_s", reply.HeartbeatInterval)

	interval := time.Duration(cfg.Orchestrator.HeartbeatInterval)
	if interval <= 0 {
		interval = time.Duration(reply.HeartbeatInterval) * time.Second
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snapshot := selfMetrics(admissionCtrl)
			if err := client.Heartbeat(ctx, reply.NodeID, proto.StatusActive, snapshot); err != nil {
				logger.Warn("heartbeat failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// selfMetrics samples this process's own resource usage using
// runtime.MemStats as a CPU/memory proxy, since a full /proc/stat
// sampler is out of scope for a single node process.
func selfMetrics(admissionCtrl *admission.Controller) proto.NodeMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return proto.NodeMetrics{
		CPUPercent:        m.GCCPUFraction * 100,
		MemPercent:        float64(m.Alloc) / float64(m.Sys) * 100,
		ActiveConnections: admissionCtrl.TotalConnections(),
		TotalConnections:  admissionCtrl.TotalConnections(),
	}
}

// sampleFleetCounters feeds the monotonic counters exposed by the
// fast path and the WAF into sync as Increment calls, so statesync
// only ever sees forward deltas even though its own sources report
// cumulative totals.
func sampleFleetCounters(ctx context.Context, sync *statesync.Sync, packetFilter *fastpath.PacketFilter, wafEngine *waf.Engine, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastDropped, lastInspected uint64
	for {
		select {
		case <-ticker.C:
			fpStats := packetFilter.Stats()
			if fpStats.PacketsDropped > lastDropped {
				sync.Increment("fastpath_dropped_total", fpStats.PacketsDropped-lastDropped)
				lastDropped = fpStats.PacketsDropped
			}

			wafStats := wafEngine.Stats()
			if wafStats.RequestsInspected > lastInspected {
				sync.Increment("waf_requests_inspected_total", wafStats.RequestsInspected-lastInspected)
				lastInspected = wafStats.RequestsInspected
			}
		case <-ctx.Done():
			return
		}
	}
}
