// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the mitigation-node and orchestrator TOML
// configuration files and applies AEGIS_-prefixed
// environment variable overrides on top.
//
// go-toml/v2 loads typed config from a file (see DESIGN.md for why an
// HCL-based loader was dropped in favor of TOML). The
// ValidationError/ValidationErrors shape and the load-then-validate
// sequencing are the same pattern used across the rest of this module.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	aegiserrors "github.com/aegismesh/aegis/internal/errors"
)

// EnvPrefix is the prefix every environment-variable override must
// carry, e.g. AEGIS_FRONTEND_LISTEN_ADDR.
const EnvPrefix = "AEGIS_"

// Duration wraps time.Duration with text marshaling so go-toml/v2 (which
// dispatches to encoding.TextUnmarshaler) accepts human-readable TOML
// strings like "30s" directly instead of requiring a nanosecond integer.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// NodeConfig is the mitigation node's on-disk configuration
// (cmd/mitigation-node).
type NodeConfig struct {
	NodeID string `toml:"node_id"`

	Bus struct {
		RedisAddr string `toml:"redis_addr"`
	} `toml:"bus"`

	Secret struct {
		Path string `toml:"path"`
	} `toml:"secret"`

	FastPath struct {
		Capacity int `toml:"capacity"`
		// Backend is "map" (default), "ebpf", or "nftables"; the latter
		// two are Linux-only (see internal/fastpath/backend_linux.go).
		Backend string `toml:"backend"`
		EBPFObjectPath string `toml:"ebpf_object_path"`
		Iface string `toml:"iface"`
		NftablesTable string `toml:"nftables_table"`
		NftablesSet string `toml:"nftables_set"`
	} `toml:"fastpath"`

	Admission struct {
		MaxTotalConnections int64 `toml:"max_total_connections"`
		MaxConnectionsPerIP int64 `toml:"max_connections_per_ip"`
		RatePerSecond float64 `toml:"rate_per_second"`
		RateBurst int `toml:"rate_burst"`
		ViolationThreshold int `toml:"violation_threshold"`
		BlacklistDuration Duration `toml:"blacklist_duration"`
		Whitelist []string `toml:"whitelist"`
		Blacklist []string `toml:"blacklist"`
	} `toml:"admission"`

	Frontend struct {
		ListenAddr string `toml:"listen_addr"`
		UpstreamURL string `toml:"upstream_url"`
		CertFile string `toml:"cert_file"`
		KeyFile string `toml:"key_file"`
		SandboxModule string `toml:"sandbox_module"`
		SandboxModulePath string `toml:"sandbox_module_path"`
		RequestTimeout Duration `toml:"request_timeout"`
	} `toml:"frontend"`

	ManagementAPI struct {
		ListenAddr string `toml:"listen_addr"`
		TokenHash string `toml:"token_hash"`
	} `toml:"management_api"`

	Orchestrator struct {
		BaseURL string `toml:"base_url"`
		HeartbeatInterval Duration `toml:"heartbeat_interval"`
	} `toml:"orchestrator"`

	Metrics struct {
		ListenAddr string `toml:"listen_addr"`
		CollectInterval Duration `toml:"collect_interval"`
	} `toml:"metrics"`
}

// OrchestratorConfig is the orchestrator's on-disk configuration
// (cmd/orchestrator).
type OrchestratorConfig struct {
	ListenAddr string `toml:"listen_addr"`

	Registry struct {
		HeartbeatInterval Duration `toml:"heartbeat_interval"`
		HeartbeatTimeout Duration `toml:"heartbeat_timeout"`
		DeadCheckInterval Duration `toml:"dead_check_interval"`
	} `toml:"registry"`

	ResourceManager struct {
		ScaleUpCPU float64 `toml:"scale_up_cpu"`
		ScaleDownCPU float64 `toml:"scale_down_cpu"`
		MinFleetSize int `toml:"min_fleet_size"`
		WebhookURL string `toml:"webhook_url"`
		TerminateGraceS int64 `toml:"terminate_grace_seconds"`
		WebhookTimeout Duration `toml:"webhook_timeout"`
		TickInterval Duration `toml:"tick_interval"`
		MaxHistoryMinutes int `toml:"max_history_minutes"`
	} `toml:"resource_manager"`

	ThreatIntel struct {
		DefaultBlockDuration Duration `toml:"default_block_duration"`
	} `toml:"threat_intel"`

	Behavioral struct {
		WindowSeconds int64 `toml:"window_seconds"`
		ErrorThreshold int `toml:"error_threshold"`
		RequestThreshold int `toml:"request_threshold"`
		BlockDurationS int64 `toml:"block_duration_seconds"`
		CleanupInterval Duration `toml:"cleanup_interval"`
	} `toml:"behavioral"`

	Anomaly struct {
		MaxBufferSize int `toml:"max_buffer_size"`
		FeatureWindowS int64 `toml:"feature_window_seconds"`
		TrainingDurationS int64 `toml:"training_duration_seconds"`
		RetrainIntervalS int64 `toml:"retrain_interval_seconds"`
		AnomalyThreshold float64 `toml:"anomaly_threshold"`
		BlockDurationS int64 `toml:"block_duration_seconds"`
		InferenceQueueSize int `toml:"inference_queue_size"`
		TreeCount int `toml:"tree_count"`
	} `toml:"anomaly"`

	Bus struct {
		RedisAddr string `toml:"redis_addr"`
	} `toml:"bus"`

	ManagementAPI struct {
		TokenHash string `toml:"token_hash"`
	} `toml:"management_api"`

	Metrics struct {
		ListenAddr string `toml:"listen_addr"`
		CollectInterval Duration `toml:"collect_interval"`
	} `toml:"metrics"`
}

// ValidationError is one configuration problem, field-addressed.
type ValidationError struct {
	Field string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found by a Validate call.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors reports whether any validation error was recorded.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// LoadNodeConfig reads, env-overrides, and validates a mitigation-node
// config file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, aegiserrors.Wrapf(err, aegiserrors.KindConfiguration, "read config %s", path)
	}

	var cfg NodeConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, aegiserrors.Wrapf(err, aegiserrors.KindConfiguration, "parse TOML config %s", path)
	}
	applyNodeEnvOverrides(&cfg)

	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, aegiserrors.Errorf(aegiserrors.KindConfiguration, "invalid config: %s", errs.Error())
	}
	return &cfg, nil
}

// LoadOrchestratorConfig reads, env-overrides, and validates an
// orchestrator config file.
func LoadOrchestratorConfig(path string) (*OrchestratorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, aegiserrors.Wrapf(err, aegiserrors.KindConfiguration, "read config %s", path)
	}

	var cfg OrchestratorConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, aegiserrors.Wrapf(err, aegiserrors.KindConfiguration, "parse TOML config %s", path)
	}
	applyOrchestratorEnvOverrides(&cfg)

	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, aegiserrors.Errorf(aegiserrors.KindConfiguration, "invalid config: %s", errs.Error())
	}
	return &cfg, nil
}

// Validate checks a NodeConfig for the invariants it must satisfy
// before a node is allowed to start.
func (c *NodeConfig) Validate() ValidationErrors {
	var errs ValidationErrors
	if c.NodeID == "" {
		errs = append(errs, ValidationError{"node_id", "must not be empty"})
	}
	if c.Frontend.ListenAddr == "" {
		errs = append(errs, ValidationError{"frontend.listen_addr", "must not be empty"})
	}
	if c.Frontend.UpstreamURL == "" {
		errs = append(errs, ValidationError{"frontend.upstream_url", "must not be empty"})
	}
	if (c.Frontend.CertFile == "") != (c.Frontend.KeyFile == "") {
		errs = append(errs, ValidationError{"frontend.cert_file", "cert_file and key_file must both be set or both be empty"})
	}
	if c.Admission.MaxTotalConnections <= 0 {
		errs = append(errs, ValidationError{"admission.max_total_connections", "must be positive"})
	}
	if c.ManagementAPI.TokenHash == "" {
		errs = append(errs, ValidationError{"management_api.token_hash", "must not be empty: an unauthenticated management API is not a supported configuration"})
	}
	return errs
}

// Validate checks an OrchestratorConfig for the invariants it must
// satisfy.
func (c *OrchestratorConfig) Validate() ValidationErrors {
	var errs ValidationErrors
	if c.ListenAddr == "" {
		errs = append(errs, ValidationError{"listen_addr", "must not be empty"})
	}
	if c.Registry.HeartbeatTimeout <= 0 {
		errs = append(errs, ValidationError{"registry.heartbeat_timeout", "must be positive"})
	}
	if c.ResourceManager.ScaleUpCPU > 0 && c.ResourceManager.ScaleDownCPU >= c.ResourceManager.ScaleUpCPU {
		errs = append(errs, ValidationError{"resource_manager.scale_down_cpu", "must be less than scale_up_cpu"})
	}
	if c.ManagementAPI.TokenHash == "" {
		errs = append(errs, ValidationError{"management_api.token_hash", "must not be empty: an unauthenticated management API is not a supported configuration"})
	}
	return errs
}

// applyNodeEnvOverrides overlays AEGIS_-prefixed environment variables
// named after each field's dotted TOML path (e.g.
// AEGIS_FRONTEND_LISTEN_ADDR overrides frontend.listen_addr).
func applyNodeEnvOverrides(cfg *NodeConfig) {
	overrideString(&cfg.NodeID, "NODE_ID")
	overrideString(&cfg.Bus.RedisAddr, "BUS_REDIS_ADDR")
	overrideString(&cfg.Secret.Path, "SECRET_PATH")
	overrideInt(&cfg.FastPath.Capacity, "FASTPATH_CAPACITY")
	overrideString(&cfg.FastPath.Backend, "FASTPATH_BACKEND")
	overrideString(&cfg.FastPath.EBPFObjectPath, "FASTPATH_EBPF_OBJECT_PATH")
	overrideString(&cfg.FastPath.Iface, "FASTPATH_IFACE")
	overrideString(&cfg.FastPath.NftablesTable, "FASTPATH_NFTABLES_TABLE")
	overrideString(&cfg.FastPath.NftablesSet, "FASTPATH_NFTABLES_SET")
	overrideInt64(&cfg.Admission.MaxTotalConnections, "ADMISSION_MAX_TOTAL_CONNECTIONS")
	overrideInt64(&cfg.Admission.MaxConnectionsPerIP, "ADMISSION_MAX_CONNECTIONS_PER_IP")
	overrideString(&cfg.Frontend.ListenAddr, "FRONTEND_LISTEN_ADDR")
	overrideString(&cfg.Frontend.UpstreamURL, "FRONTEND_UPSTREAM_URL")
	overrideString(&cfg.Frontend.CertFile, "FRONTEND_CERT_FILE")
	overrideString(&cfg.Frontend.KeyFile, "FRONTEND_KEY_FILE")
	overrideString(&cfg.Frontend.SandboxModule, "FRONTEND_SANDBOX_MODULE")
	overrideString(&cfg.Frontend.SandboxModulePath, "FRONTEND_SANDBOX_MODULE_PATH")
	overrideString(&cfg.ManagementAPI.ListenAddr, "MANAGEMENT_API_LISTEN_ADDR")
	overrideString(&cfg.ManagementAPI.TokenHash, "MANAGEMENT_API_TOKEN_HASH")
	overrideString(&cfg.Orchestrator.BaseURL, "ORCHESTRATOR_BASE_URL")
	overrideString(&cfg.Metrics.ListenAddr, "METRICS_LISTEN_ADDR")
}

func applyOrchestratorEnvOverrides(cfg *OrchestratorConfig) {
	overrideString(&cfg.ListenAddr, "LISTEN_ADDR")
	overrideString(&cfg.Bus.RedisAddr, "BUS_REDIS_ADDR")
	overrideString(&cfg.ManagementAPI.TokenHash, "MANAGEMENT_API_TOKEN_HASH")
	overrideString(&cfg.ResourceManager.WebhookURL, "RESOURCE_MANAGER_WEBHOOK_URL")
	overrideFloat(&cfg.ResourceManager.ScaleUpCPU, "RESOURCE_MANAGER_SCALE_UP_CPU")
	overrideFloat(&cfg.ResourceManager.ScaleDownCPU, "RESOURCE_MANAGER_SCALE_DOWN_CPU")
	overrideInt(&cfg.ResourceManager.MinFleetSize, "RESOURCE_MANAGER_MIN_FLEET_SIZE")
	overrideString(&cfg.Metrics.ListenAddr, "METRICS_LISTEN_ADDR")
}

func envKey(suffix string) string {
	return EnvPrefix + suffix
}

func overrideString(field *string, suffix string) {
	if v, ok := os.LookupEnv(envKey(suffix)); ok {
		*field = v
	}
}

func overrideInt(field *int, suffix string) {
	if v, ok := os.LookupEnv(envKey(suffix)); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*field = n
		}
	}
}

func overrideInt64(field *int64, suffix string) {
	if v, ok := os.LookupEnv(envKey(suffix)); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*field = n
		}
	}
}

func overrideFloat(field *float64, suffix string) {
	if v, ok := os.LookupEnv(envKey(suffix)); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*field = f
		}
	}
}
