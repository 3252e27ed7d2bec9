// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the fleet's running counters as a Prometheus
// registry: a plain struct of pre-built collectors under the
// "aegis_<component>_<noun>_total" naming convention, generalized to
// every component in the mesh.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every Prometheus collector the fleet exposes. It is a
// plain struct of pre-built collectors rather than a dynamic collector
// registered through Describe/Collect — nothing here has cardinality
// unknown at construction time.
type Registry struct {
	// Packet fast path
	PacketsProcessed prometheus.Counter
	PacketsDropped prometheus.Counter
	PacketsPassed prometheus.Counter
	MapInsertFailures prometheus.Counter
	BlockedIPs prometheus.Gauge

	// WAF
	WafRequestsInspected prometheus.Counter
	WafMatches *prometheus.CounterVec

	// Sandbox
	SandboxModulesLoaded prometheus.Gauge
	SandboxInspectErrors prometheus.Counter

	// Admission
	AdmissionAccepted prometheus.Counter
	AdmissionRejected *prometheus.CounterVec

	// Front end
	RequestsTotal prometheus.Counter
	RequestsBlocked prometheus.Counter

	// Fleet (orchestrator only)
	FleetActiveNodes prometheus.Gauge
	FleetAvgCPU prometheus.Gauge
	FleetAvgMem prometheus.Gauge
}

// NewRegistry builds an unregistered Registry. Call Register to attach it
// to a prometheus.Registerer.
func NewRegistry() *Registry {
	return &Registry{
		PacketsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_fastpath_packets_processed_total",
			Help: "Total packets evaluated by the kernel fast-path filter.",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_fastpath_packets_dropped_total",
			Help: "Total packets dropped by the fast-path blocklist.",
		}),
		PacketsPassed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_fastpath_packets_passed_total",
			Help: "Total packets passed by the fast-path blocklist.",
		}),
		MapInsertFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_fastpath_map_insert_failures_total",
			Help: "Total fast-path blocklist inserts rejected because the map was full.",
		}),
		BlockedIPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_fastpath_blocked_ips",
			Help: "Current cardinality of the fast-path blocklist.",
		}),

		WafRequestsInspected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_waf_requests_inspected_total",
			Help: "Total requests run through the WAF pattern engine.",
		}),
		WafMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_waf_matches_total",
			Help: "Total WAF signature matches, by rule family.",
		}, []string{"family"}),

		SandboxModulesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_sandbox_modules_loaded",
			Help: "Number of WASM rule modules currently loaded.",
		}),
		SandboxInspectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_sandbox_inspect_errors_total",
			Help: "Total sandbox inspect_request calls that errored (timeout, trap, bad return value).",
		}),

		AdmissionAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_admission_accepted_total",
			Help: "Total TCP connections accepted by the admission controller.",
		}),
		AdmissionRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_admission_rejected_total",
			Help: "Total TCP connections rejected by the admission controller, by decision reason.",
		}, []string{"reason"}),

		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_frontend_requests_total",
			Help: "Total HTTP requests handled by the front end.",
		}),
		RequestsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aegis_frontend_requests_blocked_total",
			Help: "Total HTTP requests blocked by WAF or sandbox inspection.",
		}),

		FleetActiveNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_fleet_active_nodes",
			Help: "Number of mitigation nodes the orchestrator considers active.",
		}),
		FleetAvgCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_fleet_avg_cpu_percent",
			Help: "Fleet-wide average CPU utilization across active nodes.",
		}),
		FleetAvgMem: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_fleet_avg_mem_percent",
			Help: "Fleet-wide average memory utilization across active nodes.",
		}),
	}
}

// Register attaches every collector in r to reg.
func (r *Registry) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		r.PacketsProcessed, r.PacketsDropped, r.PacketsPassed, r.MapInsertFailures, r.BlockedIPs,
		r.WafRequestsInspected, r.WafMatches,
		r.SandboxModulesLoaded, r.SandboxInspectErrors,
		r.AdmissionAccepted, r.AdmissionRejected,
		r.RequestsTotal, r.RequestsBlocked,
		r.FleetActiveNodes, r.FleetAvgCPU, r.FleetAvgMem,
	)
}
