/*
Package metrics provides Prometheus metrics collection and exposition for
lobsterd.

The metrics package defines and registers all lobsterd metrics using the
Prometheus client library, providing observability into the tenant catalog,
lifecycle operation latency, watchdog activity, and reconciliation health.
Metrics are exposed via HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (tenants by status)  │          │
	│  │  Counter: Monotonic (suspends, wakes)       │          │
	│  │  Histogram: Distributions (spawn latency)   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Collector + Handler                │          │
	│  │  - Collector polls the registry (15s)       │          │
	│  │  - /metrics served by `watch --daemon`      │          │
	│  └────────────────────────────────────────────┘          │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

# Metric Inventory

Tenant catalog:

	lobsterd_tenants_total{status}       Tenants by lifecycle status
	lobsterd_tenants_degraded_total      Crossings into degraded

Lifecycle operations:

	lobsterd_spawn_duration_seconds      End-to-end spawn latency
	lobsterd_evict_duration_seconds      Teardown latency
	lobsterd_suspend_duration_seconds    Suspend latency
	lobsterd_resume_duration_seconds     Resume latency
	lobsterd_suspends_total{trigger}     Completed suspends by trigger
	lobsterd_resumes_total{trigger}      Completed resumes by trigger
	lobsterd_operation_failures_total{op}

Watchdog:

	lobsterd_idle_checks_total           Idle-loop probes
	lobsterd_agent_unreachable_total     Failed agent probes
	lobsterd_traffic_wakes_total         Wakes from tap traffic

Reconciler:

	lobsterd_molt_duration_seconds       Full-cycle latency
	lobsterd_molt_cycles_total           Cycles run
	lobsterd_molt_repairs_total{resource}

# Alerting Hints

Degraded Tenants:
  - Alert: increase(lobsterd_tenants_degraded_total[30m]) > 0
  - Action: run `lobsterd molt <name>` manually, inspect failures

Agent Flapping:
  - Alert: rate(lobsterd_agent_unreachable_total[5m]) > 0.5
  - Action: check vsock module, guest agent health

Slow Resumes:
  - Alert: histogram_quantile(0.95, lobsterd_resume_duration_seconds_bucket) > 30
  - Action: check host load, chroot relink cost, agent boot time

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
