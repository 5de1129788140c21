/*
Package reconciler provides failure detection and automatic repair for
lobsterd tenants.

The reconciler ("molt") continuously compares each tenant's declared
resources against what actually exists on the host, taking the smallest
recreating action for anything missing or mismatched. It is the recovery
path for crashed spawns, host reboots, and operator mistakes: as long as
the registry row survives, molt converges the live system back to it.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                  Reconciliation Loop                       │
	│              (every repairCooldownMs)                      │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	    ┌────────────┴────────────┐
	    │                         │
	    ▼                         ▼
	┌─────────────────┐   ┌──────────────────┐
	│ Per-tenant molt │   │ Orphan collection│
	└─────┬───────────┘   └──────┬───────────┘
	      │                      │
	      ▼                      ▼
	  Check dataset,         Remove routes and
	  tap, firewall,         datasets no registry
	  chroot, VM, agent,     row claims
	  proxy route
	      │
	      ▼
	  Repair smallest unit, count failures,
	  degrade past maxRepairAttempts

# Checks Per Tenant

Every tenant, regardless of status:

  - ZFS dataset exists (recreate with configured quota/compression)
  - Tap device present with the right host address (recreate/re-address)
  - Firewall bypass and drop rules in place (re-add)

Active (and crashed-mid-spawn) tenants additionally:

  - Jail chroot present (re-prepare)
  - VM process alive (relaunch, wait for agent, re-inject secrets)
  - Agent answering health-ping (counted as failure when silent)
  - Proxy route present with the right host and target (re-add)

Suspended tenants instead:

  - No VM pid recorded (stop stray process, clear pid)
  - No proxy route (remove; traffic must hit the tap, not the proxy)

# Constraints

The reconciler never allocates UIDs or ports, and never deletes a tenant
row. Tenants currently owned by another operation are skipped for the
cycle. A tenant that keeps failing past maxRepairAttempts flips to
degraded and is left alone until the operator intervenes (usually evict,
or a manual status reset after fixing the host).

Repair is bounded per cycle, not per resource: one cycle attempts every
broken resource once, then records success or failure as a whole.

# Tuning

1. Cycle Interval (repairCooldownMs)
  - Default 30s keeps repair traffic negligible
  - Reduce for hosts where tenant uptime is critical
  - Always > the watchdog interval so suspend/resume settles between cycles

2. Repair Bound (maxRepairAttempts)
  - Default 5 tolerates transient host issues
  - Lower it when failing tenants hold scarce resources (tap names, ports)

# See Also

  - pkg/lifecycle - The operations molt re-enters
  - pkg/scheduler - The watchdog whose gate molt shares
  - pkg/registry - The catalog molt converges toward
*/
package reconciler
