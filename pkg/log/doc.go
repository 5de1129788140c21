/*
Package log provides structured logging for lobsterd using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Architecture

lobsterd's logging system provides structured JSON logging with minimal
overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Child Loggers                       │          │
	│  │  - WithComponent("scheduler")               │          │
	│  │  - WithTenant("alice")                      │          │
	│  │  - WithOp("spawn")                          │          │
	│  └────────────────────────────────────────────┘          │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

# Usage

Initialize once at process start, then derive child loggers per
component, tenant, or lifecycle operation:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("lifecycle")
	logger.Info().
		Str("tenant", "alice").
		Int("uid", 10000).
		Msg("Tenant spawned")

Console output (JSONOutput: false) is what the lobsterd CLI initializes
for every command, the watch daemon included; JSONOutput: true switches
to one JSON object per line.

# Conventions

Components log under a stable "component" key (lifecycle, scheduler,
reconciler, bootstrap) so a single host's stream can be filtered per
subsystem. Tenant-scoped messages always carry a "tenant" key, and
lifecycle operations carry "op", matching the step names the progress
stream uses.

Do:
  - Use child loggers for recurring context
  - Log errors with .Err() so causes chain
  - Include identifiers (tenant, uid, pid)

Don't:
  - Log secrets (agent tokens, injected material)
  - Use Debug level in production
  - Log in tight loops (the watchdog ticks every few seconds)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
