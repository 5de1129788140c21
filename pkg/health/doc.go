/*
Package health provides host-side health check primitives for lobsterd.

This package implements three kinds of probes: HTTP, TCP, and Exec. The
bootstrap uses them to verify the reverse proxy's admin API before
loading the base config, and the dashboard commands use them to probe
tenant gateway ports without going through the proxy. Checks against the
in-guest agent go over vsock instead and live with the vsock client.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                   Health Check System                       │
	└─────┬──────────────────────────────────────────────────────┘
	      │
	      ▼
	┌──────────────────────────────────────────────────────────────┐
	│                     Checker Interface                        │
	│  • Check(ctx) Result                                         │
	│  • Type() CheckType                                          │
	└────────┬─────────────────────────────────────────────────────┘
	         │
	    ┌────┴──────┬──────────┐
	    ▼           ▼          ▼
	┌────────┐  ┌──────┐  ┌────────┐
	│  HTTP  │  │ TCP  │  │  Exec  │
	│Checker │  │Checker│ │Checker │
	└────────┘  └──────┘  └────────┘

## Checker Interface

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

Callers don't need to know the check type, just call Check() and
interpret the Result.

## Result Structure

All checks return a standardized Result:

	type Result struct {
		Healthy   bool          // Check passed?
		Message   string        // Human-readable message
		CheckedAt time.Time     // When check ran
		Duration  time.Duration // How long check took
	}

# Usage Examples

## HTTP Health Check

	// Probe the reverse proxy's admin API before touching routes.
	checker := health.NewHTTPChecker("http://127.0.0.1:2019/config/")
	result := checker.Check(ctx)
	if !result.Healthy {
		// proxy not running; init fails here
	}

## TCP Health Check

	// Is anything listening on a tenant's gateway port?
	checker := health.NewTCPChecker("127.0.0.1:9000")
	result := checker.Check(ctx)

## Exec Health Check

	// Command exits 0 when healthy.
	checker := health.NewExecChecker([]string{"zpool", "status", "-x", "tank"})
	result := checker.Check(ctx)

# Design Notes

Checks are single-shot and side-effect free. Callers that probe
repeatedly can track a target's streaks with Status, whose Update
applies the Config.Retries threshold before flipping to unhealthy, so a
single transient failure never flaps a target. Every check honors its
context and carries its own timeout default so a wedged target cannot
stall a bootstrap or dashboard render.
*/
package health
