package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/lobsterd/lobsterd/pkg/events"
	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	"github.com/lobsterd/lobsterd/pkg/types"
	"github.com/robfig/cron/v3"
)

// NextWakeMs evaluates a tenant's cron wake policy against now and
// returns the next wake time in unix milliseconds, or 0 when the tenant
// has no policy or the expression does not parse.
func NextWakeMs(cronSpec string, now time.Time) int64 {
	if cronSpec == "" {
		return 0
	}
	sched, err := cron.ParseStandard(cronSpec)
	if err != nil {
		return 0
	}
	return sched.Next(now).UnixMilli()
}

// Suspend stops an active tenant's VM while keeping its identity,
// storage and routing intent: rx counter recorded, guest asked to shut
// down (signals as fallback), proxy route removed, row flipped to
// suspended. trigger is "" for operator-initiated suspends.
func (e *Engine) Suspend(ctx context.Context, name, trigger string, progress Progress) (*types.Tenant, error) {
	if err := e.acquire(name); err != nil {
		return nil, err
	}
	defer e.release(name)

	r, err := e.Store.Load()
	if err != nil {
		return nil, err
	}
	t := r.Find(name)
	if t == nil {
		return nil, lobsterderr.New(lobsterderr.TenantNotFound, fmt.Sprintf("tenant %q not in registry", name))
	}
	if t.Status != types.StatusActive {
		return nil, lobsterderr.New(lobsterderr.ValidationFailed, fmt.Sprintf("tenant %q is %s, not active", name, t.Status))
	}
	t = t.Clone()

	logger := e.logger.With().Str("tenant", name).Str("op", "suspend").Logger()
	e.emit(&events.Event{Type: events.EventSuspendStart, Tenant: name, Trigger: trigger})
	fail := func(stepName string, cause error) (*types.Tenant, error) {
		report(progress, Step{Op: "suspend", Tenant: name, Name: stepName, Err: cause})
		e.emit(&events.Event{Type: events.EventSuspendFailed, Tenant: name, Trigger: trigger, Error: cause.Error()})
		return nil, cause
	}
	step := func(stepName, detail string) {
		report(progress, Step{Op: "suspend", Tenant: name, Name: stepName, Detail: detail})
	}

	// Record the rx counter first: any traffic arriving after this point
	// bumps the counter past the recorded value and wakes the tenant.
	rx, err := e.Deps.RxBytes(t.TapDev)
	if err != nil {
		return fail("rx-bytes", err)
	}
	step("rx-bytes", fmt.Sprintf("%d", rx))

	// Graceful in-guest shutdown, then signals.
	shCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_ = e.agent(t).Shutdown(shCtx, 5*time.Second)
	cancel()
	if t.VMPid != 0 {
		if err := e.Deps.VMM.Stop(ctx, t.VMPid, shutdownGrace); err != nil {
			return fail("vm-stop", err)
		}
	}
	step("vm-stop", "")

	if err := e.Deps.Proxy.RemoveRoute(ctx, name); err != nil {
		return fail("proxy-route", err)
	}
	step("proxy-route", "")

	nextWake := NextWakeMs(t.CronSpec, e.Deps.Clock())
	t.Status = types.StatusSuspended
	t.VMPid = 0
	t.SuspendInfo = &types.SuspendInfo{
		LastRxBytes:   rx,
		NextWakeAtMs:  nextWake,
		SuspendedAtMs: e.NowMs(),
	}
	if err := e.saveTenant(ctx, t); err != nil {
		return fail("persist", err)
	}
	step("suspended", "")

	e.emit(&events.Event{Type: events.EventSuspendComplete, Tenant: name, Trigger: trigger, NextWakeAtMs: nextWake})
	logger.Info().Str("trigger", trigger).Uint64("rx_bytes", rx).Msg("Tenant suspended")
	return t.Clone(), nil
}

// Resume relaunches a suspended tenant's VM and reinstates its route.
// The tenant keeps its uid, cid and gateway port; only the pid is new.
func (e *Engine) Resume(ctx context.Context, name, trigger string, progress Progress) (*types.Tenant, error) {
	if err := e.acquire(name); err != nil {
		return nil, err
	}
	defer e.release(name)

	r, err := e.Store.Load()
	if err != nil {
		return nil, err
	}
	t := r.Find(name)
	if t == nil {
		return nil, lobsterderr.New(lobsterderr.TenantNotFound, fmt.Sprintf("tenant %q not in registry", name))
	}
	if t.Status != types.StatusSuspended {
		return nil, lobsterderr.New(lobsterderr.ValidationFailed, fmt.Sprintf("tenant %q is %s, not suspended", name, t.Status))
	}
	t = t.Clone()

	logger := e.logger.With().Str("tenant", name).Str("op", "resume").Logger()
	e.emit(&events.Event{Type: events.EventResumeStart, Tenant: name, Trigger: trigger})
	fail := func(stepName string, cause error) (*types.Tenant, error) {
		report(progress, Step{Op: "resume", Tenant: name, Name: stepName, Err: cause})
		e.emit(&events.Event{Type: events.EventResumeFailed, Tenant: name, Trigger: trigger, Error: cause.Error()})
		return nil, cause
	}
	step := func(stepName, detail string) {
		report(progress, Step{Op: "resume", Tenant: name, Name: stepName, Detail: detail})
	}

	// The jail may have been cleaned between suspends (host reboot, tmp
	// reaper); re-prepare it if missing.
	if !e.Deps.Chroot.Exists(name) {
		if err := e.Deps.Chroot.Prepare(t); err != nil {
			return fail("chroot", err)
		}
	}
	step("chroot", "")

	pid, err := e.Deps.VMM.Launch(ctx, t)
	if err != nil {
		return fail("launch", err)
	}
	t.VMPid = pid
	step("launch", fmt.Sprintf("pid=%d", pid))

	agent := e.agent(t)
	if err := agent.WaitReady(ctx, agentWaitTimeout); err != nil {
		return fail("agent-wait", err)
	}
	if err := agent.InjectSecrets(ctx, e.SecretsFor(t)); err != nil {
		return fail("inject-secrets", err)
	}
	if err := agent.LaunchOpenclaw(ctx); err != nil {
		return fail("launch-openclaw", err)
	}
	step("agent", "")

	if err := e.Deps.Proxy.AddRoute(ctx, e.Route(t)); err != nil {
		return fail("proxy-route", err)
	}
	step("proxy-route", "")

	t.Status = types.StatusActive
	t.SuspendInfo = nil
	if err := e.saveTenant(ctx, t); err != nil {
		return fail("persist", err)
	}
	step("active", "")

	e.emit(&events.Event{Type: events.EventResumeComplete, Tenant: name, Trigger: trigger, VMPid: pid})
	logger.Info().Str("trigger", trigger).Int("pid", pid).Msg("Tenant resumed")
	return t.Clone(), nil
}
