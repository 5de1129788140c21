package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/lobsterd/lobsterd/pkg/lifecycle"
	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	"github.com/lobsterd/lobsterd/pkg/log"
	"github.com/lobsterd/lobsterd/pkg/metrics"
	"github.com/lobsterd/lobsterd/pkg/types"
	"github.com/rs/zerolog"
)

// MoltResult reports one tenant's reconciliation: the repairs taken and
// the resource kinds that could not be repaired.
type MoltResult struct {
	Name     string   `json:"name"`
	Healthy  bool     `json:"healthy"`
	Actions  []string `json:"actions"`
	Failures []string `json:"failures"`
}

// Reconciler brings live resources back into alignment with the
// registry. It never allocates uids or ports and never deletes tenant
// rows; the only registry writes it makes are status flips (degraded, or
// initializing to active), the recorded VM pid, and repair bookkeeping.
type Reconciler struct {
	engine *lifecycle.Engine
	logger zerolog.Logger
	stopCh chan struct{}
}

// New returns a reconciler over the engine's store and drivers.
func New(engine *lifecycle.Engine) *Reconciler {
	return &Reconciler{
		engine: engine,
		logger: log.WithComponent("reconciler"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the background reconciliation loop, cadenced by
// repairCooldownMs.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	interval := time.Duration(r.engine.Cfg.Watchdog.RepairCooldownMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", interval).Msg("Reconciler started")
	for {
		select {
		case <-ticker.C:
			if _, err := r.MoltAll(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("Reconciler stopped")
			return
		}
	}
}

// MoltAll reconciles every tenant, then garbage-collects orphan
// resources that no registry row claims.
func (r *Reconciler) MoltAll(ctx context.Context) ([]*MoltResult, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.MoltDuration)
		metrics.MoltCyclesTotal.Inc()
	}()

	reg, err := r.engine.Store.Load()
	if err != nil {
		return nil, err
	}
	results := make([]*MoltResult, 0, len(reg.Tenants))
	for _, t := range reg.Tenants {
		res := r.moltTenant(ctx, t.Clone())
		if res != nil {
			results = append(results, res)
		}
	}
	if err := r.collectOrphans(ctx, reg); err != nil {
		r.logger.Warn().Err(err).Msg("Orphan collection failed")
	}
	return results, nil
}

// Molt reconciles a single tenant by name. A tenant past its repair
// bound is not touched; the caller gets RepairExceeded until the
// operator clears it.
func (r *Reconciler) Molt(ctx context.Context, name string) (*MoltResult, error) {
	reg, err := r.engine.Store.Load()
	if err != nil {
		return nil, err
	}
	t := reg.Find(name)
	if t == nil {
		return nil, lobsterderr.New(lobsterderr.TenantNotFound, fmt.Sprintf("tenant %q not in registry", name))
	}
	if t.Status == types.StatusDegraded {
		return nil, lobsterderr.New(lobsterderr.RepairExceeded,
			fmt.Sprintf("tenant %q exceeded %d repair attempts; evict it or reset its status", name, r.engine.Cfg.Watchdog.MaxRepairAttempts))
	}
	res := r.moltTenant(ctx, t.Clone())
	if res == nil {
		// Tenant was busy or evicting; report it untouched rather than
		// failing the whole command.
		return &MoltResult{Name: name, Healthy: t.Status == types.StatusActive || t.Status == types.StatusSuspended}, nil
	}
	return res, nil
}

// moltTenant checks and repairs one tenant. Returns nil when the tenant
// was skipped (in-flight, evicting, or degraded).
func (r *Reconciler) moltTenant(ctx context.Context, t *types.Tenant) *MoltResult {
	switch t.Status {
	case types.StatusEvicting:
		return nil
	case types.StatusDegraded:
		// Operator cleared via evict or manual status reset; until then,
		// hands off.
		return nil
	}

	release, err := r.engine.Begin(t.Name)
	if err != nil {
		// Another operation owns the tenant right now; the next cycle
		// will see the settled state.
		return nil
	}
	defer release()

	res := &MoltResult{Name: t.Name}
	logger := r.logger.With().Str("tenant", t.Name).Logger()
	deps := r.engine.Deps

	repair := func(kind string, fn func() error) {
		if err := fn(); err != nil {
			logger.Warn().Err(err).Str("resource", kind).Msg("Repair failed")
			res.Failures = append(res.Failures, kind)
			return
		}
		res.Actions = append(res.Actions, kind)
		metrics.MoltRepairsTotal.WithLabelValues(kind).Inc()
	}

	// Dataset.
	exists, err := deps.ZFS.DatasetExists(r.engine.DatasetPath(t.Name))
	if err != nil {
		res.Failures = append(res.Failures, "zfs-dataset")
	} else if !exists {
		repair("zfs-dataset", func() error {
			return deps.ZFS.CreateDataset(r.engine.DatasetPath(t.Name), r.engine.Cfg.ZFS.DefaultQuota, r.engine.Cfg.ZFS.Compression)
		})
	}

	// Tap and address.
	addr, err := deps.Net.TapAddress(t.TapDev)
	if err != nil {
		res.Failures = append(res.Failures, "tap")
	} else if addr == "" {
		repair("tap", func() error {
			if err := deps.Net.CreateTap(t.TapDev, t.UID); err != nil {
				return err
			}
			return deps.Net.AssignAddress(t.TapDev, t.IPAddress, t.GuestIP)
		})
	} else if addr != t.IPAddress {
		repair("tap-address", func() error {
			return deps.Net.AssignAddress(t.TapDev, t.IPAddress, t.GuestIP)
		})
	}

	// Firewall rules.
	if ok, err := deps.Net.HasUIDBypass(ctx, t.UID); err == nil && !ok {
		repair("firewall-bypass", func() error { return deps.Net.AddUIDBypass(ctx, t.UID) })
	}
	if ok, err := deps.Net.HasTenantDrop(ctx, t.UID); err == nil && !ok {
		repair("firewall-drop", func() error { return deps.Net.AddTenantDrop(ctx, t.UID) })
	}

	switch t.Status {
	case types.StatusActive, types.StatusInitializing:
		r.moltRunning(ctx, t, res, repair)
	case types.StatusSuspended:
		r.moltSuspended(ctx, t, res, repair)
	}

	r.persistOutcome(ctx, t, res)
	return res
}

// moltRunning repairs the resources an active tenant must have: chroot,
// live VM process, responsive agent, proxy route. A tenant that crashed
// mid-spawn (still initializing) is completed here through the same
// checks and flips to active once everything is healthy.
func (r *Reconciler) moltRunning(ctx context.Context, t *types.Tenant, res *MoltResult, repair func(string, func() error)) {
	deps := r.engine.Deps

	if !deps.Chroot.Exists(t.Name) {
		repair("chroot", func() error { return deps.Chroot.Prepare(t) })
	}

	if t.VMPid == 0 || !deps.VMM.Alive(t.VMPid) {
		repair("vm", func() error {
			pid, err := deps.VMM.Launch(ctx, t)
			if err != nil {
				return err
			}
			t.VMPid = pid
			agent := deps.Dial(t.CID, t.AgentToken)
			if err := agent.WaitReady(ctx, 60*time.Second); err != nil {
				return err
			}
			if err := agent.InjectSecrets(ctx, r.engine.SecretsFor(t)); err != nil {
				return err
			}
			return agent.LaunchOpenclaw(ctx)
		})
	} else {
		// Process is alive; is the agent answering?
		agent := deps.Dial(t.CID, t.AgentToken)
		if err := agent.HealthPing(ctx); err != nil {
			res.Failures = append(res.Failures, "agent")
		}
	}

	routes, err := deps.Proxy.ListRoutes(ctx)
	if err != nil {
		res.Failures = append(res.Failures, "proxy-route")
		return
	}
	found := false
	want := r.engine.Route(t)
	for _, route := range routes {
		if route.Name == t.Name && route.Host == want.Host && route.Target == want.Target {
			found = true
			break
		}
	}
	if !found {
		repair("proxy-route", func() error { return deps.Proxy.AddRoute(ctx, want) })
	}
}

// moltSuspended enforces a suspended tenant's quiescent shape: no VM
// pid, no proxy route; tap and dataset stay for wake-on-traffic.
func (r *Reconciler) moltSuspended(ctx context.Context, t *types.Tenant, res *MoltResult, repair func(string, func() error)) {
	deps := r.engine.Deps

	if t.VMPid != 0 {
		pid := t.VMPid
		repair("vm-stop", func() error {
			if deps.VMM.Alive(pid) {
				if err := deps.VMM.Stop(ctx, pid, 10*time.Second); err != nil {
					return err
				}
			}
			t.VMPid = 0
			return nil
		})
	}

	routes, err := deps.Proxy.ListRoutes(ctx)
	if err != nil {
		res.Failures = append(res.Failures, "proxy-route")
		return
	}
	for _, route := range routes {
		if route.Name == t.Name {
			repair("proxy-route-removed", func() error { return deps.Proxy.RemoveRoute(ctx, t.Name) })
			break
		}
	}
}

// persistOutcome writes the repair bookkeeping back to the registry:
// healthy tenants reset their attempt counter (an initializing one
// graduates to active), failing tenants count up toward degraded.
func (r *Reconciler) persistOutcome(ctx context.Context, t *types.Tenant, res *MoltResult) {
	res.Healthy = len(res.Failures) == 0
	maxAttempts := r.engine.Cfg.Watchdog.MaxRepairAttempts

	_, err := r.engine.Store.Mutate(ctx, func(reg *types.Registry) error {
		row := reg.Find(t.Name)
		if row == nil {
			return nil
		}
		row.VMPid = t.VMPid
		row.LastMoltAt = r.engine.Deps.Clock().UTC()
		if res.Healthy {
			row.RepairAttempts = 0
			if row.Status == types.StatusInitializing {
				row.Status = types.StatusActive
			}
		} else {
			row.RepairAttempts++
			if maxAttempts > 0 && row.RepairAttempts > maxAttempts {
				r.logger.Warn().Str("tenant", t.Name).Int("attempts", row.RepairAttempts).Msg("Repair bound exceeded, marking degraded")
				row.Status = types.StatusDegraded
				metrics.TenantsDegradedTotal.Inc()
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error().Err(err).Str("tenant", t.Name).Msg("Failed to persist molt outcome")
	}
}

// collectOrphans removes live resources no registry row claims: proxy
// routes and child datasets of the tenant parent. Unclaimed jail
// directories, tap devices and firewall rules are not collected.
func (r *Reconciler) collectOrphans(ctx context.Context, reg *types.Registry) error {
	deps := r.engine.Deps
	known := make(map[string]bool, len(reg.Tenants))
	for _, t := range reg.Tenants {
		known[t.Name] = true
	}

	routes, err := deps.Proxy.ListRoutes(ctx)
	if err != nil {
		return err
	}
	for _, route := range routes {
		if !known[route.Name] {
			r.logger.Info().Str("route", route.Name).Msg("Removing orphan proxy route")
			if err := deps.Proxy.RemoveRoute(ctx, route.Name); err != nil {
				r.logger.Warn().Err(err).Str("route", route.Name).Msg("Failed to remove orphan route")
			}
		}
	}

	children, err := deps.ZFS.ListChildren(r.engine.Cfg.ZFS.ParentDataset)
	if err != nil {
		return err
	}
	for _, name := range children {
		if !known[name] {
			r.logger.Info().Str("dataset", name).Msg("Destroying orphan dataset")
			if err := deps.ZFS.DestroyDataset(r.engine.Cfg.ZFS.ParentDataset+"/"+name, true); err != nil {
				r.logger.Warn().Err(err).Str("dataset", name).Msg("Failed to destroy orphan dataset")
			}
		}
	}
	return nil
}
