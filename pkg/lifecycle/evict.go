package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	"github.com/lobsterd/lobsterd/pkg/registry"
	"github.com/lobsterd/lobsterd/pkg/types"
)

// shutdownGrace is how long evict/suspend wait between SIGTERM and
// SIGKILL on the VM process.
const shutdownGrace = 10 * time.Second

// Evict tears a tenant down in reverse spawn order. Every step is
// idempotent (missing resources are skipped, not errors) so Evict can
// finish a half-built tenant or re-run after a partial failure. With
// finalSnapshot, the dataset is snapshotted before it is destroyed.
func (e *Engine) Evict(ctx context.Context, name string, finalSnapshot bool, progress Progress) error {
	if err := e.acquire(name); err != nil {
		return err
	}
	defer e.release(name)
	return e.evictLocked(ctx, name, finalSnapshot, progress)
}

// evictLocked is Evict without the gate, for callers (spawn rollback)
// that already hold the tenant's in-flight slot.
func (e *Engine) evictLocked(ctx context.Context, name string, finalSnapshot bool, progress Progress) error {
	r, err := e.Store.Load()
	if err != nil {
		return err
	}
	t := r.Find(name)
	if t == nil {
		return lobsterderr.New(lobsterderr.TenantNotFound, fmt.Sprintf("tenant %q not in registry", name))
	}
	t = t.Clone()

	logger := e.logger.With().Str("tenant", name).Str("op", "evict").Logger()
	step := func(stepName, detail string) {
		report(progress, Step{Op: "evict", Tenant: name, Name: stepName, Detail: detail})
	}
	// Teardown keeps going past individual failures; the first error is
	// surfaced at the end, after everything else had its chance to go.
	var firstErr error
	keep := func(stepName string, err error) {
		if err == nil {
			return
		}
		logger.Warn().Err(err).Str("step", stepName).Msg("Evict step failed, continuing")
		if firstErr == nil {
			firstErr = err
		}
	}

	// Mark the row evicting so a concurrent molt leaves it alone.
	t.Status = types.StatusEvicting
	t.SuspendInfo = nil
	if err := e.saveTenant(ctx, t); err != nil {
		return err
	}

	keep("proxy-route", e.Deps.Proxy.RemoveRoute(ctx, name))
	step("proxy-route", "")

	if t.VMPid != 0 {
		// Ask the guest first; fall back to signals.
		shCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = e.agent(t).Shutdown(shCtx, 5*time.Second)
		cancel()
		keep("vm-stop", e.Deps.VMM.Stop(ctx, t.VMPid, shutdownGrace))
		t.VMPid = 0
	}
	step("vm-stop", "")

	keep("firewall", e.Deps.Net.RemoveTenantDrop(ctx, t.UID))
	keep("tap", e.Deps.Net.DeleteTap(t.TapDev))
	step("network", "")

	keep("chroot", e.Deps.Chroot.Cleanup(name))
	step("chroot", "")

	if finalSnapshot {
		if _, err := e.Deps.ZFS.Snapshot(e.DatasetPath(name), "final-"+e.Deps.Clock().UTC().Format("20060102T150405Z")); err != nil {
			keep("zfs-final-snapshot", err)
		}
	}
	keep("zfs-dataset", e.Deps.ZFS.DestroyDataset(e.DatasetPath(name), true))
	step("zfs-dataset", "")

	keep("ssh-keys", e.Deps.Keys.Remove(name))
	step("ssh-keys", "")

	// The row goes last so a crash anywhere above leaves it in place for
	// molt to find and finish.
	if _, err := e.Store.Mutate(ctx, func(r *types.Registry) error {
		registry.Remove(r, name)
		return nil
	}); err != nil {
		keep("registry", err)
	}
	step("removed", "")

	if firstErr != nil {
		return firstErr
	}
	logger.Info().Msg("Tenant evicted")
	return nil
}
