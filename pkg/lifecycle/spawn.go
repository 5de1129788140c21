package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/lobsterd/lobsterd/pkg/registry"
	"github.com/lobsterd/lobsterd/pkg/types"
)

// agentWaitTimeout bounds the post-launch poll for the in-guest agent.
const agentWaitTimeout = 60 * time.Second

// Spawn creates a tenant end to end: registry row first (so the
// allocations survive a crash), then dataset, network, keys, chroot, VM,
// agent handshake and proxy route, and finally the row flips to active.
// Any failure after the row exists rolls back with a best-effort Evict
// and surfaces the original error.
func (e *Engine) Spawn(ctx context.Context, name string, progress Progress) (*types.Tenant, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := e.acquire(name); err != nil {
		return nil, err
	}
	defer e.release(name)

	logger := e.logger.With().Str("tenant", name).Str("op", "spawn").Logger()
	step := func(stepName, detail string) {
		report(progress, Step{Op: "spawn", Tenant: name, Name: stepName, Detail: detail})
	}

	// Step 1: reserve allocations. The row is written before any live
	// resource exists so a crash cannot leak a uid or port.
	var t *types.Tenant
	_, err := e.Store.Mutate(ctx, func(r *types.Registry) error {
		if r.NextUID == 0 {
			r.NextUID = e.Cfg.Tenants.UIDStart
			r.NextGatewayPort = e.Cfg.Tenants.GatewayPortStart
		}
		uid := registry.AllocateUID(r)
		port := registry.AllocateGatewayPort(r)
		token := e.Deps.Token()
		t = &types.Tenant{
			Name:        name,
			UID:         uid,
			CID:         registry.CIDForUID(uid, e.Cfg.Tenants.UIDStart),
			GatewayPort: port,
			TapDev:      TapName(name),
			VMID:        name,
			AgentToken:  token,
			HomePath:    filepath.Join(e.Cfg.Tenants.HomeBase, name),
			Status:      types.StatusInitializing,
			CreatedAt:   e.Deps.Clock().UTC(),
		}
		host, guest := AddrPair(uid - e.Cfg.Tenants.UIDStart)
		t.IPAddress = host
		t.GuestIP = guest
		return registry.Insert(r, t)
	})
	if err != nil {
		return nil, err
	}
	step("reserve", fmt.Sprintf("uid=%d port=%d cid=%d", t.UID, t.GatewayPort, t.CID))

	fail := func(stepName string, cause error) (*types.Tenant, error) {
		report(progress, Step{Op: "spawn", Tenant: name, Name: stepName, Err: cause})
		logger.Error().Err(cause).Str("step", stepName).Msg("Spawn failed, rolling back")
		// Rollback needs the in-flight slot this spawn still holds.
		if rbErr := e.evictLocked(ctx, name, false, nil); rbErr != nil {
			logger.Error().Err(rbErr).Msg("Rollback evict failed; molt will finish the teardown")
		}
		return nil, cause
	}

	// Step 2: dataset.
	if err := e.Deps.ZFS.CreateDataset(e.DatasetPath(name), e.Cfg.ZFS.DefaultQuota, e.Cfg.ZFS.Compression); err != nil {
		return fail("zfs-dataset", err)
	}
	step("zfs-dataset", e.DatasetPath(name))

	// Step 3: tap, addresses, firewall.
	if err := e.Deps.Net.CreateTap(t.TapDev, t.UID); err != nil {
		return fail("tap", err)
	}
	if err := e.Deps.Net.AssignAddress(t.TapDev, t.IPAddress, t.GuestIP); err != nil {
		return fail("tap-address", err)
	}
	if err := e.Deps.Net.AddUIDBypass(ctx, t.UID); err != nil {
		return fail("firewall", err)
	}
	if err := e.Deps.Net.AddTenantDrop(ctx, t.UID); err != nil {
		return fail("firewall", err)
	}
	step("network", t.TapDev)

	// Step 4: SSH keypair.
	pub, err := e.Deps.Keys.Generate(name)
	if err != nil {
		return fail("ssh-keys", err)
	}
	t.SSHPublicKey = pub
	step("ssh-keys", "")

	// Step 5: jailer chroot.
	if err := e.Deps.Chroot.Prepare(t); err != nil {
		return fail("chroot", err)
	}
	step("chroot", "")

	// Step 6: launch the VM.
	pid, err := e.Deps.VMM.Launch(ctx, t)
	if err != nil {
		return fail("launch", err)
	}
	t.VMPid = pid
	step("launch", fmt.Sprintf("pid=%d", pid))

	// Step 7: wait for the in-guest agent.
	agent := e.agent(t)
	if err := agent.WaitReady(ctx, agentWaitTimeout); err != nil {
		return fail("agent-wait", err)
	}
	step("agent-wait", "")

	// Step 8: inject secrets and start the gateway.
	if err := agent.InjectSecrets(ctx, e.SecretsFor(t)); err != nil {
		return fail("inject-secrets", err)
	}
	if err := agent.LaunchOpenclaw(ctx); err != nil {
		return fail("launch-openclaw", err)
	}
	step("inject-secrets", "")

	// Step 9: proxy route.
	if err := e.Deps.Proxy.AddRoute(ctx, e.Route(t)); err != nil {
		return fail("proxy-route", err)
	}
	step("proxy-route", e.RouteHost(name))

	// Step 10: mark active.
	t.Status = types.StatusActive
	if err := e.saveTenant(ctx, t); err != nil {
		return fail("persist", err)
	}
	step("active", "")
	logger.Info().Int("uid", t.UID).Int("pid", t.VMPid).Msg("Tenant spawned")
	return t.Clone(), nil
}
