package reconciler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lobsterd/lobsterd/pkg/config"
	"github.com/lobsterd/lobsterd/pkg/driver/network"
	"github.com/lobsterd/lobsterd/pkg/driver/proxy"
	"github.com/lobsterd/lobsterd/pkg/driver/zfs"
	"github.com/lobsterd/lobsterd/pkg/lifecycle"
	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	"github.com/lobsterd/lobsterd/pkg/registry"
	"github.com/lobsterd/lobsterd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rig struct {
	engine *lifecycle.Engine
	rec    *Reconciler
	zfs    *zfs.Fake
	net    *network.Fake
	proxy  *proxy.Fake
	vmm    *lifecycle.FakeVMM
	chroot *lifecycle.FakeChroot
	dialer *lifecycle.FakeDialer
}

func newRig(t *testing.T) *rig {
	t.Helper()
	cfg := config.Default()
	store := registry.New(t.TempDir())

	r := &rig{
		zfs:    zfs.NewFake(),
		net:    network.NewFake(),
		proxy:  proxy.NewFake(),
		vmm:    lifecycle.NewFakeVMM(),
		chroot: lifecycle.NewFakeChroot(),
		dialer: lifecycle.NewFakeDialer(),
	}
	rx := lifecycle.NewFakeRx()
	tokens := 0
	r.engine = lifecycle.New(cfg, store, lifecycle.Deps{
		ZFS:     r.zfs,
		Net:     r.net,
		Proxy:   r.proxy,
		VMM:     r.vmm,
		Chroot:  r.chroot,
		Keys:    lifecycle.NewFakeKeys(),
		Dial:    r.dialer.Dial,
		RxBytes: rx.Read,
		Clock:   time.Now,
		Token: func() string {
			tokens++
			return fmt.Sprintf("token-%d", tokens)
		},
	}, nil)
	r.rec = New(r.engine)
	return r
}

func (r *rig) spawn(t *testing.T, name string) *types.Tenant {
	t.Helper()
	tenant, err := r.engine.Spawn(context.Background(), name, nil)
	require.NoError(t, err)
	return tenant
}

func TestMoltHealthyTenantTakesNoActions(t *testing.T) {
	r := newRig(t)
	r.spawn(t, "alice")

	res, err := r.rec.Molt(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, res.Healthy)
	assert.Empty(t, res.Actions)
	assert.Empty(t, res.Failures)

	// Idempotency: a second run is also action-free.
	res, err = r.rec.Molt(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, res.Healthy)
	assert.Empty(t, res.Actions)
}

func TestMoltReinstatesDeletedProxyRoute(t *testing.T) {
	r := newRig(t)
	r.spawn(t, "alice")
	require.NoError(t, r.proxy.RemoveRoute(context.Background(), "alice"))

	res, err := r.rec.Molt(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, res.Healthy)
	assert.Equal(t, []string{"proxy-route"}, res.Actions)
	assert.Contains(t, r.proxy.Routes, "alice")
}

func TestMoltRecreatesMissingDataset(t *testing.T) {
	r := newRig(t)
	r.spawn(t, "alice")
	require.NoError(t, r.zfs.DestroyDataset("tank/lobsterd/tenants/alice", true))

	res, err := r.rec.Molt(context.Background(), "alice")
	require.NoError(t, err)
	assert.Contains(t, res.Actions, "zfs-dataset")
	assert.True(t, r.zfs.Datasets["tank/lobsterd/tenants/alice"])
}

func TestMoltRecreatesMissingTap(t *testing.T) {
	r := newRig(t)
	tenant := r.spawn(t, "alice")
	require.NoError(t, r.net.DeleteTap(tenant.TapDev))

	res, err := r.rec.Molt(context.Background(), "alice")
	require.NoError(t, err)
	assert.Contains(t, res.Actions, "tap")
	assert.Equal(t, tenant.UID, r.net.Taps[tenant.TapDev])
	assert.Equal(t, tenant.IPAddress, r.net.Addrs[tenant.TapDev])
}

func TestMoltRelaunchesDeadVM(t *testing.T) {
	r := newRig(t)
	tenant := r.spawn(t, "alice")
	r.vmm.Kill(tenant.VMPid)

	res, err := r.rec.Molt(context.Background(), "alice")
	require.NoError(t, err)
	assert.Contains(t, res.Actions, "vm")

	reg, err := r.engine.Store.Load()
	require.NoError(t, err)
	row := reg.Find("alice")
	assert.NotZero(t, row.VMPid)
	assert.NotEqual(t, tenant.VMPid, row.VMPid)
	assert.True(t, r.vmm.Alive(row.VMPid))
}

func TestMoltCompletesInitializingTenant(t *testing.T) {
	r := newRig(t)
	tenant := r.spawn(t, "alice")

	// Rewind to a mid-spawn crash shape: row exists, status never
	// flipped, VM gone.
	r.vmm.Kill(tenant.VMPid)
	_, err := r.engine.Store.Mutate(context.Background(), func(reg *types.Registry) error {
		row := reg.Find("alice")
		row.Status = types.StatusInitializing
		row.VMPid = 0
		return nil
	})
	require.NoError(t, err)

	res, err := r.rec.Molt(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, res.Healthy)

	reg, err := r.engine.Store.Load()
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, reg.Find("alice").Status)
}

func TestMoltEnforcesSuspendedShape(t *testing.T) {
	r := newRig(t)
	tenant := r.spawn(t, "alice")
	_, err := r.engine.Suspend(context.Background(), "alice", "", nil)
	require.NoError(t, err)

	// A stray route and pid sneak back in.
	require.NoError(t, r.proxy.AddRoute(context.Background(), r.engine.Route(tenant)))
	_, err = r.engine.Store.Mutate(context.Background(), func(reg *types.Registry) error {
		reg.Find("alice").VMPid = 99999
		return nil
	})
	require.NoError(t, err)

	res, err := r.rec.Molt(context.Background(), "alice")
	require.NoError(t, err)
	assert.Contains(t, res.Actions, "proxy-route-removed")
	assert.Contains(t, res.Actions, "vm-stop")
	assert.NotContains(t, r.proxy.Routes, "alice")

	reg, err := r.engine.Store.Load()
	require.NoError(t, err)
	assert.Zero(t, reg.Find("alice").VMPid)
}

func TestMoltMarksDegradedAfterRepeatedFailures(t *testing.T) {
	r := newRig(t)
	tenant := r.spawn(t, "alice")

	// VM down and unlaunchable: every cycle fails the vm repair.
	r.vmm.Kill(tenant.VMPid)
	r.vmm.LaunchErr = errors.New("kvm exhausted")

	max := r.engine.Cfg.Watchdog.MaxRepairAttempts
	for i := 0; i <= max; i++ {
		res, err := r.rec.Molt(context.Background(), "alice")
		require.NoError(t, err)
		assert.False(t, res.Healthy)
	}

	reg, err := r.engine.Store.Load()
	require.NoError(t, err)
	assert.Equal(t, types.StatusDegraded, reg.Find("alice").Status)

	// Degraded tenants are left alone until the operator steps in.
	_, err = r.rec.Molt(context.Background(), "alice")
	assert.ErrorIs(t, err, lobsterderr.Of(lobsterderr.RepairExceeded))

	// And the sweep skips them without launching anything.
	launches := r.vmm.Launches
	_, err = r.rec.MoltAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, launches, r.vmm.Launches)
}

func TestMoltAllCollectsOrphans(t *testing.T) {
	r := newRig(t)
	r.spawn(t, "alice")

	// An orphan route and dataset with no registry row behind them.
	require.NoError(t, r.proxy.AddRoute(context.Background(), proxy.Route{
		Name: "ghost", Host: "ghost.lobster.local", Target: "127.0.0.1:9999",
	}))
	require.NoError(t, r.zfs.CreateDataset("tank/lobsterd/tenants/ghost", "10G", "lz4"))

	_, err := r.rec.MoltAll(context.Background())
	require.NoError(t, err)

	assert.NotContains(t, r.proxy.Routes, "ghost")
	assert.False(t, r.zfs.Datasets["tank/lobsterd/tenants/ghost"])
	// The real tenant's resources survive the sweep.
	assert.Contains(t, r.proxy.Routes, "alice")
	assert.True(t, r.zfs.Datasets["tank/lobsterd/tenants/alice"])
}

func TestMoltSkipsInFlightTenant(t *testing.T) {
	r := newRig(t)
	r.spawn(t, "alice")

	release, err := r.engine.Begin("alice")
	require.NoError(t, err)
	defer release()

	res, err := r.rec.Molt(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, res.Actions)
}

func TestMoltUnknownTenant(t *testing.T) {
	r := newRig(t)
	_, err := r.rec.Molt(context.Background(), "ghost")
	assert.Error(t, err)
}
