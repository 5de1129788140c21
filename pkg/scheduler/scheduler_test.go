package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lobsterd/lobsterd/pkg/config"
	"github.com/lobsterd/lobsterd/pkg/driver/network"
	"github.com/lobsterd/lobsterd/pkg/driver/proxy"
	"github.com/lobsterd/lobsterd/pkg/driver/zfs"
	"github.com/lobsterd/lobsterd/pkg/events"
	"github.com/lobsterd/lobsterd/pkg/lifecycle"
	"github.com/lobsterd/lobsterd/pkg/registry"
	"github.com/lobsterd/lobsterd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rig struct {
	engine *lifecycle.Engine
	sched  *Scheduler
	broker *events.Broker
	dialer *lifecycle.FakeDialer
	clock  *lifecycle.FakeClock
	rx     *lifecycle.FakeRx
	vmm    *lifecycle.FakeVMM
	proxy  *proxy.Fake
}

func newRig(t *testing.T) *rig {
	t.Helper()
	cfg := config.Default()
	store := registry.New(t.TempDir())

	r := &rig{
		dialer: lifecycle.NewFakeDialer(),
		clock:  lifecycle.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		rx:     lifecycle.NewFakeRx(),
		vmm:    lifecycle.NewFakeVMM(),
		proxy:  proxy.NewFake(),
	}
	r.broker = events.NewBroker()
	r.broker.Start()
	t.Cleanup(r.broker.Stop)

	tokens := 0
	r.engine = lifecycle.New(cfg, store, lifecycle.Deps{
		ZFS:     zfs.NewFake(),
		Net:     network.NewFake(),
		Proxy:   r.proxy,
		VMM:     r.vmm,
		Chroot:  lifecycle.NewFakeChroot(),
		Keys:    lifecycle.NewFakeKeys(),
		Dial:    r.dialer.Dial,
		RxBytes: r.rx.Read,
		Clock:   r.clock.Now,
		Token: func() string {
			tokens++
			return fmt.Sprintf("token-%d", tokens)
		},
	}, r.broker)
	r.sched = New(r.engine)
	return r
}

func (r *rig) spawn(t *testing.T, name string) *types.Tenant {
	t.Helper()
	tenant, err := r.engine.Spawn(context.Background(), name, nil)
	require.NoError(t, err)
	return tenant
}

// waitInFlightDrained blocks until no scheduled operation is running.
func (r *rig) waitInFlightDrained(t *testing.T, name string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !r.engine.InFlight(name) {
			// One more settle round for the goroutine's bookkeeping.
			time.Sleep(10 * time.Millisecond)
			if !r.engine.InFlight(name) {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operation on %s never drained", name)
}

func status(t *testing.T, r *rig, name string) types.Status {
	t.Helper()
	reg, err := r.engine.Store.Load()
	require.NoError(t, err)
	row := reg.Find(name)
	require.NotNil(t, row)
	return row.Status
}

func TestIdleTickSuspendsAfterThreshold(t *testing.T) {
	r := newRig(t)
	tenant := r.spawn(t, "alice")
	r.dialer.Agent(tenant.CID).SetConnections(0)

	ctx := context.Background()

	// First sighting only marks the tenant idle.
	r.sched.idleTick(ctx)
	assert.Equal(t, types.StatusActive, status(t, r, "alice"))

	// Under the threshold: still active.
	r.clock.Advance(30 * time.Second)
	r.sched.idleTick(ctx)
	r.waitInFlightDrained(t, "alice")
	assert.Equal(t, types.StatusActive, status(t, r, "alice"))

	// Past the threshold: suspended.
	r.clock.Advance(31 * time.Second)
	r.sched.idleTick(ctx)
	r.waitInFlightDrained(t, "alice")
	assert.Equal(t, types.StatusSuspended, status(t, r, "alice"))
}

func TestIdleTickActiveConnectionsClearTheMark(t *testing.T) {
	r := newRig(t)
	tenant := r.spawn(t, "alice")
	agent := r.dialer.Agent(tenant.CID)

	ctx := context.Background()
	agent.SetConnections(0)
	r.sched.idleTick(ctx)

	// Traffic arrives; the idle mark resets.
	agent.SetConnections(3)
	r.clock.Advance(2 * time.Minute)
	r.sched.idleTick(ctx)
	assert.Equal(t, types.StatusActive, status(t, r, "alice"))

	// Idle again: the threshold counts from the new mark, not the old one.
	agent.SetConnections(0)
	r.sched.idleTick(ctx)
	r.clock.Advance(30 * time.Second)
	r.sched.idleTick(ctx)
	r.waitInFlightDrained(t, "alice")
	assert.Equal(t, types.StatusActive, status(t, r, "alice"))
}

func TestIdleTickUnreachableAgentDoesNotAdvance(t *testing.T) {
	r := newRig(t)
	tenant := r.spawn(t, "alice")
	agent := r.dialer.Agent(tenant.CID)

	ctx := context.Background()
	agent.SetConnections(0)
	r.sched.idleTick(ctx)

	// Agent goes dark past the threshold; no suspend may fire.
	agent.SetUnreachable(errors.New("connection refused"))
	r.clock.Advance(5 * time.Minute)
	r.sched.idleTick(ctx)
	r.waitInFlightDrained(t, "alice")
	assert.Equal(t, types.StatusActive, status(t, r, "alice"))

	// Agent comes back still idle: the old mark resumes counting.
	agent.SetUnreachable(nil)
	r.sched.idleTick(ctx)
	r.waitInFlightDrained(t, "alice")
	assert.Equal(t, types.StatusSuspended, status(t, r, "alice"))
}

func TestTrafficTickResumesOnRxIncrease(t *testing.T) {
	r := newRig(t)
	tenant := r.spawn(t, "alice")
	r.rx.Set(tenant.TapDev, 1000)
	_, err := r.engine.Suspend(context.Background(), "alice", "", nil)
	require.NoError(t, err)

	// No new traffic: stays suspended.
	r.sched.trafficTick(context.Background())
	r.waitInFlightDrained(t, "alice")
	assert.Equal(t, types.StatusSuspended, status(t, r, "alice"))

	// One byte in: resumed within a tick.
	r.rx.Set(tenant.TapDev, 1001)
	r.sched.trafficTick(context.Background())
	r.waitInFlightDrained(t, "alice")
	assert.Equal(t, types.StatusActive, status(t, r, "alice"))
}

func TestTrafficTickCounterResetRebasesWatermark(t *testing.T) {
	r := newRig(t)
	tenant := r.spawn(t, "alice")
	r.rx.Set(tenant.TapDev, 100000)
	_, err := r.engine.Suspend(context.Background(), "alice", "", nil)
	require.NoError(t, err)

	// Counter wrapped to a lower value (tap recreated): not activity.
	r.rx.Set(tenant.TapDev, 40)
	r.sched.trafficTick(context.Background())
	r.waitInFlightDrained(t, "alice")
	assert.Equal(t, types.StatusSuspended, status(t, r, "alice"))

	reg, err := r.engine.Store.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(40), reg.Find("alice").SuspendInfo.LastRxBytes)

	// The next real byte wakes it.
	r.rx.Set(tenant.TapDev, 41)
	r.sched.trafficTick(context.Background())
	r.waitInFlightDrained(t, "alice")
	assert.Equal(t, types.StatusActive, status(t, r, "alice"))
}

func TestTriggerDropsWhileInFlight(t *testing.T) {
	r := newRig(t)
	tenant := r.spawn(t, "alice")
	r.rx.Set(tenant.TapDev, 10)
	_, err := r.engine.Suspend(context.Background(), "alice", "", nil)
	require.NoError(t, err)

	// Hold the tenant's slot: every trigger must be dropped, not queued.
	release, err := r.engine.Begin("alice")
	require.NoError(t, err)

	var ran int
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		r.sched.trigger("alice", "test", func(name string) error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		})
	}
	r.sched.wg.Wait()
	release()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, ran, "triggers against an in-flight tenant are dropped")
}

func TestConcurrentTriggersRunOperationOnce(t *testing.T) {
	r := newRig(t)
	tenant := r.spawn(t, "alice")
	r.rx.Set(tenant.TapDev, 10)
	_, err := r.engine.Suspend(context.Background(), "alice", "", nil)
	require.NoError(t, err)

	// A burst of traffic triggers racing for the same tenant.
	r.rx.Set(tenant.TapDev, 11)
	for i := 0; i < 8; i++ {
		r.sched.trafficTick(context.Background())
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && status(t, r, "alice") != types.StatusActive {
		time.Sleep(5 * time.Millisecond)
	}
	r.sched.wg.Wait()

	assert.Equal(t, types.StatusActive, status(t, r, "alice"))
	// Exactly two launches total: the spawn and the single resume.
	assert.Equal(t, 2, r.vmm.Launches)
}

func TestStopRefusesNewTriggers(t *testing.T) {
	r := newRig(t)
	tenant := r.spawn(t, "alice")
	r.rx.Set(tenant.TapDev, 10)
	_, err := r.engine.Suspend(context.Background(), "alice", "", nil)
	require.NoError(t, err)

	r.sched.Stop()

	r.rx.Set(tenant.TapDev, 999)
	r.sched.trafficTick(context.Background())
	r.sched.wg.Wait()
	assert.Equal(t, types.StatusSuspended, status(t, r, "alice"))
}

func TestCronWakeArmsAndDisarms(t *testing.T) {
	r := newRig(t)
	tenant := r.spawn(t, "alice")
	_, err := r.engine.Store.Mutate(context.Background(), func(reg *types.Registry) error {
		// Every minute, the smallest standard cron cadence, so the test
		// can observe an arm without waiting for a wall-clock fire.
		reg.Find("alice").CronSpec = "* * * * *"
		return nil
	})
	require.NoError(t, err)
	r.rx.Set(tenant.TapDev, 10)
	_, err = r.engine.Suspend(context.Background(), "alice", "", nil)
	require.NoError(t, err)

	r.sched.armCron("alice")
	r.sched.mu.Lock()
	_, armed := r.sched.cronIDs["alice"]
	r.sched.mu.Unlock()
	assert.True(t, armed)

	// Arming twice is a no-op.
	r.sched.armCron("alice")
	r.sched.mu.Lock()
	assert.Len(t, r.sched.cronIDs, 1)
	r.sched.mu.Unlock()

	// After a resume by other means, disarmCron drops the pending wake.
	_, err = r.engine.Resume(context.Background(), "alice", "", nil)
	require.NoError(t, err)
	r.sched.disarmCron("alice")
	r.sched.mu.Lock()
	assert.Empty(t, r.sched.cronIDs)
	r.sched.mu.Unlock()
}

func TestSuspendEventsReachSubscribers(t *testing.T) {
	r := newRig(t)
	tenant := r.spawn(t, "alice")
	r.dialer.Agent(tenant.CID).SetConnections(0)

	sub := r.broker.Subscribe()
	defer r.broker.Unsubscribe(sub)

	ctx := context.Background()
	r.sched.idleTick(ctx)
	r.clock.Advance(2 * time.Minute)
	r.sched.idleTick(ctx)
	r.waitInFlightDrained(t, "alice")

	var got []events.EventType
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub:
			got = append(got, ev.Type)
			assert.Equal(t, "alice", ev.Tenant)
			assert.Equal(t, "idle", ev.Trigger)
		case <-timeout:
			t.Fatalf("timed out, events so far: %v", got)
		}
	}
	assert.Equal(t, []events.EventType{events.EventSuspendStart, events.EventSuspendComplete}, got)
}
