package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/lobsterd/lobsterd/pkg/types"
)

// FakeVMM is an in-memory VMM for engine/scheduler/reconciler tests.
type FakeVMM struct {
	mu        sync.Mutex
	NextPID   int
	Running   map[int]bool
	LaunchErr error
	Launches  int
}

func NewFakeVMM() *FakeVMM {
	return &FakeVMM{NextPID: 1000, Running: map[int]bool{}}
}

func (v *FakeVMM) Launch(ctx context.Context, t *types.Tenant) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.LaunchErr != nil {
		return 0, v.LaunchErr
	}
	v.NextPID++
	v.Running[v.NextPID] = true
	v.Launches++
	return v.NextPID, nil
}

func (v *FakeVMM) Stop(ctx context.Context, pid int, grace time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.Running, pid)
	return nil
}

func (v *FakeVMM) Alive(pid int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.Running[pid]
}

// Kill marks pid dead out-of-band, as if the process crashed.
func (v *FakeVMM) Kill(pid int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.Running, pid)
}

// FakeChroot is an in-memory ChrootManager.
type FakeChroot struct {
	mu         sync.Mutex
	Prepared   map[string]bool
	PrepareErr error
}

func NewFakeChroot() *FakeChroot {
	return &FakeChroot{Prepared: map[string]bool{}}
}

func (c *FakeChroot) Prepare(t *types.Tenant) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PrepareErr != nil {
		return c.PrepareErr
	}
	c.Prepared[t.Name] = true
	return nil
}

func (c *FakeChroot) Cleanup(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Prepared, name)
	return nil
}

func (c *FakeChroot) Exists(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Prepared[name]
}

// FakeKeys is an in-memory KeyManager.
type FakeKeys struct {
	mu   sync.Mutex
	Keys map[string]bool
}

func NewFakeKeys() *FakeKeys { return &FakeKeys{Keys: map[string]bool{}} }

func (k *FakeKeys) Generate(name string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.Keys[name] = true
	return "ssh-ed25519 AAAAfake " + name, nil
}

func (k *FakeKeys) Remove(name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.Keys, name)
	return nil
}

// FakeAgent is an in-memory AgentClient. The zero value answers every
// call successfully with zero active connections.
type FakeAgent struct {
	mu          sync.Mutex
	Connections int
	PingErr     error
	WaitErr     error
	InjectErr   error
	Secrets     map[string]string
	Shutdowns   int
}

func (a *FakeAgent) WaitReady(ctx context.Context, timeout time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.WaitErr
}

func (a *FakeAgent) HealthPing(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.PingErr
}

func (a *FakeAgent) InjectSecrets(ctx context.Context, secrets map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.InjectErr != nil {
		return a.InjectErr
	}
	a.Secrets = secrets
	return nil
}

func (a *FakeAgent) LaunchOpenclaw(ctx context.Context) error { return nil }

func (a *FakeAgent) Shutdown(ctx context.Context, timeout time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Shutdowns++
	return nil
}

func (a *FakeAgent) GetActiveConnections(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.PingErr != nil {
		return 0, a.PingErr
	}
	return a.Connections, nil
}

func (a *FakeAgent) FetchLogs(ctx context.Context, service string) (string, error) {
	return "fake logs\n", nil
}

// SetConnections updates the reported in-guest connection count.
func (a *FakeAgent) SetConnections(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Connections = n
}

// SetUnreachable makes every probe fail with err (nil restores health).
func (a *FakeAgent) SetUnreachable(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.PingErr = err
}

// FakeDialer hands out one FakeAgent per cid, creating them on demand.
type FakeDialer struct {
	mu     sync.Mutex
	Agents map[uint32]*FakeAgent
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{Agents: map[uint32]*FakeAgent{}}
}

func (d *FakeDialer) Dial(cid uint32, token string) AgentClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.Agents[cid]
	if !ok {
		a = &FakeAgent{}
		d.Agents[cid] = a
	}
	return a
}

// Agent returns the agent for cid, creating it if needed, so tests can
// shape its behavior before the engine dials it.
func (d *FakeDialer) Agent(cid uint32) *FakeAgent {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.Agents[cid]
	if !ok {
		a = &FakeAgent{}
		d.Agents[cid] = a
	}
	return a
}

// FakeClock is a settable clock for deterministic timestamps.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock { return &FakeClock{now: start} }

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// FakeRx is a settable rx-byte counter per tap device.
type FakeRx struct {
	mu    sync.Mutex
	Bytes map[string]uint64
}

func NewFakeRx() *FakeRx { return &FakeRx{Bytes: map[string]uint64{}} }

func (r *FakeRx) Read(tap string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Bytes[tap], nil
}

func (r *FakeRx) Set(tap string, n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Bytes[tap] = n
}
