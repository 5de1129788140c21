// Package lifecycle is the tenant lifecycle engine: it composes the
// resource drivers into the spawn, evict, suspend, resume and snap
// operations, serializes them per tenant through an in-flight gate,
// reports progress as structured steps to a caller-supplied callback, and
// publishes suspend/resume events to the event broker.
package lifecycle

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lobsterd/lobsterd/pkg/config"
	"github.com/lobsterd/lobsterd/pkg/driver/network"
	"github.com/lobsterd/lobsterd/pkg/driver/proxy"
	"github.com/lobsterd/lobsterd/pkg/driver/zfs"
	"github.com/lobsterd/lobsterd/pkg/events"
	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	"github.com/lobsterd/lobsterd/pkg/log"
	"github.com/lobsterd/lobsterd/pkg/registry"
	"github.com/lobsterd/lobsterd/pkg/types"
	"github.com/rs/zerolog"
)

// AgentClient is the in-guest agent RPC surface the engine needs. It is
// satisfied by *vsock.Client and by fakes in tests.
type AgentClient interface {
	WaitReady(ctx context.Context, timeout time.Duration) error
	HealthPing(ctx context.Context) error
	InjectSecrets(ctx context.Context, secrets map[string]string) error
	LaunchOpenclaw(ctx context.Context) error
	Shutdown(ctx context.Context, timeout time.Duration) error
	GetActiveConnections(ctx context.Context) (int, error)
	FetchLogs(ctx context.Context, service string) (string, error)
}

// AgentDialer builds an AgentClient for one tenant's cid and token.
type AgentDialer func(cid uint32, token string) AgentClient

// VMM launches and stops the jailed Firecracker process for a tenant.
type VMM interface {
	Launch(ctx context.Context, t *types.Tenant) (pid int, err error)
	// Stop terminates pid: SIGTERM, then SIGKILL after grace. Stopping a
	// pid that is already gone is not an error.
	Stop(ctx context.Context, pid int, grace time.Duration) error
	Alive(pid int) bool
}

// ChrootManager prepares and tears down a tenant's jail directory.
type ChrootManager interface {
	Prepare(t *types.Tenant) error
	Cleanup(name string) error
	Exists(name string) bool
}

// KeyManager generates and removes per-tenant SSH keypairs.
type KeyManager interface {
	Generate(name string) (publicKey string, err error)
	Remove(name string) error
}

// Step is one progress report from a lifecycle operation. Err is nil for
// a step that completed and non-nil for the step that failed the
// operation.
type Step struct {
	Op     string
	Tenant string
	Name   string
	Detail string
	Err    error
}

// Progress receives Steps as an operation advances. A nil Progress is
// valid and drops them.
type Progress func(Step)

// Deps bundles everything the engine drives. Each field has a production
// implementation wired by the CLI and a fake wired by tests.
type Deps struct {
	ZFS     zfs.Driver
	Net     network.Driver
	Proxy   proxy.Driver
	VMM     VMM
	Chroot  ChrootManager
	Keys    KeyManager
	Dial    AgentDialer
	RxBytes func(tapDev string) (uint64, error)

	// Clock returns the current time; tests pin it.
	Clock func() time.Time

	// Token mints a fresh agent bearer token per tenant.
	Token func() string
}

// Engine is the tenant lifecycle engine.
type Engine struct {
	Cfg   *config.LobsterdConfig
	Store *registry.Store
	Deps  Deps

	broker *events.Broker
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New returns an engine over the given store and drivers. broker may be
// nil when no event consumers exist (one-shot CLI commands).
func New(cfg *config.LobsterdConfig, store *registry.Store, deps Deps, broker *events.Broker) *Engine {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Token == nil {
		deps.Token = func() string { return uuid.New().String() }
	}
	return &Engine{
		Cfg:      cfg,
		Store:    store,
		Deps:     deps,
		broker:   broker,
		logger:   log.WithComponent("lifecycle"),
		inflight: make(map[string]struct{}),
	}
}

// acquire claims the tenant's in-flight slot. Concurrent operations on
// the same tenant fail instead of queueing; the caller (the watchdog's
// next tick, or an operator retry) decides whether to try again.
func (e *Engine) acquire(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[name]; busy {
		return lobsterderr.New(lobsterderr.OperationInFlight, fmt.Sprintf("operation already in flight for tenant %q", name))
	}
	e.inflight[name] = struct{}{}
	return nil
}

func (e *Engine) release(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, name)
}

// Begin claims name's in-flight slot for an external operation (the
// reconciler's per-tenant repair) and returns its release func.
func (e *Engine) Begin(name string) (func(), error) {
	if err := e.acquire(name); err != nil {
		return nil, err
	}
	return func() { e.release(name) }, nil
}

// InFlight reports whether an operation currently holds name's slot.
func (e *Engine) InFlight(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, busy := e.inflight[name]
	return busy
}

func (e *Engine) emit(ev *events.Event) {
	if e.broker != nil {
		e.broker.Publish(ev)
	}
}

func report(p Progress, s Step) {
	if p != nil {
		p(s)
	}
}

// dnsLabel is the shape a tenant name must have.
var dnsLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateName checks that name is a DNS label.
func ValidateName(name string) error {
	if !dnsLabel.MatchString(name) {
		return lobsterderr.New(lobsterderr.ValidationFailed, fmt.Sprintf("tenant name %q is not a DNS label", name))
	}
	return nil
}

// TapName derives the host tap interface name for a tenant. Interface
// names are capped at 15 bytes (IFNAMSIZ minus the terminator), so long
// tenant names are truncated.
func TapName(name string) string {
	tap := "tap-" + name
	if len(tap) > 15 {
		tap = tap[:15]
	}
	return tap
}

// AddrPair derives the host/guest sides of a tenant's /30 from its
// allocation index (uid - uidStart). Each tenant owns a disjoint 4-address
// block inside 169.254.0.0/16.
func AddrPair(idx int) (hostCIDR, guestCIDR string) {
	base := idx * 4
	host := fmt.Sprintf("169.254.%d.%d/30", base/256, base%256+1)
	guest := fmt.Sprintf("169.254.%d.%d/30", base/256, base%256+2)
	return host, guest
}

// DatasetPath returns the tenant's ZFS dataset path.
func (e *Engine) DatasetPath(name string) string {
	return e.Cfg.ZFS.ParentDataset + "/" + name
}

// RouteHost returns the public hostname routed to a tenant's gateway.
func (e *Engine) RouteHost(name string) string {
	domain := ""
	if e.Cfg.Caddy != nil {
		domain = e.Cfg.Caddy.Domain
	} else if e.Cfg.Nginx != nil {
		domain = e.Cfg.Nginx.Domain
	}
	return name + "." + domain
}

// Route builds the tenant's reverse-proxy route.
func (e *Engine) Route(t *types.Tenant) proxy.Route {
	return proxy.Route{
		Name:   t.Name,
		Host:   e.RouteHost(t.Name),
		Target: fmt.Sprintf("127.0.0.1:%d", t.GatewayPort),
	}
}

// SecretsFor assembles the material injected into the guest after boot:
// the gateway bearer token, the guest side of the tap /30, and the
// openclaw seed config.
func (e *Engine) SecretsFor(t *types.Tenant) map[string]string {
	_, guest := AddrPair(t.UID - e.Cfg.Tenants.UIDStart)
	secrets := map[string]string{
		"agent-token":  t.AgentToken,
		"guest-ip":     guest,
		"gateway-port": fmt.Sprintf("%d", t.GatewayPort),
	}
	if e.Cfg.Openclaw.InstallPath != "" {
		secrets["openclaw-install-path"] = e.Cfg.Openclaw.InstallPath
	}
	for k, v := range e.Cfg.Openclaw.DefaultConfig {
		secrets["openclaw-"+k] = v
	}
	for k, v := range e.Cfg.Openclaw.APIKeys {
		secrets["openclaw-key-"+k] = v
	}
	// Per-tenant overrides win over host defaults.
	for k, v := range t.OpenclawConfig {
		secrets["openclaw-"+k] = v
	}
	return secrets
}

// agent returns the RPC client for t.
func (e *Engine) agent(t *types.Tenant) AgentClient {
	return e.Deps.Dial(t.CID, t.AgentToken)
}

// saveTenant persists an updated tenant row under the registry lock.
func (e *Engine) saveTenant(ctx context.Context, t *types.Tenant) error {
	_, err := e.Store.Mutate(ctx, func(r *types.Registry) error {
		row := r.Find(t.Name)
		if row == nil {
			return lobsterderr.New(lobsterderr.TenantNotFound, fmt.Sprintf("tenant %q not in registry", t.Name))
		}
		*row = *t
		return nil
	})
	return err
}

// NowMs returns the engine's clock in unix milliseconds.
func (e *Engine) NowMs() int64 { return e.Deps.Clock().UnixMilli() }
