// Package types defines the data model shared by every lobsterd package:
// the Tenant record, the on-disk Registry that owns it, and the small
// value types (status enums, suspend bookkeeping) that travel with them.
package types

import "time"

// Status is the lifecycle state of a Tenant.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusSuspended    Status = "suspended"
	StatusDegraded     Status = "degraded"
	StatusEvicting     Status = "evicting"
)

// SuspendInfo is present on a Tenant iff Status == StatusSuspended.
type SuspendInfo struct {
	LastRxBytes   uint64 `json:"lastRxBytes"`
	NextWakeAtMs  int64  `json:"nextWakeAtMs,omitempty"`
	SuspendedAtMs int64  `json:"suspendedAtMs"`
}

// Tenant is the principal entity lobsterd manages: one isolated microVM
// with its own UID, vsock CID, tap device, ZFS-backed home and reverse
// proxy route.
type Tenant struct {
	Name        string `json:"name"`
	UID         int    `json:"uid"`
	CID         uint32 `json:"cid"`
	GatewayPort int    `json:"gatewayPort"`
	IPAddress   string `json:"ipAddress"` // host side of the /30
	GuestIP     string `json:"guestIP"`   // guest side of the /30
	TapDev      string `json:"tapDev"`
	VMID        string `json:"vmId"`
	VMPid       int    `json:"vmPid,omitempty"`
	AgentToken  string `json:"agentToken"`
	HomePath    string `json:"homePath"`

	Status      Status       `json:"status"`
	SuspendInfo *SuspendInfo `json:"suspendInfo,omitempty"`

	SSHPublicKey string    `json:"sshPublicKey"`
	CreatedAt    time.Time `json:"createdAt"`

	// CronSpec is an optional 5-field cron expression controlling a
	// scheduled wake. Empty means no cron wake policy for this tenant.
	CronSpec string `json:"cronSpec,omitempty"`

	// OpenclawConfig seeds the in-guest gateway on inject-secrets/
	// launch-openclaw vsock calls. Never required.
	OpenclawConfig map[string]string `json:"openclawConfig,omitempty"`

	// RepairAttempts counts consecutive failed molt repairs since the
	// tenant last went healthy; starts at zero on spawn and is reset to
	// zero by a molt that finds the tenant healthy (resume leaves it as
	// is). Once it exceeds the watchdog config's maxRepairAttempts, the
	// tenant is marked StatusDegraded.
	RepairAttempts int       `json:"repairAttempts"`
	LastMoltAt     time.Time `json:"lastMoltAt,omitempty"`
}

// IsSuspended reports whether the tenant is currently suspended.
func (t *Tenant) IsSuspended() bool { return t.Status == StatusSuspended }

// Clone returns a deep-enough copy of t for callers that need to mutate a
// tenant without touching the version stored in a Registry snapshot.
func (t *Tenant) Clone() *Tenant {
	c := *t
	if t.SuspendInfo != nil {
		si := *t.SuspendInfo
		c.SuspendInfo = &si
	}
	if t.OpenclawConfig != nil {
		c.OpenclawConfig = make(map[string]string, len(t.OpenclawConfig))
		for k, v := range t.OpenclawConfig {
			c.OpenclawConfig[k] = v
		}
	}
	return &c
}

// Registry is the persistent root: every tenant lobsterd knows about, plus
// the two monotone allocators that hand out UIDs and gateway ports.
type Registry struct {
	Version         int       `json:"version"`
	Tenants         []*Tenant `json:"tenants"`
	NextUID         int       `json:"nextUid"`
	NextGatewayPort int       `json:"nextGatewayPort"`
}

// CurrentRegistryVersion is written into every saved Registry; molt and
// the CLI refuse to operate on a registry with a newer version than they
// understand.
const CurrentRegistryVersion = 1

// Find returns the tenant with the given name, or nil.
func (r *Registry) Find(name string) *Tenant {
	for _, t := range r.Tenants {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Empty returns a freshly initialized, empty registry using the
// allocator start values from config.
func Empty(uidStart, gatewayPortStart int) *Registry {
	return &Registry{
		Version:         CurrentRegistryVersion,
		Tenants:         []*Tenant{},
		NextUID:         uidStart,
		NextGatewayPort: gatewayPortStart,
	}
}
