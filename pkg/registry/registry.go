// Package registry is the authoritative on-disk catalog of tenants and
// their allocators, and the sole source of truth for tenant existence.
// Every other package reads and writes tenant state only through
// Load/Save/Mutate here.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/lobsterd/lobsterd/pkg/config"
	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	"github.com/lobsterd/lobsterd/pkg/types"
)

// Store is the registry store bound to one config directory: one
// canonical, human-readable JSON file plus the advisory lock that
// serializes mutations to it.
type Store struct {
	configDir string
	lock      *flock.Flock
}

// New returns a Store rooted at configDir (normally config.DefaultConfigDir).
func New(configDir string) *Store {
	return &Store{
		configDir: configDir,
		lock:      flock.New(filepath.Join(configDir, ".registry.lock")),
	}
}

func (s *Store) path() string {
	return filepath.Join(s.configDir, "registry.json")
}

// Load reads the registry file. A missing file returns an empty registry,
// not an error.
func (s *Store) Load() (*types.Registry, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return types.Empty(0, 0), nil
		}
		return nil, lobsterderr.Wrap(lobsterderr.RegistryCorrupt, "read registry", err)
	}
	var r types.Registry
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, lobsterderr.Wrap(lobsterderr.RegistryCorrupt, "parse registry", err)
	}
	if r.Version > types.CurrentRegistryVersion {
		return nil, lobsterderr.New(lobsterderr.RegistryCorrupt,
			fmt.Sprintf("registry version %d is newer than supported version %d", r.Version, types.CurrentRegistryVersion))
	}
	if r.Tenants == nil {
		r.Tenants = []*types.Tenant{}
	}
	return &r, nil
}

// Save writes r atomically: a temp file in the same directory followed by
// a rename, so a crash mid-write never leaves registry.json truncated.
// encoding/json already emits map keys in sorted order, and Tenants is a
// plain slice in caller-controlled order, so two saves of an equal
// Registry produce byte-identical output.
func (s *Store) Save(r *types.Registry) error {
	if r.Version == 0 {
		r.Version = types.CurrentRegistryVersion
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := config.AtomicWriteFile(s.path(), data, 0o600); err != nil {
		return lobsterderr.Wrap(lobsterderr.RegistryCorrupt, "save registry", err)
	}
	return nil
}

// lockTimeout bounds how long Mutate waits for the advisory file lock
// before giving up with RegistryLocked, rather than blocking forever.
const lockTimeout = 5 * time.Second

// Mutate loads the registry, applies fn, saves the result and returns it.
// The whole load-apply-save sequence runs under an exclusive advisory
// lock on the config directory, so two processes can never
// interleave reads and writes of registry.json. Allocators
// (NextUID/NextGatewayPort) must only ever be advanced inside fn.
func (s *Store) Mutate(ctx context.Context, fn func(*types.Registry) error) (*types.Registry, error) {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil || !locked {
		return nil, lobsterderr.New(lobsterderr.RegistryLocked, "registry is locked by another operation")
	}
	defer s.lock.Unlock()

	r, err := s.Load()
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	if err := s.Save(r); err != nil {
		return nil, err
	}
	return r, nil
}

// AllocateUID returns the next UID and advances the allocator. Must only
// be called from inside Mutate.
func AllocateUID(r *types.Registry) int {
	uid := r.NextUID
	r.NextUID++
	return uid
}

// AllocateGatewayPort returns the next gateway port and advances the
// allocator. Must only be called from inside Mutate.
func AllocateGatewayPort(r *types.Registry) int {
	p := r.NextGatewayPort
	r.NextGatewayPort++
	return p
}

// CIDForUID is the cid = uid - uidStart + 3 relation, a named function
// rather than an inline formula scattered across call sites. CIDs 0-2
// are reserved by the vsock transport.
func CIDForUID(uid, uidStart int) uint32 {
	return uint32(uid - uidStart + 3)
}

// Insert appends t to the registry, failing with TenantExists if the name
// is already present. Must only be called from inside Mutate.
func Insert(r *types.Registry, t *types.Tenant) error {
	if r.Find(t.Name) != nil {
		return lobsterderr.New(lobsterderr.TenantExists, fmt.Sprintf("tenant %q already exists", t.Name))
	}
	r.Tenants = append(r.Tenants, t)
	return nil
}

// Remove deletes the tenant row with the given name. Missing rows are not
// an error (evict's final step is allowed to be a no-op on a retry).
func Remove(r *types.Registry, name string) {
	for i, t := range r.Tenants {
		if t.Name == name {
			r.Tenants = append(r.Tenants[:i], r.Tenants[i+1:]...)
			return
		}
	}
}
