package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	"github.com/lobsterd/lobsterd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsEmptyRegistry(t *testing.T) {
	s := New(t.TempDir())

	r, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, r.Tenants)
	assert.Equal(t, 0, r.NextUID)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	want := types.Empty(10000, 9000)
	want.Tenants = append(want.Tenants, &types.Tenant{
		Name: "alice", UID: 10000, CID: 3, GatewayPort: 9000,
		TapDev: "tap-alice", Status: types.StatusActive,
	})
	want.NextUID = 10001
	want.NextGatewayPort = 9001

	require.NoError(t, s.Save(want))

	got, err := s.Load()
	require.NoError(t, err)

	wantJSON, _ := json.Marshal(want)
	gotJSON, _ := json.Marshal(got)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Save(types.Empty(1, 1)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp.", "no temp file should remain after Save")
	}
	assert.FileExists(t, filepath.Join(dir, "registry.json"))
}

func TestMutateAdvancesAllocatorsAndPersists(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.Mutate(context.Background(), func(r *types.Registry) error {
		if r.NextUID == 0 {
			r.NextUID = 10000
			r.NextGatewayPort = 9000
		}
		uid := AllocateUID(r)
		port := AllocateGatewayPort(r)
		return Insert(r, &types.Tenant{
			Name: "alice", UID: uid, GatewayPort: port,
			CID: CIDForUID(uid, 10000), Status: types.StatusActive,
		})
	})
	require.NoError(t, err)

	r, err := s.Load()
	require.NoError(t, err)
	require.Len(t, r.Tenants, 1)
	assert.Equal(t, 10000, r.Tenants[0].UID)
	assert.Equal(t, uint32(3), r.Tenants[0].CID)
	assert.Equal(t, 9000, r.Tenants[0].GatewayPort)
	assert.Equal(t, 10001, r.NextUID)
	assert.Equal(t, 9001, r.NextGatewayPort)
}

func TestMutateRejectsDuplicateName(t *testing.T) {
	s := New(t.TempDir())
	add := func(r *types.Registry) error {
		return Insert(r, &types.Tenant{Name: "alice"})
	}
	_, err := s.Mutate(context.Background(), add)
	require.NoError(t, err)

	_, err = s.Mutate(context.Background(), add)
	require.Error(t, err)
	var lerr *lobsterderr.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, lobsterderr.TenantExists, lerr.Kind)
}

func TestAllocatorsNeverReuseAcrossEviction(t *testing.T) {
	s := New(t.TempDir())
	spawn := func(name string) int {
		var uid int
		_, err := s.Mutate(context.Background(), func(r *types.Registry) error {
			if r.NextUID == 0 {
				r.NextUID = 10000
			}
			uid = AllocateUID(r)
			return Insert(r, &types.Tenant{Name: name, UID: uid})
		})
		require.NoError(t, err)
		return uid
	}
	evict := func(name string) {
		_, err := s.Mutate(context.Background(), func(r *types.Registry) error {
			Remove(r, name)
			return nil
		})
		require.NoError(t, err)
	}

	aliceUID := spawn("alice")
	bobUID := spawn("bob")
	evict("alice")
	carolUID := spawn("carol")

	assert.Equal(t, aliceUID+1, bobUID)
	assert.Equal(t, bobUID+1, carolUID)
	assert.NotEqual(t, aliceUID, carolUID)
}
