package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeRecordsBypassAndDrop(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.EnsureFirewallChain(ctx))
	require.NoError(t, f.AddUIDBypass(ctx, 33))
	require.NoError(t, f.AddTenantDrop(ctx, 10000))

	assert.True(t, f.Bypassed[33])
	assert.True(t, f.Dropped[10000])
}

func TestFakeTapLifecycle(t *testing.T) {
	f := NewFake()
	require.NoError(t, f.CreateTap("tap-alice", 10000))
	require.NoError(t, f.AssignAddress("tap-alice", "169.254.10.1/30", "169.254.10.2/30"))
	assert.Equal(t, 10000, f.Taps["tap-alice"])

	require.NoError(t, f.DeleteTap("tap-alice"))
	_, ok := f.Taps["tap-alice"]
	assert.False(t, ok)
}
