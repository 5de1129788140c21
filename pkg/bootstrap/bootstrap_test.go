package bootstrap

import (
	"context"
	"runtime"
	"testing"

	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRequiresRoot(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("init only runs on Linux")
	}

	res, err := Run(context.Background(), Options{
		ConfigDir:  t.TempDir(),
		RuntimeDir: t.TempDir(),
		Geteuid:    func() int { return 1000 },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, lobsterderr.Of(lobsterderr.NotRoot))

	// The linux check passed and was recorded before the failure.
	require.NotEmpty(t, res.Checks)
	assert.Equal(t, "linux", res.Checks[0].Name)
	assert.True(t, res.Checks[0].OK)
	last := res.Checks[len(res.Checks)-1]
	assert.Equal(t, "root", last.Name)
	assert.False(t, last.OK)
}
