package execx

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecCapturesStdout(t *testing.T) {
	res, err := Exec(context.Background(), []string{"sh", "-c", "echo out; echo err >&2"}, Opts{TimeoutMs: 5000})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestExecNonZeroExitFails(t *testing.T) {
	_, err := Exec(context.Background(), []string{"sh", "-c", "echo broken >&2; exit 3"}, Opts{TimeoutMs: 5000})
	require.Error(t, err)

	var lerr *lobsterderr.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, lobsterderr.ExecFailed, lerr.Kind)
	assert.Equal(t, 3, lerr.ExitCode)
	assert.Contains(t, lerr.Stderr, "broken")
	assert.Equal(t, []string{"sh", "-c", "echo broken >&2; exit 3"}, lerr.Argv)
}

func TestExecUncheckedReturnsExitCode(t *testing.T) {
	res, err := ExecUnchecked(context.Background(), []string{"sh", "-c", "exit 7"}, Opts{TimeoutMs: 5000})
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
}

func TestExecTimeoutKillsChild(t *testing.T) {
	start := time.Now()
	_, err := Exec(context.Background(), []string{"sleep", "30"}, Opts{TimeoutMs: 200})
	elapsed := time.Since(start)

	require.Error(t, err)
	var lerr *lobsterderr.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, lobsterderr.ExecFailed, lerr.Kind)
	assert.Contains(t, lerr.Message, "timed out")
	assert.Less(t, elapsed, 5*time.Second, "timeout must not wait for the child's natural exit")
}

func TestExecMissingBinary(t *testing.T) {
	_, err := Exec(context.Background(), []string{"/nonexistent/binary"}, Opts{TimeoutMs: 1000})
	require.Error(t, err)
	var lerr *lobsterderr.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, lobsterderr.ExecFailed, lerr.Kind)
}

func TestExecEmptyArgv(t *testing.T) {
	_, err := Exec(context.Background(), nil, Opts{})
	assert.ErrorIs(t, err, lobsterderr.Of(lobsterderr.ValidationFailed))
}

func TestExecEnvAndCwd(t *testing.T) {
	dir := t.TempDir()
	res, err := Exec(context.Background(), []string{"sh", "-c", "echo $LOBSTER_TEST; pwd"}, Opts{
		TimeoutMs: 5000,
		Env:       []string{"LOBSTER_TEST=claws"},
		Cwd:       dir,
	})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "claws", lines[0])
	assert.Contains(t, lines[1], dir)
}

func TestCapWriterTruncates(t *testing.T) {
	var w capWriter
	chunk := strings.Repeat("x", 512*1024)
	for i := 0; i < 4; i++ {
		n, err := w.Write([]byte(chunk))
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n, "writes keep succeeding past the cap")
	}
	assert.Equal(t, capBytes, len(w.String()))
}
