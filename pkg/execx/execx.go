// Package execx is the exec gateway: the single place lobsterd runs
// host commands, so every driver gets the same timeout, descendant-kill
// and output-capping behavior instead of rolling its own os/exec call.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
)

// capBytes is the per-stream output cap, keeping a chatty child from
// growing the gateway's memory without bound.
const capBytes = 1 << 20

// Result is the captured outcome of an exec: its exit code (non-zero only
// from ExecUnchecked or alongside an error) and the capped stdout/stderr.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Opts configures a single exec call.
type Opts struct {
	TimeoutMs int
	Env       []string // appended to the current process env when non-nil
	Cwd       string
}

// Exec runs argv and fails with a *lobsterderr.Error{Kind: ExecFailed} on a
// non-zero exit or timeout. Use ExecUnchecked when a non-zero exit is
// itself meaningful (e.g. `test -x`, `zfs list` on a missing dataset).
func Exec(ctx context.Context, argv []string, opts Opts) (Result, error) {
	res, err := run(ctx, argv, opts)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, &lobsterderr.Error{
			Kind:     lobsterderr.ExecFailed,
			Message:  fmt.Sprintf("command exited %d", res.ExitCode),
			Argv:     argv,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
		}
	}
	return res, nil
}

// ExecUnchecked runs argv and returns whatever exit code it produced
// without treating non-zero as an error. A timeout is still reported as
// an error since there is no meaningful exit code to return.
func ExecUnchecked(ctx context.Context, argv []string, opts Opts) (Result, error) {
	return run(ctx, argv, opts)
}

func run(ctx context.Context, argv []string, opts Opts) (Result, error) {
	if len(argv) == 0 {
		return Result{}, lobsterderr.New(lobsterderr.ValidationFailed, "empty argv")
	}

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	if opts.Env != nil {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	// Run the child in its own process group so a timeout can signal the
	// whole tree, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr capWriter
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	// ProcessState is nil when the command never started.
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	res := Result{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return res, &lobsterderr.Error{
			Kind:    lobsterderr.ExecFailed,
			Message: fmt.Sprintf("command timed out after %s", timeout),
			Argv:    argv,
			Stderr:  res.Stderr,
		}
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			// Failed to even start (binary missing, permission denied, ...).
			return res, &lobsterderr.Error{
				Kind:    lobsterderr.ExecFailed,
				Message: "failed to start command",
				Cause:   err,
				Argv:    argv,
			}
		}
	}
	return res, nil
}

// capWriter is an io.Writer that keeps only the first capBytes written to
// it, discarding the remainder while still reporting the true byte count
// flowed through (useful for log messages like "truncated after 1MiB").
type capWriter struct {
	buf bytes.Buffer
}

func (w *capWriter) Write(p []byte) (int, error) {
	remaining := capBytes - w.buf.Len()
	if remaining > 0 {
		n := len(p)
		if n > remaining {
			n = remaining
		}
		w.buf.Write(p[:n])
	}
	return len(p), nil
}

func (w *capWriter) String() string { return w.buf.String() }

var _ io.Writer = (*capWriter)(nil)
