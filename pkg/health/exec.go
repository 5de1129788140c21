package health

import (
	"context"
	"fmt"
	"time"

	"github.com/lobsterd/lobsterd/pkg/execx"
)

// ExecChecker performs exec-based health checks by running a host
// command through the exec gateway; exit 0 means healthy.
type ExecChecker struct {
	// Command is the command to execute (e.g., ["zpool", "status", "-x", "tank"])
	Command []string

	// Timeout is the command execution timeout (default: 10 seconds)
	Timeout time.Duration
}

// NewExecChecker creates a new exec health checker
func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{
		Command: command,
		Timeout: 10 * time.Second,
	}
}

// Check performs the exec health check
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			Healthy:   false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	res, err := execx.ExecUnchecked(ctx, e.Command, execx.Opts{
		TimeoutMs: int(e.Timeout / time.Millisecond),
	})

	message := fmt.Sprintf("Command: %v", e.Command)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s, Error: %v", message, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	if res.ExitCode != 0 {
		message = fmt.Sprintf("%s, Exit: %d", message, res.ExitCode)
		if res.Stderr != "" {
			message = fmt.Sprintf("%s, Stderr: %s", message, res.Stderr)
		}
		return Result{
			Healthy:   false,
			Message:   message,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	if res.Stdout != "" {
		// Include output in message (truncated if too long)
		output := res.Stdout
		if len(output) > 100 {
			output = output[:100] + "..."
		}
		message = fmt.Sprintf("%s, Output: %s", message, output)
	}

	return Result{
		Healthy:   true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the execution timeout
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}
