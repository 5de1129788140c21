// Package vsock is the RPC client for the in-guest agent: a thin JSON,
// line-delimited request/response protocol over AF_VSOCK
// (github.com/mdlayher/vsock). Every call opens a fresh connection and
// carries its own wall-clock timeout, one bounded attempt per call
// rather than a long-lived session.
package vsock

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	"github.com/mdlayher/vsock"
)

// MessageType identifies a request's `type` field.
type MessageType string

const (
	TypeInjectSecrets         MessageType = "inject-secrets"
	TypeHealthPing            MessageType = "health-ping"
	TypeLaunchOpenclaw        MessageType = "launch-openclaw"
	TypeShutdown              MessageType = "shutdown"
	TypeAcquireHold           MessageType = "acquire-hold"
	TypeReleaseHold           MessageType = "release-hold"
	TypeGetActiveConnections  MessageType = "get-active-connections"
	TypeFetchLogs             MessageType = "fetch-logs"
)

// Client talks to one tenant's in-guest agent.
type Client struct {
	CID        uint32
	Port       uint32
	AgentToken string
}

// New returns a client addressing the agent at cid:port, authenticating
// requests with agentToken.
func New(cid, port uint32, agentToken string) *Client {
	return &Client{CID: cid, Port: port, AgentToken: agentToken}
}

// request is the envelope every call sends: {type, token, ...extra}.
func (c *Client) call(ctx context.Context, timeout time.Duration, msgType MessageType, extra map[string]any) (json.RawMessage, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn, err := vsock.Dial(c.CID, c.Port, nil)
	if err != nil {
		return nil, lobsterderr.Wrap(lobsterderr.VsockConnectFailed, fmt.Sprintf("dial cid=%d port=%d", c.CID, c.Port), err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, lobsterderr.Wrap(lobsterderr.VsockConnectFailed, "set deadline", err)
	}

	req := map[string]any{"type": string(msgType), "token": c.AgentToken}
	for k, v := range extra {
		req[k] = v
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, lobsterderr.Wrap(lobsterderr.VsockConnectFailed, "marshal request", err)
	}
	body = append(body, '\n')
	if _, err := conn.Write(body); err != nil {
		return nil, lobsterderr.Wrap(lobsterderr.AgentTimeout, fmt.Sprintf("write %s", msgType), err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, lobsterderr.Wrap(lobsterderr.AgentTimeout, fmt.Sprintf("read %s response", msgType), err)
	}
	return json.RawMessage(trimNewline(line)), nil
}

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		return b[:n-1]
	}
	return b
}

// WaitForAgent polls health-ping until it succeeds or timeout elapses,
// for use after launching a VM.
func WaitForAgent(ctx context.Context, c *Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	const pollInterval = 250 * time.Millisecond
	var lastErr error
	for time.Now().Before(deadline) {
		if err := c.HealthPing(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return lobsterderr.Wrap(lobsterderr.AgentTimeout, fmt.Sprintf("agent not reachable within %s", timeout), lastErr)
}

// WaitReady polls health-ping until the agent answers or timeout elapses.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	return WaitForAgent(ctx, c, timeout)
}

// HealthPing must complete within 5s.
func (c *Client) HealthPing(ctx context.Context) error {
	_, err := c.call(ctx, 5*time.Second, TypeHealthPing, nil)
	return err
}

// InjectSecrets delivers tenant secrets (e.g. the gateway token) to the
// in-guest agent.
func (c *Client) InjectSecrets(ctx context.Context, secrets map[string]string) error {
	_, err := c.call(ctx, 10*time.Second, TypeInjectSecrets, map[string]any{"secrets": secrets})
	return err
}

// LaunchOpenclaw asks the agent to start the in-guest gateway process.
func (c *Client) LaunchOpenclaw(ctx context.Context) error {
	_, err := c.call(ctx, 10*time.Second, TypeLaunchOpenclaw, nil)
	return err
}

// Shutdown requests graceful in-guest shutdown.
func (c *Client) Shutdown(ctx context.Context, timeout time.Duration) error {
	_, err := c.call(ctx, timeout, TypeShutdown, nil)
	return err
}

// AcquireHold and ReleaseHold implement the optional logs hold/keepalive
// extension: callers must probe for support
// rather than assume it, since not every agent build advertises it.
func (c *Client) AcquireHold(ctx context.Context, id string, ttlMs int) error {
	_, err := c.call(ctx, 5*time.Second, TypeAcquireHold, map[string]any{"id": id, "ttlMs": ttlMs})
	return err
}

func (c *Client) ReleaseHold(ctx context.Context, id string) error {
	_, err := c.call(ctx, 5*time.Second, TypeReleaseHold, map[string]any{"id": id})
	return err
}

// activeConnectionsResponse is the decoded body of get-active-connections.
type activeConnectionsResponse struct {
	Count int `json:"count"`
}

// GetActiveConnections returns the tenant's current in-guest connection
// count, used by the watchdog's idle loop.
func (c *Client) GetActiveConnections(ctx context.Context) (int, error) {
	raw, err := c.call(ctx, 5*time.Second, TypeGetActiveConnections, nil)
	if err != nil {
		return 0, err
	}
	var resp activeConnectionsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, lobsterderr.Wrap(lobsterderr.AgentTimeout, "decode active-connections response", err)
	}
	return resp.Count, nil
}

// FetchLogs retrieves recent logs for service (or all services if empty).
func (c *Client) FetchLogs(ctx context.Context, service string) (string, error) {
	extra := map[string]any{}
	if service != "" {
		extra["service"] = service
	}
	raw, err := c.call(ctx, 10*time.Second, TypeFetchLogs, extra)
	if err != nil {
		return "", err
	}
	var resp struct {
		Logs string `json:"logs"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		// Some agent builds reply with a bare string rather than an object.
		var s string
		if err2 := json.Unmarshal(raw, &s); err2 == nil {
			return s, nil
		}
		return "", lobsterderr.Wrap(lobsterderr.AgentTimeout, "decode fetch-logs response", err)
	}
	return resp.Logs, nil
}

// Capable probes whether the agent advertises support for the
// hold/keepalive extension by attempting an
// acquire/release round-trip. A connection-level failure means the
// agent is unreachable, not that the extension is unsupported, so it is
// reported separately via the returned error.
func (c *Client) Capable(ctx context.Context) (bool, error) {
	const probeID = "capability-probe"
	err := c.AcquireHold(ctx, probeID, 1)
	if err == nil {
		_ = c.ReleaseHold(ctx, probeID)
		return true, nil
	}
	var lerr *lobsterderr.Error
	if asErr, ok := err.(*lobsterderr.Error); ok {
		lerr = asErr
	}
	if lerr != nil && lerr.Kind == lobsterderr.VsockConnectFailed {
		return false, err
	}
	// The agent responded but rejected an unrecognized message type.
	return false, nil
}
