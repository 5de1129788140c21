// Package caddy implements proxy.Driver against Caddy's JSON admin API
// (https://caddyserver.com/docs/api). The API is three small JSON
// verbs, so this talks to it directly with net/http and encoding/json.
package caddy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lobsterd/lobsterd/pkg/driver/proxy"
	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
)

// serverName is the http app server lobsterd owns inside Caddy's config.
const serverName = "lobsterd"

// Caddy drives a Caddy instance's admin API at AdminAPI (typically
// http://127.0.0.1:2019).
type Caddy struct {
	AdminAPI string
	Domain   string
	client   *http.Client
}

// New returns a Caddy driver. adminAPI is the admin listener's base URL;
// domain is the suffix every tenant's host is built from
// (name + "." + domain).
func New(adminAPI, domain string) *Caddy {
	return &Caddy{AdminAPI: adminAPI, Domain: domain, client: &http.Client{Timeout: 5 * time.Second}}
}

func (c *Caddy) routeID(name string) string { return "lobsterd-route-" + name }

// caddyRoute is the subset of Caddy's route JSON shape lobsterd produces.
type caddyRoute struct {
	ID    string          `json:"@id"`
	Match []caddyMatch    `json:"match"`
	Handle []caddyHandler `json:"handle"`
}

type caddyMatch struct {
	Host []string `json:"host"`
}

type caddyHandler struct {
	Handler   string         `json:"handler"`
	Upstreams []caddyUpstream `json:"upstreams,omitempty"`
}

type caddyUpstream struct {
	Dial string `json:"dial"`
}

// WriteBaseConfig loads an http app with a single server named
// serverName listening on :443, with an empty route list. It is safe to
// call repeatedly: Caddy's /load replaces the whole config atomically.
func (c *Caddy) WriteBaseConfig(ctx context.Context) error {
	cfg := map[string]any{
		"apps": map[string]any{
			"http": map[string]any{
				"servers": map[string]any{
					serverName: map[string]any{
						"listen": []string{":443"},
						"routes": []any{},
					},
				},
			},
		},
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return lobsterderr.Wrap(lobsterderr.CaddyApiError, "marshal base config", err)
	}
	return c.do(ctx, http.MethodPost, "/load", body)
}

// AddRoute appends (or, if already present, replaces) r's route. Caddy's
// admin API has no native upsert, so this removes any existing route
// with the same id before appending, making the call idempotent.
func (c *Caddy) AddRoute(ctx context.Context, r proxy.Route) error {
	_ = c.RemoveRoute(ctx, r.Name)

	route := caddyRoute{
		ID:     c.routeID(r.Name),
		Match:  []caddyMatch{{Host: []string{r.Host}}},
		Handle: []caddyHandler{{Handler: "reverse_proxy", Upstreams: []caddyUpstream{{Dial: r.Target}}}},
	}
	body, err := json.Marshal(route)
	if err != nil {
		return lobsterderr.Wrap(lobsterderr.CaddyApiError, "marshal route", err)
	}
	path := fmt.Sprintf("/config/apps/http/servers/%s/routes", serverName)
	return c.do(ctx, http.MethodPost, path, body)
}

// RemoveRoute deletes the route with name's id. A route that is already
// absent is not an error: Caddy returns 400 for an unknown @id, which
// this treats as success.
func (c *Caddy) RemoveRoute(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodDelete, "/id/"+c.routeID(name), nil)
	if err != nil {
		if lerr, ok := err.(*lobsterSentinel); ok && lerr.notFound {
			return nil
		}
	}
	return err
}

// ListRoutes reads back the server's route list from Caddy's config tree.
func (c *Caddy) ListRoutes(ctx context.Context) ([]proxy.Route, error) {
	path := fmt.Sprintf("/config/apps/http/servers/%s/routes", serverName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.AdminAPI+path, nil)
	if err != nil {
		return nil, lobsterderr.Wrap(lobsterderr.CaddyApiError, "build request", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, lobsterderr.Wrap(lobsterderr.CaddyApiError, "list routes", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, lobsterderr.New(lobsterderr.CaddyApiError, fmt.Sprintf("list routes: %d: %s", resp.StatusCode, string(b)))
	}

	var routes []caddyRoute
	if err := json.NewDecoder(resp.Body).Decode(&routes); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, lobsterderr.Wrap(lobsterderr.CaddyApiError, "decode routes", err)
	}

	out := make([]proxy.Route, 0, len(routes))
	for _, r := range routes {
		var host, target string
		if len(r.Match) > 0 && len(r.Match[0].Host) > 0 {
			host = r.Match[0].Host[0]
		}
		if len(r.Handle) > 0 && len(r.Handle[0].Upstreams) > 0 {
			target = r.Handle[0].Upstreams[0].Dial
		}
		out = append(out, proxy.Route{Name: tenantNameFromRouteID(r.ID), Host: host, Target: target})
	}
	return out, nil
}

func tenantNameFromRouteID(id string) string {
	const prefix = "lobsterd-route-"
	if len(id) > len(prefix) && id[:len(prefix)] == prefix {
		return id[len(prefix):]
	}
	return id
}

// lobsterSentinel distinguishes a Caddy "unknown @id" response (already
// gone) from a genuine API failure.
type lobsterSentinel struct {
	notFound bool
	msg      string
}

func (e *lobsterSentinel) Error() string { return e.msg }

func (c *Caddy) do(ctx context.Context, method, path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.AdminAPI+path, reader)
	if err != nil {
		return lobsterderr.Wrap(lobsterderr.CaddyApiError, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return lobsterderr.Wrap(lobsterderr.CaddyApiError, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusBadRequest && method == http.MethodDelete {
			return &lobsterSentinel{notFound: true, msg: string(b)}
		}
		return lobsterderr.New(lobsterderr.CaddyApiError, fmt.Sprintf("%s %s: %d: %s", method, path, resp.StatusCode, string(b)))
	}
	return nil
}

var _ proxy.Driver = (*Caddy)(nil)
