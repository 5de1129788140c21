// Package proxy defines the reverse-proxy driver contract. The proxy
// is single-writer from lobsterd, and either a Caddy-backed
// (pkg/driver/proxy/caddy) or nginx-backed (pkg/driver/proxy/nginx)
// driver can sit behind it.
package proxy

import "context"

// Route is one tenant's host-to-upstream mapping.
type Route struct {
	Name   string // tenant name
	Host   string // e.g. "alice.lobster.example.com"
	Target string // e.g. "127.0.0.1:9000"
}

// Driver is the reverse-proxy contract every backend must satisfy.
// AddRoute and RemoveRoute must both be idempotent: adding a route that
// already matches is a no-op, and removing a route that is already
// absent is not an error.
type Driver interface {
	WriteBaseConfig(ctx context.Context) error
	AddRoute(ctx context.Context, r Route) error
	RemoveRoute(ctx context.Context, name string) error
	ListRoutes(ctx context.Context) ([]Route, error)
}
