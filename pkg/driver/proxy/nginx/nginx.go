// Package nginx implements proxy.Driver against an nginx reverse proxy
// driven by config-file templating plus a reload, rather than an admin
// API: it renders /etc/nginx/sites-enabled/lobsterd.conf from a
// text/template and reloads nginx through the exec gateway.
package nginx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"text/template"

	"github.com/lobsterd/lobsterd/pkg/config"
	"github.com/lobsterd/lobsterd/pkg/driver/proxy"
	"github.com/lobsterd/lobsterd/pkg/execx"
	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
)

// Nginx drives an nginx instance by rewriting its tenant-map site config
// and reloading the daemon. Because nginx exposes no query API, the
// route set itself is tracked in a small sidecar JSON file next to the
// rendered config so ListRoutes has something authoritative to read.
type Nginx struct {
	SitesEnabledPath string // e.g. /etc/nginx/sites-enabled/lobsterd.conf
	StatePath        string // sidecar route-set JSON, same directory
	ReloadCmd        []string
}

// New returns an nginx driver rooted at sitesEnabledPath, tracking its
// route set in a sidecar file alongside it.
func New(sitesEnabledPath string, reloadCmd []string) *Nginx {
	return &Nginx{
		SitesEnabledPath: sitesEnabledPath,
		StatePath:        sitesEnabledPath + ".routes.json",
		ReloadCmd:        reloadCmd,
	}
}

var tmpl = template.Must(template.New("lobsterd.conf").Parse(`# managed by lobsterd; do not edit by hand
{{range .}}
server {
    listen 80;
    server_name {{.Host}};
    location / {
        proxy_pass http://{{.Target}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
    }
}
{{end}}`))

func (n *Nginx) load() (map[string]proxy.Route, error) {
	data, err := os.ReadFile(n.StatePath)
	if os.IsNotExist(err) {
		return map[string]proxy.Route{}, nil
	}
	if err != nil {
		return nil, lobsterderr.Wrap(lobsterderr.ProxyError, "read route state", err)
	}
	var routes map[string]proxy.Route
	if err := json.Unmarshal(data, &routes); err != nil {
		return nil, lobsterderr.Wrap(lobsterderr.ProxyError, "decode route state", err)
	}
	return routes, nil
}

func (n *Nginx) render(ctx context.Context, routes map[string]proxy.Route) error {
	ordered := make([]proxy.Route, 0, len(routes))
	for _, r := range routes {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ordered); err != nil {
		return lobsterderr.Wrap(lobsterderr.ProxyError, "render config", err)
	}

	if err := config.AtomicWriteFile(n.SitesEnabledPath, buf.Bytes(), 0644); err != nil {
		return lobsterderr.Wrap(lobsterderr.ProxyError, "write config", err)
	}

	stateJSON, err := json.MarshalIndent(routes, "", "  ")
	if err != nil {
		return lobsterderr.Wrap(lobsterderr.ProxyError, "marshal route state", err)
	}
	if err := config.AtomicWriteFile(n.StatePath, stateJSON, 0644); err != nil {
		return lobsterderr.Wrap(lobsterderr.ProxyError, "write route state", err)
	}

	return n.reload(ctx)
}

func (n *Nginx) reload(ctx context.Context) error {
	cmd := n.ReloadCmd
	if len(cmd) == 0 {
		cmd = []string{"nginx", "-s", "reload"}
	}
	if _, err := execx.Exec(ctx, cmd, execx.Opts{TimeoutMs: 10000}); err != nil {
		return lobsterderr.Wrap(lobsterderr.ProxyError, "reload nginx", err)
	}
	return nil
}

// WriteBaseConfig ensures the sites-enabled directory exists and renders
// an empty route set if no config is present yet.
func (n *Nginx) WriteBaseConfig(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(n.SitesEnabledPath), 0755); err != nil {
		return lobsterderr.Wrap(lobsterderr.ProxyError, "create sites-enabled dir", err)
	}
	routes, err := n.load()
	if err != nil {
		return err
	}
	return n.render(ctx, routes)
}

// AddRoute upserts r and re-renders the whole config. Idempotent: adding
// the same route twice produces the same file and a no-op reload.
func (n *Nginx) AddRoute(ctx context.Context, r proxy.Route) error {
	routes, err := n.load()
	if err != nil {
		return err
	}
	routes[r.Name] = r
	return n.render(ctx, routes)
}

// RemoveRoute deletes name's route if present and re-renders. Removing
// an absent route is a no-op, not an error.
func (n *Nginx) RemoveRoute(ctx context.Context, name string) error {
	routes, err := n.load()
	if err != nil {
		return err
	}
	if _, ok := routes[name]; !ok {
		return nil
	}
	delete(routes, name)
	return n.render(ctx, routes)
}

// ListRoutes returns the current route set from the sidecar state file.
func (n *Nginx) ListRoutes(ctx context.Context) ([]proxy.Route, error) {
	routes, err := n.load()
	if err != nil {
		return nil, err
	}
	out := make([]proxy.Route, 0, len(routes))
	for _, r := range routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

var _ proxy.Driver = (*Nginx)(nil)
