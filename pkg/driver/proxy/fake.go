package proxy

import (
	"context"
	"sort"
	"sync"
)

// Fake is an in-memory Driver used by lifecycle/reconciler tests so they
// don't need a running reverse proxy.
type Fake struct {
	mu     sync.Mutex
	Routes map[string]Route
	Based  bool
}

func NewFake() *Fake {
	return &Fake{Routes: map[string]Route{}}
}

func (f *Fake) WriteBaseConfig(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Based = true
	return nil
}

func (f *Fake) AddRoute(ctx context.Context, r Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Routes[r.Name] = r
	return nil
}

func (f *Fake) RemoveRoute(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Routes, name)
	return nil
}

func (f *Fake) ListRoutes(ctx context.Context) ([]Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Route, 0, len(f.Routes))
	for _, r := range f.Routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

var _ Driver = (*Fake)(nil)
