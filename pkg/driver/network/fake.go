package network

import "context"

// Fake is an in-memory Driver used by lifecycle/scheduler tests so they
// don't need CAP_NET_ADMIN or a real iptables binary.
type Fake struct {
	Taps      map[string]int
	Addrs     map[string]string
	Bypassed  map[int]bool
	Dropped   map[int]bool
	ChainUp   bool
	Forwarded bool
}

func NewFake() *Fake {
	return &Fake{
		Taps:     map[string]int{},
		Addrs:    map[string]string{},
		Bypassed: map[int]bool{},
		Dropped:  map[int]bool{},
	}
}

func (f *Fake) CreateTap(name string, uid int) error {
	f.Taps[name] = uid
	return nil
}

func (f *Fake) DeleteTap(name string) error {
	delete(f.Taps, name)
	delete(f.Addrs, name)
	return nil
}

func (f *Fake) AssignAddress(name, hostCIDR, guestCIDR string) error {
	f.Addrs[name] = hostCIDR
	return nil
}

func (f *Fake) EnableIPForwarding(ctx context.Context) error {
	f.Forwarded = true
	return nil
}

func (f *Fake) EnsureFirewallChain(ctx context.Context) error {
	f.ChainUp = true
	return nil
}

func (f *Fake) AddTenantDrop(ctx context.Context, uid int) error {
	f.Dropped[uid] = true
	return nil
}

func (f *Fake) RemoveTenantDrop(ctx context.Context, uid int) error {
	delete(f.Dropped, uid)
	return nil
}

func (f *Fake) AddUIDBypass(ctx context.Context, uid int) error {
	f.Bypassed[uid] = true
	return nil
}

func (f *Fake) TapAddress(name string) (string, error) {
	return f.Addrs[name], nil
}

func (f *Fake) HasTenantDrop(ctx context.Context, uid int) (bool, error) {
	return f.Dropped[uid], nil
}

func (f *Fake) HasUIDBypass(ctx context.Context, uid int) (bool, error) {
	return f.Bypassed[uid], nil
}

var _ Driver = (*Fake)(nil)
