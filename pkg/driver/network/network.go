// Package network manages tap devices and addresses via
// github.com/vishvananda/netlink, plus the host's LOBSTER iptables
// chain that isolates tenant UIDs from each other.
package network

import (
	"context"
	"fmt"

	"github.com/lobsterd/lobsterd/pkg/execx"
	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	"github.com/vishvananda/netlink"
)

// ChainName is the single iptables chain lobsterd owns.
const ChainName = "LOBSTER"

// Driver is satisfied by *Network and by fakes in tests.
type Driver interface {
	CreateTap(name string, uid int) error
	DeleteTap(name string) error
	AssignAddress(name, hostCIDR, guestCIDR string) error
	// TapAddress returns the tap's first assigned CIDR, or "" when the
	// device does not exist.
	TapAddress(name string) (string, error)
	EnableIPForwarding(ctx context.Context) error
	EnsureFirewallChain(ctx context.Context) error
	AddTenantDrop(ctx context.Context, uid int) error
	RemoveTenantDrop(ctx context.Context, uid int) error
	HasTenantDrop(ctx context.Context, uid int) (bool, error)
	AddUIDBypass(ctx context.Context, uid int) error
	HasUIDBypass(ctx context.Context, uid int) (bool, error)
}

// Network implements Driver against netlink + iptables(8).
type Network struct{}

func New() *Network { return &Network{} }

// CreateTap creates a tap device named name, owned by uid so the
// unprivileged jailer user can open it without CAP_NET_ADMIN, and brings
// it up. Creation fails if the device already exists
// (fail-on-create-conflict).
func (n *Network) CreateTap(name string, uid int) error {
	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_DEFAULTS | netlink.TUNTAP_VNET_HDR,
		Owner:     uint32(uid),
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return lobsterderr.Wrap(lobsterderr.NetworkSetupFailed, fmt.Sprintf("create tap %s", name), err)
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return lobsterderr.Wrap(lobsterderr.NetworkSetupFailed, fmt.Sprintf("lookup tap %s", name), err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return lobsterderr.Wrap(lobsterderr.NetworkSetupFailed, fmt.Sprintf("bring up tap %s", name), err)
	}
	return nil
}

// DeleteTap removes a tap device. Deleting a missing device is success.
func (n *Network) DeleteTap(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return lobsterderr.Wrap(lobsterderr.NetworkSetupFailed, fmt.Sprintf("lookup tap %s", name), err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return lobsterderr.Wrap(lobsterderr.NetworkSetupFailed, fmt.Sprintf("delete tap %s", name), err)
	}
	return nil
}

// AssignAddress assigns the host side of a /30 (hostCIDR, e.g.
// "169.254.10.1/30") to the tap device. The guest side (guestCIDR) is
// handed to the guest agent via inject-secrets, not configured here.
func (n *Network) AssignAddress(name, hostCIDR, guestCIDR string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return lobsterderr.Wrap(lobsterderr.NetworkSetupFailed, fmt.Sprintf("lookup tap %s", name), err)
	}
	addr, err := netlink.ParseAddr(hostCIDR)
	if err != nil {
		return lobsterderr.Wrap(lobsterderr.ValidationFailed, fmt.Sprintf("parse address %s", hostCIDR), err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return lobsterderr.Wrap(lobsterderr.NetworkSetupFailed, fmt.Sprintf("assign address %s to %s", hostCIDR, name), err)
	}
	return nil
}

// TapAddress returns the first address assigned to the tap, or "" when
// the device is absent.
func (n *Network) TapAddress(name string) (string, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return "", nil
		}
		return "", lobsterderr.Wrap(lobsterderr.NetworkSetupFailed, fmt.Sprintf("lookup tap %s", name), err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return "", lobsterderr.Wrap(lobsterderr.NetworkSetupFailed, fmt.Sprintf("list addresses on %s", name), err)
	}
	if len(addrs) == 0 {
		return "", nil
	}
	return addrs[0].IPNet.String(), nil
}

// RxBytes reads the tap device's received-byte counter, used by the
// watchdog's traffic loop to detect inbound traffic on a
// suspended tenant.
func RxBytes(name string) (uint64, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, lobsterderr.Wrap(lobsterderr.NetworkSetupFailed, fmt.Sprintf("lookup tap %s", name), err)
	}
	stats := link.Attrs().Statistics
	if stats == nil {
		return 0, nil
	}
	return stats.RxBytes, nil
}

// EnableIPForwarding sets net.ipv4.ip_forward=1, idempotently.
func (n *Network) EnableIPForwarding(ctx context.Context) error {
	_, err := execx.Exec(ctx, []string{"sysctl", "-w", "net.ipv4.ip_forward=1"}, execx.Opts{TimeoutMs: 5000})
	if err != nil {
		return lobsterderr.Wrap(lobsterderr.NetworkSetupFailed, "enable ip forwarding", err)
	}
	return nil
}

// EnsureFirewallChain creates the LOBSTER chain and hooks it into FORWARD
// if not already present. Idempotent: iptables -L/-C are checked first.
func (n *Network) EnsureFirewallChain(ctx context.Context) error {
	// -N fails if the chain already exists; check first with -L.
	res, err := execx.ExecUnchecked(ctx, []string{"iptables", "-L", ChainName, "-n"}, execx.Opts{TimeoutMs: 5000})
	if err != nil {
		return lobsterderr.Wrap(lobsterderr.FirewallError, "probe chain", err)
	}
	if res.ExitCode != 0 {
		if _, err := execx.Exec(ctx, []string{"iptables", "-N", ChainName}, execx.Opts{TimeoutMs: 5000}); err != nil {
			return lobsterderr.Wrap(lobsterderr.FirewallError, "create chain", err)
		}
	}
	jump, _ := execx.ExecUnchecked(ctx, []string{"iptables", "-C", "FORWARD", "-j", ChainName}, execx.Opts{TimeoutMs: 5000})
	if jump.ExitCode != 0 {
		if _, err := execx.Exec(ctx, []string{"iptables", "-A", "FORWARD", "-j", ChainName}, execx.Opts{TimeoutMs: 5000}); err != nil {
			return lobsterderr.Wrap(lobsterderr.FirewallError, "hook chain into FORWARD", err)
		}
	}
	return nil
}

// AddUIDBypass inserts an ACCEPT rule for uid at the head of the chain.
// The proxy's bypass rule must precede any tenant DROP rule, so this
// always inserts at position 1.
func (n *Network) AddUIDBypass(ctx context.Context, uid int) error {
	check, _ := execx.ExecUnchecked(ctx, []string{"iptables", "-C", ChainName, "-m", "owner", "--uid-owner", itoa(uid), "-j", "ACCEPT"}, execx.Opts{TimeoutMs: 5000})
	if check.ExitCode == 0 {
		return nil
	}
	if _, err := execx.Exec(ctx, []string{"iptables", "-I", ChainName, "1", "-m", "owner", "--uid-owner", itoa(uid), "-j", "ACCEPT"}, execx.Opts{TimeoutMs: 5000}); err != nil {
		return lobsterderr.Wrap(lobsterderr.FirewallError, fmt.Sprintf("bypass uid %d", uid), err)
	}
	return nil
}

// AddTenantDrop appends a DROP rule for uid to the tail of the chain, so
// a tenant's traffic cannot reach another tenant's tap.
func (n *Network) AddTenantDrop(ctx context.Context, uid int) error {
	check, _ := execx.ExecUnchecked(ctx, []string{"iptables", "-C", ChainName, "-m", "owner", "--uid-owner", itoa(uid), "-j", "DROP"}, execx.Opts{TimeoutMs: 5000})
	if check.ExitCode == 0 {
		return nil
	}
	if _, err := execx.Exec(ctx, []string{"iptables", "-A", ChainName, "-m", "owner", "--uid-owner", itoa(uid), "-j", "DROP"}, execx.Opts{TimeoutMs: 5000}); err != nil {
		return lobsterderr.Wrap(lobsterderr.FirewallError, fmt.Sprintf("drop uid %d", uid), err)
	}
	return nil
}

// HasTenantDrop reports whether uid's DROP rule is present.
func (n *Network) HasTenantDrop(ctx context.Context, uid int) (bool, error) {
	check, err := execx.ExecUnchecked(ctx, []string{"iptables", "-C", ChainName, "-m", "owner", "--uid-owner", itoa(uid), "-j", "DROP"}, execx.Opts{TimeoutMs: 5000})
	if err != nil {
		return false, lobsterderr.Wrap(lobsterderr.FirewallError, fmt.Sprintf("check drop uid %d", uid), err)
	}
	return check.ExitCode == 0, nil
}

// HasUIDBypass reports whether uid's ACCEPT rule is present.
func (n *Network) HasUIDBypass(ctx context.Context, uid int) (bool, error) {
	check, err := execx.ExecUnchecked(ctx, []string{"iptables", "-C", ChainName, "-m", "owner", "--uid-owner", itoa(uid), "-j", "ACCEPT"}, execx.Opts{TimeoutMs: 5000})
	if err != nil {
		return false, lobsterderr.Wrap(lobsterderr.FirewallError, fmt.Sprintf("check bypass uid %d", uid), err)
	}
	return check.ExitCode == 0, nil
}

// RemoveTenantDrop deletes uid's DROP rule. Missing rules are not an error.
func (n *Network) RemoveTenantDrop(ctx context.Context, uid int) error {
	_, _ = execx.ExecUnchecked(ctx, []string{"iptables", "-D", ChainName, "-m", "owner", "--uid-owner", itoa(uid), "-j", "DROP"}, execx.Opts{TimeoutMs: 5000})
	return nil
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }
