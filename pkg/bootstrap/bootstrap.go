// Package bootstrap is `lobsterd init`: host prerequisite checks,
// directory and config scaffolding, and the one-time network/proxy
// setup every other command assumes is in place.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/lobsterd/lobsterd/pkg/config"
	"github.com/lobsterd/lobsterd/pkg/driver/network"
	"github.com/lobsterd/lobsterd/pkg/driver/proxy"
	"github.com/lobsterd/lobsterd/pkg/execx"
	"github.com/lobsterd/lobsterd/pkg/health"
	"github.com/lobsterd/lobsterd/pkg/lifecycle"
	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	"github.com/lobsterd/lobsterd/pkg/log"
	"github.com/lobsterd/lobsterd/pkg/registry"
	"github.com/lobsterd/lobsterd/pkg/types"
)

// Check is one verified prerequisite.
type Check struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	Note string `json:"note,omitempty"`
}

// Result reports which checks passed and what was created.
type Result struct {
	Checks []Check `json:"checks"`
}

func (r *Result) add(name string, ok bool, note string) {
	r.Checks = append(r.Checks, Check{Name: name, OK: ok, Note: note})
}

// Options carries the overridable paths and the proxy driver; zero
// values mean production defaults.
type Options struct {
	ConfigDir  string
	RuntimeDir string
	Proxy      proxy.Driver
	Net        network.Driver

	// BundledCerts maps file name (origin.pem, origin.key) to content.
	// Empty means no cert material to install.
	BundledCerts map[string][]byte

	// Geteuid is swappable for tests.
	Geteuid func() int
}

// Run performs every init step in order. Mandatory check failures abort
// with the failing error; the returned Result always carries whatever
// checks had run by then.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.ConfigDir == "" {
		opts.ConfigDir = config.DefaultConfigDir
	}
	if opts.RuntimeDir == "" {
		opts.RuntimeDir = config.DefaultRuntimeDir
	}
	if opts.Geteuid == nil {
		opts.Geteuid = os.Geteuid
	}
	logger := log.WithComponent("bootstrap")
	res := &Result{}

	// Mandatory host checks.
	if runtime.GOOS != "linux" {
		res.add("linux", false, runtime.GOOS)
		return res, lobsterderr.New(lobsterderr.NotLinux, "lobsterd requires Linux")
	}
	res.add("linux", true, "")

	if opts.Geteuid() != 0 {
		res.add("root", false, "")
		return res, lobsterderr.New(lobsterderr.NotRoot, "lobsterd must run as root")
	}
	res.add("root", true, "")

	if _, err := os.Stat("/dev/kvm"); err != nil {
		res.add("kvm", false, err.Error())
		return res, lobsterderr.Wrap(lobsterderr.KvmNotAvailable, "/dev/kvm", err)
	}
	res.add("kvm", true, "")

	// Config scaffolding happens before the binary checks so the default
	// config's paths exist to be checked.
	if err := os.MkdirAll(opts.ConfigDir, 0o711); err != nil {
		return res, fmt.Errorf("create config dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(opts.ConfigDir, "certs"), 0o755); err != nil {
		return res, fmt.Errorf("create certs dir: %w", err)
	}
	if err := lifecycle.EnsureRuntimeDirs(opts.RuntimeDir); err != nil {
		return res, err
	}
	res.add("directories", true, "")

	cfg, err := config.Load(opts.ConfigDir)
	if err != nil {
		cfg = config.Default()
		if err := config.Save(opts.ConfigDir, cfg); err != nil {
			return res, err
		}
		res.add("config", true, "created")
	} else {
		res.add("config", true, "present")
	}

	store := registry.New(opts.ConfigDir)
	if _, err := os.Stat(filepath.Join(opts.ConfigDir, "registry.json")); os.IsNotExist(err) {
		empty := types.Empty(cfg.Tenants.UIDStart, cfg.Tenants.GatewayPortStart)
		if err := store.Save(empty); err != nil {
			return res, err
		}
		res.add("registry", true, "created")
	} else {
		res.add("registry", true, "present")
	}

	// Jailer, firecracker and boot images per the (possibly pre-existing)
	// config.
	for _, bin := range []struct {
		name, path string
		kind       lobsterderr.Kind
	}{
		{"firecracker", cfg.Firecracker.BinaryPath, lobsterderr.FirecrackerNotFound},
		{"jailer", cfg.Jailer.BinaryPath, lobsterderr.JailerNotFound},
	} {
		probe, err := execx.ExecUnchecked(ctx, []string{"test", "-x", bin.path}, execx.Opts{TimeoutMs: 5000})
		if err != nil || probe.ExitCode != 0 {
			res.add(bin.name, false, bin.path)
			return res, lobsterderr.New(bin.kind, fmt.Sprintf("%s not executable at %s", bin.name, bin.path))
		}
		res.add(bin.name, true, bin.path)
	}
	for _, img := range []struct{ name, path string }{
		{"kernel", cfg.Firecracker.KernelPath},
		{"rootfs", cfg.Firecracker.RootfsPath},
	} {
		if _, err := os.Stat(img.path); err != nil {
			res.add(img.name, false, img.path)
			return res, lobsterderr.Wrap(lobsterderr.ValidationFailed, fmt.Sprintf("%s image missing at %s", img.name, img.path), err)
		}
		res.add(img.name, true, img.path)
	}

	// vhost_vsock is best-effort: it may be built into the kernel.
	if _, err := execx.Exec(ctx, []string{"modprobe", "vhost_vsock"}, execx.Opts{TimeoutMs: 5000}); err != nil {
		logger.Warn().Err(err).Msg("modprobe vhost_vsock failed; assuming built-in")
		res.add("vhost_vsock", false, "modprobe failed")
	} else {
		res.add("vhost_vsock", true, "")
	}

	// Bundled origin certs, installed only when material is present.
	for name, content := range opts.BundledCerts {
		if len(content) == 0 {
			continue
		}
		dst := filepath.Join(opts.ConfigDir, "certs", name)
		if err := config.AtomicWriteFile(dst, content, 0o600); err != nil {
			return res, err
		}
	}
	if len(opts.BundledCerts) > 0 {
		res.add("certs", true, "")
	}

	if opts.Net != nil {
		if err := opts.Net.EnableIPForwarding(ctx); err != nil {
			res.add("ip-forwarding", false, err.Error())
			return res, err
		}
		res.add("ip-forwarding", true, "")
		if err := opts.Net.EnsureFirewallChain(ctx); err != nil {
			res.add("firewall-chain", false, err.Error())
			return res, err
		}
		res.add("firewall-chain", true, "")
	}

	// The reverse proxy must be running before any tenant routes exist.
	if opts.Proxy != nil {
		if cfg.Caddy != nil {
			check := health.NewHTTPChecker(cfg.Caddy.AdminAPI + "/config/")
			if result := check.Check(ctx); !result.Healthy {
				res.add("proxy", false, result.Message)
				return res, lobsterderr.New(lobsterderr.ProxyError, "reverse proxy admin API unreachable: "+result.Message)
			}
		}
		if err := opts.Proxy.WriteBaseConfig(ctx); err != nil {
			res.add("proxy", false, err.Error())
			return res, err
		}
		res.add("proxy", true, "")
	}

	logger.Info().Int("checks", len(res.Checks)).Msg("Host initialized")
	return res, nil
}
