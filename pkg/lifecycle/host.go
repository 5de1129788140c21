package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lobsterd/lobsterd/pkg/config"
	"github.com/lobsterd/lobsterd/pkg/driver/jailer"
	"github.com/lobsterd/lobsterd/pkg/driver/network"
	"github.com/lobsterd/lobsterd/pkg/driver/sshkeys"
	"github.com/lobsterd/lobsterd/pkg/driver/vsock"
	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	"github.com/lobsterd/lobsterd/pkg/types"
)

// Default VM sizing until per-tenant sizing is configurable.
const (
	defaultVcpus  = 2
	defaultMemMib = 1024
)

// HostVMM launches tenants under the real jailer binary.
type HostVMM struct {
	Cfg *config.LobsterdConfig
}

func (v *HostVMM) jailerConfig() jailer.Config {
	return jailer.Config{
		JailerBinary:      v.Cfg.Jailer.BinaryPath,
		FirecrackerBinary: v.Cfg.Firecracker.BinaryPath,
		ChrootBaseDir:     v.Cfg.Jailer.ChrootBaseDir,
	}
}

// Launch starts jailer (which execs firecracker) for t and returns the
// child pid. The child is reaped in the background; its lifetime is
// tracked through the pid in the registry, not the process handle.
func (v *HostVMM) Launch(ctx context.Context, t *types.Tenant) (int, error) {
	jcfg := v.jailerConfig()
	c := &jailer.Chroot{
		TenantName: t.Name,
		UID:        t.UID,
		GID:        t.UID,
		Dir:        filepath.Join(jcfg.ChrootBaseDir, t.Name, "root"),
	}
	vmCfg := jailer.BuildVMConfig(t.TapDev, t.CID, defaultVcpus, defaultMemMib)
	cfgPath, err := jailer.WriteVMConfig(c, vmCfg)
	if err != nil {
		return 0, err
	}

	argv := append(jailer.Args(jcfg, c), "--config-file", cfgPath)
	cmd := exec.Command(jcfg.JailerBinary, argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, lobsterderr.Wrap(lobsterderr.JailerSetupFailed, "start jailer", err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// Stop sends SIGTERM, waits up to grace for exit, then SIGKILLs. A pid
// that is already gone is success.
func (v *HostVMM) Stop(ctx context.Context, pid int, grace time.Duration) error {
	if !v.Alive(pid) {
		return nil
	}
	_ = syscall.Kill(pid, syscall.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !v.Alive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
	return nil
}

// Alive reports whether pid still exists.
func (v *HostVMM) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// HostChroot prepares jails with the real jailer driver and owns each
// tenant's writable overlay image.
type HostChroot struct {
	Cfg        *config.LobsterdConfig
	OverlayDir string // e.g. /var/lib/lobsterd/overlays
}

// overlaySize is the sparse size of a fresh tenant overlay image.
const overlaySize = 2 << 30

func (h *HostChroot) Prepare(t *types.Tenant) error {
	jcfg := jailer.Config{
		JailerBinary:      h.Cfg.Jailer.BinaryPath,
		FirecrackerBinary: h.Cfg.Firecracker.BinaryPath,
		ChrootBaseDir:     h.Cfg.Jailer.ChrootBaseDir,
	}
	overlay, err := h.ensureOverlay(t.Name)
	if err != nil {
		return err
	}
	_, err = jailer.Prepare(jcfg, t.Name, t.UID, t.UID, h.Cfg.Firecracker.KernelPath, h.Cfg.Firecracker.RootfsPath, overlay)
	return err
}

// ensureOverlay creates the tenant's writable overlay image if it does
// not exist yet; an existing overlay (a resume) is kept as-is.
func (h *HostChroot) ensureOverlay(name string) (string, error) {
	path := filepath.Join(h.OverlayDir, name+".ext4")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(h.OverlayDir, 0o755); err != nil {
		return "", fmt.Errorf("create overlay dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create overlay %s: %w", path, err)
	}
	defer f.Close()
	// Sparse file: blocks materialize only as the guest writes.
	if err := f.Truncate(overlaySize); err != nil {
		return "", fmt.Errorf("size overlay %s: %w", path, err)
	}
	return path, nil
}

func (h *HostChroot) Cleanup(name string) error {
	if err := os.Remove(filepath.Join(h.OverlayDir, name+".ext4")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove overlay: %w", err)
	}
	if !h.Exists(name) {
		return nil
	}
	c := &jailer.Chroot{
		TenantName: name,
		Dir:        filepath.Join(h.Cfg.Jailer.ChrootBaseDir, name, "root"),
	}
	return jailer.Cleanup(c)
}

func (h *HostChroot) Exists(name string) bool {
	return jailer.Exists(h.Cfg.Jailer.ChrootBaseDir, name)
}

// HostKeys stores tenant keypairs under the runtime ssh directory.
type HostKeys struct {
	Dir string // e.g. /var/lib/lobsterd/ssh
}

func (k *HostKeys) Generate(name string) (string, error) {
	kp, err := sshkeys.Generate(name)
	if err != nil {
		return "", err
	}
	if err := sshkeys.WriteKeyPair(k.Dir, name, kp); err != nil {
		return "", err
	}
	return kp.PublicKeyOpenSSH, nil
}

func (k *HostKeys) Remove(name string) error {
	return sshkeys.RemoveKeyPair(k.Dir, name)
}

// PrivateKeyPath returns the on-host identity file for name.
func (k *HostKeys) PrivateKeyPath(name string) string {
	return filepath.Join(k.Dir, name)
}

// HostDeps assembles the production Deps for cfg, minus the three
// drivers the caller selects (ZFS, Net, and the configured proxy
// backend).
func HostDeps(cfg *config.LobsterdConfig, runtimeDir string) Deps {
	return Deps{
		VMM:    &HostVMM{Cfg: cfg},
		Chroot: &HostChroot{Cfg: cfg, OverlayDir: filepath.Join(runtimeDir, "overlays")},
		Keys:   &HostKeys{Dir: filepath.Join(runtimeDir, "ssh")},
		Dial: func(cid uint32, token string) AgentClient {
			return vsock.New(cid, cfg.Vsock.AgentPort, token)
		},
		RxBytes: network.RxBytes,
		Clock:   time.Now,
		Token:   func() string { return uuid.New().String() },
	}
}

// EnsureRuntimeDirs creates the runtime state tree `lobsterd init`
// expects: overlays, sockets, kernels, jailer, ssh.
func EnsureRuntimeDirs(runtimeDir string) error {
	for _, d := range []string{"overlays", "sockets", "kernels", "jailer", "ssh"} {
		if err := os.MkdirAll(filepath.Join(runtimeDir, d), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}
