// Package jailer prepares the chroot the Firecracker jailer runs a
// tenant's VM inside, builds the jailer's argv, and tears the chroot
// down on evict. One jail exists per tenant, owned by the tenant's UID,
// and the machine-config JSON handed to firecracker is typed with
// firecracker-go-sdk's client/models structs.
package jailer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
)

// Config mirrors the jailer section of lobsterd's configuration file.
type Config struct {
	JailerBinary      string
	FirecrackerBinary string
	ChrootBaseDir     string
	CgroupVersion     string
	CgroupParent      string
}

// Chroot describes a prepared jail for one tenant.
type Chroot struct {
	TenantName string
	UID        int
	GID        int
	Dir        string // .../<tenant>/root
	SocketPath string
	CgroupPath string
}

type devNode struct {
	name  string
	mode  uint32
	major uint32
	minor uint32
}

// deviceNodes are the character devices every Firecracker microVM needs
// inside its jail: KVM and the usual null/zero/urandom.
var deviceNodes = []devNode{
	{"null", syscall.S_IFCHR | 0666, 1, 3},
	{"zero", syscall.S_IFCHR | 0666, 1, 5},
	{"urandom", syscall.S_IFCHR | 0666, 1, 9},
	{"kvm", syscall.S_IFCHR | 0660, 10, 232},
}

// Prepare creates the chroot directory tree, device nodes, and bind
// mounts for the kernel, the read-only rootfs and the tenant's writable
// overlay image, returning the Chroot handle used to build the jailer's
// argv. Failure partway through cleans up what was created so far.
func Prepare(cfg Config, tenantName string, uid, gid int, kernelPath, rootfsPath, overlayPath string) (*Chroot, error) {
	dir := filepath.Join(cfg.ChrootBaseDir, tenantName, "root")
	c := &Chroot{
		TenantName: tenantName,
		UID:        uid,
		GID:        gid,
		Dir:        dir,
		SocketPath: filepath.Join(dir, "run", "firecracker.socket"),
	}

	if err := c.setupDirs(); err != nil {
		_ = Cleanup(c)
		return nil, err
	}
	if err := c.setupDevices(); err != nil {
		_ = Cleanup(c)
		return nil, err
	}
	if err := c.bindMount(kernelPath, filepath.Join(dir, "kernel")); err != nil {
		_ = Cleanup(c)
		return nil, err
	}
	if rootfsPath != "" {
		if err := c.bindMount(rootfsPath, filepath.Join(dir, "rootfs.ext4")); err != nil {
			_ = Cleanup(c)
			return nil, err
		}
	}
	if overlayPath != "" {
		dst := filepath.Join(dir, "overlay.ext4")
		if err := c.bindMount(overlayPath, dst); err != nil {
			_ = Cleanup(c)
			return nil, err
		}
		// The overlay is the one image the guest writes; the jailed uid
		// must own it.
		if err := os.Chown(overlayPath, uid, gid); err != nil {
			_ = Cleanup(c)
			return nil, lobsterderr.Wrap(lobsterderr.JailerSetupFailed, fmt.Sprintf("chown %s", overlayPath), err)
		}
	}
	if err := c.setupCgroup(cfg); err != nil {
		_ = Cleanup(c)
		return nil, err
	}
	return c, nil
}

func (c *Chroot) setupDirs() error {
	dirs := []string{
		c.Dir,
		filepath.Join(c.Dir, "dev"),
		filepath.Join(c.Dir, "run"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return lobsterderr.Wrap(lobsterderr.JailerSetupFailed, fmt.Sprintf("mkdir %s", d), err)
		}
		if err := os.Chown(d, c.UID, c.GID); err != nil {
			return lobsterderr.Wrap(lobsterderr.JailerSetupFailed, fmt.Sprintf("chown %s", d), err)
		}
	}
	return nil
}

func (c *Chroot) setupDevices() error {
	for _, dev := range deviceNodes {
		path := filepath.Join(c.Dir, "dev", dev.name)
		_ = os.Remove(path)
		devNum := int(dev.major<<8 | dev.minor)
		if err := syscall.Mknod(path, dev.mode, devNum); err != nil {
			return lobsterderr.Wrap(lobsterderr.JailerSetupFailed, fmt.Sprintf("mknod %s", path), err)
		}
		if err := os.Chown(path, c.UID, c.GID); err != nil {
			return lobsterderr.Wrap(lobsterderr.JailerSetupFailed, fmt.Sprintf("chown %s", path), err)
		}
	}
	return nil
}

func (c *Chroot) bindMount(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return lobsterderr.Wrap(lobsterderr.JailerSetupFailed, fmt.Sprintf("source %s not found", src), err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(dst, 0755); err != nil {
			return lobsterderr.Wrap(lobsterderr.JailerSetupFailed, fmt.Sprintf("mkdir %s", dst), err)
		}
	} else {
		f, err := os.Create(dst)
		if err != nil {
			return lobsterderr.Wrap(lobsterderr.JailerSetupFailed, fmt.Sprintf("create %s", dst), err)
		}
		f.Close()
	}
	if err := syscall.Mount(src, dst, "", syscall.MS_BIND, ""); err != nil {
		return lobsterderr.Wrap(lobsterderr.JailerSetupFailed, fmt.Sprintf("bind mount %s -> %s", src, dst), err)
	}
	return nil
}

func (c *Chroot) setupCgroup(cfg Config) error {
	parent := cfg.CgroupParent
	if parent == "" {
		parent = "lobsterd.slice"
	}
	path := filepath.Join("/sys/fs/cgroup", parent, c.TenantName)
	if err := os.MkdirAll(path, 0755); err != nil {
		return lobsterderr.Wrap(lobsterderr.JailerSetupFailed, fmt.Sprintf("mkdir cgroup %s", path), err)
	}
	c.CgroupPath = path
	return nil
}

// Cleanup unmounts bind mounts and removes the tenant's jail directory
// tree. It is idempotent: cleaning up a jail that was never fully
// created, or was already removed, is not an error.
func Cleanup(c *Chroot) error {
	for _, m := range []string{
		filepath.Join(c.Dir, "kernel"),
		filepath.Join(c.Dir, "rootfs.ext4"),
		filepath.Join(c.Dir, "overlay.ext4"),
	} {
		_ = syscall.Unmount(m, 0)
	}
	if c.CgroupPath != "" {
		_ = os.RemoveAll(c.CgroupPath)
	}
	parent := filepath.Dir(c.Dir)
	if err := os.RemoveAll(parent); err != nil {
		return lobsterderr.Wrap(lobsterderr.JailerSetupFailed, fmt.Sprintf("remove %s", parent), err)
	}
	return nil
}

// Args builds the jailer's argv, exec-ing firecracker after a `--`
// separator.
func Args(cfg Config, c *Chroot) []string {
	args := []string{
		"--id", c.TenantName,
		"--exec-file", cfg.FirecrackerBinary,
		"--uid", strconv.Itoa(c.UID),
		"--gid", strconv.Itoa(c.GID),
		"--chroot-base-dir", cfg.ChrootBaseDir,
	}
	if cfg.CgroupVersion != "" {
		args = append(args, "--cgroup-version", cfg.CgroupVersion)
	}
	if cfg.CgroupParent != "" {
		args = append(args, "--parent-cgroup", cfg.CgroupParent)
	}
	// No --daemonize: the launcher keeps the child as a direct process so
	// the pid it records is the one it can later signal.
	args = append(args, "--")
	args = append(args, "--api-sock", "/run/firecracker.socket")
	return args
}

// Exists reports whether a prepared jail directory is present for tenantName.
func Exists(chrootBaseDir, tenantName string) bool {
	_, err := os.Stat(filepath.Join(chrootBaseDir, tenantName, "root"))
	return err == nil
}

// VMConfig is the document handed to firecracker via --config-file,
// with every path as it appears inside the chroot.
type VMConfig struct {
	BootSource        models.BootSource           `json:"boot-source"`
	Drives            []models.Drive              `json:"drives"`
	MachineConfig     models.MachineConfiguration `json:"machine-config"`
	NetworkInterfaces []models.NetworkInterface   `json:"network-interfaces,omitempty"`
	Vsock             *models.Vsock               `json:"vsock,omitempty"`
}

// defaultBootArgs is the serial-console kernel command line every tenant
// VM boots with.
const defaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off"

// BuildVMConfig assembles the full config-file document for one tenant
// VM: kernel and rootfs as bind-mounted by Prepare, the tenant's tap as
// eth0, and a vsock device at the tenant's cid.
func BuildVMConfig(tapDev string, cid uint32, vcpus, memMib int64) VMConfig {
	kernel := "/kernel"
	ifaceID := "eth0"
	vsockID := "vsock0"
	uds := "/run/vsock.sock"
	guestCID := int64(cid)
	mc := MachineConfig(vcpus, memMib, false)
	return VMConfig{
		BootSource: models.BootSource{
			KernelImagePath: &kernel,
			BootArgs:        defaultBootArgs,
		},
		Drives:        []models.Drive{RootDrive(true), OverlayDrive()},
		MachineConfig: mc,
		NetworkInterfaces: []models.NetworkInterface{{
			IfaceID:     &ifaceID,
			HostDevName: &tapDev,
		}},
		Vsock: &models.Vsock{
			VsockID:  vsockID,
			GuestCid: &guestCID,
			UdsPath:  &uds,
		},
	}
}

// WriteVMConfig writes vc into the jail root and returns its in-jail
// path for the --config-file argument.
func WriteVMConfig(c *Chroot, vc VMConfig) (string, error) {
	data, err := json.MarshalIndent(vc, "", "  ")
	if err != nil {
		return "", lobsterderr.Wrap(lobsterderr.JailerSetupFailed, "marshal vm config", err)
	}
	hostPath := filepath.Join(c.Dir, "vmconfig.json")
	if err := os.WriteFile(hostPath, data, 0o644); err != nil {
		return "", lobsterderr.Wrap(lobsterderr.JailerSetupFailed, fmt.Sprintf("write %s", hostPath), err)
	}
	if err := os.Chown(hostPath, c.UID, c.GID); err != nil {
		return "", lobsterderr.Wrap(lobsterderr.JailerSetupFailed, fmt.Sprintf("chown %s", hostPath), err)
	}
	return "/vmconfig.json", nil
}

// MachineConfig builds the firecracker-go-sdk machine configuration
// (vCPU count, memory size, SMT) for the VM config document.
func MachineConfig(vcpuCount, memSizeMib int64, smt bool) models.MachineConfiguration {
	return models.MachineConfiguration{
		VcpuCount:  &vcpuCount,
		MemSizeMib: &memSizeMib,
		Smt:        &smt,
	}
}

// RootDrive builds the root-device drive model, referencing the rootfs
// bind-mounted at the jail root by Prepare.
func RootDrive(readOnly bool) models.Drive {
	id := "rootfs"
	path := "/rootfs.ext4"
	isRoot := true
	ro := readOnly
	return models.Drive{
		DriveID:      &id,
		PathOnHost:   &path,
		IsRootDevice: &isRoot,
		IsReadOnly:   &ro,
	}
}

// OverlayDrive builds the tenant's writable overlay drive, layered over
// the read-only rootfs so boots stay fast and disposable.
func OverlayDrive() models.Drive {
	id := "overlay"
	path := "/overlay.ext4"
	isRoot := false
	ro := false
	return models.Drive{
		DriveID:      &id,
		PathOnHost:   &path,
		IsRootDevice: &isRoot,
		IsReadOnly:   &ro,
	}
}

// CheckPrerequisites verifies the host is ready to run jailed microVMs:
// the jailer and firecracker binaries exist and /dev/kvm is available.
func CheckPrerequisites(cfg Config) error {
	if _, err := os.Stat(cfg.JailerBinary); err != nil {
		return lobsterderr.Wrap(lobsterderr.JailerNotFound, cfg.JailerBinary, err)
	}
	if _, err := os.Stat(cfg.FirecrackerBinary); err != nil {
		return lobsterderr.Wrap(lobsterderr.FirecrackerNotFound, cfg.FirecrackerBinary, err)
	}
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return lobsterderr.Wrap(lobsterderr.KvmNotAvailable, "/dev/kvm", err)
	}
	return nil
}
