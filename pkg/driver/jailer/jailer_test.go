package jailer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgsShape(t *testing.T) {
	cfg := Config{
		JailerBinary:      "/usr/local/bin/jailer",
		FirecrackerBinary: "/usr/local/bin/firecracker",
		ChrootBaseDir:     "/var/lib/lobsterd/jailer",
	}
	c := &Chroot{TenantName: "alice", UID: 10000, GID: 10000, Dir: "/var/lib/lobsterd/jailer/alice/root"}

	args := Args(cfg, c)

	assert.Equal(t, []string{
		"--id", "alice",
		"--exec-file", "/usr/local/bin/firecracker",
		"--uid", "10000",
		"--gid", "10000",
		"--chroot-base-dir", "/var/lib/lobsterd/jailer",
		"--",
		"--api-sock", "/run/firecracker.socket",
	}, args)
}

func TestArgsWithCgroups(t *testing.T) {
	cfg := Config{
		FirecrackerBinary: "/bin/firecracker",
		ChrootBaseDir:     "/jail",
		CgroupVersion:     "2",
		CgroupParent:      "lobsterd.slice",
	}
	c := &Chroot{TenantName: "bob", UID: 10001, GID: 10001}

	args := Args(cfg, c)
	assert.Contains(t, args, "--cgroup-version")
	assert.Contains(t, args, "--parent-cgroup")
}

func TestBuildVMConfig(t *testing.T) {
	vc := BuildVMConfig("tap-alice", 3, 2, 1024)

	require.NotNil(t, vc.BootSource.KernelImagePath)
	assert.Equal(t, "/kernel", *vc.BootSource.KernelImagePath)
	assert.NotEmpty(t, vc.BootSource.BootArgs)

	require.Len(t, vc.Drives, 2)
	assert.Equal(t, "/rootfs.ext4", *vc.Drives[0].PathOnHost)
	assert.True(t, *vc.Drives[0].IsRootDevice)
	assert.True(t, *vc.Drives[0].IsReadOnly, "rootfs stays read-only under the overlay")
	assert.Equal(t, "/overlay.ext4", *vc.Drives[1].PathOnHost)
	assert.False(t, *vc.Drives[1].IsRootDevice)
	assert.False(t, *vc.Drives[1].IsReadOnly)

	require.Len(t, vc.NetworkInterfaces, 1)
	assert.Equal(t, "tap-alice", *vc.NetworkInterfaces[0].HostDevName)

	require.NotNil(t, vc.Vsock)
	assert.Equal(t, int64(3), *vc.Vsock.GuestCid)

	assert.Equal(t, int64(2), *vc.MachineConfig.VcpuCount)
	assert.Equal(t, int64(1024), *vc.MachineConfig.MemSizeMib)
}

func TestVMConfigSerializesWithFirecrackerKeys(t *testing.T) {
	vc := BuildVMConfig("tap-alice", 3, 1, 512)
	data, err := json.Marshal(vc)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"boot-source", "drives", "machine-config", "network-interfaces", "vsock"} {
		assert.Contains(t, doc, key)
	}
}
