// Package config loads and saves LobsterdConfig, the single JSON document
// at /etc/lobsterd/config.json that drives every other package: dataset
// naming, allocator start points, watchdog cadences, binary paths and the
// reverse-proxy backend to use.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Default filesystem locations; every function here takes the directory
// as an argument, so tests and the CLI flags can point elsewhere.
const (
	DefaultConfigDir  = "/etc/lobsterd"
	DefaultRuntimeDir = "/var/lib/lobsterd"
)

// ZFSConfig configures the ZFS driver.
type ZFSConfig struct {
	Pool              string `json:"pool"`
	ParentDataset     string `json:"parentDataset"`
	DefaultQuota      string `json:"defaultQuota"`
	Compression       string `json:"compression"`
	SnapshotRetention int    `json:"snapshotRetention"`
}

// TenantsConfig configures allocator start points and the home mount base.
type TenantsConfig struct {
	UIDStart         int    `json:"uidStart"`
	GatewayPortStart int    `json:"gatewayPortStart"`
	HomeBase         string `json:"homeBase"`
}

// WatchdogConfig configures the watchdog loop cadences and repair bounds.
type WatchdogConfig struct {
	IntervalMs        int `json:"intervalMs"`
	TrafficPollMs     int `json:"trafficPollMs"`
	IdleThresholdMs   int `json:"idleThresholdMs"`
	MaxRepairAttempts int `json:"maxRepairAttempts"`
	RepairCooldownMs  int `json:"repairCooldownMs"`
}

// FirecrackerConfig points at the Firecracker binary and boot images.
type FirecrackerConfig struct {
	BinaryPath string `json:"binaryPath"`
	KernelPath string `json:"kernelPath"`
	RootfsPath string `json:"rootfsPath"`
}

// JailerConfig points at the jailer binary and its chroot base directory.
type JailerConfig struct {
	BinaryPath    string `json:"binaryPath"`
	ChrootBaseDir string `json:"chrootBaseDir"`
}

// VsockConfig configures the in-guest agent's vsock listen port.
type VsockConfig struct {
	AgentPort uint32 `json:"agentPort"`
}

// CaddyConfig configures the Caddy reverse-proxy backend.
type CaddyConfig struct {
	AdminAPI string `json:"adminApi"`
	Domain   string `json:"domain"`
	TLS      bool   `json:"tls,omitempty"`
}

// NginxConfig configures the nginx reverse-proxy backend (Open Question
// (a)'s pluggable alternative to Caddy).
type NginxConfig struct {
	SitesEnabledPath string   `json:"sitesEnabledPath"`
	Domain           string   `json:"domain"`
	ReloadCommand    []string `json:"reloadCommand"`
}

// OpenclawConfig seeds the in-guest gateway.
type OpenclawConfig struct {
	InstallPath   string            `json:"installPath"`
	DefaultConfig map[string]string `json:"defaultConfig,omitempty"`
	APIKeys       map[string]string `json:"apiKeys,omitempty"`
}

// LobsterdConfig is the full on-disk configuration document.
type LobsterdConfig struct {
	ZFS         ZFSConfig         `json:"zfs"`
	Tenants     TenantsConfig     `json:"tenants"`
	Watchdog    WatchdogConfig    `json:"watchdog"`
	Firecracker FirecrackerConfig `json:"firecracker"`
	Jailer      JailerConfig      `json:"jailer"`
	Vsock       VsockConfig       `json:"vsock"`
	Caddy       *CaddyConfig      `json:"caddy,omitempty"`
	Nginx       *NginxConfig      `json:"nginx,omitempty"`
	Openclaw    OpenclawConfig    `json:"openclaw"`
}

// Default returns the configuration written by `lobsterd init` on a clean
// host.
func Default() *LobsterdConfig {
	return &LobsterdConfig{
		ZFS: ZFSConfig{
			Pool:              "tank",
			ParentDataset:     "tank/lobsterd/tenants",
			DefaultQuota:      "10G",
			Compression:       "lz4",
			SnapshotRetention: 5,
		},
		Tenants: TenantsConfig{
			UIDStart:         10000,
			GatewayPortStart: 9000,
			HomeBase:         filepath.Join(DefaultRuntimeDir, "homes"),
		},
		Watchdog: WatchdogConfig{
			IntervalMs:        5000,
			TrafficPollMs:     2000,
			IdleThresholdMs:   60000,
			MaxRepairAttempts: 5,
			RepairCooldownMs:  30000,
		},
		Firecracker: FirecrackerConfig{
			BinaryPath: "/usr/local/bin/firecracker",
			KernelPath: filepath.Join(DefaultRuntimeDir, "kernels", "vmlinux"),
			RootfsPath: filepath.Join(DefaultRuntimeDir, "kernels", "rootfs.ext4"),
		},
		Jailer: JailerConfig{
			BinaryPath:    "/usr/local/bin/jailer",
			ChrootBaseDir: filepath.Join(DefaultRuntimeDir, "jailer"),
		},
		Vsock: VsockConfig{AgentPort: 52},
		Caddy: &CaddyConfig{
			AdminAPI: "http://127.0.0.1:2019",
			Domain:   "lobster.local",
		},
		Openclaw: OpenclawConfig{
			InstallPath: "/opt/openclaw",
		},
	}
}

// ConfigPath returns /etc/lobsterd/config.json (or its override).
func ConfigPath(configDir string) string {
	return filepath.Join(configDir, "config.json")
}

// Load reads LobsterdConfig from configDir/config.json.
func Load(configDir string) (*LobsterdConfig, error) {
	data, err := os.ReadFile(ConfigPath(configDir))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg LobsterdConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save atomically writes cfg to configDir/config.json with mode 0600.
func Save(configDir string, cfg *LobsterdConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return atomicWrite(ConfigPath(configDir), data, 0o600)
}

// atomicWrite writes data to a temp file beside path and renames it over
// path, so a crash never leaves a torn write in place. Shared by config
// and registry.
func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// AtomicWriteFile exposes atomicWrite for other packages that need the
// same tmp-then-rename guarantee (the registry store, certs install).
func AtomicWriteFile(path string, data []byte, mode os.FileMode) error {
	return atomicWrite(path, data, mode)
}
