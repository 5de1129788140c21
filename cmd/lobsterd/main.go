package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/lobsterd/lobsterd/pkg/bootstrap"
	"github.com/lobsterd/lobsterd/pkg/config"
	"github.com/lobsterd/lobsterd/pkg/driver/network"
	"github.com/lobsterd/lobsterd/pkg/driver/proxy"
	"github.com/lobsterd/lobsterd/pkg/driver/proxy/caddy"
	"github.com/lobsterd/lobsterd/pkg/driver/proxy/nginx"
	"github.com/lobsterd/lobsterd/pkg/driver/vsock"
	"github.com/lobsterd/lobsterd/pkg/driver/zfs"
	"github.com/lobsterd/lobsterd/pkg/events"
	"github.com/lobsterd/lobsterd/pkg/execx"
	"github.com/lobsterd/lobsterd/pkg/health"
	"github.com/lobsterd/lobsterd/pkg/lifecycle"
	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	"github.com/lobsterd/lobsterd/pkg/log"
	"github.com/lobsterd/lobsterd/pkg/metrics"
	"github.com/lobsterd/lobsterd/pkg/reconciler"
	"github.com/lobsterd/lobsterd/pkg/registry"
	"github.com/lobsterd/lobsterd/pkg/scheduler"
	"github.com/lobsterd/lobsterd/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagConfigDir  string
	flagRuntimeDir string
	flagJSON       bool
	flagLogLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if flagJSON {
			out := map[string]any{"error": map[string]any{
				"code":    errCode(err),
				"message": err.Error(),
			}}
			_ = json.NewEncoder(os.Stderr).Encode(out)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func errCode(err error) string {
	var lerr *lobsterderr.Error
	if errors.As(err, &lerr) {
		return string(lerr.Kind)
	}
	return "Unknown"
}

var rootCmd = &cobra.Command{
	Use:   "lobsterd",
	Short: "lobsterd - Firecracker microVM tenant orchestrator",
	Long: `lobsterd runs many lightweight, isolated microVM tenants on a single
Linux host. Each tenant gets its own host UID, tap device, ZFS dataset
and vsock agent; a shared reverse proxy routes HTTP traffic to each
tenant's in-VM gateway, and a watchdog suspends idle tenants and wakes
them on incoming traffic.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"lobsterd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", config.DefaultConfigDir, "Configuration directory")
	rootCmd.PersistentFlags().StringVar(&flagRuntimeDir, "runtime-dir", config.DefaultRuntimeDir, "Runtime state directory")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cobra.OnInitialize(func() {
		log.Init(log.Config{Level: log.Level(flagLogLevel), JSONOutput: false})
	})

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(spawnCmd)
	rootCmd.AddCommand(evictCmd)
	rootCmd.AddCommand(moltCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(snapCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(tankCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(execCmd)
}

// proxyDriver picks the configured reverse-proxy backend.
func proxyDriver(cfg *config.LobsterdConfig) (proxy.Driver, error) {
	switch {
	case cfg.Caddy != nil:
		return caddy.New(cfg.Caddy.AdminAPI, cfg.Caddy.Domain), nil
	case cfg.Nginx != nil:
		return nginx.New(cfg.Nginx.SitesEnabledPath, cfg.Nginx.ReloadCommand), nil
	default:
		return nil, lobsterderr.New(lobsterderr.ProxyError, "no reverse proxy backend configured (caddy or nginx)")
	}
}

// loadEngine wires the production drivers behind an engine. broker may
// be nil for one-shot commands.
func loadEngine(broker *events.Broker) (*config.LobsterdConfig, *lifecycle.Engine, error) {
	cfg, err := config.Load(flagConfigDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load config (run `lobsterd init` first): %w", err)
	}
	pd, err := proxyDriver(cfg)
	if err != nil {
		return nil, nil, err
	}
	deps := lifecycle.HostDeps(cfg, flagRuntimeDir)
	deps.ZFS = zfs.New()
	deps.Net = network.New()
	deps.Proxy = pd
	store := registry.New(flagConfigDir)
	return cfg, lifecycle.New(cfg, store, deps, broker), nil
}

// printSteps renders lifecycle progress lines.
func printSteps(s lifecycle.Step) {
	if s.Err != nil {
		fmt.Printf("  ✗ %s: %v\n", s.Name, s.Err)
		return
	}
	if s.Detail != "" {
		fmt.Printf("  ✓ %s (%s)\n", s.Name, s.Detail)
		return
	}
	fmt.Printf("  ✓ %s\n", s.Name)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Verify host prerequisites and initialize lobsterd state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var pd proxy.Driver
		if cfg, err := config.Load(flagConfigDir); err == nil {
			if d, derr := proxyDriver(cfg); derr == nil {
				pd = d
			}
		} else {
			// First run: the default config uses Caddy.
			def := config.Default()
			pd = caddy.New(def.Caddy.AdminAPI, def.Caddy.Domain)
		}

		res, err := bootstrap.Run(ctx, bootstrap.Options{
			ConfigDir:  flagConfigDir,
			RuntimeDir: flagRuntimeDir,
			Proxy:      pd,
			Net:        network.New(),
		})
		for _, c := range res.Checks {
			mark := "ok"
			if !c.OK {
				mark = "FAIL"
			}
			if c.Note != "" {
				fmt.Printf("  [%s] %s (%s)\n", mark, c.Name, c.Note)
			} else {
				fmt.Printf("  [%s] %s\n", mark, c.Name)
			}
		}
		if err != nil {
			return err
		}
		fmt.Println("Host initialized.")
		return nil
	},
}

var spawnCmd = &cobra.Command{
	Use:   "spawn NAME",
	Short: "Create and start a new tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, engine, err := loadEngine(nil)
		if err != nil {
			return err
		}
		timer := metrics.NewTimer()
		t, err := engine.Spawn(cmd.Context(), args[0], printSteps)
		if err != nil {
			metrics.OperationFailuresTotal.WithLabelValues("spawn").Inc()
			return err
		}
		timer.ObserveDuration(metrics.SpawnDuration)
		fmt.Printf("Tenant %s spawned: uid=%d port=%d host=%s\n",
			t.Name, t.UID, t.GatewayPort, engine.RouteHost(t.Name))
		return nil
	},
}

var evictYes bool
var evictSnapshot bool

var evictCmd = &cobra.Command{
	Use:   "evict NAME",
	Short: "Destroy a tenant and all its resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if !evictYes {
			fmt.Printf("Evict tenant %q and destroy its dataset? [y/N]: ", name)
			var answer string
			_, _ = fmt.Scanln(&answer)
			if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
				fmt.Println("Aborted.")
				return nil
			}
		}
		_, engine, err := loadEngine(nil)
		if err != nil {
			return err
		}
		timer := metrics.NewTimer()
		if err := engine.Evict(cmd.Context(), name, evictSnapshot, printSteps); err != nil {
			metrics.OperationFailuresTotal.WithLabelValues("evict").Inc()
			return err
		}
		timer.ObserveDuration(metrics.EvictDuration)
		fmt.Printf("Tenant %s evicted.\n", name)
		return nil
	},
}

func init() {
	evictCmd.Flags().BoolVarP(&evictYes, "yes", "y", false, "Skip confirmation")
	evictCmd.Flags().BoolVar(&evictSnapshot, "final-snapshot", false, "Snapshot the dataset before destroying it")
}

var moltCmd = &cobra.Command{
	Use:   "molt [NAME]",
	Short: "Reconcile live resources with the registry",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, engine, err := loadEngine(nil)
		if err != nil {
			return err
		}
		rec := reconciler.New(engine)

		var results []*reconciler.MoltResult
		if len(args) == 1 {
			res, merr := rec.Molt(cmd.Context(), args[0])
			if merr != nil {
				return merr
			}
			results = append(results, res)
		} else {
			results, err = rec.MoltAll(cmd.Context())
			if err != nil {
				return err
			}
		}

		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(results)
		}
		for _, r := range results {
			state := "healthy"
			if !r.Healthy {
				state = "unhealthy: " + strings.Join(r.Failures, ",")
			}
			if len(r.Actions) > 0 {
				fmt.Printf("%s: %s, repaired [%s]\n", r.Name, state, strings.Join(r.Actions, ", "))
			} else {
				fmt.Printf("%s: %s\n", r.Name, state)
			}
		}
		return nil
	},
}

// listRow is one tenant line of `lobsterd list`.
type listRow struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	UID         int    `json:"uid"`
	GatewayPort int    `json:"gatewayPort"`
	VMPid       int    `json:"vmPid,omitempty"`
	VM          string `json:"vm"`
	CreatedAt   string `json:"createdAt"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, engine, err := loadEngine(nil)
		if err != nil {
			return err
		}
		r, err := engine.Store.Load()
		if err != nil {
			return err
		}

		rows := make([]listRow, 0, len(r.Tenants))
		for _, t := range r.Tenants {
			// Individual probes never fail the listing; a dead VM is
			// reported inline.
			vm := "unknown"
			switch {
			case t.Status == types.StatusSuspended:
				vm = "suspended"
			case t.VMPid == 0:
				vm = "none"
			case engine.Deps.VMM.Alive(t.VMPid):
				vm = "running"
			default:
				vm = "dead"
			}
			rows = append(rows, listRow{
				Name:        t.Name,
				Status:      string(t.Status),
				UID:         t.UID,
				GatewayPort: t.GatewayPort,
				VMPid:       t.VMPid,
				VM:          vm,
				CreatedAt:   t.CreatedAt.Format(time.RFC3339),
			})
		}

		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(rows)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tUID\tPORT\tVM\tCREATED")
		for _, row := range rows {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
				row.Name, row.Status, row.UID, row.GatewayPort, row.VM, row.CreatedAt)
		}
		return w.Flush()
	},
}

func init() {
	moltCmd.Flags().BoolVar(&flagJSON, "json", false, "Emit JSON")
	listCmd.Flags().BoolVar(&flagJSON, "json", false, "Emit JSON")
}

var snapPrune bool

var snapCmd = &cobra.Command{
	Use:   "snap NAME",
	Short: "Snapshot a tenant's dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, engine, err := loadEngine(nil)
		if err != nil {
			return err
		}
		res, err := engine.Snap(cmd.Context(), args[0], snapPrune)
		if err != nil {
			return err
		}
		metrics.SnapshotsTotal.Inc()
		fmt.Printf("Created snapshot @%s\n", res.Tag)
		for _, tag := range res.Pruned {
			metrics.SnapshotsPrunedTotal.Inc()
			fmt.Printf("Pruned snapshot @%s\n", tag)
		}
		return nil
	},
}

func init() {
	snapCmd.Flags().BoolVar(&snapPrune, "prune", false, "Prune snapshots beyond the retention count")
}

var watchDaemon bool
var watchMetricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the watchdog (idle suspend, traffic wake, cron wake)",
	RunE: func(cmd *cobra.Command, args []string) error {
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		_, engine, err := loadEngine(broker)
		if err != nil {
			return err
		}

		sched := scheduler.New(engine)
		sched.Start()
		defer sched.Stop()

		if watchDaemon {
			rec := reconciler.New(engine)
			rec.Start()
			defer rec.Stop()

			collector := metrics.NewCollector(engine.Store)
			collector.Start()
			defer collector.Stop()

			metrics.SetVersion(Version)
			metrics.RegisterComponent("registry", true, "")
			metrics.RegisterComponent("proxy", true, "")
			metrics.RegisterComponent("scheduler", true, "")
			metrics.RegisterComponent("reconciler", true, "")

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/health", metrics.HealthHandler())
			mux.HandleFunc("/ready", metrics.ReadyHandler())
			mux.HandleFunc("/live", metrics.LivenessHandler())
			go func() {
				if err := http.ListenAndServe(watchMetricsAddr, mux); err != nil {
					log.Errorf("metrics listener failed", err)
				}
			}()
		}

		// Stream events to stdout until interrupted.
		sub := broker.Subscribe()
		defer broker.Unsubscribe(sub)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		fmt.Println("Watchdog running; Ctrl-C to stop.")
		for {
			select {
			case ev := <-sub:
				if ev == nil {
					return nil
				}
				line := fmt.Sprintf("%s %s tenant=%s", ev.Timestamp.Format(time.RFC3339), ev.Type, ev.Tenant)
				if ev.Trigger != "" {
					line += " trigger=" + ev.Trigger
				}
				if ev.Error != "" {
					line += " error=" + ev.Error
				}
				fmt.Println(line)
			case <-sigCh:
				fmt.Println("Shutting down.")
				return nil
			}
		}
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchDaemon, "daemon", false, "Also run the reconciler and serve /metrics")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "127.0.0.1:9822", "Metrics listen address for --daemon")
}

var tankCmd = &cobra.Command{
	Use:   "tank",
	Short: "Show a one-shot status dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, engine, err := loadEngine(nil)
		if err != nil {
			return err
		}
		r, err := engine.Store.Load()
		if err != nil {
			return err
		}

		counts := map[types.Status]int{}
		for _, t := range r.Tenants {
			counts[t.Status]++
		}
		fmt.Printf("tenants: %d  active: %d  suspended: %d  degraded: %d\n",
			len(r.Tenants), counts[types.StatusActive], counts[types.StatusSuspended], counts[types.StatusDegraded])
		fmt.Printf("allocators: nextUid=%d nextGatewayPort=%d\n", r.NextUID, r.NextGatewayPort)
		fmt.Printf("dataset parent: %s\n", cfg.ZFS.ParentDataset)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tPORT\tGATEWAY\tSUSPENDED FOR\tNEXT WAKE")
		now := time.Now()
		for _, t := range r.Tenants {
			// Probe the loopback gateway port directly; a suspended
			// tenant has nothing listening and that is not an error.
			gateway := "-"
			if t.Status == types.StatusActive {
				probe := health.NewTCPChecker(fmt.Sprintf("127.0.0.1:%d", t.GatewayPort)).
					WithTimeout(time.Second)
				if probe.Check(cmd.Context()).Healthy {
					gateway = "up"
				} else {
					gateway = "down"
				}
			}
			suspended, wake := "-", "-"
			if t.SuspendInfo != nil {
				suspended = now.Sub(time.UnixMilli(t.SuspendInfo.SuspendedAtMs)).Round(time.Second).String()
				if t.SuspendInfo.NextWakeAtMs > 0 {
					wake = time.UnixMilli(t.SuspendInfo.NextWakeAtMs).Format(time.RFC3339)
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", t.Name, t.Status, t.GatewayPort, gateway, suspended, wake)
		}
		return w.Flush()
	},
}

var logsService string

var logsCmd = &cobra.Command{
	Use:   "logs NAME",
	Short: "Fetch recent logs from a tenant's agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, engine, err := loadEngine(nil)
		if err != nil {
			return err
		}
		r, err := engine.Store.Load()
		if err != nil {
			return err
		}
		t := r.Find(args[0])
		if t == nil {
			return lobsterderr.New(lobsterderr.TenantNotFound, fmt.Sprintf("tenant %q not in registry", args[0]))
		}
		if t.Status != types.StatusActive {
			return lobsterderr.New(lobsterderr.ValidationFailed, fmt.Sprintf("tenant %q is %s; logs need a running agent", t.Name, t.Status))
		}

		client := vsock.New(t.CID, cfg.Vsock.AgentPort, t.AgentToken)

		// Hold off auto-suspend while attached, when the agent supports
		// holds; older agents just serve the fetch.
		holdID := fmt.Sprintf("logs-%d", os.Getpid())
		if ok, _ := client.Capable(ctx); ok {
			if err := client.AcquireHold(ctx, holdID, 60_000); err == nil {
				defer func() { _ = client.ReleaseHold(context.Background(), holdID) }()
			}
		}

		out, err := client.FetchLogs(ctx, logsService)
		if err != nil {
			return err
		}
		fmt.Print(out)
		if len(out) > 0 && out[len(out)-1] != '\n' {
			fmt.Println()
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().StringVarP(&logsService, "service", "s", "", "Limit to one service")
}

var execCmd = &cobra.Command{
	Use:   "exec NAME [-- COMMAND...]",
	Short: "Run a command inside a tenant over SSH",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, engine, err := loadEngine(nil)
		if err != nil {
			return err
		}
		r, err := engine.Store.Load()
		if err != nil {
			return err
		}
		t := r.Find(args[0])
		if t == nil {
			return lobsterderr.New(lobsterderr.TenantNotFound, fmt.Sprintf("tenant %q not in registry", args[0]))
		}
		if t.Status != types.StatusActive {
			return lobsterderr.New(lobsterderr.ValidationFailed, fmt.Sprintf("tenant %q is %s; exec needs a running VM", t.Name, t.Status))
		}

		// Hold off auto-suspend while the session runs.
		client := vsock.New(t.CID, cfg.Vsock.AgentPort, t.AgentToken)
		holdID := fmt.Sprintf("exec-%d", os.Getpid())
		if ok, _ := client.Capable(ctx); ok {
			if err := client.AcquireHold(ctx, holdID, 300_000); err == nil {
				defer func() { _ = client.ReleaseHold(context.Background(), holdID) }()
			}
		}

		guestIP := strings.SplitN(t.GuestIP, "/", 2)[0]
		identity := filepath.Join(flagRuntimeDir, "ssh", t.Name)
		argv := []string{
			"ssh", "-i", identity,
			"-o", "StrictHostKeyChecking=no",
			"-o", "UserKnownHostsFile=/dev/null",
			"root@" + guestIP,
		}
		argv = append(argv, args[1:]...)

		res, err := execx.ExecUnchecked(ctx, argv, execx.Opts{TimeoutMs: 300_000})
		if err != nil {
			return err
		}
		fmt.Print(res.Stdout)
		if res.Stderr != "" {
			fmt.Fprint(os.Stderr, res.Stderr)
		}
		if res.ExitCode != 0 {
			os.Exit(res.ExitCode)
		}
		return nil
	},
}
