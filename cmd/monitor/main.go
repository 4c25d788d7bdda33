// Command monitor runs the self-hosted CI runner supervisor: it loads
// configuration, wires the registry client, hypervisor adapter, policy
// engine, image builder, control plane, and supervisor tick loop together,
// then blocks until a termination signal is handled per the three-stage
// cancellation design. Grounded on the reference implementation's
// monitor/src/main.rs and on the teacher's cli/cmd/root.go Execute
// pattern, generalized from a Kind-cluster CLI root command to a single
// long-running daemon command.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeffvincent/ci-runner-monitor/internal/controlplane"
	"github.com/jeffvincent/ci-runner-monitor/internal/hypervisor"
	"github.com/jeffvincent/ci-runner-monitor/internal/imagebuilder"
	"github.com/jeffvincent/ci-runner-monitor/internal/logging"
	"github.com/jeffvincent/ci-runner-monitor/internal/policy"
	"github.com/jeffvincent/ci-runner-monitor/internal/registryclient"
	"github.com/jeffvincent/ci-runner-monitor/internal/settings"
	"github.com/jeffvincent/ci-runner-monitor/internal/store"
	"github.com/jeffvincent/ci-runner-monitor/internal/supervisor"
)

var (
	envPath   string
	tomlPath  string
	listen    string
	debugLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "monitor",
	Short: "monitor — supervises a fleet of ephemeral self-hosted CI runner VMs",
	Long: `monitor reconciles a libvirt/UTM-hosted fleet of ephemeral CI runner
guests against a CI provider's registration list and an on-disk state
directory, creating and destroying runners to match each profile's target
count, rebuilding base images on a schedule, and serving an HTTP control
plane for reservations, manual overrides, and guest boot-time lookups.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.Flags().StringVar(&envPath, "env", "", "path to .env (default: ./.env)")
	rootCmd.Flags().StringVar(&tomlPath, "config", "", "path to monitor.toml (default: ./monitor.toml)")
	rootCmd.Flags().StringVar(&listen, "listen", ":8443", "control plane listen address")
	rootCmd.Flags().BoolVar(&debugLogs, "debug", false, "enable debug-level logging")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("cli error: %w", err)
	}
	return nil
}

// main exits 0 on a clean shutdown (ctx cancellation with no error) and 1
// on any startup or fatal runtime failure; the third-termination-signal
// exit(-1) path is handled directly by supervisor.ListenForSignals.
func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := settings.Load(envPath, tomlPath)
	if err != nil {
		return err
	}

	_, zl, err := logging.New(debugLogs)
	if err != nil {
		return fmt.Errorf("monitor: failed to build logger: %w", err)
	}
	defer zl.Sync()

	st, err := store.New(cfg.DataPath())
	if err != nil {
		return err
	}

	idGen, err := store.NewIdGen(st, zl)
	if err != nil {
		return fmt.Errorf("monitor: failed to load id generator: %w", err)
	}

	registryclient.Register(registryclient.NewGitHubProvider(
		os.Getenv("GITHUB_TOKEN"),
		cfg.Env.GithubAPIScope,
		cfg.Env.GithubAPISuffix,
		cfg.Env.APICacheTimeout,
		zl,
	))
	registry, err := registryclient.Default()
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}

	hypervisor.Register(hypervisor.NewLibvirtAdapter("", "", zl))
	hypervisor.Register(hypervisor.NewActorAdapter(cfg.Env.MonitorThreadSendTimeout, cfg.Env.MonitorThreadRecvTimeout, zl))
	adapter, err := hypervisor.Default()
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}

	pol, err := policy.New(cfg.TOML.Profiles, policy.Toggles{
		Available1GHugepages:     cfg.TOML.Available1GHugepages,
		AvailableNormalMemory:    cfg.TOML.AvailableNormalMemory,
		BaseImageMaxAge:          cfg.TOML.BaseImageMaxAge(),
		MonitorStartTimeout:      cfg.Env.MonitorStartTimeout,
		MonitorReserveTimeout:    cfg.Env.MonitorReserveTimeout,
		DestroyAllNonBusyRunners: cfg.Env.DestroyAllNonBusyRunners,
		DontRegisterRunners:      cfg.Env.DontRegisterRunners,
		DontCreateRunners:        cfg.Env.DontCreateRunners,
	})
	if err != nil {
		return err
	}

	images := imagebuilder.New(cfg, st, pol, zl)
	cp := controlplane.New(cfg, st, pol, registry, adapter, zl)
	super := supervisor.New(cfg, st, registry, adapter, pol, images, idGen, cp, zl)

	super.ListenForSignals()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- cp.ListenAndServe(ctx, listen) }()
	go func() { errCh <- super.Run(ctx) }()

	return <-errCh
}
