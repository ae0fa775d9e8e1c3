package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/josh-at-icarite/shepherd/pkg/api"
	"github.com/josh-at-icarite/shepherd/pkg/config"
	"github.com/josh-at-icarite/shepherd/pkg/controller"
	"github.com/josh-at-icarite/shepherd/pkg/log"
	"github.com/josh-at-icarite/shepherd/pkg/platform"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shepherd",
	Short: "Shepherd - self-healing fleet controller",
	Long: `Shepherd keeps a fleet of stateless instances healthy behind a
load balancer: it probes every instance, replaces the ones that are
confirmed dead, and converges the fleet to the desired capacity spread
across failure domains.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Shepherd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	runCmd.Flags().String("config", "", "Path to configuration file")
	runCmd.Flags().Bool("dev", false, "Run against in-memory fakes instead of a real platform")
	validateCmd.Flags().String("config", "", "Path to configuration file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the fleet controller",
	Long: `Run the reconciliation loop, health probing, and the status API.

With --dev the controller drives deterministic in-memory fakes for the
platform, load balancer, and prober, which is useful for trying out
configuration and watching the control loop converge.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dev, _ := cmd.Flags().GetBool("dev")

		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if dev && len(cfg.Fleet.Domains) == 0 {
			cfg.Fleet.Domains = []string{"zone-a", "zone-b", "zone-c"}
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})

		pf, lb, prober, err := buildCollaborators(cfg, dev)
		if err != nil {
			return err
		}

		ctl, err := controller.New(cfg, pf, lb, prober)
		if err != nil {
			return fmt.Errorf("failed to create controller: %v", err)
		}
		if err := ctl.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start controller: %v", err)
		}

		apiServer := api.NewServer(ctl)
		errCh := make(chan error, 1)
		go func() {
			if err := apiServer.Start(cfg.API.Listen); err != nil {
				errCh <- fmt.Errorf("API server error: %v", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "API shutdown error: %v\n", err)
		}
		ctl.Stop()

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if configPath == "" {
			return fmt.Errorf("--config is required")
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		fmt.Println("✓ Configuration is valid")
		fmt.Printf("  Capacity: %d\n", cfg.Fleet.Capacity)
		fmt.Printf("  Domains: %v\n", cfg.Fleet.Domains)
		fmt.Printf("  Probe: every %s, %s timeout\n", cfg.Probe.Interval.Std(), cfg.Probe.Timeout.Std())
		fmt.Printf("  Grace period: %s\n", cfg.Health.GracePeriod.Std())
		return nil
	},
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildCollaborators wires the platform, load balancer, and prober. Real
// deployments plug their cloud provider in here; --dev uses the in-memory
// fakes.
func buildCollaborators(cfg *config.Config, dev bool) (platform.Platform, platform.LoadBalancer, platform.Prober, error) {
	if dev {
		return platform.NewFakePlatform(), platform.NewFakeLoadBalancer(), platform.NewFakeProber(), nil
	}

	// TODO: add a cloud-backed platform implementation; until then only
	// --dev mode is runnable end to end
	return nil, nil, nil, fmt.Errorf("no platform implementation configured, run with --dev")
}
