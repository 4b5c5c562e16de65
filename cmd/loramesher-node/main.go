// loramesher-node runs a single LoraMesher mesh node: radio, scheduler,
// NM election, routing, forwarding, PingPong, and the Application API.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agsys/loramesher/internal/node"
	"github.com/agsys/loramesher/internal/radio"
)

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "loramesher-node",
		Short: "LoraMesher mesh node daemon",
		Long:  "Runs one LoraMesher mesh node: TDMA scheduling, NM election, routing, forwarding, and the Application API.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the node",
		RunE:  runNode,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("loramesher-node v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/loramesher/node.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := node.LoadConfig(configFile)
	if err != nil {
		// Fall back to defaults if no config file exists yet, rather than
		// refusing to start a node that could otherwise run fine.
		if os.IsNotExist(errUnwrapRoot(err)) {
			cfg = node.DefaultConfig()
		} else {
			return fmt.Errorf("failed to load node config: %w", err)
		}
	}

	gwCfg := radio.GatewayConfig{EventURL: cfg.Gateway.EventURL, CommandURL: cfg.Gateway.CommandURL}
	driver := radio.NewGatewayDriver(gwCfg)

	n, err := node.New(cfg, driver)
	if err != nil {
		return fmt.Errorf("failed to build node: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := n.Start(); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	sig := <-sigChan
	fmt.Fprintf(os.Stderr, "received signal %v, shutting down...\n", sig)

	if err := n.Stop(); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	return nil
}

// errUnwrapRoot peels fmt.Errorf's %w wrapping so os.IsNotExist can see
// the underlying *os.PathError from LoadConfig's os.ReadFile failure.
func errUnwrapRoot(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
}
