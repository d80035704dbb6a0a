// Command dtnnoded runs a single DTN node: it accepts application
// payloads, encapsulates them as bundles, persists and forwards them
// toward their destination, and records delivery at the ultimate
// destination. See the package comment in internal/node for the runtime's
// component overview.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dtn-relay/dtnnode/internal/config"
	"github.com/dtn-relay/dtnnode/internal/node"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		// cobra has already printed the error; translate it into the exit
		// codes the spec assigns to configuration vs. startup I/O failures.
		os.Exit(exitCodeFor(err))
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		cfg        config.Config
	)

	cmd := &cobra.Command{
		Use:   "dtnnoded",
		Short: "Run a store-and-forward DTN node",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyFlagOverrides(cmd, &loaded, cfg)

			return run(loaded)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a TOML configuration file")
	flags.StringVar(&cfg.NodeID, "node-id", "", "this node's endpoint identifier")
	flags.StringVar(&cfg.NodeRole, "node-role", "", "one of source, relay, sink")
	flags.IntVar(&cfg.ListenPort, "listen-port", 0, "inbound TCP port")
	flags.StringVar(&cfg.Neighbors, "neighbors", "", "comma-separated eid:host:port entries")
	flags.StringVar(&cfg.StorageDir, "storage-dir", "", "root of the persistent bundle store")
	flags.Uint64Var(&cfg.DefaultLifetimeS, "default-lifetime-s", 0, "TTL for submitted bundles")
	flags.Uint64Var(&cfg.SweeperPeriodS, "sweeper-period-s", 0, "expiration sweep interval")
	flags.Uint64Var(&cfg.ResendPeriodS, "resend-period-s", 0, "store re-sweep interval")
	flags.Uint64Var(&cfg.MaxFrameBytes, "max-frame-bytes", 0, "inbound and outbound frame size cap")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address for the status/metrics HTTP server")
	flags.StringVar(&cfg.LogLevel, "log-level", "", "logrus level (panic,fatal,error,warn,info,debug,trace)")

	return cmd
}

// applyFlagOverrides copies every explicitly-set flag from overrides onto
// loaded, giving command-line flags the highest precedence.
func applyFlagOverrides(cmd *cobra.Command, loaded *config.Config, overrides config.Config) {
	changed := cmd.Flags().Changed

	if changed("node-id") {
		loaded.NodeID = overrides.NodeID
	}
	if changed("node-role") {
		loaded.NodeRole = overrides.NodeRole
	}
	if changed("listen-port") {
		loaded.ListenPort = overrides.ListenPort
	}
	if changed("neighbors") {
		loaded.Neighbors = overrides.Neighbors
	}
	if changed("storage-dir") {
		loaded.StorageDir = overrides.StorageDir
	}
	if changed("default-lifetime-s") {
		loaded.DefaultLifetimeS = overrides.DefaultLifetimeS
	}
	if changed("sweeper-period-s") {
		loaded.SweeperPeriodS = overrides.SweeperPeriodS
	}
	if changed("resend-period-s") {
		loaded.ResendPeriodS = overrides.ResendPeriodS
	}
	if changed("max-frame-bytes") {
		loaded.MaxFrameBytes = overrides.MaxFrameBytes
	}
	if changed("metrics-addr") {
		loaded.MetricsAddr = overrides.MetricsAddr
	}
	if changed("log-level") {
		loaded.LogLevel = overrides.LogLevel
	}
}

// exitCodeFor maps a fatal startup error to the spec's exit codes:
// configuration errors exit 2, other fatal I/O errors exit 1.
func exitCodeFor(err error) int {
	var ve *config.ValidationError
	if errors.As(err, &ve) {
		return 2
	}
	return 1
}

func run(cfg config.Config) error {
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	n, err := node.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	if err := n.Start(); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	waitForSignal()

	log.Info("Shutting down")
	return n.Close()
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
