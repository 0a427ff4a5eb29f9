package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/nyxmesh/corerelay/chat"
	"github.com/nyxmesh/corerelay/config"
	"github.com/nyxmesh/corerelay/logging"
	"github.com/nyxmesh/corerelay/onion"
	"github.com/nyxmesh/corerelay/registry"
	"github.com/nyxmesh/corerelay/server"
)

type rootFlags struct {
	ConfigFile string
	GenOnly    bool
}

func newRootCommand() *cobra.Command {
	var f rootFlags

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "corerelay anonymous chat relay node",
		Long: `relay runs one node of the corerelay network: it accepts client circuit
setup packets, forwards onion-routed traffic for hops it does not
terminate, and answers chat RPCs for circuits that end here, holding
and replicating whatever chats its registry position puts it in the
group for.`,
		Example: `  # Start a relay with default configuration
  relay

  # Start with an explicit config file
  relay --config /etc/corerelay/relay.toml

  # Generate this node's keys and exit
  relay --generate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}

	cmd.Flags().StringVarP(&f.ConfigFile, "config", "f", "relay.toml",
		"path to the relay configuration file (TOML format)")
	cmd.Flags().BoolVarP(&f.GenOnly, "generate-only", "g", false,
		"generate this node's keys and exit without starting the relay")

	return cmd
}

func main() {
	if err := fang.Execute(context.Background(), newRootCommand(), fang.WithVersion(versioninfo.Short())); err != nil {
		os.Exit(1)
	}
}

func run(f rootFlags) error {
	cfg, err := config.LoadFile(f.ConfigFile)
	if err != nil {
		return fmt.Errorf("relay: load config %q: %w", f.ConfigFile, err)
	}

	identitySK, err := config.LoadOrGenerateIdentity(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("relay: identity key: %w", err)
	}
	linkSK, err := config.LoadOrGenerateLink(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("relay: link key: %w", err)
	}
	if f.GenOnly {
		return nil
	}

	backend, err := logging.New(os.Stderr, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("relay: logging: %w", err)
	}
	logger := backend.GetLogger("relay")

	geo, err := onion.NewGeometry(cfg.Geometry.Hops, cfg.Geometry.KEMCiphertextSize, cfg.Geometry.ForwardPayloadLength)
	if err != nil {
		return fmt.Errorf("relay: geometry: %w", err)
	}

	reg, err := registry.New(cfg.Registry.Endpoint, cfg.Registry.Interval, backend.GetLogger("registry"))
	if err != nil {
		return fmt.Errorf("relay: registry client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("relay: registry start: %w", err)
	}

	if n := len(reg.Snapshot().Records()); n < cfg.MinNodes {
		return fmt.Errorf("relay: registry reports only %d nodes, below configured minimum %d", n, cfg.MinNodes)
	}

	nodeCfg := server.Config{
		ClientListenAddress: cfg.ClientAddress,
		PeerListenAddress:   cfg.PeerAddress,
		ReplayTTL:           cfg.Timeouts.Setup,
		IdleTimeout:         cfg.Timeouts.Idle,
		ManagerCaps: chat.ManagerCaps{
			Chat: chat.Caps{
				MaxBytes: cfg.Buffer.Bytes,
				MaxCount: cfg.Buffer.Messages,
			},
			TotalBytes: cfg.Buffer.Bytes * 64,
			IngressLen: 256,
		},
	}

	node, err := server.NewNode(nodeCfg, linkSK, reg, identitySK.Public, cfg.ReplicationFactor, geo, backend.GetLogger("node"))
	if err != nil {
		return fmt.Errorf("relay: assemble node: %w", err)
	}
	if err := node.Start(); err != nil {
		return fmt.Errorf("relay: start listeners: %w", err)
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	<-haltCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Timeouts.Forward)
	defer shutdownCancel()
	node.Halt(shutdownCtx)
	return nil
}
