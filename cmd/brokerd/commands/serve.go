package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mini-rpc-broker/broker"
	"mini-rpc-broker/internal/config"
	"mini-rpc-broker/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker and block until shutdown",
	Long: `Start the broker, listening on every endpoint in the configuration,
and block until it is stopped with SIGINT/SIGTERM.

Examples:
  # Start with built-in defaults (unix socket at /tmp/mini-rpc-broker.sock)
  brokerd serve

  # Start with a config file
  brokerd serve --config /etc/mini-rpc-broker/config.yaml

  # Override a setting via environment variable
  MINI_RPC_BROKER_LOGGING_LEVEL=debug brokerd serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("pretty-log", false, "use human-readable console logging instead of JSON")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.New(), GetConfigFile())
	if err != nil {
		return err
	}

	if pretty, _ := cmd.Flags().GetBool("pretty-log"); pretty {
		cfg.Logging.Pretty = true
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("brokerd: configure logging: %w", err)
	}

	b := broker.New(cfg, log)
	for _, ep := range cfg.Endpoints {
		if err := b.Listen(ep.Network, ep.Address); err != nil {
			return fmt.Errorf("brokerd: listen on %s %s: %w", ep.Network, ep.Address, err)
		}
		log.Info().Str("network", ep.Network).Str("address", ep.Address).Msg("listening")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- b.Serve(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
		cancel()
		if err := b.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("brokerd: shutdown: %w", err)
		}
		<-serveDone
		return nil
	case err := <-serveDone:
		return err
	}
}
