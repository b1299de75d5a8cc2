// Command agent runs one fleet bus worker. It subscribes to the master's
// broadcast endpoint, answers ping/command/tail/check requests and pushes
// each reply back on the collector endpoint.
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetbus/fleetbus/internal/agent"
	"github.com/fleetbus/fleetbus/internal/bus"
	"github.com/fleetbus/fleetbus/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("agent: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	overrides := config.DefaultAgent()

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run one fleet bus worker",
		Long: `Run one fleet bus worker: a daemon that listens for broadcast requests
from the master, executes them and pushes the replies back.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultAgent()
			if configPath != "" {
				loaded, err := config.LoadAgent(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			flags := cmd.Flags()
			if flags.Changed("subscribe-url") {
				cfg.SubscribeURL = overrides.SubscribeURL
			}
			if flags.Changed("push-url") {
				cfg.PushURL = overrides.PushURL
			}
			if flags.Changed("agent-id") {
				cfg.AgentID = overrides.AgentID
			}
			if flags.Changed("debug") {
				cfg.Debug = overrides.Debug
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&overrides.SubscribeURL, "subscribe-url", overrides.SubscribeURL, "address of the master's broadcast endpoint")
	flags.StringVar(&overrides.PushURL, "push-url", overrides.PushURL, "address of the master's reply collector endpoint")
	flags.StringVar(&overrides.AgentID, "agent-id", "", "stable agent identity (default: fresh UUID)")
	flags.StringVar(&configPath, "config", "", "path to a YAML configuration file")
	flags.BoolVar(&overrides.Debug, "debug", false, "enable debug logging")
	return cmd
}

func run(cfg config.Agent) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sub := bus.NewSubscriber(config.NormalizeAddr(cfg.SubscribeURL), cfg.Debug)
	if err := sub.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to broadcast endpoint: %w", err)
	}
	defer sub.Close()

	push := bus.NewPusher(config.NormalizeAddr(cfg.PushURL), cfg.Debug)
	if err := push.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to collector endpoint: %w", err)
	}
	defer push.Close()

	worker := agent.New(cfg.AgentID, sub, push, cfg.Debug)
	log.Printf("Agent %s subscribed to %s, pushing to %s", worker.ID(), cfg.SubscribeURL, cfg.PushURL)
	return worker.Run(ctx)
}
