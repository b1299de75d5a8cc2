// Command master runs the fleet bus coordinator. It binds the broadcast
// and collector endpoints for agents, then serves the HTTP control face
// operators use to fan commands out and gather the replies.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetbus/fleetbus/internal/bus"
	"github.com/fleetbus/fleetbus/internal/config"
	"github.com/fleetbus/fleetbus/internal/master"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("master: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	overrides := config.DefaultMaster()

	cmd := &cobra.Command{
		Use:   "master",
		Short: "Run the fleet bus coordinator",
		Long: `Run the fleet bus coordinator: the daemon that broadcasts operator
commands to every connected agent and collects the correlated replies
behind an HTTP face.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultMaster()
			if configPath != "" {
				loaded, err := config.LoadMaster(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			flags := cmd.Flags()
			if flags.Changed("http-host") {
				cfg.HTTPHost = overrides.HTTPHost
			}
			if flags.Changed("http-port") {
				cfg.HTTPPort = overrides.HTTPPort
			}
			if flags.Changed("publish-url") {
				cfg.PublishURL = overrides.PublishURL
			}
			if flags.Changed("pull-url") {
				cfg.PullURL = overrides.PullURL
			}
			if flags.Changed("debug") {
				cfg.Debug = overrides.Debug
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&overrides.HTTPHost, "http-host", overrides.HTTPHost, "host to bind the HTTP face to")
	flags.IntVar(&overrides.HTTPPort, "http-port", overrides.HTTPPort, "port to bind the HTTP face to")
	flags.StringVar(&overrides.PublishURL, "publish-url", overrides.PublishURL, "bind address for the broadcast endpoint")
	flags.StringVar(&overrides.PullURL, "pull-url", overrides.PullURL, "bind address for the reply collector endpoint")
	flags.StringVar(&configPath, "config", "", "path to a YAML configuration file")
	flags.BoolVar(&overrides.Debug, "debug", false, "enable debug logging")
	return cmd
}

func run(cfg config.Master) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pub := bus.NewPublisher(config.NormalizeAddr(cfg.PublishURL), cfg.Debug)
	if err := pub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broadcast endpoint: %w", err)
	}
	pull := bus.NewPuller(config.NormalizeAddr(cfg.PullURL), cfg.Debug)
	if err := pull.Start(ctx); err != nil {
		return fmt.Errorf("failed to start collector endpoint: %w", err)
	}

	engine := master.NewEngine(pub, pull, cfg.Debug)
	front := master.NewServer(engine, master.Config{
		Timeout: cfg.DefaultTimeout,
		Agents:  cfg.DefaultAgents,
	}, cfg.Debug)

	httpServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort),
		Handler:     front,
		ConnContext: front.ConnContext,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Master: shutdown: %v", err)
		}
	}()

	log.Printf("Master listening on %s (publish %s, pull %s)", httpServer.Addr, pub.Addr(), pull.Addr())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	log.Printf("Master stopped")
	return nil
}
