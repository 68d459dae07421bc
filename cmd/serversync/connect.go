package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-dev/serversync/internal/config"
	"github.com/vango-dev/serversync/pkg/transport"
)

func connectCmd(configPath *string) *cobra.Command {
	var (
		serverURL string
		name      string
	)

	cmd := &cobra.Command{
		Use:   "connect [server-url]",
		Short: "Connect to a server as a client",
		Long: `Connect to a serversync server and follow its settings until the
connection ends. Local settings are restored on disconnect.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := loadConfig(*configPath, config.ModeClient)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				serverURL = args[0]
			}
			if serverURL != "" {
				cfg.ServerURL = serverURL
			}
			if name != "" {
				cfg.Name = name
			}
			return runClient(loader, cfg)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Name announced to the server (default from config)")

	return cmd
}

// errRefused is returned when the version check fails on either side.
var errRefused = errors.New("connection refused")

func runClient(loader *config.Loader, cfg *config.Config) error {
	a, err := newApp(cfg, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeDone := make(chan error, 1)
	go func() { nodeDone <- a.node.Run(ctx) }()

	if err := a.load(ctx); err != nil {
		stop()
		<-nodeDone
		return fmt.Errorf("load settings: %w", err)
	}
	go a.saver.Run(ctx)
	if cfg.Settings.Watch {
		go a.watchSettings(ctx)
	}
	if loader.FilePath() != "" {
		go a.watchConfig(ctx, loader)
	}

	conn, err := transport.Dial(ctx, cfg.ServerURL, cfg.Name, a.node.TransportHandler(), cfg.TransportOptions(),
		transport.WithLogger(a.logger.With("component", "transport")),
		transport.WithDropObserver(a.metrics),
		transport.WithToken(cfg.Token),
	)
	if err != nil {
		stop()
		<-nodeDone
		return err
	}

	var result error
	select {
	case <-ctx.Done():
	case reason := <-a.refused:
		result = fmt.Errorf("%w: %s", errRefused, reason)
	case <-conn.Done():
		select {
		case reason := <-a.refused:
			result = fmt.Errorf("%w: %s", errRefused, reason)
		default:
			a.logger.Info("disconnected from server")
		}
	}

	conn.Close()
	stop()
	if err := <-nodeDone; err != nil {
		return err
	}
	return result
}
