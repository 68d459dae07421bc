package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vango-dev/serversync/internal/config"
	"github.com/vango-dev/serversync/pkg/transport"
)

func serveCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinating server",
		Long: `Run the server side of config sync. Clients connect to /sync;
/healthz, /status and the metrics path are served on the same address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := loadConfig(*configPath, config.ModeServer)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			return runServer(loader, cfg)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Address to listen on (default from config)")

	return cmd
}

func runServer(loader *config.Loader, cfg *config.Config) error {
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

	topts := []transport.Option{
		transport.WithLogger(a.logger.With("component", "transport")),
		transport.WithDropObserver(a.metrics),
	}
	if len(cfg.Credentials) > 0 {
		topts = append(topts, transport.WithAuthenticator(transport.TokenAuthenticator(cfg.TransportCredentials())))
	} else if len(cfg.Admins) > 0 {
		a.logger.Warn("admins configured without credentials; no peer can authenticate as admin")
	}
	srv := transport.NewServer(a.node.TransportHandler(), cfg.TransportOptions(), topts...)
	router := srv.Routes(func() any {
		st, err := a.node.Snapshot(ctx)
		if err != nil {
			return map[string]string{"error": err.Error()}
		}
		return st
	})
	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", cfg.Listen, "registries", len(cfg.Registries))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-nodeDone
			return fmt.Errorf("listen %s: %w", cfg.Listen, err)
		}
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}
	srv.Shutdown()
	stop()
	return <-nodeDone
}
