package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/serversync/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "serversync",
		Short: "Server-authoritative configuration sync",
		Long: `serversync keeps typed settings identical between a coordinating
server and its clients.

The server pushes a full snapshot to every client that passes the
version check, then streams partial updates as settings change. Large
packages are compressed and fragmented; clients that disconnect fall
back to their own settings.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		connectCmd(&configPath),
		configCmd(&configPath),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies the mode the command
// runs in. An empty mode keeps the configured one.
func loadConfig(path, mode string) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(config.WithConfigFile(path))
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if mode != "" && cfg.Mode != mode {
		cfg.Mode = mode
		if err := cfg.Verify(); err != nil {
			return nil, nil, err
		}
	}
	return loader, cfg, nil
}
