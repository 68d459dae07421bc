package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vango-dev/serversync/internal/config"
)

func configCmd(configPath *string) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the file and SERVERSYNC_
environment variables are merged. With --check only validation runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(*configPath, "")
			if err != nil {
				return err
			}
			if check {
				fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
				return nil
			}
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Only validate the configuration")

	return cmd
}

func printConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "  Name:       %s\n", cfg.Name)
	fmt.Fprintf(w, "  Mode:       %s\n", cfg.Mode)
	if cfg.IsServer() {
		fmt.Fprintf(w, "  Listen:     %s\n", cfg.Listen)
	} else {
		fmt.Fprintf(w, "  Server:     %s\n", cfg.ServerURL)
	}
	fmt.Fprintf(w, "  Admins:     %s\n", strings.Join(cfg.Admins, ", "))
	fmt.Fprintf(w, "  Settings:   %s\n", settingsLocation(cfg.Settings))
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  Metrics:    %s\n", cfg.Metrics.Path)
	}
	fmt.Fprintf(w, "  Log:        %s (%s)\n", cfg.Log.Level, cfg.Log.Format)
	fmt.Fprintf(w, "  Sync:       slice %d, compress above %d, queue %d, timeout %s\n",
		cfg.Sync.SliceSize, cfg.Sync.CompressMinSize, cfg.Sync.MaxSendQueue, cfg.Sync.QueueTimeout)

	for _, r := range cfg.Registries {
		opts := r.Options()
		required := ""
		if opts.ModRequired {
			required = ", required"
		}
		fmt.Fprintf(w, "\n  Registry %s (version %s%s)\n", opts.Name, orDefault(opts.CurrentVersion, "0.0.0"), required)
		for _, f := range r.Fields {
			var flags []string
			if f.Local {
				flags = append(flags, "local")
			}
			if f.Locking {
				flags = append(flags, "locking")
			}
			line := fmt.Sprintf("    %s/%s: %s = %v", f.Section, f.Key, f.Type, f.Default)
			if len(flags) > 0 {
				line += " [" + strings.Join(flags, ", ") + "]"
			}
			fmt.Fprintln(w, line)
		}
	}
}

func settingsLocation(s config.SettingsConfig) string {
	switch s.Backend {
	case config.BackendFile:
		if s.Watch {
			return "file " + s.Path + " (watched)"
		}
		return "file " + s.Path
	case config.BackendS3:
		return "s3://" + s.S3.Bucket + "/" + s.S3.Key
	}
	return s.Backend
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
