// Command duplexd runs a duplex RPC server and offers client-side tools against one.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"duplex-rpc/config"
	"duplex-rpc/internal/logging"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

// rootFlags are shared by every command.
type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "duplexd",
		Short:         "Symmetric request/response over persistent connections",
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format override (text, json)")

	rootCmd.AddCommand(
		serveCmd(flags),
		callCmd(flags),
		locateCmd(flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// load returns the validated configuration with command-line overrides applied.
func (f *rootFlags) load() (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(cfg.Log.Logging())
}
