// Command obddash runs the OBD-II diagnostics dashboard, its maintenance
// commands and the in-vehicle agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"obddash/internal/config"
	"obddash/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	// environ replaces the process environment in tests.
	environ map[string]string
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&rootOptions{})
}

func newRootCmdWith(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "obddash",
		Short: "OBD-II vehicle diagnostics dashboard",
		Long: `obddash tracks vehicles, their diagnostic trouble codes and live
telemetry, and renders fault and telemetry reports.

Configuration comes from built-in defaults, an optional YAML file and
OBDDASH_* environment variables, in that order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file (default $OBDDASH_CONFIG)")
	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newImportCmd(opts),
		newUserCmd(opts),
		newAgentCmd(opts),
	)
	return root
}

// load reads the configuration and builds the logger it asks for.
func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath, o.environ)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}
