// Package cmd defines the CLI for the linuxdo-checkin executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/linuxdo-checkin/internal/app"
	"github.com/JakeFAU/linuxdo-checkin/internal/config"
	"github.com/JakeFAU/linuxdo-checkin/internal/logging"
)

// App is the part of the application the command drives. It is an interface
// so tests can inject a fake.
type App interface {
	Run(ctx context.Context) app.Report
	Close()
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(cfg config.Config, logger *zap.Logger) App {
	return app.NewApp(cfg, logger)
}

// loadConfig is swapped in tests to avoid reading the process environment.
var loadConfig = config.Load

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "linuxdo-checkin",
		Short: "Daily check-in for Linux.do forum accounts.",
		Long: `linuxdo-checkin logs every configured account into the Linux.do forum,
optionally browses a handful of topics, prints each account's Connect score
table, and pushes one summary notification for the whole batch.

Accounts and options are read from the environment (LINUXDO_ACCOUNTS,
LINUXDO_ACCOUNT_<n>, BROWSE_ENABLED, GOTIFY_URL, SC3_PUSH_KEY, ...) and may be
overridden by an optional config file.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, cfgFile)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	return cmd
}

func run(cmd *cobra.Command, cfgFile string) error {
	boot := logging.Bootstrap()
	cfg, err := loadConfig(cfgFile, boot)
	if err != nil {
		boot.Error("configuration rejected", zap.Error(err))
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		boot.Warn("falling back to console logger", zap.Error(err))
		logger = boot
	}

	a := newApp(cfg, logger)
	defer a.Close()

	report := a.Run(cmd.Context())
	fmt.Fprintln(cmd.OutOrStdout(), report.Message)
	return nil
}

// Execute is the main entry point. Only configuration errors produce a
// non-zero exit status.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
