package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"market-analysis-bot/internal/config"
	"market-analysis-bot/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// rootOptions 所有子命令共享的配置和日志器
type rootOptions struct {
	configPath string
	cfg        *config.Config
	log        zerolog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "mab",
		Short:        "Market analysis bot license server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.log = logger.Setup(cfg.Log)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file (default ./config.yaml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newKeysCommand(opts))
	cmd.AddCommand(newUsageCommand(opts))
	return cmd
}
