package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dusancv22/CC-Release-Monitor/internal/config"
	"github.com/spf13/cobra"
)

func NewBotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Run only the Telegram decision bot against a running server",
		RunE:  runBot,
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is not configured (set TELEGRAM_BOT_TOKEN)")
	}

	fmt.Printf("ccmonitor telegram bot running against %s\nPress Ctrl+C to stop.\n", cfg.Hook.ServerURL)
	return newTelegramBot(cfg, nil).Run(ctx)
}
