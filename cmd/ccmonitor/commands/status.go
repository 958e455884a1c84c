package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dusancv22/CC-Release-Monitor/internal/approval"
	"github.com/dusancv22/CC-Release-Monitor/internal/config"
	"github.com/spf13/cobra"
)

const statusProbeTimeout = 2 * time.Second

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ccmonitor configuration and server status",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println(headerStyle.Render("ccmonitor Status"))

	fmt.Println("Config")
	renderField("Path", config.ConfigPath())
	if _, err := os.Stat(config.ConfigPath()); err == nil {
		renderField("Status", "OK")
	} else {
		renderField("Status", "Not found (run 'ccmonitor init')")
	}

	fmt.Println("\nApproval")
	renderField("Listen", cfg.ServerAddr())
	renderField("Database", cfg.Approval.DBPath)
	renderField("Timeout", cfg.Approval.Timeout().String())
	renderField("Retention", cfg.Approval.Retention().String())
	if cfg.Server.Token != "" {
		renderField("Auth", "bearer token")
	} else {
		renderField("Auth", "none (loopback only)")
	}

	fmt.Println("\nHook")
	renderField("Server", cfg.Hook.ServerURL)
	renderField("Budget", cfg.Hook.Budget().String())
	renderField("Poll", cfg.Hook.PollInterval().String())

	fmt.Println("\nTelegram")
	if cfg.Telegram.Enabled {
		renderField("Status", "enabled")
	} else {
		renderField("Status", "disabled")
	}
	renderField("Allowed", fmt.Sprintf("%d id(s)", len(cfg.Telegram.AllowFrom)))

	fmt.Println("\nServer")
	ctx, cancel := context.WithTimeout(commandContext(cmd), statusProbeTimeout)
	defer cancel()
	c := newQueueClient(cfg)
	if err := c.Health(ctx); err != nil {
		renderField("Status", "unreachable ("+err.Error()+")")
		return nil
	}
	renderField("Status", "running")
	stats, err := c.Stats(ctx)
	if err != nil {
		renderField("Stats", "unavailable ("+err.Error()+")")
		return nil
	}
	renderField("Pending", fmt.Sprintf("%d", stats.ByStatus[approval.StatusPending]))
	renderField("Total", fmt.Sprintf("%d", stats.Total))
	renderField("Last hour", fmt.Sprintf("%d", stats.RecentHour))
	return nil
}
