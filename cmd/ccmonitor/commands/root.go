package commands

import (
	"log/slog"

	"github.com/dusancv22/CC-Release-Monitor/internal/config"
	"github.com/spf13/cobra"
)

var (
	logLevelOverride string
	configPathFlag   string
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ccmonitor",
		Short: "ccmonitor - remote approval for Claude Code tool calls",
		Long: `ccmonitor queues sensitive Claude Code tool calls and lets an operator
approve or deny them from Telegram or the command line.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.SetConfigPath(configPathFlag)
			switch cmd.Name() {
			case "init", "version":
				return configureLogger(config.DefaultConfig(), logLevelOverride, false)
			case "hook":
				return configureLogger(loadHookConfig(), logLevelOverride, true)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride, false)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&configPathFlag, "config", "", "Config file path (default ~/.ccmonitor/config.json)")

	cmd.AddCommand(
		NewInitCmd(),
		NewServeCmd(),
		NewBotCmd(),
		NewHookCmd(),
		NewApprovalCmd(),
		NewPolicyCmd(),
		NewStatusCmd(),
		NewVersionCmd(),
	)

	return cmd
}

// loadHookConfig never fails: the hook must answer even with a broken config.
func loadHookConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		slog.Warn("hook config unusable, using defaults", "error", err)
		cfg = config.DefaultConfig()
		_ = cfg.Validate()
	}
	return cfg
}
