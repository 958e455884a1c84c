package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dusancv22/CC-Release-Monitor/internal/config"
	"github.com/spf13/cobra"
)

const hookSettingsSnippet = `{
  "hooks": {
    "PreToolUse": [
      {
        "matcher": "*",
        "hooks": [{ "type": "command", "command": "ccmonitor hook", "timeout": 60 }]
      }
    ]
  }
}`

func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize ccmonitor configuration",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := config.ConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists: %s\n", configPath)
		return nil
	}

	cfg := config.DefaultConfig()

	dirs := []string{
		filepath.Dir(configPath),
		filepath.Dir(cfg.Approval.DBPath),
		filepath.Dir(cfg.Approval.AuditLog),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("ccmonitor initialized!\n")
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("Database: %s\n", cfg.Approval.DBPath)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("1. Set telegram.enabled, telegram.allow_from and TELEGRAM_BOT_TOKEN in %s\n", configPath)
	fmt.Printf("2. Run 'ccmonitor serve'\n")
	fmt.Printf("3. Register the hook in .claude/settings.json:\n%s\n", hookSettingsSnippet)

	return nil
}
