package commands

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/dusancv22/CC-Release-Monitor/internal/config"
	"github.com/dusancv22/CC-Release-Monitor/internal/hook"
	"github.com/dusancv22/CC-Release-Monitor/internal/policy"
	"github.com/spf13/cobra"
)

func NewHookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Claude Code PreToolUse hook: reads the tool event on stdin, writes the decision on stdout",
		RunE:  runHook,
	}
	cmd.Flags().String("server", "", "Approval server URL (overrides hook.server_url)")
	return cmd
}

func runHook(cmd *cobra.Command, args []string) error {
	cfg := loadHookConfig()
	if cmd != nil {
		if server, _ := cmd.Flags().GetString("server"); strings.TrimSpace(server) != "" {
			cfg.Hook.ServerURL = strings.TrimSpace(server)
		}
	}
	return runHookIO(commandContext(cmd), cfg, os.Stdin, os.Stdout)
}

func runHookIO(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	c := newQueueClient(cfg)
	poller := hook.NewPoller(
		policy.NewClassifier(policyConfig(cfg.Policy)),
		c,
		hook.WithBudget(cfg.Hook.Budget()),
		hook.WithPollInterval(cfg.Hook.PollInterval()),
	)
	return hook.RunClaudeHook(ctx, in, out, poller)
}

func policyConfig(p config.PolicyConfig) policy.Config {
	return policy.Config{
		SafeCategories:      p.SafeCategories,
		SensitiveCategories: p.SensitiveCategories,
		SafeCommandPrefixes: p.SafeCommandPrefixes,
		DangerSubstrings:    p.DangerSubstrings,
		ScratchPaths:        p.ScratchPaths,
		UnknownAction:       policy.Action(p.UnknownAction),
	}
}
