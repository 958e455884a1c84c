package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dusancv22/CC-Release-Monitor/internal/approval"
	"github.com/dusancv22/CC-Release-Monitor/internal/config"
	"github.com/dusancv22/CC-Release-Monitor/internal/policy"
	"github.com/spf13/cobra"
)

func NewPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the local safe/sensitive classification",
	}

	cmd.AddCommand(
		newPolicyShowCmd(),
		newPolicyCheckCmd(),
	)

	return cmd
}

func newPolicyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective classification lists",
		RunE:  runPolicyShow,
	}
}

func newPolicyCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <category> [payload-json]",
		Short: "Classify an action without contacting the server",
		Example: `  ccmonitor policy check shell '{"command":"rm -rf build"}'
  ccmonitor policy check read_file`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runPolicyCheck,
	}
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	p := cfg.Policy

	fmt.Println(headerStyle.Render("Approval Policy"))
	renderField("Safe", strings.Join(p.SafeCategories, ", "))
	renderField("Sensitive", strings.Join(p.SensitiveCategories, ", "))
	renderField("Safe cmds", strings.Join(p.SafeCommandPrefixes, ", "))
	renderField("Danger", strings.Join(p.DangerSubstrings, ", "))
	renderField("Scratch", strings.Join(p.ScratchPaths, ", "))
	renderField("Unknown", p.UnknownAction)
	return nil
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	category := approval.NormalizeCategory(args[0])
	payload := json.RawMessage(`{}`)
	if len(args) > 1 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("payload is not valid JSON")
		}
		payload = json.RawMessage(args[1])
	}

	decision := policy.NewClassifier(policyConfig(cfg.Policy)).Classify(policy.Input{Category: category, Payload: payload})
	verdict := "auto-approve"
	if decision.RequiresApproval() {
		verdict = "requires approval"
	}
	fmt.Printf("%s: %s (%s)\n", category, verdict, decision.Reason)
	return nil
}
