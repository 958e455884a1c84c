package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dusancv22/CC-Release-Monitor/internal/approval"
	"github.com/dusancv22/CC-Release-Monitor/internal/client"
	"github.com/dusancv22/CC-Release-Monitor/internal/config"
	"github.com/spf13/cobra"
)

const defaultListLimit = 10

func NewApprovalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Inspect and decide approval requests on the server",
	}

	cmd.AddCommand(
		newApprovalListCmd(),
		newApprovalShowCmd(),
		newApprovalApproveCmd(),
		newApprovalDenyCmd(),
		newApprovalSweepCmd(),
		newApprovalPurgeCmd(),
		newApprovalStatsCmd(),
	)

	return cmd
}

func newApprovalListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests, newest first",
		RunE:  runApprovalList,
	}
	cmd.Flags().Int("limit", defaultListLimit, "Maximum number of requests (1-100)")
	return cmd
}

func newApprovalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one approval request",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprovalShow,
	}
}

func newApprovalApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprovalApprove,
	}
	cmd.Flags().String("by", "cli", "Decision maker")
	return cmd
}

func newApprovalDenyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deny <id>",
		Short: "Deny a pending request",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprovalDeny,
	}
	cmd.Flags().String("by", "cli", "Decision maker")
	cmd.Flags().String("reason", "", "Denial reason shown to the agent")
	return cmd
}

func newApprovalSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Time out pending requests older than the max age",
		RunE:  runApprovalSweep,
	}
	cmd.Flags().Duration("max-age", 0, "Max pending age (default approval.timeout_seconds)")
	return cmd
}

func newApprovalPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete requests older than the retention window",
		RunE:  runApprovalPurge,
	}
	cmd.Flags().Duration("retention", 0, "Retention window (default approval.retention_hours)")
	return cmd
}

func newApprovalStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE:  runApprovalStats,
	}
}

func loadQueueClient() (*client.Client, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newQueueClient(cfg), cfg, nil
}

func newQueueClient(cfg *config.Config) *client.Client {
	return client.New(cfg.Hook.ServerURL,
		client.WithToken(cfg.Server.Token),
		client.WithTimeout(cfg.Hook.RequestTimeout()),
	)
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

func runApprovalList(cmd *cobra.Command, args []string) error {
	c, _, err := loadQueueClient()
	if err != nil {
		return err
	}
	limit := defaultListLimit
	if cmd != nil {
		limit, _ = cmd.Flags().GetInt("limit")
	}

	pending, err := c.ListPending(commandContext(cmd), limit)
	if err != nil {
		return fmt.Errorf("list pending approvals: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	now := time.Now()
	rows := make([][]string, 0, len(pending))
	for _, v := range pending {
		rows = append(rows, []string{
			v.ID,
			v.Category,
			now.Sub(v.CreatedAt).Round(time.Second).String(),
			summarize(v),
		})
	}
	renderTable("Pending Approvals", []column{
		{"ID", 36},
		{"CATEGORY", 12},
		{"AGE", 8},
		{"SUMMARY", 40},
	}, rows)
	return nil
}

func runApprovalShow(cmd *cobra.Command, args []string) error {
	c, _, err := loadQueueClient()
	if err != nil {
		return err
	}
	v, err := c.Status(commandContext(cmd), args[0])
	if err != nil {
		return fmt.Errorf("get approval %s: %w", args[0], err)
	}

	fmt.Println(headerStyle.Render("Approval " + v.ID))
	renderField("Status", renderStatus(v.Status))
	renderField("Category", v.Category)
	renderField("Session", v.SessionID)
	if v.WorkingDir != "" {
		renderField("Directory", v.WorkingDir)
	}
	renderField("Created", v.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if v.DecidedAt != nil {
		renderField("Decided", v.DecidedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if v.DecidedBy != "" {
		renderField("Decided by", v.DecidedBy)
	}
	if v.Reason != "" {
		renderField("Reason", v.Reason)
	}

	var pretty bytes.Buffer
	payload := string(v.Payload)
	if err := json.Indent(&pretty, v.Payload, "  ", "  "); err == nil {
		payload = pretty.String()
	}
	fmt.Printf("\n  %s\n  %s\n", labelStyle.Render("Payload:"), payload)
	return nil
}

func runApprovalApprove(cmd *cobra.Command, args []string) error {
	return runApprovalDecision(cmd, args[0], approval.VerdictApprove)
}

func runApprovalDeny(cmd *cobra.Command, args []string) error {
	return runApprovalDecision(cmd, args[0], approval.VerdictDeny)
}

func runApprovalDecision(cmd *cobra.Command, id string, verdict approval.Verdict) error {
	c, _, err := loadQueueClient()
	if err != nil {
		return err
	}

	by := "cli"
	reason := ""
	if cmd != nil {
		by, _ = cmd.Flags().GetString("by")
		if verdict == approval.VerdictDeny {
			reason, _ = cmd.Flags().GetString("reason")
		}
	}
	if strings.TrimSpace(by) == "" {
		return fmt.Errorf("--by must not be empty")
	}

	status, err := c.Decide(commandContext(cmd), id, client.DecideRequest{
		Decision:  verdict,
		DecidedBy: strings.TrimSpace(by),
		Reason:    strings.TrimSpace(reason),
	})
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status.Terminal() {
			return fmt.Errorf("approval %s is already %s", id, apiErr.Status)
		}
		return fmt.Errorf("decide approval %s: %w", id, err)
	}
	fmt.Printf("Approval %s %s.\n", id, status)
	return nil
}

func runApprovalSweep(cmd *cobra.Command, args []string) error {
	c, cfg, err := loadQueueClient()
	if err != nil {
		return err
	}
	maxAge := cfg.Approval.Timeout()
	if cmd != nil {
		if d, _ := cmd.Flags().GetDuration("max-age"); d > 0 {
			maxAge = d
		}
	}

	n, err := c.Sweep(commandContext(cmd), maxAge)
	if err != nil {
		return fmt.Errorf("sweep approvals: %w", err)
	}
	fmt.Printf("Timed out %d pending request(s) older than %s.\n", n, maxAge)
	return nil
}

func runApprovalPurge(cmd *cobra.Command, args []string) error {
	c, cfg, err := loadQueueClient()
	if err != nil {
		return err
	}
	retention := cfg.Approval.Retention()
	if cmd != nil {
		if d, _ := cmd.Flags().GetDuration("retention"); d > 0 {
			retention = d
		}
	}

	n, err := c.Purge(commandContext(cmd), retention)
	if err != nil {
		return fmt.Errorf("purge approvals: %w", err)
	}
	fmt.Printf("Purged %d request(s) older than %s.\n", n, retention)
	return nil
}

func runApprovalStats(cmd *cobra.Command, args []string) error {
	c, _, err := loadQueueClient()
	if err != nil {
		return err
	}
	stats, err := c.Stats(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("approval stats: %w", err)
	}

	rows := [][]string{}
	for _, s := range []approval.Status{approval.StatusPending, approval.StatusApproved, approval.StatusDenied, approval.StatusTimeout} {
		rows = append(rows, []string{string(s), fmt.Sprintf("%d", stats.ByStatus[s])})
	}
	rows = append(rows, []string{"total", fmt.Sprintf("%d", stats.Total)})
	rows = append(rows, []string{"last hour", fmt.Sprintf("%d", stats.RecentHour)})
	renderTable("Approval Statistics", []column{{"STATUS", 12}, {"COUNT", 8}}, rows)

	if len(stats.ByCategory) > 0 {
		categories := make([]string, 0, len(stats.ByCategory))
		for category := range stats.ByCategory {
			categories = append(categories, category)
		}
		sort.Strings(categories)
		rows = rows[:0]
		for _, category := range categories {
			rows = append(rows, []string{category, fmt.Sprintf("%d", stats.ByCategory[category])})
		}
		renderTable("By Category", []column{{"CATEGORY", 24}, {"COUNT", 8}}, rows)
	}
	return nil
}

func summarize(v approval.View) string {
	action, err := approval.DecodeAction(v.Category, v.Payload)
	if err != nil {
		return approval.Preview(v.Payload, 80)
	}
	return action.Summary()
}
