package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const preToolUseEvent = "PreToolUse"

// toolCategories maps Claude Code tool names onto queue categories.
var toolCategories = map[string]string{
	"Bash":      "shell",
	"Write":     "write_file",
	"Edit":      "edit_file",
	"MultiEdit": "multi_edit",
	"Read":      "read_file",
	"Glob":      "glob",
	"Grep":      "grep",
	"LS":        "ls",
	"TodoWrite": "todo_write",
	"Task":      "task",
	"WebFetch":  "web_fetch",
	"WebSearch": "web_search",
}

// ToolEvent is the JSON document Claude Code writes to a hook's stdin.
type ToolEvent struct {
	SessionID      string          `json:"session_id"`
	TranscriptPath string          `json:"transcript_path,omitempty"`
	HookEventName  string          `json:"hook_event_name"`
	ToolName       string          `json:"tool_name"`
	ToolInput      json.RawMessage `json:"tool_input"`
	Cwd            string          `json:"cwd,omitempty"`
}

// HookOutput is the JSON document a PreToolUse hook writes to stdout.
type HookOutput struct {
	HookSpecificOutput PermissionDecision `json:"hookSpecificOutput"`
}

// PermissionDecision tells Claude Code whether the tool may run.
type PermissionDecision struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
}

// CategoryForTool returns the queue category of a Claude Code tool.
// Unknown tools are converted to snake_case.
func CategoryForTool(toolName string) string {
	name := strings.TrimSpace(toolName)
	if category, ok := toolCategories[name]; ok {
		return category
	}
	return snakeCase(name)
}

// Action converts the event into a poller action.
func (e ToolEvent) Action() Action {
	payload := e.ToolInput
	if len(bytes.TrimSpace(payload)) == 0 || string(bytes.TrimSpace(payload)) == "null" {
		payload = json.RawMessage(`{}`)
	}
	sessionID := strings.TrimSpace(e.SessionID)
	if sessionID == "" {
		sessionID = "unknown"
	}
	return Action{
		SessionID:  sessionID,
		Category:   CategoryForTool(e.ToolName),
		Payload:    payload,
		WorkingDir: e.Cwd,
	}
}

// OutputFor renders outcome as a PreToolUse decision.
func OutputFor(outcome Outcome) HookOutput {
	decision := "ask"
	switch outcome.Verdict {
	case VerdictProceed:
		decision = "allow"
	case VerdictBlocked:
		decision = "deny"
	}
	return HookOutput{HookSpecificOutput: PermissionDecision{
		HookEventName:            preToolUseEvent,
		PermissionDecision:       decision,
		PermissionDecisionReason: outcome.Reason,
	}}
}

// RunClaudeHook reads one hook event from in, waits for a decision and writes
// it to out. Events other than PreToolUse and unreadable input produce no
// output, which leaves the decision to Claude Code.
func RunClaudeHook(ctx context.Context, in io.Reader, out io.Writer, poller *Poller) error {
	var event ToolEvent
	if err := json.NewDecoder(in).Decode(&event); err != nil {
		slog.Warn("ignoring unreadable hook input", "error", err)
		return nil
	}
	if event.HookEventName != "" && event.HookEventName != preToolUseEvent {
		slog.Debug("ignoring hook event", "event", event.HookEventName)
		return nil
	}
	if strings.TrimSpace(event.ToolName) == "" {
		slog.Warn("ignoring hook event without tool name")
		return nil
	}

	outcome := poller.Run(ctx, event.Action())
	encoded, err := json.Marshal(OutputFor(outcome))
	if err != nil {
		return fmt.Errorf("encode hook output: %w", err)
	}
	encoded = append(encoded, '\n')
	if _, err := out.Write(encoded); err != nil {
		return fmt.Errorf("write hook output: %w", err)
	}
	return nil
}

func snakeCase(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case isUpper(c):
			prevLower := i > 0 && (isLower(name[i-1]) || isDigit(name[i-1]))
			acronymEnd := i > 0 && i+1 < len(name) && isUpper(name[i-1]) && isLower(name[i+1])
			if prevLower || acronymEnd {
				b.WriteByte('_')
			}
			b.WriteByte(c + ('a' - 'A'))
		case isLower(c), isDigit(c), c == '_', c == '-', c == '.', c == ':':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 64 {
		out = out[:64]
	}
	if out == "" {
		return "unknown"
	}
	return out
}

func isUpper(c byte) bool { return c >= 'A' && c <= 'Z' }
func isLower(c byte) bool { return c >= 'a' && c <= 'z' }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }
