package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/dusancv22/CC-Release-Monitor/internal/approval"
)

func TestCategoryForTool(t *testing.T) {
	tests := map[string]string{
		"Bash":                      "shell",
		"MultiEdit":                 "multi_edit",
		"LS":                        "ls",
		"TodoWrite":                 "todo_write",
		"WebSearch":                 "web_search",
		"NotebookEdit":              "notebook_edit",
		"HTTPFetch":                 "http_fetch",
		"mcp__github__create_issue": "mcp__github__create_issue",
		"Tool With Spaces":          "tool_with_spaces",
		"":                          "unknown",
	}
	for tool, want := range tests {
		if got := CategoryForTool(tool); got != want {
			t.Fatalf("CategoryForTool(%q) = %q, want %q", tool, got, want)
		}
	}
}

func TestOutputFor(t *testing.T) {
	tests := []struct {
		verdict Verdict
		want    string
	}{
		{VerdictProceed, "allow"},
		{VerdictBlocked, "deny"},
		{VerdictAskOperator, "ask"},
	}
	for _, tt := range tests {
		out := OutputFor(Outcome{Verdict: tt.verdict, Reason: "r"})
		if out.HookSpecificOutput.PermissionDecision != tt.want {
			t.Fatalf("%s: expected %q, got %q", tt.verdict, tt.want, out.HookSpecificOutput.PermissionDecision)
		}
		if out.HookSpecificOutput.HookEventName != "PreToolUse" {
			t.Fatalf("unexpected event name %q", out.HookSpecificOutput.HookEventName)
		}
	}
}

func TestRunClaudeHook_SafeToolAllowsWithoutServer(t *testing.T) {
	fc := &fakeClient{}
	p, _ := newVirtualPoller(fc, 5*time.Second)

	in := strings.NewReader(`{"session_id":"abc","hook_event_name":"PreToolUse","tool_name":"Read","tool_input":{"file_path":"/repo/main.go"},"cwd":"/repo"}`)
	var out bytes.Buffer
	if err := RunClaudeHook(context.Background(), in, &out, p); err != nil {
		t.Fatalf("RunClaudeHook: %v", err)
	}

	var decoded map[string]map[string]string
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if decoded["hookSpecificOutput"]["permissionDecision"] != "allow" {
		t.Fatalf("expected allow, got %v", decoded)
	}
	if creates, _ := fc.calls(); creates != 0 {
		t.Fatalf("expected no create call, got %d", creates)
	}
}

func TestRunClaudeHook_DeniedBashCarriesReason(t *testing.T) {
	fc := &fakeClient{statuses: []approval.View{{Status: approval.StatusDenied, Reason: "destructive"}}}
	p, _ := newVirtualPoller(fc, 55*time.Second)

	in := strings.NewReader(`{"session_id":"abc","hook_event_name":"PreToolUse","tool_name":"Bash","tool_input":{"command":"rm -rf /"}}`)
	var out bytes.Buffer
	if err := RunClaudeHook(context.Background(), in, &out, p); err != nil {
		t.Fatalf("RunClaudeHook: %v", err)
	}

	var decoded HookOutput
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if decoded.HookSpecificOutput.PermissionDecision != "deny" || decoded.HookSpecificOutput.PermissionDecisionReason != "destructive" {
		t.Fatalf("unexpected output %+v", decoded)
	}
}

func TestRunClaudeHook_IgnoresOtherEventsAndBadInput(t *testing.T) {
	fc := &fakeClient{}
	p, _ := newVirtualPoller(fc, 5*time.Second)

	inputs := []string{
		`{"hook_event_name":"PostToolUse","tool_name":"Bash","tool_input":{"command":"rm -rf /"}}`,
		`not json`,
		`{"hook_event_name":"PreToolUse"}`,
	}
	for _, input := range inputs {
		var out bytes.Buffer
		if err := RunClaudeHook(context.Background(), strings.NewReader(input), &out, p); err != nil {
			t.Fatalf("RunClaudeHook(%q): %v", input, err)
		}
		if out.Len() != 0 {
			t.Fatalf("expected no output for %q, got %q", input, out.String())
		}
	}
	if creates, _ := fc.calls(); creates != 0 {
		t.Fatalf("expected no create calls, got %d", creates)
	}
}

func TestToolEventAction_DefaultsEmptyInput(t *testing.T) {
	action := ToolEvent{ToolName: "Task"}.Action()
	if string(action.Payload) != `{}` || action.SessionID != "unknown" || action.Category != "task" {
		t.Fatalf("unexpected action %+v", action)
	}
}
