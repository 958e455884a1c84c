package approval

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeAction_KnownAndOpaqueCategories(t *testing.T) {
	action, err := DecodeAction("shell", json.RawMessage(`{"command":"ls -la","description":"list"}`))
	if err != nil {
		t.Fatalf("DecodeAction error: %v", err)
	}
	shell, ok := action.(ShellAction)
	if !ok || shell.Command != "ls -la" {
		t.Fatalf("unexpected shell action: %#v", action)
	}

	action, err = DecodeAction("mcp__github__create_issue", json.RawMessage(`{"title":"x","labels":["bug"]}`))
	if err != nil {
		t.Fatalf("DecodeAction error: %v", err)
	}
	opaque, ok := action.(OpaqueAction)
	if !ok {
		t.Fatalf("expected OpaqueAction, got %T", action)
	}
	if opaque.Fields["title"] != "x" {
		t.Fatalf("unexpected opaque fields: %v", opaque.Fields)
	}
	if !strings.Contains(opaque.Summary(), `"labels"`) {
		t.Fatalf("expected summary to render fields, got %q", opaque.Summary())
	}
}

func TestDecodeAction_TypeMismatchIsValidationError(t *testing.T) {
	if _, err := DecodeAction("shell", json.RawMessage(`{"command":42}`)); err == nil {
		t.Fatal("expected decode failure for non-string command")
	}
}

func TestPreview_TruncatesRunes(t *testing.T) {
	payload := json.RawMessage(`{ "content" : "日本語テキスト" }`)
	got := Preview(payload, 13)
	if got != `{"content":"日…` {
		t.Fatalf("unexpected preview %q", got)
	}
	if full := Preview(payload, 0); full != `{"content":"日本語テキスト"}` {
		t.Fatalf("unexpected full preview %q", full)
	}
}
