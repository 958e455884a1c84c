package policy

import "encoding/json"

// Action is the pre-filter decision for a tool invocation.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionRequireApproval Action = "require_approval"
)

// Config contains the classification rules.
type Config struct {
	SafeCategories      []string
	SensitiveCategories []string
	SafeCommandPrefixes []string
	DangerSubstrings    []string
	ScratchPaths        []string
	UnknownAction       Action
}

// Input is the minimum classification context.
type Input struct {
	Category string
	Payload  json.RawMessage
}

// Decision is the deterministic classifier result.
type Decision struct {
	Action Action
	Reason string
}

// RequiresApproval reports whether the action must go through the queue.
func (d Decision) RequiresApproval() bool {
	return d.Action != ActionAllow
}
