package approval

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimeout  Status = "timeout"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusTimeout:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// Verdict is the human decision submitted for a pending request.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictDeny    Verdict = "deny"
)

// Status maps a verdict onto the terminal status it produces.
func (v Verdict) Status() (Status, bool) {
	switch v {
	case VerdictApprove:
		return StatusApproved, true
	case VerdictDeny:
		return StatusDenied, true
	default:
		return "", false
	}
}

// Request is a persisted approval request record.
type Request struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	CreatedAt  time.Time       `json:"created_at"`
	Category   string          `json:"category"`
	Payload    json.RawMessage `json:"payload"`
	WorkingDir string          `json:"working_dir,omitempty"`
	Status     Status          `json:"status"`
	DecidedAt  time.Time       `json:"decided_at,omitzero"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Action decodes the payload into the typed action for the request category.
func (r Request) Action() (Action, error) {
	return DecodeAction(r.Category, r.Payload)
}

// SubmitInput contains fields needed to create an approval request.
type SubmitInput struct {
	SessionID  string
	Category   string
	Payload    json.RawMessage
	WorkingDir string
}

// Decision contains fields needed to approve or deny a request.
type Decision struct {
	Verdict   Verdict
	DecidedBy string
	Reason    string
}

// Stats aggregates the request table.
type Stats struct {
	ByStatus   map[Status]int64 `json:"by_status"`
	ByCategory map[string]int64 `json:"by_category"`
	RecentHour int64            `json:"recent_hour"`
	Total      int64            `json:"total"`
}

// View is the read-only projection of a request returned to clients.
// Decision fields are only populated once the request is terminal.
type View struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Category   string          `json:"category"`
	Payload    json.RawMessage `json:"payload"`
	WorkingDir string          `json:"working_dir,omitempty"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	Decision   Verdict         `json:"decision,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	DecidedAt  *time.Time      `json:"decided_at,omitempty"`
}

// View projects r for clients.
func (r Request) View() View {
	v := View{
		ID:         r.ID,
		SessionID:  r.SessionID,
		Category:   r.Category,
		Payload:    r.Payload,
		WorkingDir: r.WorkingDir,
		Status:     r.Status,
		CreatedAt:  r.CreatedAt,
	}
	if !r.Status.Terminal() {
		return v
	}
	switch r.Status {
	case StatusApproved:
		v.Decision = VerdictApprove
	case StatusDenied:
		v.Decision = VerdictDeny
	}
	v.Reason = r.Reason
	v.DecidedBy = r.DecidedBy
	if !r.DecidedAt.IsZero() {
		at := r.DecidedAt
		v.DecidedAt = &at
	}
	return v
}
