package approval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxPayloadBytes bounds the stored payload of a single request.
const DefaultMaxPayloadBytes = 256 << 10

const (
	CategoryShell     = "shell"
	CategoryWriteFile = "write_file"
	CategoryEditFile  = "edit_file"
	CategoryMultiEdit = "multi_edit"
	CategoryWebFetch  = "web_fetch"
	CategoryWebSearch = "web_search"
	CategoryTask      = "task"
)

var categoryPattern = regexp.MustCompile(`^[a-z0-9_.:-]{1,64}$`)

// Action is the typed view of a request payload.
type Action interface {
	// Summary is a one-line human description used in notifications.
	Summary() string
}

// ShellAction runs a shell command.
type ShellAction struct {
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
}

func (a ShellAction) Summary() string { return a.Command }

// FileWriteAction creates or overwrites a file.
type FileWriteAction struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content,omitempty"`
}

func (a FileWriteAction) Summary() string { return a.FilePath }

// FileEditAction modifies an existing file. Edits holds the raw edit list of multi-edits.
type FileEditAction struct {
	FilePath  string          `json:"file_path"`
	OldString string          `json:"old_string,omitempty"`
	NewString string          `json:"new_string,omitempty"`
	Edits     json.RawMessage `json:"edits,omitempty"`
}

func (a FileEditAction) Summary() string { return a.FilePath }

// FetchAction retrieves a URL.
type FetchAction struct {
	URL    string `json:"url"`
	Prompt string `json:"prompt,omitempty"`
}

func (a FetchAction) Summary() string { return a.URL }

// SearchAction runs a web search.
type SearchAction struct {
	Query string `json:"query"`
}

func (a SearchAction) Summary() string { return a.Query }

// TaskAction starts a sub-agent.
type TaskAction struct {
	Description string `json:"description"`
	Prompt      string `json:"prompt,omitempty"`
}

func (a TaskAction) Summary() string { return a.Description }

// OpaqueAction carries the payload of categories without a dedicated schema.
type OpaqueAction struct {
	Fields map[string]any
}

func (a OpaqueAction) Summary() string {
	encoded, err := json.Marshal(a.Fields)
	if err != nil {
		return ""
	}
	return truncate(string(encoded), 100)
}

// NormalizeCategory lower-cases and trims a category name.
func NormalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

// DecodeAction decodes payload into the typed action for category.
func DecodeAction(category string, payload json.RawMessage) (Action, error) {
	var (
		action Action
		err    error
	)
	switch NormalizeCategory(category) {
	case CategoryShell:
		var a ShellAction
		err = json.Unmarshal(payload, &a)
		action = a
	case CategoryWriteFile:
		var a FileWriteAction
		err = json.Unmarshal(payload, &a)
		action = a
	case CategoryEditFile, CategoryMultiEdit:
		var a FileEditAction
		err = json.Unmarshal(payload, &a)
		action = a
	case CategoryWebFetch:
		var a FetchAction
		err = json.Unmarshal(payload, &a)
		action = a
	case CategoryWebSearch:
		var a SearchAction
		err = json.Unmarshal(payload, &a)
		action = a
	case CategoryTask:
		var a TaskAction
		err = json.Unmarshal(payload, &a)
		action = a
	default:
		var fields map[string]any
		err = json.Unmarshal(payload, &fields)
		action = OpaqueAction{Fields: fields}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrValidation, category, err)
	}
	return action, nil
}

// ValidateAction checks category and payload shape before a request is stored.
func ValidateAction(category string, payload json.RawMessage, maxBytes int) error {
	if !categoryPattern.MatchString(category) {
		return fmt.Errorf("%w: category %q", ErrValidation, category)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPayloadBytes
	}
	if len(payload) > maxBytes {
		return fmt.Errorf("%w: payload is %d bytes, limit %d", ErrValidation, len(payload), maxBytes)
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return fmt.Errorf("%w: payload must be a json object", ErrValidation)
	}

	action, err := DecodeAction(category, payload)
	if err != nil {
		return err
	}
	missing := ""
	switch a := action.(type) {
	case ShellAction:
		if strings.TrimSpace(a.Command) == "" {
			missing = "command"
		}
	case FileWriteAction:
		if strings.TrimSpace(a.FilePath) == "" {
			missing = "file_path"
		}
	case FileEditAction:
		if strings.TrimSpace(a.FilePath) == "" {
			missing = "file_path"
		}
	case FetchAction:
		if strings.TrimSpace(a.URL) == "" {
			missing = "url"
		}
	case SearchAction:
		if strings.TrimSpace(a.Query) == "" {
			missing = "query"
		}
	}
	if missing != "" {
		return fmt.Errorf("%w: %s payload requires %q", ErrValidation, category, missing)
	}
	return nil
}

// Preview renders payload compactly, cut to at most n runes.
func Preview(payload json.RawMessage, n int) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return truncate(string(payload), n)
	}
	return truncate(buf.String(), n)
}

func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}
