package policy

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/dusancv22/CC-Release-Monitor/internal/approval"
)

// dangerousPatterns match destructive commands regardless of the configured
// substrings.
var dangerousPatterns = []*regexp.Regexp{
	// rm with force/recursive targeting root or home
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*\s+-[a-z]*f[a-z]*|-[a-z]*f[a-z]*\s+-[a-z]*r[a-z]*|-[a-z]*rf[a-z]*|-[a-z]*fr[a-z]*)\s+/\s*$`),
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*\s+-[a-z]*f[a-z]*|-[a-z]*f[a-z]*\s+-[a-z]*r[a-z]*|-[a-z]*rf[a-z]*|-[a-z]*fr[a-z]*)\s+~`),
	regexp.MustCompile(`(?i)--no-preserve-root`),
	regexp.MustCompile(`(?i)\bmkfs\b`),
	regexp.MustCompile(`(?i)\bdd\s+if=`),
	// fork bomb
	regexp.MustCompile(`:\(\)\s*\{.*\|.*&\s*\}\s*;`),
	regexp.MustCompile(`(?i)\bformat\s+[a-z]:`),
	regexp.MustCompile(`(?i)\bdel\s+/[a-z]\s+/[a-z]\s+/[a-z]`),
}

// chainingTokens let a benign prefix smuggle a second command.
var chainingTokens = []string{";", "&", "|", "`", "$(", ">", "<", "\n", "\r"}

// Classifier decides whether a tool invocation needs human approval.
type Classifier struct {
	safe          map[string]struct{}
	sensitive     map[string]struct{}
	safePrefixes  []string
	danger        []string
	scratchPaths  []string
	unknownAction Action
}

// NewClassifier builds a deterministic, side-effect free classifier.
func NewClassifier(cfg Config) Classifier {
	return Classifier{
		safe:          toSet(cfg.SafeCategories),
		sensitive:     toSet(cfg.SensitiveCategories),
		safePrefixes:  normalizeList(cfg.SafeCommandPrefixes),
		danger:        normalizeList(cfg.DangerSubstrings),
		scratchPaths:  normalizeScratch(cfg.ScratchPaths),
		unknownAction: normalizeAction(cfg.UnknownAction),
	}
}

// Classify returns the decision for input. It never performs I/O.
func (c Classifier) Classify(input Input) Decision {
	category := approval.NormalizeCategory(input.Category)

	if _, ok := c.safe[category]; ok {
		return Decision{Action: ActionAllow, Reason: "read-only tool"}
	}

	switch category {
	case approval.CategoryShell:
		return c.classifyShell(input)
	case approval.CategoryWriteFile, approval.CategoryEditFile, approval.CategoryMultiEdit:
		if d, matched := c.classifyWrite(input); matched {
			return d
		}
	}

	if _, ok := c.sensitive[category]; ok {
		return Decision{Action: ActionRequireApproval, Reason: "sensitive tool"}
	}
	if c.unknownAction == ActionAllow {
		return Decision{Action: ActionAllow, Reason: "unclassified tool allowed by configuration"}
	}
	return Decision{Action: ActionRequireApproval, Reason: "unclassified tool"}
}

func (c Classifier) classifyShell(input Input) Decision {
	action, err := approval.DecodeAction(approval.CategoryShell, input.Payload)
	if err != nil {
		return Decision{Action: ActionRequireApproval, Reason: "unreadable shell payload"}
	}
	command := strings.TrimSpace(action.(approval.ShellAction).Command)
	if command == "" {
		return Decision{Action: ActionRequireApproval, Reason: "empty shell command"}
	}

	for _, pat := range dangerousPatterns {
		if pat.MatchString(command) {
			return Decision{Action: ActionRequireApproval, Reason: fmt.Sprintf("dangerous command matching pattern: %s", pat.String())}
		}
	}
	lower := strings.ToLower(command)
	for _, s := range c.danger {
		if strings.Contains(lower, s) {
			return Decision{Action: ActionRequireApproval, Reason: fmt.Sprintf("command contains %q", s)}
		}
	}
	for _, tok := range chainingTokens {
		if strings.Contains(command, tok) {
			return Decision{Action: ActionRequireApproval, Reason: "compound shell command"}
		}
	}

	first := strings.ToLower(strings.Fields(command)[0])
	for _, p := range c.safePrefixes {
		if first == p {
			return Decision{Action: ActionAllow, Reason: fmt.Sprintf("benign command %q", p)}
		}
	}
	return Decision{Action: ActionRequireApproval, Reason: "shell command"}
}

func (c Classifier) classifyWrite(input Input) (Decision, bool) {
	action, err := approval.DecodeAction(input.Category, input.Payload)
	if err != nil {
		return Decision{}, false
	}
	var target string
	switch a := action.(type) {
	case approval.FileWriteAction:
		target = a.FilePath
	case approval.FileEditAction:
		target = a.FilePath
	}
	if c.isScratch(target) {
		return Decision{Action: ActionAllow, Reason: "write to scratch path"}, true
	}
	return Decision{}, false
}

func (c Classifier) isScratch(filePath string) bool {
	if strings.TrimSpace(filePath) == "" {
		return false
	}
	cleaned := path.Clean(toSlash(strings.ToLower(filePath)))
	for _, seg := range strings.Split(cleaned, "/") {
		if seg == ".." {
			return false
		}
	}
	cleaned += "/"
	for _, scratch := range c.scratchPaths {
		if strings.HasPrefix(cleaned, scratch) {
			return true
		}
		// Windows temp dirs sit below a per-user profile.
		if hasDrive(cleaned) && strings.Contains(cleaned, scratch) {
			return true
		}
	}
	return false
}

func hasDrive(p string) bool {
	return len(p) >= 2 && p[1] == ':'
}

func normalizeAction(a Action) Action {
	if Action(strings.ToLower(strings.TrimSpace(string(a)))) == ActionAllow {
		return ActionAllow
	}
	return ActionRequireApproval
}

func normalizeScratch(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range normalizeList(paths) {
		p = toSlash(p)
		if !strings.HasSuffix(p, "/") {
			p += "/"
		}
		out = append(out, p)
	}
	return out
}

func normalizeList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range normalizeList(items) {
		set[approval.NormalizeCategory(item)] = struct{}{}
	}
	return set
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}
