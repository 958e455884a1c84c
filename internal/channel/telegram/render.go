package telegram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dusancv22/CC-Release-Monitor/internal/approval"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	timeLayout      = "15:04:05"
	commandPreview  = 1500
	contentPreview  = 200
	opaquePreview   = 300
	detailsPreview  = 1500
	shortIDLength   = 8
	timeoutLabel    = "⏱ Timed out — not reviewed"
	requestHeading  = "🔐 <b>Approval Request</b>\n\n"
	detailsHeading  = "📋 <b>Request Details</b>\n\n"
	categoryUnknown = "unknown"
)

var categoryLabels = map[string]string{
	approval.CategoryShell:     "Shell Command",
	approval.CategoryWriteFile: "Write File",
	approval.CategoryEditFile:  "Edit File",
	approval.CategoryMultiEdit: "Multi Edit",
	approval.CategoryWebFetch:  "Web Fetch",
	approval.CategoryWebSearch: "Web Search",
	approval.CategoryTask:      "Sub-agent Task",
}

func decisionKeyboard(id string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve", "approve:"+id),
			tgbotapi.NewInlineKeyboardButtonData("❌ Deny", "deny:"+id),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📝 Deny with Reason", "deny_reason:"+id),
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Details", "details:"+id),
		),
	)
}

func backKeyboard(id string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔙 Back", "back:"+id),
		),
	)
}

// requestText renders a pending request notification.
func requestText(view approval.View) string {
	var b strings.Builder
	b.WriteString(requestHeading)
	fmt.Fprintf(&b, "<b>Tool:</b> %s\n", escapeHTML(categoryLabel(view.Category)))

	action, err := approval.DecodeAction(view.Category, view.Payload)
	if err != nil {
		fmt.Fprintf(&b, "<b>Details:</b> <code>%s</code>\n", escapeHTML(approval.Preview(view.Payload, opaquePreview)))
	} else {
		switch a := action.(type) {
		case approval.ShellAction:
			if a.Description != "" {
				fmt.Fprintf(&b, "<b>Description:</b> %s\n", escapeHTML(a.Description))
			}
			fmt.Fprintf(&b, "<b>Command:</b>\n<pre>%s</pre>\n", escapeHTML(clip(a.Command, commandPreview)))
		case approval.FileWriteAction:
			fmt.Fprintf(&b, "<b>File:</b> <code>%s</code>\n", escapeHTML(a.FilePath))
			if a.Content != "" {
				fmt.Fprintf(&b, "<b>Preview:</b>\n<pre>%s</pre>\n", escapeHTML(clip(a.Content, contentPreview)))
			}
		case approval.FileEditAction:
			fmt.Fprintf(&b, "<b>File:</b> <code>%s</code>\n", escapeHTML(a.FilePath))
			if a.NewString != "" {
				fmt.Fprintf(&b, "<b>New text:</b>\n<pre>%s</pre>\n", escapeHTML(clip(a.NewString, contentPreview)))
			}
		case approval.FetchAction:
			fmt.Fprintf(&b, "<b>URL:</b> %s\n", escapeHTML(a.URL))
		case approval.SearchAction:
			fmt.Fprintf(&b, "<b>Query:</b> %s\n", escapeHTML(a.Query))
		case approval.TaskAction:
			fmt.Fprintf(&b, "<b>Task:</b> %s\n", escapeHTML(a.Description))
		default:
			fmt.Fprintf(&b, "<b>Details:</b> <code>%s</code>\n", escapeHTML(action.Summary()))
		}
	}

	if view.WorkingDir != "" {
		fmt.Fprintf(&b, "<b>Directory:</b> <code>%s</code>\n", escapeHTML(view.WorkingDir))
	}
	fmt.Fprintf(&b, "\n<b>Session:</b> <code>%s</code>\n", escapeHTML(shortID(view.SessionID)))
	if !view.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "<b>Time:</b> %s\n", view.CreatedAt.Local().Format(timeLayout))
	}
	fmt.Fprintf(&b, "<b>Request ID:</b> <code>%s</code>", escapeHTML(shortID(view.ID)))
	return b.String()
}

// finalText renders a request that is no longer pending. A zero status means
// the request is gone from the queue.
func finalText(view approval.View) string {
	var b strings.Builder
	switch view.Status {
	case approval.StatusApproved:
		b.WriteString("✅ <b>Request Approved</b>\n\n")
	case approval.StatusDenied:
		b.WriteString("❌ <b>Request Denied</b>\n\n")
	case approval.StatusTimeout:
		b.WriteString(timeoutLabel + "\n\n")
	default:
		b.WriteString("⚠️ <b>Request Expired</b>\n\n")
	}
	fmt.Fprintf(&b, "Request ID: <code>%s</code>", escapeHTML(shortID(view.ID)))

	switch view.Status {
	case approval.StatusApproved:
		if view.DecidedBy != "" {
			fmt.Fprintf(&b, "\nApproved by: %s", escapeHTML(view.DecidedBy))
		}
	case approval.StatusDenied:
		if view.DecidedBy != "" {
			fmt.Fprintf(&b, "\nDenied by: %s", escapeHTML(view.DecidedBy))
		}
		if view.Reason != "" {
			fmt.Fprintf(&b, "\nReason: %s", escapeHTML(view.Reason))
		}
	}
	if view.DecidedAt != nil {
		fmt.Fprintf(&b, "\nTime: %s", view.DecidedAt.Local().Format(timeLayout))
	}
	return b.String()
}

func reasonPromptText(id string) string {
	return "📝 <b>Provide Denial Reason</b>\n\n" +
		"Please type the reason for denying this request.\n" +
		fmt.Sprintf("Request ID: <code>%s</code>\n\n", escapeHTML(shortID(id))) +
		"<i>Send your reason as a regular message</i>"
}

func detailsText(view approval.View) string {
	var b strings.Builder
	b.WriteString(detailsHeading)
	fmt.Fprintf(&b, "<b>Request ID:</b> <code>%s</code>\n", escapeHTML(view.ID))
	fmt.Fprintf(&b, "<b>Session ID:</b> <code>%s</code>\n", escapeHTML(view.SessionID))
	fmt.Fprintf(&b, "<b>Category:</b> %s\n", escapeHTML(view.Category))
	if view.WorkingDir != "" {
		fmt.Fprintf(&b, "<b>Directory:</b> <code>%s</code>\n", escapeHTML(view.WorkingDir))
	}
	if !view.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "<b>Created:</b> %s\n", view.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&b, "<b>Status:</b> %s\n\n", escapeHTML(statusLabel(view.Status)))

	var pretty bytes.Buffer
	payload := string(view.Payload)
	if err := json.Indent(&pretty, view.Payload, "", "  "); err == nil {
		payload = pretty.String()
	}
	fmt.Fprintf(&b, "<b>Payload:</b>\n<pre>%s</pre>", escapeHTML(clip(payload, detailsPreview)))
	return b.String()
}

func statsText(stats approval.Stats, monitoring bool) string {
	var b strings.Builder
	b.WriteString("📊 <b>Approval System Status</b>\n\n")
	if monitoring {
		b.WriteString("<b>Monitoring:</b> ✅ Active\n")
	} else {
		b.WriteString("<b>Monitoring:</b> ❌ Inactive\n")
	}
	b.WriteString("<b>Approval Server:</b> ✅ Connected\n\n")

	b.WriteString("<b>Statistics:</b>\n")
	fmt.Fprintf(&b, "• Pending: %d\n", stats.ByStatus[approval.StatusPending])
	fmt.Fprintf(&b, "• Approved: %d\n", stats.ByStatus[approval.StatusApproved])
	fmt.Fprintf(&b, "• Denied: %d\n", stats.ByStatus[approval.StatusDenied])
	fmt.Fprintf(&b, "• Timed out: %d\n", stats.ByStatus[approval.StatusTimeout])
	fmt.Fprintf(&b, "• Total: %d\n", stats.Total)

	if len(stats.ByCategory) > 0 {
		b.WriteString("\n<b>By Category:</b>\n")
		categories := make([]string, 0, len(stats.ByCategory))
		for category := range stats.ByCategory {
			categories = append(categories, category)
		}
		sort.Strings(categories)
		for _, category := range categories {
			fmt.Fprintf(&b, "• %s: %d\n", escapeHTML(category), stats.ByCategory[category])
		}
	}
	fmt.Fprintf(&b, "\n<b>Recent (1h):</b> %d requests", stats.RecentHour)
	return b.String()
}

func helpText() string {
	return "🔐 <b>Remote Approval</b>\n\n" +
		"/pending - show pending requests\n" +
		"/approval_status - queue statistics\n" +
		"/start_approval - resume notifications\n" +
		"/stop_approval - pause notifications"
}

func statusLabel(status approval.Status) string {
	if status == approval.StatusTimeout {
		return timeoutLabel
	}
	if status == "" {
		return categoryUnknown
	}
	return string(status)
}

func categoryLabel(category string) string {
	if label, ok := categoryLabels[category]; ok {
		return label
	}
	if category == "" {
		return categoryUnknown
	}
	return category
}

func shortID(id string) string {
	if utf8.RuneCountInString(id) <= shortIDLength {
		return id
	}
	return string([]rune(id)[:shortIDLength]) + "…"
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

func escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}
