package commands

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/dusancv22/CC-Release-Monitor/internal/approval"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#8E4EC6")).
			Padding(0, 1).
			MarginBottom(1)

	colHeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8E4EC6")).
			Bold(true).
			MarginRight(1)

	cellStyle  = lipgloss.NewStyle().MarginRight(1)
	sepStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginRight(1)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	statusColors = map[approval.Status]lipgloss.Color{
		approval.StatusPending:  lipgloss.Color("#E0A526"),
		approval.StatusApproved: lipgloss.Color("#2E8B57"),
		approval.StatusDenied:   lipgloss.Color("#C0392B"),
		approval.StatusTimeout:  lipgloss.Color("241"),
	}
)

type column struct {
	title string
	width int
}

// renderTable prints a titled fixed-width table in the style of the other
// list commands.
func renderTable(title string, cols []column, rows [][]string) {
	fmt.Println(headerStyle.Render(title))

	headers := make([]string, 0, len(cols))
	separators := make([]string, 0, len(cols))
	for _, c := range cols {
		headers = append(headers, colHeaderStyle.Width(c.width).Render(c.title))
		separators = append(separators, sepStyle.Render(strings.Repeat("─", c.width)))
	}
	fmt.Printf("  %s\n", lipgloss.JoinHorizontal(lipgloss.Top, headers...))
	fmt.Printf("  %s\n", lipgloss.JoinHorizontal(lipgloss.Top, separators...))

	for _, row := range rows {
		cells := make([]string, 0, len(cols))
		for i, c := range cols {
			value := ""
			if i < len(row) {
				value = row[i]
			}
			cells = append(cells, cellStyle.Width(c.width).Render(truncate(value, c.width)))
		}
		fmt.Printf("  %s\n", lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	fmt.Println()
}

func renderStatus(status approval.Status) string {
	label := string(status)
	if status == approval.StatusTimeout {
		label = "timed out"
	}
	color, ok := statusColors[status]
	if !ok {
		return label
	}
	return lipgloss.NewStyle().Foreground(color).Render(label)
}

func renderField(label, value string) {
	fmt.Printf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-12s", label+":")), value)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string([]rune(s)[:n-1]) + "…"
}
