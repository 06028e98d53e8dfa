package lint

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	fileStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	posStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F5C542"))
	ruleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	stageStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6BCB77"))
)

// Report writes violations grouped by file, followed by a summary line.
func Report(w io.Writer, stage string, vs []Violation) {
	fmt.Fprintln(w, stageStyle.Render("lint "+stage))
	if len(vs) == 0 {
		fmt.Fprintln(w, okStyle.Render("  no problems"))
		return
	}
	sortViolations(vs)

	file := "\x00"
	for _, v := range vs {
		if v.File != file {
			file = v.File
			name := file
			if name == "" {
				name = "(command)"
			}
			fmt.Fprintln(w, fileStyle.Render(name))
		}
		sev := warnStyle.Render(string(SeverityWarn))
		if v.Severity == SeverityError {
			sev = errStyle.Render(string(SeverityError))
		}
		pos := fmt.Sprintf("%d:%d", v.Line, v.Col)
		fmt.Fprintf(w, "  %s  %s  %s  %s\n",
			posStyle.Render(fmt.Sprintf("%-7s", pos)), sev, strings.ReplaceAll(v.Message, "\n", "\n    "), ruleStyle.Render(v.Rule))
	}

	errs, warns := Counts(vs)
	summary := fmt.Sprintf("%d problems (%d errors, %d warnings)", errs+warns, errs, warns)
	if errs > 0 {
		fmt.Fprintln(w, errStyle.Render(summary))
	} else {
		fmt.Fprintln(w, warnStyle.Render(summary))
	}
}
