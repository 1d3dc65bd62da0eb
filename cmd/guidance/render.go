package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	alertStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

// severityStyle picks a color band for a 0..1 severity or score.
func severityStyle(v float64) lipgloss.Style {
	switch {
	case v >= 0.75:
		return alertStyle
	case v >= 0.4:
		return warnStyle
	default:
		return okStyle
	}
}

func field(label string, value interface{}) string {
	return fmt.Sprintf("%s %v", labelStyle.Render(label+":"), value)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderBlock writes a titled box followed by a newline.
func renderBlock(w io.Writer, title string, lines []string) {
	body := strings.Join(lines, "\n")
	fmt.Fprintln(w, lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), boxStyle.Render(body)))
}

// renderMarkdown renders assembled policy text for the terminal. The raw text
// is returned if the renderer cannot be built.
func renderMarkdown(text string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return out
}
