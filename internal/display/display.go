// Package display formats CLI output for the terminal.
package display

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/hierarchy"
	"github.com/teemow/inboxlink/internal/links"
	"github.com/teemow/inboxlink/internal/timer"
)

var (
	Muted    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
	Dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	Bold     = lipgloss.NewStyle().Bold(true)
	Success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
	Warn     = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	Link     = lipgloss.NewStyle().Foreground(lipgloss.Color("#7b68ee")).Underline(true)
)

// StatusDot is a dot in the task status color. ClickUp sends hex colors.
func StatusDot(st clickup.Status) string {
	if st.Color == "" {
		return Dim.Render("·")
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(st.Color)).Render("●")
}

// TimeAgo formats t relative to now.
func TimeAgo(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	default:
		return t.Format("Jan 2")
	}
}

// Truncate shortens s to maxLen runes, adding an ellipsis if needed.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// SuccessMsg prints a green checkmark and message.
func SuccessMsg(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, Success.Render("✓")+" "+fmt.Sprintf(format, args...))
}

// ErrorMsg prints a red cross and message.
func ErrorMsg(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, ErrStyle.Render("✗")+" "+fmt.Sprintf(format, args...))
}

// Header prints a section header.
func Header(w io.Writer, title string) {
	fmt.Fprintln(w, Bold.Render(title))
}

// TaskLine is the one-line summary used in lists.
func TaskLine(t clickup.Task) string {
	status := t.Status.Status
	if status == "" {
		status = "-"
	}
	return fmt.Sprintf("%s %s  %s  %s",
		StatusDot(t.Status), Bold.Render(Truncate(t.Name, 60)), Muted.Render(t.ID), Dim.Render(status))
}

// Task prints a task with its description rendered as markdown.
func Task(w io.Writer, t clickup.Task, width int) {
	fmt.Fprintln(w, TaskLine(t))
	if t.URL != "" {
		fmt.Fprintln(w, "  "+Link.Render(t.URL))
	}
	if updated := t.DateUpdated.Time(); !updated.IsZero() {
		fmt.Fprintln(w, "  "+Dim.Render("updated "+TimeAgo(updated)))
	}
	if out := Markdown(width, 2, []byte(t.Description)); len(out) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, string(out))
	}
}

// Links prints the thread index as a tree. Threads are sorted by id.
func Links(w io.Writer, all links.Mappings) {
	if len(all) == 0 {
		fmt.Fprintln(w, Muted.Render("No linked threads"))
		return
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintln(w, Bold.Render(id))
		entries := all[id]
		for i, e := range entries {
			connector := "├─"
			if i == len(entries)-1 {
				connector = "└─"
			}
			line := fmt.Sprintf("  %s %s  %s", Muted.Render(connector), e.Name, Muted.Render(e.TaskID))
			if e.Status != "" {
				line += "  " + Dim.Render(e.Status)
			}
			fmt.Fprintln(w, line)
		}
	}
}

// Hierarchy prints the flattened list paths of a snapshot.
func Hierarchy(w io.Writer, snap hierarchy.Snapshot) {
	lists := snap.Lists()
	if len(lists) == 0 {
		fmt.Fprintln(w, Muted.Render("No lists"))
		return
	}
	for _, l := range lists {
		fmt.Fprintf(w, "%s  %s\n", l.Path, Muted.Render(l.ID))
	}
}

// Entries prints time entries and their total.
func Entries(w io.Writer, entries []clickup.TimeEntry) {
	var total time.Duration
	for _, e := range entries {
		name := "-"
		if e.Task != nil {
			name = e.Task.Name
			if name == "" {
				name = e.Task.ID
			}
		}
		dur := Warn.Render("running")
		if !e.Running() {
			dur = timer.FormatDuration(e.Duration.Duration())
			total += e.Duration.Duration()
		}
		fmt.Fprintf(w, "%s  %-10s  %s\n", Dim.Render(e.Start.Time().Format("Jan 2 15:04")), dur, name)
	}
	fmt.Fprintln(w, Bold.Render("Total: "+timer.FormatDuration(total)))
}

// Badge renders the toolbar badge as it would appear in the browser.
func Badge(b timer.Badge) string {
	text := b.Text
	if text == "" {
		text = " "
	}
	return lipgloss.NewStyle().
		Background(lipgloss.Color(b.Color)).
		Foreground(lipgloss.Color("#ffffff")).
		Padding(0, 1).
		Render(text) + " " + string(b.State)
}

// Indent prefixes each line of s.
func Indent(s string, spaces int) string {
	if spaces <= 0 {
		return s
	}
	prefix := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
