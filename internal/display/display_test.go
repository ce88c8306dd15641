package display

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/hierarchy"
	"github.com/teemow/inboxlink/internal/links"
	"github.com/teemow/inboxlink/internal/timer"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcd...", Truncate("abcdefghij", 7))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	assert.Equal(t, "Grüß...", Truncate("Grüße aus Köln", 7), "counts runes")
}

func TestTimeAgo(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "", TimeAgo(time.Time{}))
	assert.Equal(t, "just now", TimeAgo(now.Add(-10*time.Second)))
	assert.Equal(t, "5m ago", TimeAgo(now.Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", TimeAgo(now.Add(-3*time.Hour-time.Second)))
	assert.Equal(t, "2d ago", TimeAgo(now.Add(-49*time.Hour)))
	old := now.AddDate(0, 0, -30)
	assert.Equal(t, old.Format("Jan 2"), TimeAgo(old))
}

func TestMarkdown(t *testing.T) {
	assert.Nil(t, Markdown(80, 0, nil))
	assert.Nil(t, Markdown(80, 0, []byte("  \n\n")))

	out := string(Markdown(80, 2, []byte("📧 **Email from:** Grace\r\n\n_Thread ID: abc_\n")))
	assert.Contains(t, out, "Grace")
	assert.Contains(t, out, "Thread ID: abc")
	for _, line := range strings.Split(out, "\n") {
		assert.True(t, strings.HasPrefix(line, "  "), "line %q is indented", line)
	}
}

func TestLinks(t *testing.T) {
	var buf bytes.Buffer
	Links(&buf, nil)
	assert.Contains(t, buf.String(), "No linked threads")

	buf.Reset()
	Links(&buf, links.Mappings{
		"b-thread": {{TaskID: "t2", Name: "Second"}},
		"a-thread": {{TaskID: "t1", Name: "First", Status: "open"}, {TaskID: "t3", Name: "Third"}},
	})
	out := buf.String()
	assert.Less(t, strings.Index(out, "a-thread"), strings.Index(out, "b-thread"))
	assert.Contains(t, out, "├─")
	assert.Contains(t, out, "└─")
	assert.Contains(t, out, "open")
}

func TestHierarchy(t *testing.T) {
	var buf bytes.Buffer
	Hierarchy(&buf, hierarchy.Snapshot{})
	assert.Contains(t, buf.String(), "No lists")

	buf.Reset()
	Hierarchy(&buf, hierarchy.Snapshot{
		TeamID: "team1",
		Spaces: []hierarchy.Space{{
			ID: "s1", Name: "Ops",
			Folders: []hierarchy.Folder{{ID: "f1", Name: "Inbox", Lists: []clickup.List{{ID: "l1", Name: "Triage"}}}},
			Lists:   []clickup.List{{ID: "l2", Name: "Backlog"}},
		}},
	})
	out := buf.String()
	assert.Contains(t, out, "l1")
	assert.Contains(t, out, "l2")
	assert.Contains(t, out, "Triage")
}

func TestEntries(t *testing.T) {
	var buf bytes.Buffer
	start := clickup.Millis(time.Now().Add(-time.Hour).UnixMilli())
	Entries(&buf, []clickup.TimeEntry{
		{ID: "e1", Task: &clickup.Task{ID: "t1", Name: "Reply"}, Start: start, Duration: clickup.Millis(90 * time.Minute / time.Millisecond)},
		{ID: "e2", Task: &clickup.Task{ID: "t2"}, Start: start, Duration: -start},
	})
	out := buf.String()
	assert.Contains(t, out, "Reply")
	assert.Contains(t, out, "t2")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "Total: "+timer.FormatDuration(90*time.Minute))
}

func TestTaskAndMessages(t *testing.T) {
	var buf bytes.Buffer
	Task(&buf, clickup.Task{
		ID:          "86abc",
		Name:        "Invoice",
		URL:         "https://app.clickup.com/t/86abc",
		Status:      clickup.Status{Status: "open", Color: "#d3d3d3"},
		Description: "**Due** Friday",
	}, 60)
	out := buf.String()
	assert.Contains(t, out, "Invoice")
	assert.Contains(t, out, "https://app.clickup.com/t/86abc")
	assert.Contains(t, out, "Friday")

	buf.Reset()
	SuccessMsg(&buf, "linked %d", 2)
	ErrorMsg(&buf, "failed")
	assert.Contains(t, buf.String(), "linked 2")
	assert.Contains(t, buf.String(), "failed")

	assert.Contains(t, Badge(timer.Badge{State: timer.BadgePaused, Text: "⏸", Color: "#6b7280"}), "paused")
}
