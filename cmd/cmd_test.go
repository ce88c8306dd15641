package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/clickup/clickuptest"
	"github.com/teemow/inboxlink/internal/links"
	"github.com/teemow/inboxlink/internal/messages"
)

func TestParseCommaSeparatedList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty string", input: "", expected: nil},
		{name: "single value", input: "chrome-extension://abc", expected: []string{"chrome-extension://abc"}},
		{name: "multiple values", input: "chrome-extension://*,moz-extension://*", expected: []string{"chrome-extension://*", "moz-extension://*"}},
		{name: "values with spaces around comma", input: "a , b", expected: []string{"a", "b"}},
		{name: "trailing comma", input: "a,b,", expected: []string{"a", "b"}},
		{name: "multiple consecutive commas", input: "a,,b", expected: []string{"a", "b"}},
		{name: "only commas and spaces", input: ",  , , ", expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseCommaSeparatedList(tt.input))
		})
	}
}

func TestPayloadValue(t *testing.T) {
	resp := messages.Response{Success: true, Payload: messages.Payload{
		"task":     clickup.Task{ID: "t1", Name: "Reply", Status: clickup.Status{Status: "open"}},
		"count":    3,
		"tasks":    []map[string]any{{"id": "t2", "name": "Other"}},
		"nothing":  nil,
		"mismatch": "text",
	}}

	task, err := payloadValue[clickup.Task](resp, "task")
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, "open", task.Status.Status)

	n, err := payloadValue[int](resp, "count")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	tasks, err := payloadValue[[]clickup.Task](resp, "tasks")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Other", tasks[0].Name)

	missing, err := payloadValue[*clickup.User](resp, "user")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = payloadValue[int](resp, "nothing")
	require.NoError(t, err)

	_, err = payloadValue[int](resp, "mismatch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"mismatch"`)
}

func TestDecodePayload(t *testing.T) {
	resp := messages.Response{Success: true, Payload: messages.Payload{"checked": 4, "removed": 1, "failed": 2}}
	res, err := decodePayload[links.SweepResult](resp)
	require.NoError(t, err)
	assert.Equal(t, links.SweepResult{Checked: 4, Removed: 1, Failed: 2}, res)
}

func TestPromptCode(t *testing.T) {
	var out bytes.Buffer
	code, err := promptCode(strings.NewReader("  abc123 \n"), &out)
	require.NoError(t, err)
	assert.Equal(t, "abc123", code)
	assert.Contains(t, out.String(), "Authorization code")

	code, err = promptCode(strings.NewReader("no-newline"), io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "no-newline", code)

	_, err = promptCode(strings.NewReader("\n"), io.Discard)
	assert.ErrorContains(t, err, "empty")

	_, err = promptCode(strings.NewReader(""), io.Discard)
	assert.Error(t, err)
}

func TestTaskCreateOptions_Full(t *testing.T) {
	assert.False(t, (&taskCreateOptions{threadID: "18aa", listID: "l"}).full())
	assert.True(t, (&taskCreateOptions{name: "x"}).full())
	assert.True(t, (&taskCreateOptions{threadID: "18aa", estimate: "1h"}).full())
	assert.True(t, (&taskCreateOptions{priority: 2}).full())
}

func TestEntryTask(t *testing.T) {
	assert.Equal(t, "on Reply", entryTask(clickup.TimeEntry{Task: &clickup.Task{ID: "t1", Name: "Reply"}}, "x"))
	assert.Equal(t, "on t1", entryTask(clickup.TimeEntry{Task: &clickup.Task{ID: "t1"}}, "x"))
	assert.Equal(t, "on x", entryTask(clickup.TimeEntry{}, "x"))
	assert.Empty(t, entryTask(clickup.TimeEntry{}, ""))
}

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "auth", "links", "hierarchy", "task", "timer", "version"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

// cli runs commands against a fake ClickUp API with a SQLite store that
// persists between invocations.
type cli struct {
	t          *testing.T
	fake       *clickuptest.Server
	configPath string
}

func newCLI(t *testing.T) *cli {
	fake := clickuptest.New(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	toml := fmt.Sprintf(`[store]
dsn = %q

[clickup]
base-url = %q
`, filepath.Join(dir, "inboxlink.db"), fake.URL)
	require.NoError(t, os.WriteFile(path, []byte(toml), 0o600))

	t.Setenv("INBOXLINK_STORE", "")
	t.Setenv("CLICKUP_API_URL", "")
	t.Cleanup(func() {
		resetFlags(rootCmd)
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	return &cli{t: t, fake: fake, configPath: path}
}

// resetFlags restores every flag to its default, since the command tree
// is shared between invocations.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(append(args, "--config", c.configPath, "--log-level", "error"))
	err := rootCmd.Execute()
	return out.String(), err
}

func (c *cli) ok(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, "inboxlink %s", strings.Join(args, " "))
	return out
}

func TestCLI_SessionLifecycle(t *testing.T) {
	c := newCLI(t)
	c.fake.RequireToken(clickuptest.AccessToken)

	out := c.ok("auth", "status")
	assert.Contains(t, out, "Not signed in")

	_, err := c.run("hierarchy", "teams")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inboxlink auth login")

	out = c.ok("auth", "login", "--token", clickuptest.AccessToken)
	assert.Contains(t, out, "Signed in to ClickUp as ada")

	out = c.ok("auth", "status")
	assert.Contains(t, out, "Signed in as ada")
	assert.Contains(t, out, "custom_field")

	out = c.ok("auth", "status", "--json")
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, true, status["success"])
	assert.Equal(t, true, status["authenticated"])

	out = c.ok("hierarchy", "teams")
	assert.Contains(t, out, "Acme")
	assert.Contains(t, out, clickuptest.TeamID)

	out = c.ok("hierarchy")
	assert.Contains(t, out, "Engineering / Projects / Backlog")
	assert.Contains(t, out, clickuptest.FolderlessList)

	out = c.ok("hierarchy", "clear")
	assert.Contains(t, out, "cleared")

	out = c.ok("auth", "logout")
	assert.Contains(t, out, "Signed out")

	_, err = c.run("hierarchy", "teams")
	require.Error(t, err)
}

func TestCLI_TasksAndTimer(t *testing.T) {
	c := newCLI(t)
	c.ok("auth", "login", "--token", clickuptest.AccessToken)

	out := c.ok("task", "create", "--list", clickuptest.ListID, "--name", "Call Grace back", "--estimate", "30m")
	assert.Contains(t, out, "Created")
	assert.Contains(t, out, "Call Grace back")

	_, err := c.run("task", "create", "--list", clickuptest.ListID)
	assert.ErrorContains(t, err, "--thread or --name")

	_, err = c.run("task", "create", "--list", clickuptest.ListID, "--name", "x", "--estimate", "soon")
	assert.ErrorContains(t, err, "time estimate")

	out = c.ok("task", "search", "grace")
	assert.Contains(t, out, "Call Grace back")

	out = c.ok("task", "search", "nothing-like-this")
	assert.Contains(t, out, "No matching tasks")

	_, err = c.run("timer", "start", "not a task")
	assert.ErrorContains(t, err, "not a task id")

	out = c.ok("timer", "badge", "paused")
	assert.Contains(t, out, "paused")

	_, err = c.run("timer", "badge", "blinking")
	assert.Error(t, err)

	out = c.ok("timer", "status")
	assert.Contains(t, out, "No timer running")

	out = c.ok("links", "list")
	assert.NotContains(t, out, "├─")

	out = c.ok("links", "validate")
	assert.Contains(t, out, "Checked 0 tasks")
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3")
	t.Cleanup(func() { SetVersion("dev") })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "inboxlink version 1.2.3\n", out.String())
}
