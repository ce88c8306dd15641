package message_tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/inboxlink/internal/messages"
	"github.com/teemow/inboxlink/internal/server"
)

// TransportMCP labels messages that arrive as tool calls.
const TransportMCP = "mcp"

var descriptions = map[messages.Action]string{
	messages.ActionGetStatus:          "Report ClickUp login state, settings, timer badge and last sync",
	messages.ActionAuthenticate:       "Start the ClickUp OAuth flow and return the authorization URL",
	messages.ActionCompleteAuth:       "Finish the ClickUp OAuth flow with the authorization code",
	messages.ActionLogout:             "Sign out of ClickUp and drop cached user data",
	messages.ActionSaveConfig:         "Save the OAuth app, an API token or link settings",
	messages.ActionGetTeams:           "List ClickUp workspaces",
	messages.ActionGetSpaces:          "List spaces in a workspace",
	messages.ActionGetFolders:         "List folders in a space",
	messages.ActionGetLists:           "List lists in a folder",
	messages.ActionGetFolderlessLists: "List lists directly under a space",
	messages.ActionGetHierarchy:       "Get the cached space, folder and list tree of a workspace",
	messages.ActionGetMembers:         "List members of a list",
	messages.ActionCreateTask:         "Create a task from a Gmail thread and link it",
	messages.ActionCreateTaskFull:     "Create a task with assignees, priority, due date, tags and time",
	messages.ActionAttachToTask:       "Attach a Gmail thread to an existing task",
	messages.ActionValidateTask:       "Check whether a task still exists",
	messages.ActionValidateLink:       "Check whether a task is linked to a thread",
	messages.ActionGetLinkedTasks:     "Get the tasks linked to one or more Gmail threads",
	messages.ActionSyncEmailTasks:     "Scan recently updated tasks and rebuild thread links",
	messages.ActionValidateLinks:      "Drop links to tasks that were deleted",
	messages.ActionSearchTasks:        "Search tasks by name or id",
	messages.ActionStartTimer:         "Start time tracking on a task",
	messages.ActionStopTimer:          "Stop the running timer",
	messages.ActionGetRunningTimer:    "Get the running timer",
	messages.ActionAddTimeEntry:       "Add a manual time entry such as \"1h 30m\"",
	messages.ActionGetTimeEntries:     "List time entries, the last 7 days by default",
	messages.ActionUpdateBadge:        "Set the timer badge state",
	messages.ActionGetSettings:        "Get link and timer settings",
	messages.ActionClearCache:         "Clear the hierarchy, team and user caches",
}

var readOnlyActions = map[messages.Action]bool{
	messages.ActionGetStatus:          true,
	messages.ActionGetTeams:           true,
	messages.ActionGetSpaces:          true,
	messages.ActionGetFolders:         true,
	messages.ActionGetLists:           true,
	messages.ActionGetFolderlessLists: true,
	messages.ActionGetHierarchy:       true,
	messages.ActionGetMembers:         true,
	messages.ActionValidateTask:       true,
	messages.ActionValidateLink:       true,
	messages.ActionGetLinkedTasks:     true,
	messages.ActionSearchTasks:        true,
	messages.ActionGetRunningTimer:    true,
	messages.ActionGetTimeEntries:     true,
	messages.ActionGetSettings:        true,
}

// ToolName maps an action to its tool name.
func ToolName(a messages.Action) string {
	var b strings.Builder
	for i, r := range string(a) {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ReadOnly reports whether a only reads remote or local state.
func ReadOnly(a messages.Action) bool {
	return readOnlyActions[a]
}

// RegisterMessageTools adds one tool per action. With readOnly set, actions
// that change ClickUp or local state are left out.
func RegisterMessageTools(s *mcpserver.MCPServer, sc *server.ServerContext, readOnly bool) error {
	for _, a := range messages.Actions() {
		if readOnly && !ReadOnly(a) {
			continue
		}
		tool, err := newTool(a)
		if err != nil {
			return err
		}
		s.AddTool(tool, handler(sc, a))
	}
	return nil
}

func newTool(a messages.Action) (mcp.Tool, error) {
	schema, err := messages.ActionSchema(a)
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("failed to build schema for %s: %w", a, err)
	}
	tool := mcp.NewToolWithRawSchema(ToolName(a), descriptions[a], schema)
	ro := ReadOnly(a)
	destructive := a == messages.ActionLogout || a == messages.ActionValidateLinks
	tool.Annotations.ReadOnlyHint = &ro
	tool.Annotations.DestructiveHint = &destructive
	return tool, nil
}

func handler(sc *server.ServerContext, a messages.Action) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		resp := sc.Dispatcher().HandleAction(ctx, TransportMCP, a, args)
		if !resp.Success {
			msg := resp.Error
			if resp.RequiresReauth {
				msg += " (sign in again with 'inboxlink auth login')"
			}
			return mcp.NewToolResultError(msg), nil
		}
		out, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}
