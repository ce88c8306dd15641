// Package messages is the boundary between the extension (or any other
// transport) and the inboxlink services. A request names an action and
// carries the data for that action; the pair is validated against a JSON
// schema before it reaches a handler, and every outcome is converted to a
// Response. No raw error crosses the boundary.
package messages

import (
	"encoding/json"

	"github.com/teemow/inboxlink/internal/emailtask"
)

// Action names a request variant.
type Action string

// Supported actions.
const (
	ActionGetStatus          Action = "getStatus"
	ActionAuthenticate       Action = "authenticate"
	ActionCompleteAuth       Action = "completeAuth"
	ActionLogout             Action = "logout"
	ActionSaveConfig         Action = "saveConfig"
	ActionGetTeams           Action = "getTeams"
	ActionGetSpaces          Action = "getSpaces"
	ActionGetFolders         Action = "getFolders"
	ActionGetLists           Action = "getLists"
	ActionGetFolderlessLists Action = "getFolderlessLists"
	ActionGetHierarchy       Action = "getHierarchy"
	ActionGetMembers         Action = "getMembers"
	ActionCreateTask         Action = "createTask"
	ActionCreateTaskFull     Action = "createTaskFull"
	ActionAttachToTask       Action = "attachToTask"
	ActionValidateTask       Action = "validateTask"
	ActionValidateLink       Action = "validateLink"
	ActionGetLinkedTasks     Action = "getLinkedTasks"
	ActionSyncEmailTasks     Action = "syncEmailTasks"
	ActionValidateLinks      Action = "validateLinks"
	ActionSearchTasks        Action = "searchTasks"
	ActionStartTimer         Action = "startTimer"
	ActionStopTimer          Action = "stopTimer"
	ActionGetRunningTimer    Action = "getRunningTimer"
	ActionAddTimeEntry       Action = "addTimeEntry"
	ActionGetTimeEntries     Action = "getTimeEntries"
	ActionUpdateBadge        Action = "updateBadge"
	ActionGetSettings        Action = "getSettings"
	ActionClearCache         Action = "clearCache"
)

// DefaultSyncDays is how far back syncEmailTasks looks by default.
const DefaultSyncDays = 30

// Request is the wire form of a message.
type Request struct {
	Action    Action          `json:"action"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Payload is the success body merged into a Response.
type Payload map[string]any

// Response is the wire form of a reply. On success the payload keys sit
// next to "success".
type Response struct {
	Success        bool
	Error          string
	RequiresReauth bool
	RequestID      string
	Payload        Payload
}

// MarshalJSON flattens the payload into the response object.
func (r Response) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Payload)+3)
	for k, v := range r.Payload {
		out[k] = v
	}
	out["success"] = r.Success
	if r.RequestID != "" {
		out["requestId"] = r.RequestID
	}
	if !r.Success {
		out["error"] = r.Error
		if r.RequiresReauth {
			out["requiresReauth"] = true
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON, used by clients.
func (r *Response) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Response{Payload: Payload{}}
	for k, v := range raw {
		var err error
		switch k {
		case "success":
			err = json.Unmarshal(v, &r.Success)
		case "error":
			err = json.Unmarshal(v, &r.Error)
		case "requiresReauth":
			err = json.Unmarshal(v, &r.RequiresReauth)
		case "requestId":
			err = json.Unmarshal(v, &r.RequestID)
		default:
			var val any
			err = json.Unmarshal(v, &val)
			r.Payload[k] = val
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Per-action data. Fields mirror schema.json.

type authenticateData struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RedirectURL  string `json:"redirectUrl"`
}

type completeAuthData struct {
	Code string `json:"code"`
}

type saveConfigData struct {
	authenticateData
	APIToken          string  `json:"apiToken"`
	PreferredTeamID   *string `json:"preferredTeamId"`
	ThreadIDFieldName *string `json:"threadIdFieldName"`
	LinkStrategy      *string `json:"linkStrategy"`
	AutoStartTimer    *bool   `json:"autoStartTimer"`
	AutoStopTimer     *bool   `json:"autoStopTimer"`
}

type teamsData struct {
	Force bool `json:"force"`
}

type teamData struct {
	TeamID string `json:"teamId"`
}

type spaceData struct {
	SpaceID string `json:"spaceId"`
}

type folderData struct {
	FolderID string `json:"folderId"`
}

type hierarchyData struct {
	TeamID  string `json:"teamId"`
	Refresh bool   `json:"refresh"`
}

type listData struct {
	ListID string `json:"listId"`
}

type createTaskData struct {
	ListID string          `json:"listId"`
	TeamID string          `json:"teamId"`
	Email  emailtask.Email `json:"email"`
}

type fullTaskData struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Assignees    []int64  `json:"assignees"`
	Tags         []string `json:"tags"`
	Status       string   `json:"status"`
	Priority     *int     `json:"priority"`
	DueDate      int64    `json:"dueDate"`
	TimeEstimate string   `json:"timeEstimate"`
}

type createTaskFullData struct {
	ListID      string           `json:"listId"`
	TeamID      string           `json:"teamId"`
	Task        fullTaskData     `json:"task"`
	Email       *emailtask.Email `json:"email"`
	TimeTracked string           `json:"timeTracked"`
}

type attachData struct {
	TaskID string          `json:"taskId"`
	Email  emailtask.Email `json:"email"`
}

type taskData struct {
	TaskID string `json:"taskId"`
}

type linkData struct {
	TaskID   string `json:"taskId"`
	ThreadID string `json:"threadId"`
}

type linkedTasksData struct {
	ThreadID  string   `json:"threadId"`
	ThreadIDs []string `json:"threadIds"`
}

type syncData struct {
	TeamID string `json:"teamId"`
	Days   int    `json:"days"`
}

type searchData struct {
	TeamID string `json:"teamId"`
	Query  string `json:"query"`
}

type timerData struct {
	TeamID string `json:"teamId"`
	TaskID string `json:"taskId"`
}

type timeEntryData struct {
	TeamID   string `json:"teamId"`
	TaskID   string `json:"taskId"`
	Duration string `json:"duration"`
	Start    int64  `json:"start"`
}

type timeEntriesData struct {
	TeamID string `json:"teamId"`
	Start  int64  `json:"start"`
	End    int64  `json:"end"`
}

type badgeData struct {
	State string `json:"state"`
}
