package clickup

import (
	"encoding/json"
	"strconv"
	"time"
)

// User is the authenticated ClickUp user.
type User struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	Color          string `json:"color,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// Team is a ClickUp workspace.
type Team struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Color   string   `json:"color,omitempty"`
	Members []Member `json:"members,omitempty"`
}

// Member is a user with access to a team or list.
type Member struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Initials string `json:"initials,omitempty"`
}

// UnmarshalJSON accepts both the flat list-member shape and the team shape
// that nests the user under "user".
func (m *Member) UnmarshalJSON(data []byte) error {
	type flat Member
	var wrapped struct {
		User *flat `json:"user"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.User != nil {
		*m = Member(*wrapped.User)
		return nil
	}
	var f flat
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*m = Member(f)
	return nil
}

// Space is a top-level container in a team.
type Space struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Folder groups lists inside a space.
type Folder struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Hidden bool   `json:"hidden,omitempty"`
}

// List holds tasks.
type List struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Status is a task status.
type Status struct {
	Status string `json:"status"`
	Color  string `json:"color,omitempty"`
	Type   string `json:"type,omitempty"`
}

// CustomField is a field definition or a task's field value.
type CustomField struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// StringValue returns the value as text. Non-string values are returned in
// their JSON form.
func (f CustomField) StringValue() string {
	if len(f.Value) == 0 || string(f.Value) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Value, &s); err == nil {
		return s
	}
	return string(f.Value)
}

// Task is a ClickUp task as returned by the API.
type Task struct {
	ID           string        `json:"id"`
	CustomID     string        `json:"custom_id,omitempty"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	TextContent  string        `json:"text_content,omitempty"`
	Status       Status        `json:"status"`
	URL          string        `json:"url"`
	Archived     bool          `json:"archived"`
	DateCreated  Millis        `json:"date_created,omitempty"`
	DateUpdated  Millis        `json:"date_updated,omitempty"`
	CustomFields []CustomField `json:"custom_fields,omitempty"`
	List         *List         `json:"list,omitempty"`
	Assignees    []Member      `json:"assignees,omitempty"`
}

// ListID returns the id of the list that owns the task.
func (t Task) ListID() string {
	if t.List == nil {
		return ""
	}
	return t.List.ID
}

// TaskCreate is the body of a create-task request.
type TaskCreate struct {
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	Assignees    []int64            `json:"assignees,omitempty"`
	Tags         []string           `json:"tags,omitempty"`
	Status       string             `json:"status,omitempty"`
	Priority     *int               `json:"priority,omitempty"`
	DueDate      int64              `json:"due_date,omitempty"`
	TimeEstimate int64              `json:"time_estimate,omitempty"`
	CustomFields []CustomFieldValue `json:"custom_fields,omitempty"`
}

// CustomFieldValue sets a field when creating a task.
type CustomFieldValue struct {
	ID    string `json:"id"`
	Value any    `json:"value"`
}

// Comment is a task comment.
type Comment struct {
	ID          string `json:"id"`
	CommentText string `json:"comment_text"`
	Date        Millis `json:"date,omitempty"`
}

// TimeEntry is a tracked interval on a task.
type TimeEntry struct {
	ID          string  `json:"id"`
	Task        *Task   `json:"task,omitempty"`
	Start       Millis  `json:"start"`
	End         Millis  `json:"end,omitempty"`
	Duration    Millis  `json:"duration"`
	Description string  `json:"description,omitempty"`
	Billable    bool    `json:"billable"`
	User        *Member `json:"user,omitempty"`
}

// Running reports whether the entry is still open.
func (e TimeEntry) Running() bool {
	return e.ID != "" && e.Duration < 0
}

// TimeEntryCreate is the body of an add-time-entry request.
type TimeEntryCreate struct {
	TaskID      string `json:"tid"`
	Start       int64  `json:"start"`
	Duration    int64  `json:"duration"`
	Description string `json:"description,omitempty"`
	Billable    bool   `json:"billable"`
}

// Attachment is the result of an upload.
type Attachment struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Millis is a millisecond timestamp or duration. ClickUp sends these as
// strings or numbers depending on the endpoint.
type Millis int64

// UnmarshalJSON accepts "123", 123 and null.
func (m *Millis) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		*m = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*m = Millis(n)
	return nil
}

// Time converts a timestamp to time.Time.
func (m Millis) Time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m))
}

// Duration converts a duration value.
func (m Millis) Duration() time.Duration {
	return time.Duration(m) * time.Millisecond
}
