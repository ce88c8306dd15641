package clickup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PageSize is the number of tasks ClickUp returns per page of a team query.
const PageSize = 100

// GetUser returns the authenticated user.
func (c *Client) GetUser(ctx context.Context) (User, error) {
	var resp struct {
		User User `json:"user"`
	}
	err := c.Execute(ctx, Request{Operation: "get_user", Path: "/user"}, &resp)
	return resp.User, err
}

// GetTeams returns the workspaces the user belongs to.
func (c *Client) GetTeams(ctx context.Context) ([]Team, error) {
	var resp struct {
		Teams []Team `json:"teams"`
	}
	err := c.Execute(ctx, Request{Operation: "get_teams", Path: "/team"}, &resp)
	return resp.Teams, err
}

// GetSpaces returns the spaces of a team.
func (c *Client) GetSpaces(ctx context.Context, teamID string) ([]Space, error) {
	var resp struct {
		Spaces []Space `json:"spaces"`
	}
	err := c.Execute(ctx, Request{
		Operation: "get_spaces",
		Path:      "/team/" + url.PathEscape(teamID) + "/space",
	}, &resp)
	return resp.Spaces, err
}

// GetFolders returns the folders of a space.
func (c *Client) GetFolders(ctx context.Context, spaceID string) ([]Folder, error) {
	var resp struct {
		Folders []Folder `json:"folders"`
	}
	err := c.Execute(ctx, Request{
		Operation: "get_folders",
		Path:      "/space/" + url.PathEscape(spaceID) + "/folder",
	}, &resp)
	return resp.Folders, err
}

// GetFolderlessLists returns the lists that sit directly in a space.
func (c *Client) GetFolderlessLists(ctx context.Context, spaceID string) ([]List, error) {
	var resp struct {
		Lists []List `json:"lists"`
	}
	err := c.Execute(ctx, Request{
		Operation: "get_folderless_lists",
		Path:      "/space/" + url.PathEscape(spaceID) + "/list",
	}, &resp)
	return resp.Lists, err
}

// GetFolderLists returns the lists in a folder.
func (c *Client) GetFolderLists(ctx context.Context, folderID string) ([]List, error) {
	var resp struct {
		Lists []List `json:"lists"`
	}
	err := c.Execute(ctx, Request{
		Operation: "get_lists",
		Path:      "/folder/" + url.PathEscape(folderID) + "/list",
	}, &resp)
	return resp.Lists, err
}

// GetListMembers returns the users with access to a list.
func (c *Client) GetListMembers(ctx context.Context, listID string) ([]Member, error) {
	var resp struct {
		Members []Member `json:"members"`
	}
	err := c.Execute(ctx, Request{
		Operation: "get_members",
		Path:      "/list/" + url.PathEscape(listID) + "/member",
	}, &resp)
	return resp.Members, err
}

// GetListFields returns the custom fields available on a list.
func (c *Client) GetListFields(ctx context.Context, listID string) ([]CustomField, error) {
	var resp struct {
		Fields []CustomField `json:"fields"`
	}
	err := c.Execute(ctx, Request{
		Operation: "get_fields",
		Path:      "/list/" + url.PathEscape(listID) + "/field",
	}, &resp)
	return resp.Fields, err
}

// SetCustomField writes a custom field value on a task.
func (c *Client) SetCustomField(ctx context.Context, taskID, fieldID string, value any) error {
	return c.Execute(ctx, Request{
		Operation: "set_field",
		Method:    http.MethodPost,
		Path:      "/task/" + url.PathEscape(taskID) + "/field/" + url.PathEscape(fieldID),
		Body:      map[string]any{"value": value},
	}, nil)
}

// CreateTask creates a task in a list.
func (c *Client) CreateTask(ctx context.Context, listID string, task TaskCreate) (Task, error) {
	if strings.TrimSpace(task.Name) == "" {
		return Task{}, fmt.Errorf("task name is required")
	}
	var created Task
	err := c.Execute(ctx, Request{
		Operation: "create_task",
		Method:    http.MethodPost,
		Path:      "/list/" + url.PathEscape(listID) + "/task",
		Body:      task,
	}, &created)
	return created, err
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	err := c.Execute(ctx, Request{
		Operation: "get_task",
		Path:      "/task/" + url.PathEscape(taskID),
	}, &task)
	return task, err
}

// SearchTasks runs a free-text task query in a team.
func (c *Client) SearchTasks(ctx context.Context, teamID, query string) ([]Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.Execute(ctx, Request{
		Operation: "search_tasks",
		Path:      "/team/" + url.PathEscape(teamID) + "/task",
		Query:     url.Values{"query": {query}},
	}, &resp)
	return resp.Tasks, err
}

// TaskPage is one page of a team task query.
type TaskPage struct {
	Tasks    []Task `json:"tasks"`
	LastPage bool   `json:"last_page"`
}

// GetTasksUpdatedSince returns one page of tasks updated after since,
// closed tasks included.
func (c *Client) GetTasksUpdatedSince(ctx context.Context, teamID string, since time.Time, page int) (TaskPage, error) {
	var resp TaskPage
	err := c.Execute(ctx, Request{
		Operation: "get_recent_tasks",
		Path:      "/team/" + url.PathEscape(teamID) + "/task",
		Query: url.Values{
			"include_closed":  {"true"},
			"date_updated_gt": {strconv.FormatInt(since.UnixMilli(), 10)},
			"page":            {strconv.Itoa(page)},
		},
	}, &resp)
	return resp, err
}

// AddComment posts a comment on a task.
func (c *Client) AddComment(ctx context.Context, taskID, text string) (Comment, error) {
	var comment Comment
	err := c.Execute(ctx, Request{
		Operation: "add_comment",
		Method:    http.MethodPost,
		Path:      "/task/" + url.PathEscape(taskID) + "/comment",
		Body:      map[string]any{"comment_text": text},
	}, &comment)
	return comment, err
}

// GetComments returns a task's comments.
func (c *Client) GetComments(ctx context.Context, taskID string) ([]Comment, error) {
	var resp struct {
		Comments []Comment `json:"comments"`
	}
	err := c.Execute(ctx, Request{
		Operation: "get_comments",
		Path:      "/task/" + url.PathEscape(taskID) + "/comment",
	}, &resp)
	return resp.Comments, err
}

// EmailLink is the optional email reference sent with an attachment.
type EmailLink struct {
	ThreadID string `json:"id"`
	Subject  string `json:"subject"`
	From     string `json:"from"`
	Email    string `json:"email"`
	Msg      string `json:"msg"`
	Client   string `json:"client"`
}

var unsafeFileChars = regexp.MustCompile(`[<>:"/\\|?*]`)

// AttachmentFileName derives the .html file name for an email subject.
func AttachmentFileName(subject string) string {
	if subject == "" {
		subject = "Email"
	}
	name := unsafeFileChars.ReplaceAllString(subject, "")
	if r := []rune(name); len(r) > 100 {
		name = string(r[:100])
	}
	return name + ".html"
}

// UploadEmailAttachment attaches an email body as an HTML file. When email
// is set it is sent as the "email" part.
func (c *Client) UploadEmailAttachment(ctx context.Context, taskID, subject string, html []byte, email *EmailLink) (Attachment, error) {
	up := &Upload{
		FieldName:   "attachment",
		FileName:    AttachmentFileName(subject),
		ContentType: "text/html",
		Content:     html,
	}
	if email != nil && email.ThreadID != "" {
		if email.Subject == "" {
			email.Subject = subject
		}
		if email.Msg == "" {
			email.Msg = email.ThreadID
		}
		email.Client = "gmail"
		data, err := json.Marshal(email)
		if err != nil {
			return Attachment{}, fmt.Errorf("failed to encode email part: %w", err)
		}
		up.Parts = map[string]string{"email": string(data)}
	}
	return c.UploadAttachment(ctx, taskID, up)
}

// UploadAttachment uploads a file to a task.
func (c *Client) UploadAttachment(ctx context.Context, taskID string, up *Upload) (Attachment, error) {
	var att Attachment
	err := c.Execute(ctx, Request{
		Operation: "upload_attachment",
		Method:    http.MethodPost,
		Path:      "/task/" + url.PathEscape(taskID) + "/attachment",
		Upload:    up,
	}, &att)
	return att, err
}

// CreateTimeEntry records tracked time on a task.
func (c *Client) CreateTimeEntry(ctx context.Context, teamID string, entry TimeEntryCreate) (TimeEntry, error) {
	if entry.Duration <= 0 {
		return TimeEntry{}, fmt.Errorf("duration must be positive")
	}
	if entry.Start == 0 {
		entry.Start = time.Now().UnixMilli() - entry.Duration
	}
	var resp struct {
		Data TimeEntry `json:"data"`
	}
	err := c.Execute(ctx, Request{
		Operation: "create_time_entry",
		Method:    http.MethodPost,
		Path:      "/team/" + url.PathEscape(teamID) + "/time_entries",
		Body:      entry,
	}, &resp)
	return resp.Data, err
}

// StartTimer starts the team timer on a task.
func (c *Client) StartTimer(ctx context.Context, teamID, taskID string) (TimeEntry, error) {
	var resp struct {
		Data TimeEntry `json:"data"`
	}
	err := c.Execute(ctx, Request{
		Operation: "start_timer",
		Method:    http.MethodPost,
		Path:      "/team/" + url.PathEscape(teamID) + "/time_entries/start",
		Body:      map[string]any{"tid": taskID},
	}, &resp)
	return resp.Data, err
}

// StopTimer stops the running timer.
func (c *Client) StopTimer(ctx context.Context, teamID string) (TimeEntry, error) {
	var resp struct {
		Data TimeEntry `json:"data"`
	}
	err := c.Execute(ctx, Request{
		Operation: "stop_timer",
		Method:    http.MethodPost,
		Path:      "/team/" + url.PathEscape(teamID) + "/time_entries/stop",
	}, &resp)
	return resp.Data, err
}

// RunningTimer returns the running time entry, or nil when none runs.
func (c *Client) RunningTimer(ctx context.Context, teamID string) (*TimeEntry, error) {
	var resp struct {
		Data *TimeEntry `json:"data"`
	}
	err := c.Execute(ctx, Request{
		Operation: "get_running_timer",
		Path:      "/team/" + url.PathEscape(teamID) + "/time_entries/current",
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Data == nil || resp.Data.ID == "" {
		return nil, nil
	}
	return resp.Data, nil
}

// TimeEntries returns entries between start and end. Zero bounds are omitted.
func (c *Client) TimeEntries(ctx context.Context, teamID string, start, end time.Time) ([]TimeEntry, error) {
	q := url.Values{}
	if !start.IsZero() {
		q.Set("start_date", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		q.Set("end_date", strconv.FormatInt(end.UnixMilli(), 10))
	}
	var resp struct {
		Data []TimeEntry `json:"data"`
	}
	err := c.Execute(ctx, Request{
		Operation: "get_time_entries",
		Path:      "/team/" + url.PathEscape(teamID) + "/time_entries",
		Query:     q,
	}, &resp)
	return resp.Data, err
}
