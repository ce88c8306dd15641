package messages

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/config"
	"github.com/teemow/inboxlink/internal/credentials"
	"github.com/teemow/inboxlink/internal/emailtask"
	"github.com/teemow/inboxlink/internal/logging"
	"github.com/teemow/inboxlink/internal/timer"
)

const defaultEntriesWindow = 7 * 24 * time.Hour

func (d *Dispatcher) routes() map[Action]handlerFunc {
	return map[Action]handlerFunc{
		ActionGetStatus:          d.getStatus,
		ActionAuthenticate:       d.authenticate,
		ActionCompleteAuth:       d.completeAuth,
		ActionLogout:             d.logout,
		ActionSaveConfig:         d.saveConfig,
		ActionGetTeams:           d.getTeams,
		ActionGetSpaces:          d.getSpaces,
		ActionGetFolders:         d.getFolders,
		ActionGetLists:           d.getLists,
		ActionGetFolderlessLists: d.getFolderlessLists,
		ActionGetHierarchy:       d.getHierarchy,
		ActionGetMembers:         d.getMembers,
		ActionCreateTask:         d.createTask,
		ActionCreateTaskFull:     d.createTaskFull,
		ActionAttachToTask:       d.attachToTask,
		ActionValidateTask:       d.validateTask,
		ActionValidateLink:       d.validateLink,
		ActionGetLinkedTasks:     d.getLinkedTasks,
		ActionSyncEmailTasks:     d.syncEmailTasks,
		ActionValidateLinks:      d.validateLinks,
		ActionSearchTasks:        d.searchTasks,
		ActionStartTimer:         d.startTimer,
		ActionStopTimer:          d.stopTimer,
		ActionGetRunningTimer:    d.getRunningTimer,
		ActionAddTimeEntry:       d.addTimeEntry,
		ActionGetTimeEntries:     d.getTimeEntries,
		ActionUpdateBadge:        d.updateBadge,
		ActionGetSettings:        d.getSettings,
		ActionClearCache:         d.clearCache,
	}
}

// Auth

func (d *Dispatcher) getStatus(ctx context.Context, _ json.RawMessage) (Payload, error) {
	st, err := d.deps.Auth.Status(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := d.Settings(ctx)
	if err != nil {
		return nil, err
	}
	badge, err := d.deps.Timer.Badge(ctx)
	if err != nil {
		return nil, err
	}
	p := Payload{
		"authenticated":  st.Authenticated,
		"hasOAuthConfig": st.HasOAuthConfig,
		"settings":       settings,
		"badge":          badge,
	}
	if st.User != nil {
		p["user"] = st.User
	}
	if sync, ok, err := d.deps.Links.SyncStatus(ctx); err == nil && ok {
		p["sync"] = sync
	}
	return p, nil
}

func (d *Dispatcher) authenticate(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[authenticateData](data)
	if err != nil {
		return nil, err
	}
	if in.ClientID != "" {
		if err := d.deps.Auth.SaveConfig(ctx, credentials.OAuthConfig{
			ClientID:     in.ClientID,
			ClientSecret: in.ClientSecret,
			RedirectURL:  in.RedirectURL,
		}); err != nil {
			return nil, err
		}
	}
	state := uuid.NewString()
	url, err := d.deps.Auth.AuthCodeURL(ctx, state)
	if err != nil {
		return nil, err
	}
	return Payload{"authUrl": url, "state": state}, nil
}

func (d *Dispatcher) completeAuth(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[completeAuthData](data)
	if err != nil {
		return nil, err
	}
	if _, err := d.deps.Auth.CompleteAuth(ctx, in.Code); err != nil {
		return nil, err
	}
	p := Payload{"authenticated": true}
	if user, err := d.deps.Auth.CurrentUser(ctx, true); err != nil {
		d.logger.Warn("failed to fetch user after sign in", logging.Err(err))
	} else {
		p["user"] = user
	}
	if teams, err := d.deps.Hierarchy.Teams(ctx, true); err != nil {
		d.logger.Warn("failed to fetch teams after sign in", logging.Err(err))
	} else {
		p["teams"] = teams
	}
	return p, nil
}

func (d *Dispatcher) logout(ctx context.Context, _ json.RawMessage) (Payload, error) {
	return nil, d.deps.Auth.Logout(ctx)
}

func (d *Dispatcher) saveConfig(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[saveConfigData](data)
	if err != nil {
		return nil, err
	}
	if in.ClientID != "" {
		if err := d.deps.Auth.SaveConfig(ctx, credentials.OAuthConfig{
			ClientID:     in.ClientID,
			ClientSecret: in.ClientSecret,
			RedirectURL:  in.RedirectURL,
		}); err != nil {
			return nil, err
		}
	}
	if in.APIToken != "" {
		if _, err := d.deps.Auth.SaveToken(ctx, in.APIToken); err != nil {
			return nil, err
		}
	}
	patch := config.SettingsPatch{
		PreferredTeamID:   in.PreferredTeamID,
		ThreadIDFieldName: in.ThreadIDFieldName,
		LinkStrategy:      in.LinkStrategy,
		AutoStartTimer:    in.AutoStartTimer,
		AutoStopTimer:     in.AutoStopTimer,
	}
	if !patch.Empty() {
		if err := config.SaveSettings(ctx, d.deps.KV, patch); err != nil {
			return nil, &InvalidRequestError{Action: ActionSaveConfig, Detail: err.Error()}
		}
		if patch.LinkStrategy != nil || patch.ThreadIDFieldName != nil {
			if err := d.ApplySettings(ctx); err != nil {
				return nil, err
			}
		}
	}
	settings, err := d.Settings(ctx)
	if err != nil {
		return nil, err
	}
	return Payload{"settings": settings}, nil
}

// Hierarchy

func (d *Dispatcher) getTeams(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[teamsData](data)
	if err != nil {
		return nil, err
	}
	teams, err := d.deps.Hierarchy.Teams(ctx, in.Force)
	if err != nil {
		return nil, err
	}
	return Payload{"teams": teams}, nil
}

func (d *Dispatcher) getSpaces(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[teamData](data)
	if err != nil {
		return nil, err
	}
	teamID, err := d.team(ctx, in.TeamID)
	if err != nil {
		return nil, err
	}
	spaces, err := d.deps.Auth.Client().GetSpaces(ctx, teamID)
	if err != nil {
		return nil, err
	}
	return Payload{"spaces": spaces}, nil
}

func (d *Dispatcher) getFolders(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[spaceData](data)
	if err != nil {
		return nil, err
	}
	folders, err := d.deps.Auth.Client().GetFolders(ctx, in.SpaceID)
	if err != nil {
		return nil, err
	}
	return Payload{"folders": folders}, nil
}

func (d *Dispatcher) getLists(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[folderData](data)
	if err != nil {
		return nil, err
	}
	lists, err := d.deps.Auth.Client().GetFolderLists(ctx, in.FolderID)
	if err != nil {
		return nil, err
	}
	return Payload{"lists": lists}, nil
}

func (d *Dispatcher) getFolderlessLists(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[spaceData](data)
	if err != nil {
		return nil, err
	}
	lists, err := d.deps.Auth.Client().GetFolderlessLists(ctx, in.SpaceID)
	if err != nil {
		return nil, err
	}
	return Payload{"lists": lists}, nil
}

func (d *Dispatcher) getHierarchy(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[hierarchyData](data)
	if err != nil {
		return nil, err
	}
	teamID, err := d.team(ctx, in.TeamID)
	if err != nil {
		return nil, err
	}
	load := d.deps.Hierarchy.Load
	if in.Refresh {
		load = d.deps.Hierarchy.Refresh
	}
	snap, err := load(ctx, teamID)
	if err != nil {
		return nil, err
	}
	return Payload{"teamId": teamID, "spaces": snap.Spaces, "lists": snap.Lists()}, nil
}

func (d *Dispatcher) getMembers(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[listData](data)
	if err != nil {
		return nil, err
	}
	members, err := d.deps.Auth.Client().GetListMembers(ctx, in.ListID)
	if err != nil {
		return nil, err
	}
	return Payload{"members": members}, nil
}

// Tasks

// optionalTeam resolves a team but tolerates having none; only the timer
// follow-ups need it.
func (d *Dispatcher) optionalTeam(ctx context.Context, explicit string) string {
	teamID, err := d.team(ctx, explicit)
	if err != nil {
		d.logger.Debug("no team for follow-up steps", logging.Err(err))
		return ""
	}
	return teamID
}

func taskPayload(task clickup.Task) Payload {
	return Payload{"task": task, "taskId": task.ID, "url": task.URL}
}

func (d *Dispatcher) createTask(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[createTaskData](data)
	if err != nil {
		return nil, err
	}
	task, err := d.deps.Tasks.CreateFromEmail(ctx, in.ListID, d.optionalTeam(ctx, in.TeamID), in.Email)
	if err != nil {
		return nil, err
	}
	return taskPayload(task), nil
}

func (d *Dispatcher) createTaskFull(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[createTaskFullData](data)
	if err != nil {
		return nil, err
	}
	create := clickup.TaskCreate{
		Name:        in.Task.Name,
		Description: in.Task.Description,
		Assignees:   in.Task.Assignees,
		Tags:        in.Task.Tags,
		Status:      in.Task.Status,
		Priority:    in.Task.Priority,
		DueDate:     in.Task.DueDate,
	}
	if in.Task.TimeEstimate != "" {
		est, err := timer.ParseDuration(in.Task.TimeEstimate)
		if err != nil {
			return nil, &InvalidRequestError{Action: ActionCreateTaskFull, Detail: "time estimate: " + err.Error()}
		}
		create.TimeEstimate = est.Milliseconds()
	}
	var tracked time.Duration
	if in.TimeTracked != "" {
		if tracked, err = timer.ParseDuration(in.TimeTracked); err != nil {
			return nil, &InvalidRequestError{Action: ActionCreateTaskFull, Detail: "time tracked: " + err.Error()}
		}
	}
	task, err := d.deps.Tasks.CreateFull(ctx, emailtask.FullRequest{
		ListID:      in.ListID,
		TeamID:      d.optionalTeam(ctx, in.TeamID),
		Task:        create,
		Email:       in.Email,
		TimeTracked: tracked,
	})
	if err != nil {
		return nil, err
	}
	return taskPayload(task), nil
}

func (d *Dispatcher) attachToTask(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[attachData](data)
	if err != nil {
		return nil, err
	}
	taskID, ok := emailtask.ExtractTaskID(in.TaskID)
	if !ok {
		return nil, &InvalidRequestError{Action: ActionAttachToTask, Detail: "not a task id or task URL"}
	}
	task, err := d.deps.Tasks.AttachToTask(ctx, taskID, in.Email)
	if err != nil {
		return nil, err
	}
	return taskPayload(task), nil
}

func (d *Dispatcher) searchTasks(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[searchData](data)
	if err != nil {
		return nil, err
	}
	teamID, err := d.team(ctx, in.TeamID)
	if err != nil {
		return nil, err
	}
	tasks, err := d.deps.Tasks.Search(ctx, teamID, in.Query)
	if err != nil {
		return nil, err
	}
	return Payload{"tasks": tasks}, nil
}

// Links

func (d *Dispatcher) validateTask(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[taskData](data)
	if err != nil {
		return nil, err
	}
	return structPayload(d.deps.Links.ValidateLink(ctx, in.TaskID))
}

func (d *Dispatcher) validateLink(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[linkData](data)
	if err != nil {
		return nil, err
	}
	return structPayload(d.deps.Links.ValidateLinkTarget(ctx, in.TaskID, in.ThreadID))
}

func (d *Dispatcher) getLinkedTasks(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[linkedTasksData](data)
	if err != nil {
		return nil, err
	}
	p := Payload{}
	if in.ThreadID != "" {
		tasks, err := d.deps.Links.LookupLinks(ctx, in.ThreadID)
		if err != nil {
			return nil, err
		}
		p["tasks"] = tasks
	}
	if len(in.ThreadIDs) > 0 {
		m, err := d.deps.Links.Index().LookupMany(ctx, in.ThreadIDs)
		if err != nil {
			return nil, err
		}
		p["mappings"] = m
	}
	return p, nil
}

func (d *Dispatcher) syncEmailTasks(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[syncData](data)
	if err != nil {
		return nil, err
	}
	days := in.Days
	if days <= 0 {
		days = d.deps.Defaults().SyncDays
	}
	if days <= 0 {
		days = DefaultSyncDays
	}
	teamID, err := d.team(ctx, in.TeamID)
	if err != nil {
		return nil, err
	}
	since := d.deps.Now().AddDate(0, 0, -days)
	found, err := d.deps.Links.ReconcileSweep(ctx, teamID, since)
	if err != nil {
		return nil, err
	}
	return Payload{"tasksFound": found, "days": days}, nil
}

func (d *Dispatcher) validateLinks(ctx context.Context, _ json.RawMessage) (Payload, error) {
	res, err := d.deps.Links.ValidationSweep(ctx)
	if err != nil {
		return nil, err
	}
	return structPayload(res)
}

// Timer

func (d *Dispatcher) startTimer(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[timerData](data)
	if err != nil {
		return nil, err
	}
	teamID, err := d.team(ctx, in.TeamID)
	if err != nil {
		return nil, err
	}
	settings, err := d.Settings(ctx)
	if err != nil {
		return nil, err
	}
	if settings.AutoStopTimer {
		running, err := d.deps.Timer.Running(ctx, teamID)
		if err != nil {
			return nil, err
		}
		if running != nil && (running.Task == nil || running.Task.ID != in.TaskID) {
			if _, err := d.deps.Timer.Stop(ctx, teamID); err != nil {
				return nil, err
			}
		}
	}
	entry, err := d.deps.Timer.Start(ctx, teamID, in.TaskID)
	if err != nil {
		return nil, err
	}
	return Payload{"timer": entry}, nil
}

func (d *Dispatcher) stopTimer(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[teamData](data)
	if err != nil {
		return nil, err
	}
	teamID, err := d.team(ctx, in.TeamID)
	if err != nil {
		return nil, err
	}
	entry, err := d.deps.Timer.Stop(ctx, teamID)
	if err != nil {
		return nil, err
	}
	return Payload{"timer": entry, "duration": timer.FormatDuration(entry.Duration.Duration())}, nil
}

func (d *Dispatcher) getRunningTimer(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[teamData](data)
	if err != nil {
		return nil, err
	}
	teamID, err := d.team(ctx, in.TeamID)
	if err != nil {
		return nil, err
	}
	entry, err := d.deps.Timer.Running(ctx, teamID)
	if err != nil {
		return nil, err
	}
	p := Payload{"running": entry != nil, "timer": entry}
	if entry != nil {
		p["elapsed"] = timer.FormatDuration(d.deps.Now().Sub(entry.Start.Time()))
	}
	return p, nil
}

func (d *Dispatcher) addTimeEntry(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[timeEntryData](data)
	if err != nil {
		return nil, err
	}
	dur, err := timer.ParseDuration(in.Duration)
	if err != nil {
		return nil, &InvalidRequestError{Action: ActionAddTimeEntry, Detail: err.Error()}
	}
	teamID, err := d.team(ctx, in.TeamID)
	if err != nil {
		return nil, err
	}
	start := d.deps.Now().Add(-dur)
	if in.Start > 0 {
		start = time.UnixMilli(in.Start)
	}
	entry, err := d.deps.Timer.AddEntry(ctx, teamID, in.TaskID, dur, start)
	if err != nil {
		return nil, err
	}
	return Payload{"entry": entry, "duration": timer.FormatDuration(dur)}, nil
}

func (d *Dispatcher) getTimeEntries(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[timeEntriesData](data)
	if err != nil {
		return nil, err
	}
	teamID, err := d.team(ctx, in.TeamID)
	if err != nil {
		return nil, err
	}
	end := d.deps.Now()
	if in.End > 0 {
		end = time.UnixMilli(in.End)
	}
	start := end.Add(-defaultEntriesWindow)
	if in.Start > 0 {
		start = time.UnixMilli(in.Start)
	}
	entries, err := d.deps.Timer.Entries(ctx, teamID, start, end)
	if err != nil {
		return nil, err
	}
	var total time.Duration
	for _, e := range entries {
		if !e.Running() {
			total += e.Duration.Duration()
		}
	}
	return Payload{"entries": entries, "total": timer.FormatDuration(total)}, nil
}

func (d *Dispatcher) updateBadge(ctx context.Context, data json.RawMessage) (Payload, error) {
	in, err := decode[badgeData](data)
	if err != nil {
		return nil, err
	}
	state, err := timer.ParseBadgeState(in.State)
	if err != nil {
		return nil, &InvalidRequestError{Action: ActionUpdateBadge, Detail: err.Error()}
	}
	badge, err := d.deps.Timer.SetBadge(ctx, state)
	if err != nil {
		return nil, err
	}
	return Payload{"badge": badge}, nil
}

// Settings and cache

func (d *Dispatcher) getSettings(ctx context.Context, _ json.RawMessage) (Payload, error) {
	settings, err := d.Settings(ctx)
	if err != nil {
		return nil, err
	}
	return Payload{"settings": settings}, nil
}

func (d *Dispatcher) clearCache(ctx context.Context, _ json.RawMessage) (Payload, error) {
	return nil, d.deps.Hierarchy.Clear(ctx)
}
