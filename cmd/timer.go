package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/display"
	"github.com/teemow/inboxlink/internal/emailtask"
	"github.com/teemow/inboxlink/internal/messages"
	"github.com/teemow/inboxlink/internal/server"
	"github.com/teemow/inboxlink/internal/timer"
)

func newTimerCmd() *cobra.Command {
	var teamID string

	cmd := &cobra.Command{
		Use:   "timer",
		Short: "Track time on ClickUp tasks",
	}
	cmd.PersistentFlags().StringVar(&teamID, "team", "", "Workspace ID (default: preferred or first workspace)")

	withTeam := func(data map[string]any) map[string]any {
		if teamID != "" {
			data["teamId"] = teamID
		}
		return data
	}

	cmd.AddCommand(newTimerStartCmd(withTeam))
	cmd.AddCommand(newTimerStopCmd(withTeam))
	cmd.AddCommand(newTimerStatusCmd(withTeam))
	cmd.AddCommand(newTimerAddCmd(withTeam))
	cmd.AddCommand(newTimerListCmd(withTeam))
	cmd.AddCommand(newTimerBadgeCmd())
	return cmd
}

type teamData func(map[string]any) map[string]any

func taskArg(arg string) (string, error) {
	id, ok := emailtask.ExtractTaskID(arg)
	if !ok {
		return "", fmt.Errorf("not a task id or task URL: %q", arg)
	}
	return id, nil
}

func newTimerStartCmd(withTeam teamData) *cobra.Command {
	return &cobra.Command{
		Use:   "start <task-id-or-url>",
		Short: "Start the timer on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := taskArg(args[0])
			if err != nil {
				return err
			}
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				resp, err := runAction(ctx, cmd.OutOrStdout(), sc, messages.ActionStartTimer, withTeam(map[string]any{"taskId": taskID}))
				if err != nil || jsonOutput {
					return err
				}
				entry, err := payloadValue[clickup.TimeEntry](resp, "timer")
				if err != nil {
					return err
				}
				display.SuccessMsg(cmd.OutOrStdout(), "Timer started %s", entryTask(entry, taskID))
				return nil
			})
		},
	}
}

func newTimerStopCmd(withTeam teamData) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running timer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				resp, err := runAction(ctx, cmd.OutOrStdout(), sc, messages.ActionStopTimer, withTeam(map[string]any{}))
				if err != nil || jsonOutput {
					return err
				}
				entry, err := payloadValue[clickup.TimeEntry](resp, "timer")
				if err != nil {
					return err
				}
				dur, _ := payloadValue[string](resp, "duration")
				display.SuccessMsg(cmd.OutOrStdout(), "Timer stopped after %s %s", dur, entryTask(entry, ""))
				return nil
			})
		},
	}
}

func newTimerStatusCmd(withTeam teamData) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running timer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				resp, err := runAction(ctx, cmd.OutOrStdout(), sc, messages.ActionGetRunningTimer, withTeam(map[string]any{}))
				if err != nil || jsonOutput {
					return err
				}
				out := cmd.OutOrStdout()
				running, _ := payloadValue[bool](resp, "running")
				if !running {
					fmt.Fprintln(out, display.Muted.Render("No timer running"))
					return nil
				}
				entry, err := payloadValue[clickup.TimeEntry](resp, "timer")
				if err != nil {
					return err
				}
				elapsed, _ := payloadValue[string](resp, "elapsed")
				fmt.Fprintf(out, "%s running for %s %s\n", display.Success.Render("▶"), elapsed, entryTask(entry, ""))
				return nil
			})
		},
	}
}

func newTimerAddCmd(withTeam teamData) *cobra.Command {
	var start string

	cmd := &cobra.Command{
		Use:   "add <task-id-or-url> <duration>",
		Short: "Log time on a task",
		Long: `Log a finished time entry. Durations look like "1h 30m", "45m" or "2.5h";
a bare number is hours.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := taskArg(args[0])
			if err != nil {
				return err
			}
			data := map[string]any{"taskId": taskID, "duration": args[1]}
			if start != "" {
				t, err := time.ParseInLocation("2006-01-02 15:04", start, time.Local)
				if err != nil {
					return fmt.Errorf("invalid --start, want \"YYYY-MM-DD HH:MM\": %w", err)
				}
				data["start"] = t.UnixMilli()
			}
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				resp, err := runAction(ctx, cmd.OutOrStdout(), sc, messages.ActionAddTimeEntry, withTeam(data))
				if err != nil || jsonOutput {
					return err
				}
				dur, _ := payloadValue[string](resp, "duration")
				display.SuccessMsg(cmd.OutOrStdout(), "Logged %s on %s", dur, taskID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "Entry start as \"YYYY-MM-DD HH:MM\" (default: now minus the duration)")
	return cmd
}

func newTimerListCmd(withTeam teamData) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent time entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data := map[string]any{}
			if days > 0 {
				now := time.Now()
				data["start"] = now.AddDate(0, 0, -days).UnixMilli()
				data["end"] = now.UnixMilli()
			}
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				resp, err := runAction(ctx, cmd.OutOrStdout(), sc, messages.ActionGetTimeEntries, withTeam(data))
				if err != nil || jsonOutput {
					return err
				}
				entries, err := payloadValue[[]clickup.TimeEntry](resp, "entries")
				if err != nil {
					return err
				}
				display.Entries(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Entries from the last N days (default: the last week)")
	return cmd
}

func newTimerBadgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "badge <playing|paused|stopped>",
		Short:     "Set the extension's timer badge",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(timer.BadgePlaying), string(timer.BadgePaused), string(timer.BadgeStopped)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				resp, err := runAction(ctx, cmd.OutOrStdout(), sc, messages.ActionUpdateBadge, map[string]any{"state": args[0]})
				if err != nil || jsonOutput {
					return err
				}
				badge, err := payloadValue[timer.Badge](resp, "badge")
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Badge: %s\n", display.Badge(badge))
				return nil
			})
		},
	}
}

func entryTask(e clickup.TimeEntry, fallback string) string {
	if e.Task != nil && e.Task.Name != "" {
		return "on " + e.Task.Name
	}
	if e.Task != nil && e.Task.ID != "" {
		return "on " + e.Task.ID
	}
	if fallback != "" {
		return "on " + fallback
	}
	return ""
}
