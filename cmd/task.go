package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/display"
	"github.com/teemow/inboxlink/internal/emailtask"
	"github.com/teemow/inboxlink/internal/gmail"
	"github.com/teemow/inboxlink/internal/links"
	"github.com/teemow/inboxlink/internal/messages"
	"github.com/teemow/inboxlink/internal/server"
)

// gmailCredentialsEnv names the Google OAuth client JSON when no flag is
// given.
const gmailCredentialsEnv = "INBOXLINK_GMAIL_CREDENTIALS"

type gmailFlags struct {
	credentials string
	tokenFile   string
}

func (f *gmailFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.credentials, "gmail-credentials", os.Getenv(gmailCredentialsEnv), "Path to the Google OAuth client JSON (env "+gmailCredentialsEnv+")")
	cmd.Flags().StringVar(&f.tokenFile, "gmail-token-file", gmail.DefaultTokenPath(), "Cached Gmail token from \"inboxlink auth gmail\"")
}

// fetchThread loads a thread's first message through the Gmail API.
func (f *gmailFlags) fetchThread(ctx context.Context, threadID string) (emailtask.Email, error) {
	if f.credentials == "" {
		return emailtask.Email{}, fmt.Errorf("--gmail-credentials or $%s is required to read threads", gmailCredentialsEnv)
	}
	auth, err := gmail.NewAuth(f.credentials, f.tokenFile)
	if err != nil {
		return emailtask.Email{}, err
	}
	httpClient, err := auth.HTTPClient(ctx)
	if errors.Is(err, gmail.ErrNoToken) {
		return emailtask.Email{}, fmt.Errorf("%w (run \"inboxlink auth gmail\")", err)
	}
	if err != nil {
		return emailtask.Email{}, err
	}
	client, err := gmail.NewClient(ctx, httpClient)
	if err != nil {
		return emailtask.Email{}, err
	}
	email, err := client.ThreadEmail(ctx, threadID)
	if err != nil {
		return emailtask.Email{}, err
	}
	if address, err := client.Profile(ctx); err == nil {
		email.UserEmail = address
	}
	return email, nil
}

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, attach, show and search ClickUp tasks",
	}
	cmd.AddCommand(newTaskCreateCmd())
	cmd.AddCommand(newTaskAttachCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskSearchCmd())
	return cmd
}

type taskCreateOptions struct {
	gmail       gmailFlags
	listID      string
	teamID      string
	threadID    string
	name        string
	description string
	status      string
	tags        string
	priority    int
	estimate    string
	tracked     string
}

// full reports whether any task field was set, which selects
// createTaskFull over the email-only createTask.
func (o *taskCreateOptions) full() bool {
	return o.name != "" || o.description != "" || o.status != "" || o.tags != "" ||
		o.priority > 0 || o.estimate != "" || o.tracked != ""
}

func newTaskCreateCmd() *cobra.Command {
	var opts taskCreateOptions

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task, optionally from a Gmail thread",
		Long: `Create a task in --list. With only --thread the task is named after the
email subject, the email is attached and the thread is linked. Any of the
task flags create a fully specified task instead, linked to --thread when
it is given.`,
		Example: `  inboxlink task create --list 901 --thread 18c2f0a1b2c3d4e5
  inboxlink task create --list 901 --name "Reply to Grace" --estimate 1h30m --tags billing`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.threadID == "" && !opts.full() {
				return fmt.Errorf("either --thread or --name is required")
			}
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				return runTaskCreate(ctx, cmd, sc, opts)
			})
		},
	}

	opts.gmail.register(cmd)
	cmd.Flags().StringVar(&opts.listID, "list", "", "List ID to create the task in")
	cmd.Flags().StringVar(&opts.teamID, "team", "", "Workspace ID for timer follow-ups (default: preferred or first workspace)")
	cmd.Flags().StringVar(&opts.threadID, "thread", "", "Gmail thread ID to attach and link")
	cmd.Flags().StringVar(&opts.name, "name", "", "Task name (default: email subject)")
	cmd.Flags().StringVar(&opts.description, "description", "", "Task description in markdown")
	cmd.Flags().StringVar(&opts.status, "status", "", "Initial status")
	cmd.Flags().StringVar(&opts.tags, "tags", "", "Comma-separated tags")
	cmd.Flags().IntVar(&opts.priority, "priority", 0, "Priority from 1 (urgent) to 4 (low)")
	cmd.Flags().StringVar(&opts.estimate, "estimate", "", "Time estimate such as 2h or 1h 30m")
	cmd.Flags().StringVar(&opts.tracked, "tracked", "", "Time already spent, logged as a time entry")
	_ = cmd.MarkFlagRequired("list")

	return cmd
}

func runTaskCreate(ctx context.Context, cmd *cobra.Command, sc *server.ServerContext, opts taskCreateOptions) error {
	out := cmd.OutOrStdout()

	var email *emailtask.Email
	if opts.threadID != "" {
		e, err := opts.gmail.fetchThread(ctx, opts.threadID)
		if err != nil {
			return err
		}
		email = &e
	}

	data := map[string]any{"listId": opts.listID}
	if opts.teamID != "" {
		data["teamId"] = opts.teamID
	}
	action := messages.ActionCreateTask
	if opts.full() {
		action = messages.ActionCreateTaskFull
		task := map[string]any{"name": opts.name}
		if task["name"] == "" && email != nil {
			task["name"] = email.Subject
		}
		if opts.description != "" {
			task["description"] = opts.description
		}
		if opts.status != "" {
			task["status"] = opts.status
		}
		if tags := parseCommaSeparatedList(opts.tags); tags != nil {
			task["tags"] = tags
		}
		if opts.priority > 0 {
			task["priority"] = opts.priority
		}
		if opts.estimate != "" {
			task["timeEstimate"] = opts.estimate
		}
		data["task"] = task
		if opts.tracked != "" {
			data["timeTracked"] = opts.tracked
		}
	}
	if email != nil {
		data["email"] = email
	}

	resp, err := runAction(ctx, out, sc, action, data)
	if err != nil || jsonOutput {
		return err
	}
	task, err := payloadValue[clickup.Task](resp, "task")
	if err != nil {
		return err
	}
	display.SuccessMsg(out, "Created %s", display.TaskLine(task))
	if task.URL != "" {
		fmt.Fprintln(out, "  "+display.Link.Render(task.URL))
	}
	return nil
}

func newTaskAttachCmd() *cobra.Command {
	var (
		gf       gmailFlags
		threadID string
	)

	cmd := &cobra.Command{
		Use:   "attach <task-id-or-url>",
		Short: "Attach a Gmail thread to an existing task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				email, err := gf.fetchThread(ctx, threadID)
				if err != nil {
					return err
				}
				resp, err := runAction(ctx, cmd.OutOrStdout(), sc, messages.ActionAttachToTask, map[string]any{
					"taskId": args[0],
					"email":  email,
				})
				if err != nil || jsonOutput {
					return err
				}
				task, err := payloadValue[clickup.Task](resp, "task")
				if err != nil {
					return err
				}
				display.SuccessMsg(cmd.OutOrStdout(), "Attached thread to %s", display.TaskLine(task))
				return nil
			})
		},
	}

	gf.register(cmd)
	cmd.Flags().StringVar(&threadID, "thread", "", "Gmail thread ID")
	_ = cmd.MarkFlagRequired("thread")

	return cmd
}

func newTaskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id-or-url>",
		Short: "Show a task and the threads linked to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, ok := emailtask.ExtractTaskID(args[0])
			if !ok {
				return fmt.Errorf("not a task id or task URL: %q", args[0])
			}
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				out := cmd.OutOrStdout()
				resp, err := runAction(ctx, out, sc, messages.ActionValidateTask, map[string]any{"taskId": taskID})
				if err != nil || jsonOutput {
					return err
				}
				v, err := decodePayload[links.Validation](resp)
				if err != nil {
					return err
				}
				if !v.Exists {
					reason := v.Reason
					if reason == "" {
						reason = v.Error
					}
					return fmt.Errorf("task %s is not available: %s", taskID, reason)
				}

				task, err := sc.Auth().Client().GetTask(ctx, taskID)
				if err != nil {
					return err
				}
				display.Task(out, task, terminalWidth())
				return printTaskThreads(ctx, cmd, sc, taskID)
			})
		},
	}
}

func printTaskThreads(ctx context.Context, cmd *cobra.Command, sc *server.ServerContext, taskID string) error {
	all, err := sc.Links().Index().All(ctx)
	if err != nil {
		return err
	}
	linked := links.Mappings{}
	for threadID, entries := range all {
		for _, e := range entries {
			if e.TaskID == taskID {
				linked[threadID] = []links.Entry{e}
			}
		}
	}
	if len(linked) == 0 {
		return nil
	}
	display.Header(cmd.OutOrStdout(), "Linked threads")
	display.Links(cmd.OutOrStdout(), linked)
	return nil
}

func newTaskSearchCmd() *cobra.Command {
	var teamID string

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search tasks by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				data := map[string]any{"query": args[0]}
				if teamID != "" {
					data["teamId"] = teamID
				}
				resp, err := runAction(ctx, cmd.OutOrStdout(), sc, messages.ActionSearchTasks, data)
				if err != nil || jsonOutput {
					return err
				}
				tasks, err := payloadValue[[]clickup.Task](resp, "tasks")
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(tasks) == 0 {
					fmt.Fprintln(out, display.Muted.Render("No matching tasks"))
					return nil
				}
				for _, t := range tasks {
					fmt.Fprintln(out, display.TaskLine(t))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&teamID, "team", "", "Workspace ID (default: preferred or first workspace)")
	return cmd
}
