package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxlink/internal/display"
	"github.com/teemow/inboxlink/internal/links"
	"github.com/teemow/inboxlink/internal/messages"
	"github.com/teemow/inboxlink/internal/server"
)

func newLinksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "links",
		Short: "Inspect and maintain the thread to task links",
	}
	cmd.AddCommand(newLinksListCmd())
	cmd.AddCommand(newLinksShowCmd())
	cmd.AddCommand(newLinksSyncCmd())
	cmd.AddCommand(newLinksValidateCmd())
	return cmd
}

func newLinksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every linked thread and its tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				all, err := sc.Links().Index().All(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), all)
				}
				display.Links(cmd.OutOrStdout(), all)
				return nil
			})
		},
	}
}

func newLinksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Show the tasks linked to a Gmail thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				resp, err := runAction(ctx, cmd.OutOrStdout(), sc, messages.ActionGetLinkedTasks, map[string]any{"threadId": args[0]})
				if err != nil || jsonOutput {
					return err
				}
				entries, err := payloadValue[[]links.Entry](resp, "tasks")
				if err != nil {
					return err
				}
				display.Links(cmd.OutOrStdout(), links.Mappings{args[0]: entries})
				return nil
			})
		},
	}
}

func newLinksSyncCmd() *cobra.Command {
	var (
		teamID string
		days   int
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Discover links from recently updated ClickUp tasks",
		Long: `Scan the tasks updated in the last --days days and record every thread
they refer to, using the configured link strategy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				data := map[string]any{}
				if teamID != "" {
					data["teamId"] = teamID
				}
				if days > 0 {
					data["days"] = days
				}
				resp, err := runAction(ctx, cmd.OutOrStdout(), sc, messages.ActionSyncEmailTasks, data)
				if err != nil || jsonOutput {
					return err
				}
				found, _ := payloadValue[int](resp, "tasksFound")
				scanned, _ := payloadValue[int](resp, "days")
				display.SuccessMsg(cmd.OutOrStdout(), "Found %d linked tasks in the last %d days", found, scanned)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&teamID, "team", "", "Workspace ID (default: preferred or first workspace)")
	cmd.Flags().IntVar(&days, "days", 0, "How far back to scan (default from config, 30)")

	return cmd
}

func newLinksValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Drop links whose tasks were deleted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				resp, err := runAction(ctx, cmd.OutOrStdout(), sc, messages.ActionValidateLinks, nil)
				if err != nil || jsonOutput {
					return err
				}
				res, err := decodePayload[links.SweepResult](resp)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				display.SuccessMsg(out, "Checked %d tasks, removed %d links", res.Checked, res.Removed)
				if res.Failed > 0 {
					fmt.Fprintln(out, display.Warn.Render(fmt.Sprintf("%d tasks could not be checked and were kept", res.Failed)))
				}
				return nil
			})
		},
	}
}
