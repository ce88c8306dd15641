package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/display"
	"github.com/teemow/inboxlink/internal/hierarchy"
	"github.com/teemow/inboxlink/internal/messages"
	"github.com/teemow/inboxlink/internal/server"
)

func newHierarchyCmd() *cobra.Command {
	var (
		teamID  string
		refresh bool
	)

	cmd := &cobra.Command{
		Use:   "hierarchy",
		Short: "Print the workspace spaces, folders and lists",
		Long: `Print the cached hierarchy of a workspace. Cached data is served for up
to 24 hours and refreshed in the background once stale; --refresh fetches
it now.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				data := map[string]any{"refresh": refresh}
				if teamID != "" {
					data["teamId"] = teamID
				}
				resp, err := runAction(ctx, cmd.OutOrStdout(), sc, messages.ActionGetHierarchy, data)
				if err != nil || jsonOutput {
					return err
				}
				snap, err := decodePayload[hierarchy.Snapshot](resp)
				if err != nil {
					return err
				}
				display.Hierarchy(cmd.OutOrStdout(), snap)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&teamID, "team", "", "Workspace ID (default: preferred or first workspace)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the cache")

	cmd.AddCommand(newHierarchyTeamsCmd())
	cmd.AddCommand(newHierarchyClearCmd())
	return cmd
}

func newHierarchyTeamsCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "teams",
		Short: "List the workspaces you can access",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				resp, err := runAction(ctx, cmd.OutOrStdout(), sc, messages.ActionGetTeams, map[string]any{"force": force})
				if err != nil || jsonOutput {
					return err
				}
				teams, err := payloadValue[[]clickup.Team](resp, "teams")
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, t := range teams {
					fmt.Fprintf(out, "%s %s\n", t.Name, display.Muted.Render(t.ID))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Bypass the cache")
	return cmd
}

func newHierarchyClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached hierarchy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				if _, err := runAction(ctx, cmd.OutOrStdout(), sc, messages.ActionClearCache, nil); err != nil || jsonOutput {
					return err
				}
				display.SuccessMsg(cmd.OutOrStdout(), "Hierarchy cache cleared")
				return nil
			})
		},
	}
}
