package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/teemow/inboxlink/internal/clickup"
	"github.com/teemow/inboxlink/internal/config"
	"github.com/teemow/inboxlink/internal/display"
	"github.com/teemow/inboxlink/internal/gmail"
	"github.com/teemow/inboxlink/internal/messages"
	"github.com/teemow/inboxlink/internal/server"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the ClickUp and Gmail sessions",
	}
	cmd.AddCommand(newAuthLoginCmd())
	cmd.AddCommand(newAuthLogoutCmd())
	cmd.AddCommand(newAuthStatusCmd())
	cmd.AddCommand(newAuthGmailCmd())
	return cmd
}

func newAuthLoginCmd() *cobra.Command {
	var (
		token        string
		clientID     string
		clientSecret string
		redirectURL  string
		code         string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to ClickUp",
		Long: `Sign in to ClickUp with a personal API token (--token) or through the
OAuth flow. The OAuth flow prints the authorization URL and then reads the
code from --code or from standard input.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				out := cmd.OutOrStdout()
				if token != "" {
					if _, err := runAction(ctx, out, sc, messages.ActionSaveConfig, map[string]any{"apiToken": token}); err != nil {
						return err
					}
					return printSignedIn(ctx, out, sc)
				}

				data := map[string]any{}
				if clientID != "" {
					data["clientId"] = clientID
					data["clientSecret"] = clientSecret
					data["redirectUrl"] = redirectURL
				}
				resp, err := runAction(ctx, out, sc, messages.ActionAuthenticate, data)
				if err != nil {
					return err
				}
				authURL, _ := payloadValue[string](resp, "authUrl")
				fmt.Fprintf(out, "Open this URL in your browser and authorize inboxlink:\n\n  %s\n\n", authURL)

				if code == "" {
					if code, err = promptCode(cmd.InOrStdin(), out); err != nil {
						return err
					}
				}
				if _, err := runAction(ctx, out, sc, messages.ActionCompleteAuth, map[string]any{"code": code}); err != nil {
					return err
				}
				return printSignedIn(ctx, out, sc)
			})
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "ClickUp personal API token")
	cmd.Flags().StringVar(&clientID, "client-id", "", "OAuth client ID (stored for later sign-ins)")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "OAuth client secret")
	cmd.Flags().StringVar(&redirectURL, "redirect-url", "", "OAuth redirect URL registered with the client")
	cmd.Flags().StringVar(&code, "code", "", "Authorization code, skips the prompt")
	cmd.MarkFlagsMutuallyExclusive("token", "client-id")
	cmd.MarkFlagsMutuallyExclusive("token", "code")
	cmd.MarkFlagsRequiredTogether("client-id", "client-secret", "redirect-url")

	return cmd
}

func newAuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out of ClickUp and forget the tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				if _, err := runAction(ctx, cmd.OutOrStdout(), sc, messages.ActionLogout, nil); err != nil {
					return err
				}
				if !jsonOutput {
					display.SuccessMsg(cmd.OutOrStdout(), "Signed out")
				}
				return nil
			})
		},
	}
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the ClickUp session, settings and last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, sc *server.ServerContext) error {
				resp, err := runAction(ctx, cmd.OutOrStdout(), sc, messages.ActionGetStatus, nil)
				if err != nil || jsonOutput {
					return err
				}
				return printStatus(cmd.OutOrStdout(), resp)
			})
		},
	}
}

func printStatus(w io.Writer, resp messages.Response) error {
	authenticated, _ := payloadValue[bool](resp, "authenticated")
	hasOAuth, _ := payloadValue[bool](resp, "hasOAuthConfig")
	user, err := payloadValue[*clickup.User](resp, "user")
	if err != nil {
		return err
	}
	settings, err := payloadValue[config.Settings](resp, "settings")
	if err != nil {
		return err
	}

	display.Header(w, "ClickUp")
	switch {
	case authenticated && user != nil:
		fmt.Fprintf(w, "  Signed in as %s %s\n", user.Username, display.Muted.Render("<"+user.Email+">"))
	case authenticated:
		fmt.Fprintln(w, "  Signed in")
	default:
		fmt.Fprintln(w, "  "+display.Warn.Render("Not signed in"))
	}
	fmt.Fprintf(w, "  OAuth client configured: %t\n", hasOAuth)

	display.Header(w, "Settings")
	team := settings.PreferredTeamID
	if team == "" {
		team = display.Muted.Render("(first workspace)")
	}
	fmt.Fprintf(w, "  Preferred team:  %s\n", team)
	fmt.Fprintf(w, "  Link strategy:   %s\n", settings.LinkStrategy)
	fmt.Fprintf(w, "  Thread ID field: %s\n", settings.ThreadIDFieldName)
	fmt.Fprintf(w, "  Auto start/stop timer: %t/%t\n", settings.AutoStartTimer, settings.AutoStopTimer)
	return nil
}

func printSignedIn(ctx context.Context, w io.Writer, sc *server.ServerContext) error {
	if jsonOutput {
		return nil
	}
	user, err := sc.Auth().CurrentUser(ctx, false)
	if err != nil {
		display.SuccessMsg(w, "Signed in to ClickUp")
		return nil
	}
	display.SuccessMsg(w, "Signed in to ClickUp as %s", user.Username)
	return nil
}

func newAuthGmailCmd() *cobra.Command {
	var (
		gf   gmailFlags
		code string
	)

	cmd := &cobra.Command{
		Use:   "gmail",
		Short: "Authorize read-only Gmail access for \"task create --thread\"",
		Long: `Authorize read-only Gmail access with a Google OAuth desktop client.

Download the client JSON from the Google Cloud console and pass it with
--gmail-credentials. The token is cached on disk and refreshed automatically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if gf.credentials == "" {
				return fmt.Errorf("--gmail-credentials or $%s is required", gmailCredentialsEnv)
			}
			auth, err := gmail.NewAuth(gf.credentials, gf.tokenFile)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Open this URL in your browser and authorize Gmail access:\n\n  %s\n\n", auth.AuthURL(uuid.NewString()))
			if code == "" {
				if code, err = promptCode(cmd.InOrStdin(), out); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			if err := auth.Exchange(ctx, code); err != nil {
				return err
			}

			httpClient, err := auth.HTTPClient(ctx)
			if err != nil {
				return err
			}
			client, err := gmail.NewClient(ctx, httpClient)
			if err != nil {
				return err
			}
			address, err := client.Profile(ctx)
			if err != nil {
				return err
			}
			display.SuccessMsg(out, "Gmail authorized for %s", address)
			return nil
		},
	}

	gf.register(cmd)
	cmd.Flags().StringVar(&code, "code", "", "Authorization code, skips the prompt")

	return cmd
}

// promptCode reads one authorization code from r.
func promptCode(r io.Reader, w io.Writer) (string, error) {
	fmt.Fprint(w, "Authorization code: ")
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read authorization code: %w", err)
	}
	code := strings.TrimSpace(line)
	if code == "" {
		return "", fmt.Errorf("authorization code is empty")
	}
	return code, nil
}
