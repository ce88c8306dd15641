package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the inboxlink application
var rootCmd = &cobra.Command{
	Use:   "inboxlink",
	Short: "Links Gmail threads to ClickUp tasks",
	Long: `inboxlink is the local core of the ClickUp for Gmail extension. It keeps
the thread to task links, the ClickUp session and the workspace hierarchy
cache, and answers the extension's messages.

It can run as:
  - A local message listener for the browser extension (serve)
  - An MCP (Model Context Protocol) server for AI assistants (serve --transport stdio)
  - A standalone CLI tool for the same actions`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// Persistent flags shared by every command.
var (
	configPath string
	logLevel   string
	logFormat  string
	jsonOutput bool
)

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "inboxlink version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.toml (default: $XDG_CONFIG_HOME/inboxlink/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides the config file)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (overrides the config file)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw action responses as JSON")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAuthCmd())
	rootCmd.AddCommand(newLinksCmd())
	rootCmd.AddCommand(newHierarchyCmd())
	rootCmd.AddCommand(newTaskCmd())
	rootCmd.AddCommand(newTimerCmd())
	rootCmd.AddCommand(newVersionCmd())
}
