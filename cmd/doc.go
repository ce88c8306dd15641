// Package cmd implements the command-line interface for inboxlink.
//
// This package provides the following commands:
//   - serve: Run the local message listener for the browser extension, or an MCP server over stdio
//   - auth: Sign in to ClickUp and Gmail, sign out, show the session
//   - links: List, sync and validate thread to task links
//   - hierarchy: Print the cached workspace hierarchy
//   - task: Create a task from a Gmail thread, show and search tasks
//   - timer: Start, stop and inspect ClickUp time tracking
//   - version: Display version information
//
// Every command except serve runs one action through the same dispatcher
// the extension talks to.
package cmd
