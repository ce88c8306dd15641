// Package resources provides MCP resources: read-only views of the thread
// link index, the settings and the last sync that an agent can fetch
// without calling a tool.
package resources
