// Package server hosts the inboxlink daemon: the ServerContext that wires
// the store and services together, the local message transports and the
// health and metrics endpoints.
//
// # Transports
//
// Every transport feeds the same messages.Dispatcher:
//   - POST /v1/messages takes one request and returns one response
//   - /v1/ws is a WebSocket carrying one request per text frame
//   - the MCP stdio transport lives in internal/tools
//
// The HTTP listener refuses non-loopback addresses unless explicitly
// allowed, and browser requests must come from a configured origin.
package server
