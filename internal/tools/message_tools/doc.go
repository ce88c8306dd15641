// Package message_tools exposes every message action as an MCP tool so an
// agent on stdio can drive the same operations as the browser extension.
//
// Tool names are the snake_case form of the action (getLinkedTasks becomes
// get_linked_tasks). Each tool's input schema is the action's data schema,
// and arguments go through the same validation and dispatch as HTTP and
// WebSocket requests.
package message_tools
