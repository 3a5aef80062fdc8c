// Package sessions provides a process-local store for user-owned chat
// sessions: configuration with documented defaults, usage counters, ownership
// enforcement, and idle eviction. It is independent of MCP server connections.
package sessions
