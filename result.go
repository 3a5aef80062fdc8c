package mcp

import (
	"fmt"
	"time"
)

// Error codes carried by failed ToolResults. These classify failures at the
// connection-management layer; JSON-RPC error codes from the remote, when
// present, are preserved in ToolError.Details.
const (
	// ErrorCodeNotConnected means the call was rejected before any network
	// activity because the connection manager is not in the connected state.
	ErrorCodeNotConnected = "NOT_CONNECTED"

	// ErrorCodeInvalidArguments means client-side schema validation rejected
	// the arguments. Details carries the offending argument name.
	ErrorCodeInvalidArguments = "INVALID_ARGUMENTS"

	// ErrorCodeToolNotFound means the named tool is not in the server's
	// current tool list.
	ErrorCodeToolNotFound = "TOOL_NOT_FOUND"

	// ErrorCodeServerNotFound means no server with the given name is
	// registered with the server manager.
	ErrorCodeServerNotFound = "SERVER_NOT_FOUND"

	// ErrorCodeTimeout means the request exceeded the server's configured
	// timeout. Timed-out calls are not retried.
	ErrorCodeTimeout = "TIMEOUT"

	// ErrorCodeExecutionFailed covers transport failures, protocol errors
	// returned by the remote, and tool executions the remote reports as failed.
	ErrorCodeExecutionFailed = "EXECUTION_ERROR"
)

// ToolError describes why a tool call failed.
type ToolError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ToolResultMeta carries provenance for a tool call result.
type ToolResultMeta struct {
	Tool      string    `json:"tool"`
	Server    string    `json:"server"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolResult is the uniform outcome of a tool call. Callers always receive a
// ToolResult; transport and protocol failures are folded into a result with
// Success false rather than surfaced as errors. A ToolResult is immutable once
// returned.
type ToolResult struct {
	Success  bool          `json:"success"`
	Content  []Content     `json:"content,omitempty"`
	Err      *ToolError    `json:"error,omitempty"`
	Duration time.Duration `json:"durationNs"`
	Meta     ToolResultMeta `json:"meta"`
}
