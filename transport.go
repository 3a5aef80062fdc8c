package mcp

import (
	"context"
	"iter"
	"net/http"
)

// TransportKind identifies the wire mechanism carrying protocol messages.
type TransportKind string

// Supported transport kinds.
const (
	// TransportSSE is a Server-Sent Events stream for server-to-client
	// messages paired with HTTP POST for client-to-server messages.
	TransportSSE TransportKind = "sse"
)

// Transport provides the client-side communication layer in the MCP protocol.
// A Transport carries raw JSON-RPC messages; it knows nothing about methods,
// request correlation, or retries.
type Transport interface {
	// Start establishes the connection and returns an iterator that yields
	// messages received from the server. The iterator ends when the connection
	// is closed or the context is canceled. Start must not be called more than
	// once.
	Start(ctx context.Context) (iter.Seq[JSONRPCMessage], error)

	// Send transmits a message to the server.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Close tears the connection down. Safe to call multiple times.
	Close() error
}

// AuthKind selects how outbound requests authenticate to a server.
type AuthKind string

// Supported auth kinds.
const (
	AuthNone   AuthKind = ""
	AuthBearer AuthKind = "bearer"
	AuthAPIKey AuthKind = "api_key"
)

// AuthConfig describes the credentials a transport attaches to every
// outbound request.
type AuthConfig struct {
	Kind  AuthKind `yaml:"kind" json:"kind"`
	Token string   `yaml:"token" json:"token,omitempty"`
}

const (
	headerSessionID     = "X-Session-ID"
	headerClientVersion = "X-Client-Version"
	headerAPIKey        = "X-API-Key"

	// clientVersion is advertised in the X-Client-Version header.
	clientVersion = "1.0.0"
)

func (a AuthConfig) apply(h http.Header) {
	switch a.Kind {
	case AuthBearer:
		h.Set("Authorization", "Bearer "+a.Token)
	case AuthAPIKey:
		h.Set(headerAPIKey, a.Token)
	}
}
