// Package mcp implements the client side of the Model Context Protocol (MCP):
// a JSON-RPC based request/response protocol for invoking named tools, reading
// resources, and fetching prompt templates from remote servers.
//
// The package is organized in layers. Transport carries raw protocol messages
// (one implementation, Server-Sent Events). Client issues typed requests over
// a Transport and correlates responses. ConnManager owns one Client per remote
// server and adds connection lifecycle management: retry with exponential
// backoff, periodic health checks, result caching, and lifecycle events.
// ServerManager holds a fleet of ConnManagers keyed by server name and can
// route a tool call to one server or broadcast it to all of them.
package mcp
