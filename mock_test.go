package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	mcp "github.com/Vesias/AIaaS-Boilerplate-Framework-sub002"
)

// mockTransport is an in-memory Transport whose responses come from a handler
// function. It records every sent message so tests can count network calls.
type mockTransport struct {
	handler  func(msg mcp.JSONRPCMessage) *mcp.JSONRPCMessage
	startErr error

	mu     sync.Mutex
	sent   []mcp.JSONRPCMessage
	closed bool

	incoming chan mcp.JSONRPCMessage
}

func newMockTransport(handler func(msg mcp.JSONRPCMessage) *mcp.JSONRPCMessage) *mockTransport {
	return &mockTransport{
		handler:  handler,
		incoming: make(chan mcp.JSONRPCMessage, 16),
	}
}

func (t *mockTransport) Start(ctx context.Context) (iter.Seq[mcp.JSONRPCMessage], error) {
	if t.startErr != nil {
		return nil, t.startErr
	}
	return func(yield func(mcp.JSONRPCMessage) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-t.incoming:
				if !yield(msg) {
					return
				}
			}
		}
	}, nil
}

func (t *mockTransport) Send(_ context.Context, msg mcp.JSONRPCMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	t.sent = append(t.sent, msg)
	t.mu.Unlock()

	if t.handler != nil {
		if resp := t.handler(msg); resp != nil {
			t.incoming <- *resp
		}
	}
	return nil
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// sentCount counts sent messages with the given method.
func (t *mockTransport) sentCount(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, msg := range t.sent {
		if msg.Method == method {
			n++
		}
	}
	return n
}

// toolServerHandler scripts a tool server: it answers the handshake, serves
// the given tool list, and delegates tools/call to call.
func toolServerHandler(
	tools []mcp.Tool,
	call func(mcp.CallToolParams) mcp.CallToolResult,
) func(msg mcp.JSONRPCMessage) *mcp.JSONRPCMessage {
	return func(msg mcp.JSONRPCMessage) *mcp.JSONRPCMessage {
		switch msg.Method {
		case mcp.MethodInitialize:
			return resultMsg(msg.ID, mcp.InitializeResult{
				ProtocolVersion: mcp.ProtocolVersion,
				Capabilities: mcp.ServerCapabilities{
					Tools:     &mcp.ToolsCapability{},
					Resources: &mcp.ResourcesCapability{},
					Prompts:   &mcp.PromptsCapability{},
				},
				ServerInfo: mcp.Info{Name: "mock", Version: "1.0.0"},
			})
		case mcp.MethodToolsList:
			return resultMsg(msg.ID, mcp.ListToolsResult{Tools: tools})
		case mcp.MethodToolsCall:
			var params mcp.CallToolParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return errorMsg(msg.ID, -32602, err.Error())
			}
			return resultMsg(msg.ID, call(params))
		}
		return nil
	}
}

func resultMsg(id mcp.MustString, result any) *mcp.JSONRPCMessage {
	bs, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	return &mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: id, Result: bs}
}

func errorMsg(id mcp.MustString, code int, message string) *mcp.JSONRPCMessage {
	return &mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      id,
		Error:   &mcp.JSONRPCError{Code: code, Message: message},
	}
}

// staticFactory always hands out the same transport.
func staticFactory(t *mockTransport) mcp.TransportFactory {
	return func(_ mcp.ServerConfig, _ *slog.Logger) mcp.Transport {
		return t
	}
}

// addTool is the schema used across tests: add(a:number, b:number), both required.
var addTool = mcp.Tool{
	Name:        "add",
	Description: "Adds two numbers.",
	InputSchema: mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]mcp.SchemaProperty{
			"a": {Type: "number"},
			"b": {Type: "number"},
		},
		Required: []string{"a", "b"},
	},
}

func addToolCall(params mcp.CallToolParams) mcp.CallToolResult {
	a, _ := params.Arguments["a"].(float64)
	b, _ := params.Arguments["b"].(float64)
	return mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent(fmt.Sprintf("%g", a+b))},
	}
}

func testServerConfig(name string) mcp.ServerConfig {
	return mcp.ServerConfig{
		Name:      name,
		Endpoint:  "http://127.0.0.1:1/" + name,
		Transport: mcp.TransportSSE,
	}
}
