package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	mcp "github.com/Vesias/AIaaS-Boilerplate-Framework-sub002"
	"github.com/Vesias/AIaaS-Boilerplate-Framework-sub002/sessions"
	"github.com/shopspring/decimal"
)

var port = "8080"

// The example runs a small calculator tool server in-process, connects a
// fleet manager to it, and drives a chat session through one tool call.
func main() {
	srv := mcp.NewSSEServer(fmt.Sprintf("%s/message", baseURL()))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		ReadHeaderTimeout: 15 * time.Second,
	}
	http.Handle("/sse", srv.HandleSSE())
	http.Handle("/message", srv.HandleMessage())

	go func() {
		fmt.Printf("Calc server starting on %s\n", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	go func() {
		for sess := range srv.Sessions() {
			go serveCalc(sess)
		}
	}()

	// Wait for the server to start.
	time.Sleep(time.Second)

	if err := run(); err != nil {
		log.Printf("example failed: %v", err)
	}

	fmt.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		fmt.Printf("SSE server forced to shutdown: %v\n", err)
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		fmt.Printf("Server forced to shutdown: %v\n", err)
		return
	}

	fmt.Println("Server exited gracefully")
}

func run() error {
	ctx := context.Background()

	manager := mcp.NewServerManager()
	defer manager.Shutdown()

	// Lifecycle events for the whole fleet arrive on one stream.
	go func() {
		for ev := range manager.Events() {
			fmt.Printf("event: %s server=%s tool=%s\n", ev.Kind, ev.Server, ev.Tool)
		}
	}()

	for _, cfg := range fleetServers() {
		if err := manager.AddServer(ctx, cfg); err != nil {
			return fmt.Errorf("add server %q: %w", cfg.Name, err)
		}
	}

	store := sessions.NewStore()
	store.Start()
	defer store.Close()

	sess, err := store.Create("demo-user", sessions.ConfigPatch{
		Tools: []string{"add"},
	}, sessions.Meta{UserAgent: "fleet-example"})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	fmt.Printf("session %s created for %s\n", sess.ID, sess.UserID)

	res := manager.CallTool(ctx, "calc", "add",
		map[string]any{"a": float64(2), "b": float64(3)},
		mcp.CallOptions{SessionID: sess.ID})
	if res.Err != nil {
		return fmt.Errorf("tool call: %s: %s", res.Err.Code, res.Err.Message)
	}
	fmt.Printf("2 + 3 = %s (%s)\n", res.Content[0].Text, res.Duration)

	if _, err := store.RecordUsage(sess.UserID, sess.ID, sessions.Usage{
		Messages:  1,
		ToolCalls: 1,
		Cost:      decimal.RequireFromString("0.001"),
	}); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	results := manager.BroadcastToolCall(ctx, "add",
		map[string]any{"a": float64(40), "b": float64(2)}, mcp.CallOptions{})
	for name, r := range results {
		if r.Err != nil {
			fmt.Printf("%s: %s\n", name, r.Err.Message)
			continue
		}
		fmt.Printf("%s: %s\n", name, r.Content[0].Text)
	}

	if _, err := store.Complete(sess.UserID, sess.ID); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	return nil
}

// fleetServers loads fleet.yaml next to the binary when present, otherwise
// falls back to the in-process calc server.
func fleetServers() []mcp.ServerConfig {
	if cfg, err := mcp.LoadFleetConfig("fleet.yaml"); err == nil && len(cfg.Servers) > 0 {
		return cfg.Servers
	}
	return []mcp.ServerConfig{{
		Name:     "calc",
		Endpoint: fmt.Sprintf("%s/sse", baseURL()),
		Retry:    mcp.RetryPolicy{MaxRetries: 2, BaseDelay: time.Second, Multiplier: 2},
		Timeout:  10 * time.Second,
	}}
}

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

func serveCalc(sess mcp.ServerSession) {
	for msg := range sess.Messages() {
		var resp mcp.JSONRPCMessage
		switch msg.Method {
		case mcp.MethodInitialize:
			resp = response(msg.ID, mcp.InitializeResult{
				ProtocolVersion: mcp.ProtocolVersion,
				Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}},
				ServerInfo:      mcp.Info{Name: "calc", Version: "1.0.0"},
			})
		case mcp.MethodToolsList:
			resp = response(msg.ID, mcp.ListToolsResult{Tools: []mcp.Tool{addTool}})
		case mcp.MethodToolsCall:
			var params mcp.CallToolParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				continue
			}
			a, _ := params.Arguments["a"].(float64)
			b, _ := params.Arguments["b"].(float64)
			resp = response(msg.ID, mcp.CallToolResult{
				Content: []mcp.Content{mcp.TextContent(fmt.Sprintf("%g", a+b))},
			})
		default:
			continue
		}
		if err := sess.Send(context.Background(), resp); err != nil {
			return
		}
	}
}

func response(id mcp.MustString, result any) mcp.JSONRPCMessage {
	bs, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	return mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: id, Result: bs}
}

func baseURL() string {
	return fmt.Sprintf("http://localhost:%s", port)
}
