package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrRequestTimeout is returned when a protocol request exceeds the configured
// timeout. Timed-out requests are never retried at this layer; retry is a
// connection-level concern applied only to the initial handshake.
var ErrRequestTimeout = errors.New("request timeout")

var errClientClosed = errors.New("client closed")

// ClientOption configures a Client.
type ClientOption func(*Client)

// Client issues typed MCP requests over a Transport and parses structured
// responses and errors. It correlates responses to requests by message ID and
// races every request against the configured timeout.
//
// A Client must be created with NewClient and requires Connect to be called
// before any operation. Independently issued requests may complete out of
// order; callers needing ordering must serialize calls themselves. Close the
// client with Close when it is no longer needed.
type Client struct {
	info      Info
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger

	serverInfo         Info
	serverCapabilities ServerCapabilities
	initialized        atomic.Bool

	pending chan pendingCall
	results chan JSONRPCMessage
	abandon chan string

	done      chan struct{}
	closeOnce sync.Once
}

type pendingCall struct {
	id  string
	res chan JSONRPCMessage
}

var defaultClientTimeout = 30 * time.Second

// WithClientTimeout sets the per-request timeout.
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a protocol client that communicates over the given
// transport. The info parameter identifies this client to the server during
// the initialize handshake. The client is not connected until Connect is
// called.
func NewClient(info Info, transport Transport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		timeout:   defaultClientTimeout,
		logger:    slog.Default(),
		pending:   make(chan pendingCall),
		results:   make(chan JSONRPCMessage),
		abandon:   make(chan string),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	return c
}

// Connect starts the transport session and performs the initialize handshake,
// verifying protocol version compatibility. The context bounds the lifetime of
// the whole session, not just the handshake; the handshake itself is raced
// against the client timeout.
func (c *Client) Connect(ctx context.Context) error {
	msgs, err := c.transport.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	go c.dispatch()
	go c.pump(msgs)

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.info,
	}
	res, err := c.call(ctx, MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("initialize: %w", res.Error)
	}

	var result InitializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	if result.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, ProtocolVersion)
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.initialized.Store(true)

	if err := c.notify(ctx, methodNotificationsInitialized, nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "err", err)
	}

	return nil
}

// Close tears down the client and its transport. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
	})
	return err
}

// ServerInfo returns the connected server's identity.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ListTools retrieves a paginated list of available tools from the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if !c.initialized.Load() {
		return ListToolsResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Tools == nil {
		return ListToolsResult{}, errors.New("tools not supported by server")
	}

	res, err := c.call(ctx, MethodToolsList, params)
	if err != nil {
		return ListToolsResult{}, err
	}
	if res.Error != nil {
		return ListToolsResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ListToolsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListToolsResult{}, err
	}

	return result, nil
}

// CallTool executes a specific tool and returns its raw protocol result. The
// connection-management layer wraps this into a ToolResult; most callers want
// ConnManager.CallTool instead.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if !c.initialized.Load() {
		return CallToolResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Tools == nil {
		return CallToolResult{}, errors.New("tools not supported by server")
	}

	res, err := c.call(ctx, MethodToolsCall, params)
	if err != nil {
		return CallToolResult{}, err
	}
	if res.Error != nil {
		return CallToolResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return CallToolResult{}, err
	}

	return result, nil
}

// ListResources retrieves a paginated list of available resources from the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if !c.initialized.Load() {
		return ListResourcesResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Resources == nil {
		return ListResourcesResult{}, errors.New("resources not supported by server")
	}

	res, err := c.call(ctx, MethodResourcesList, params)
	if err != nil {
		return ListResourcesResult{}, err
	}
	if res.Error != nil {
		return ListResourcesResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ListResourcesResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListResourcesResult{}, err
	}

	return result, nil
}

// ReadResource retrieves the content of a specific resource by URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if !c.initialized.Load() {
		return ReadResourceResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Resources == nil {
		return ReadResourceResult{}, errors.New("resources not supported by server")
	}

	res, err := c.call(ctx, MethodResourcesRead, params)
	if err != nil {
		return ReadResourceResult{}, err
	}
	if res.Error != nil {
		return ReadResourceResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ReadResourceResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ReadResourceResult{}, err
	}

	return result, nil
}

// GetPrompt retrieves a specific prompt template by name with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if !c.initialized.Load() {
		return GetPromptResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Prompts == nil {
		return GetPromptResult{}, errors.New("prompts not supported by server")
	}

	res, err := c.call(ctx, MethodPromptsGet, params)
	if err != nil {
		return GetPromptResult{}, err
	}
	if res.Error != nil {
		return GetPromptResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result GetPromptResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return GetPromptResult{}, err
	}

	return result, nil
}

// dispatch owns the pending-request table. Registration, completion, and
// abandonment all flow through channels so no lock is shared with callers.
func (c *Client) dispatch() {
	waiters := make(map[string]chan JSONRPCMessage) // map[msgID]result channel

	for {
		select {
		case <-c.done:
			return
		case req := <-c.pending:
			waiters[req.id] = req.res
		case id := <-c.abandon:
			delete(waiters, id)
		case msg := <-c.results:
			w, ok := waiters[string(msg.ID)]
			if !ok {
				continue
			}
			w <- msg
			delete(waiters, string(msg.ID))
		}
	}
}

// pump routes transport messages to the dispatcher. Responses carry an ID and
// no method; everything else from the server is ignored at this layer.
func (c *Client) pump(msgs iter.Seq[JSONRPCMessage]) {
	for msg := range msgs {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Error("invalid jsonrpc version", "version", msg.JSONRPC)
			continue
		}

		switch {
		case msg.Method == methodPing:
			// Server liveness probe; answer with an empty result.
			go c.replyPing(msg.ID)
		case msg.Method == "" && msg.ID != "":
			select {
			case c.results <- msg:
			case <-c.done:
				return
			}
		default:
			c.logger.Debug("ignoring unsolicited message", "method", msg.Method)
		}
	}
}

func (c *Client) replyPing(id MustString) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  json.RawMessage("{}"),
	}
	if err := c.transport.Send(ctx, msg); err != nil {
		c.logger.Warn("failed to answer ping", "err", err)
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (JSONRPCMessage, error) {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
	}

	id := uuid.New().String()
	res := make(chan JSONRPCMessage, 1)

	select {
	case c.pending <- pendingCall{id: id, res: res}:
	case <-c.done:
		return JSONRPCMessage{}, errClientClosed
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	}

	sCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(id),
		Method:  method,
		Params:  paramsBs,
	}
	if err := c.transport.Send(sCtx, msg); err != nil {
		c.forget(id)
		return JSONRPCMessage{}, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resMsg := <-res:
		return resMsg, nil
	case <-sCtx.Done():
		c.forget(id)
		if errors.Is(sCtx.Err(), context.DeadlineExceeded) {
			return JSONRPCMessage{}, ErrRequestTimeout
		}
		return JSONRPCMessage{}, sCtx.Err()
	case <-c.done:
		return JSONRPCMessage{}, errClientClosed
	}
}

func (c *Client) forget(id string) {
	select {
	case c.abandon <- id:
	case <-c.done:
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	sCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.transport.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
}
