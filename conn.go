package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ConnState is the connection lifecycle state of a ConnManager. It is owned
// exclusively by the manager; state transitions are the only mutation path.
type ConnState string

// Connection states.
const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// ErrNotConnected is returned by list/read/get operations issued while the
// manager is not in the connected state. Tool calls report the same condition
// as a ToolResult with code NOT_CONNECTED.
var ErrNotConnected = errors.New("not connected")

// TransportFactory builds the transport a ConnManager connects through.
// Overridable for testing; the default builds an SSETransport from the
// server config.
type TransportFactory func(cfg ServerConfig, logger *slog.Logger) Transport

// CallOptions tune a single tool call.
type CallOptions struct {
	// SessionID, when set, is recorded in the result metadata.
	SessionID string

	// UseCache serves the call from a short-lived result cache keyed on the
	// tool name and serialized arguments. Appropriate for idempotent
	// read-style tools only; the caller decides.
	UseCache bool
}

// ConnOption configures a ConnManager.
type ConnOption func(*ConnManager)

// ConnManager owns the connection to one remote tool server: a transport, a
// protocol client, and a result cache. It manages connect/disconnect, retries
// failed handshakes with bounded exponential backoff, health-checks the
// connection periodically, and emits a lifecycle event for every state
// transition and tool call.
//
// Failure semantics: transport-level failures during connect are retried
// automatically (bounded); protocol-level failures on a call are never
// retried and come back as a structured failed ToolResult.
type ConnManager struct {
	config     ServerConfig
	info       Info
	logger     *slog.Logger
	clock      clockwork.Clock
	httpClient *http.Client

	newTransport   TransportFactory
	healthInterval time.Duration
	toolListTTL    time.Duration
	callResultTTL  time.Duration

	cache  *Cache
	events chan Event

	// connectMu serializes Connect/Disconnect so a health-check reconnect
	// cannot interleave with an explicit call.
	connectMu sync.Mutex

	mu            sync.Mutex
	state         ConnState
	client        *Client
	healthCancel  context.CancelFunc
	sessionCancel context.CancelFunc
}

var (
	defaultHealthInterval = 30 * time.Second
	defaultToolListTTL    = 5 * time.Minute
	defaultCallResultTTL  = 60 * time.Second
)

const toolListCacheKey = "tools/list"

// WithConnLogger sets the logger for the manager.
func WithConnLogger(logger *slog.Logger) ConnOption {
	return func(m *ConnManager) {
		m.logger = logger
	}
}

// WithConnClock sets the clock driving backoff delays, health checks, and
// cache TTLs. Defaults to the real clock.
func WithConnClock(clock clockwork.Clock) ConnOption {
	return func(m *ConnManager) {
		m.clock = clock
	}
}

// WithConnHTTPClient sets the HTTP client used by the default SSE transport.
func WithConnHTTPClient(client *http.Client) ConnOption {
	return func(m *ConnManager) {
		m.httpClient = client
	}
}

// WithConnInfo sets the client identity sent during the handshake.
func WithConnInfo(info Info) ConnOption {
	return func(m *ConnManager) {
		m.info = info
	}
}

// WithConnTransportFactory overrides how the manager builds its transport.
func WithConnTransportFactory(factory TransportFactory) ConnOption {
	return func(m *ConnManager) {
		m.newTransport = factory
	}
}

// WithConnHealthInterval sets the period between health checks.
func WithConnHealthInterval(interval time.Duration) ConnOption {
	return func(m *ConnManager) {
		m.healthInterval = interval
	}
}

// WithConnToolListTTL sets how long a fetched tool list stays cached.
func WithConnToolListTTL(ttl time.Duration) ConnOption {
	return func(m *ConnManager) {
		m.toolListTTL = ttl
	}
}

// WithConnCallResultTTL sets how long a cached tool call result stays valid.
func WithConnCallResultTTL(ttl time.Duration) ConnOption {
	return func(m *ConnManager) {
		m.callResultTTL = ttl
	}
}

// NewConnManager creates a manager for the given server. Policy defaults are
// applied to the config; the manager starts disconnected.
func NewConnManager(cfg ServerConfig, options ...ConnOption) *ConnManager {
	m := &ConnManager{
		config:         cfg.withDefaults(),
		info:           Info{Name: "mcp-fleet-client", Version: clientVersion},
		logger:         slog.Default(),
		clock:          clockwork.NewRealClock(),
		healthInterval: defaultHealthInterval,
		toolListTTL:    defaultToolListTTL,
		callResultTTL:  defaultCallResultTTL,
		events:         make(chan Event, eventBufferSize),
		state:          StateDisconnected,
	}
	for _, opt := range options {
		opt(m)
	}

	m.cache = NewCache(m.clock)

	if m.newTransport == nil {
		m.newTransport = func(cfg ServerConfig, logger *slog.Logger) Transport {
			return NewSSETransport(cfg.Endpoint, m.httpClient,
				WithSSEAuth(cfg.Auth), WithSSELogger(logger))
		}
	}

	return m
}

// Config returns the server config this manager was built from.
func (m *ConnManager) Config() ServerConfig { return m.config }

// State returns the current connection state.
func (m *ConnManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Events returns the manager's lifecycle event stream. Delivery is
// best-effort: events are dropped when no subscriber keeps up.
func (m *ConnManager) Events() <-chan Event { return m.events }

// Connect establishes the connection, retrying failed handshakes up to the
// configured retry bound with exponential backoff. It is a no-op when already
// connected. After the bound is exhausted the manager stays in the error
// state until Connect is called again.
func (m *ConnManager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if m.State() == StateConnected {
		return nil
	}

	attempts := m.config.Retry.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(m.config.Retry, attempt)
			m.logger.Info("retrying connection",
				"server", m.config.Name, "attempt", attempt, "delay", delay)
			select {
			case <-m.clock.After(delay):
			case <-ctx.Done():
				m.setState(StateError, ctx.Err())
				return ctx.Err()
			}
		}

		if err := m.connectOnce(ctx); err != nil {
			lastErr = err
			m.setState(StateError, err)
			continue
		}
		return nil
	}

	return fmt.Errorf("failed to connect to %s: %w", m.config.Name, lastErr)
}

// Disconnect stops health checks and closes the client and transport,
// swallowing close-time errors so shutdown is never blocked by a misbehaving
// remote. Idempotent.
func (m *ConnManager) Disconnect() {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.teardown()
	m.cache.Clear("")
	m.setState(StateDisconnected, nil)
}

// ListTools returns the server's tool list. With useCache, a list fetched
// within the tool-list TTL is served without a network call.
func (m *ConnManager) ListTools(ctx context.Context, useCache bool) ([]Tool, error) {
	if useCache {
		if v, ok := m.cache.Get(toolListCacheKey); ok {
			return v.([]Tool), nil
		}
	}

	cli := m.currentClient()
	if cli == nil {
		return nil, ErrNotConnected
	}

	res, err := cli.ListTools(ctx, ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools on %s: %w", m.config.Name, err)
	}

	m.cache.Set(toolListCacheKey, res.Tools, m.toolListTTL)
	return res.Tools, nil
}

// CallTool invokes a named tool. It fails fast when not connected, validates
// the tool name and schema-required arguments before any network call, and
// folds every failure into the returned ToolResult instead of an error.
func (m *ConnManager) CallTool(ctx context.Context, name string, args map[string]any, opts CallOptions) *ToolResult {
	result := m.callTool(ctx, name, args, opts)

	var err error
	if result.Err != nil {
		err = result.Err
	}
	m.emit(Event{
		Kind:   EventToolCalled,
		Server: m.config.Name,
		Tool:   name,
		Err:    err,
		Time:   m.clock.Now(),
	})

	return result
}

// ListResources returns the server's resource list, optionally cached.
func (m *ConnManager) ListResources(ctx context.Context, useCache bool) ([]Resource, error) {
	const key = "resources/list"
	if useCache {
		if v, ok := m.cache.Get(key); ok {
			return v.([]Resource), nil
		}
	}

	cli := m.currentClient()
	if cli == nil {
		return nil, ErrNotConnected
	}

	res, err := cli.ListResources(ctx, ListResourcesParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to list resources on %s: %w", m.config.Name, err)
	}

	m.cache.Set(key, res.Resources, m.toolListTTL)
	return res.Resources, nil
}

// ReadResource reads a resource by URI, optionally cached.
func (m *ConnManager) ReadResource(ctx context.Context, uri string, useCache bool) (ReadResourceResult, error) {
	key := "resources/read:" + uri
	if useCache {
		if v, ok := m.cache.Get(key); ok {
			return v.(ReadResourceResult), nil
		}
	}

	cli := m.currentClient()
	if cli == nil {
		return ReadResourceResult{}, ErrNotConnected
	}

	res, err := cli.ReadResource(ctx, ReadResourceParams{URI: uri})
	if err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to read resource on %s: %w", m.config.Name, err)
	}

	m.cache.Set(key, res, m.callResultTTL)
	return res, nil
}

// GetPrompt fetches a prompt template by name, optionally cached.
func (m *ConnManager) GetPrompt(ctx context.Context, name string, args map[string]string, useCache bool) (GetPromptResult, error) {
	argsBs, err := json.Marshal(args)
	if err != nil {
		return GetPromptResult{}, fmt.Errorf("failed to marshal prompt arguments: %w", err)
	}
	key := fmt.Sprintf("prompts/get:%s:%s", name, argsBs)

	if useCache {
		if v, ok := m.cache.Get(key); ok {
			return v.(GetPromptResult), nil
		}
	}

	cli := m.currentClient()
	if cli == nil {
		return GetPromptResult{}, ErrNotConnected
	}

	res, err := cli.GetPrompt(ctx, GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return GetPromptResult{}, fmt.Errorf("failed to get prompt on %s: %w", m.config.Name, err)
	}

	m.cache.Set(key, res, m.callResultTTL)
	return res, nil
}

func (m *ConnManager) callTool(ctx context.Context, name string, args map[string]any, opts CallOptions) *ToolResult {
	start := m.clock.Now()
	meta := ToolResultMeta{
		Tool:      name,
		Server:    m.config.Name,
		SessionID: opts.SessionID,
		Timestamp: start,
	}
	fail := func(code, message string, details map[string]any) *ToolResult {
		return &ToolResult{
			Err:      &ToolError{Code: code, Message: message, Details: details},
			Duration: m.clock.Since(start),
			Meta:     meta,
		}
	}

	cli := m.currentClient()
	if cli == nil {
		return fail(ErrorCodeNotConnected,
			fmt.Sprintf("server %s is not connected", m.config.Name), nil)
	}

	tools, err := m.ListTools(ctx, true)
	if err != nil {
		return fail(ErrorCodeExecutionFailed, err.Error(), nil)
	}

	var tool *Tool
	for i := range tools {
		if tools[i].Name == name {
			tool = &tools[i]
			break
		}
	}
	if tool == nil {
		return fail(ErrorCodeToolNotFound,
			fmt.Sprintf("tool %q not found on server %s", name, m.config.Name), nil)
	}

	if err := tool.InputSchema.Validate(name, args); err != nil {
		var argErr *ArgumentError
		details := map[string]any{}
		if errors.As(err, &argErr) {
			details["argument"] = argErr.Name
		}
		return fail(ErrorCodeInvalidArguments, err.Error(), details)
	}

	var cacheKey string
	if opts.UseCache {
		argsBs, err := json.Marshal(args)
		if err != nil {
			return fail(ErrorCodeInvalidArguments, fmt.Sprintf("failed to serialize arguments: %v", err), nil)
		}
		cacheKey = fmt.Sprintf("tools/call:%s:%s", name, argsBs)
		if v, ok := m.cache.Get(cacheKey); ok {
			return v.(*ToolResult)
		}
	}

	res, err := cli.CallTool(ctx, CallToolParams{Name: name, Arguments: args})
	duration := m.clock.Since(start)
	if err != nil {
		return &ToolResult{
			Err:      classifyCallError(err),
			Duration: duration,
			Meta:     meta,
		}
	}

	result := &ToolResult{
		Success:  !res.IsError,
		Content:  res.Content,
		Duration: duration,
		Meta:     meta,
	}
	if res.IsError {
		// The tool itself failed; pass the remote's report through.
		result.Err = &ToolError{
			Code:    ErrorCodeExecutionFailed,
			Message: firstText(res.Content),
			Details: map[string]any{"remote": true},
		}
	}

	if opts.UseCache && result.Success {
		m.cache.Set(cacheKey, result, m.callResultTTL)
	}

	return result
}

func (m *ConnManager) connectOnce(ctx context.Context) error {
	m.teardown()
	m.setState(StateConnecting, nil)

	transport := m.newTransport(m.config, m.logger)
	cli := NewClient(m.info, transport,
		WithClientTimeout(m.config.Timeout), WithClientLogger(m.logger))

	// The session outlives ctx; only the handshake below is bounded by the
	// configured timeout (inside Client.Connect).
	sessionCtx, sessionCancel := context.WithCancel(context.Background())

	if err := cli.Connect(sessionCtx); err != nil {
		sessionCancel()
		if cErr := cli.Close(); cErr != nil {
			m.logger.Warn("failed to close client after handshake failure",
				"server", m.config.Name, "err", cErr)
		}
		return fmt.Errorf("handshake with %s failed: %w", m.config.Name, err)
	}

	m.mu.Lock()
	m.client = cli
	m.sessionCancel = sessionCancel
	m.mu.Unlock()

	m.setState(StateConnected, nil)
	m.startHealthLoop()

	return nil
}

// teardown drops any stale client, transport, and health loop. Close-time
// errors are logged, never propagated.
func (m *ConnManager) teardown() {
	m.mu.Lock()
	healthCancel := m.healthCancel
	sessionCancel := m.sessionCancel
	cli := m.client
	m.healthCancel = nil
	m.sessionCancel = nil
	m.client = nil
	m.mu.Unlock()

	if healthCancel != nil {
		healthCancel()
	}
	if cli != nil {
		if err := cli.Close(); err != nil {
			m.logger.Warn("failed to close client", "server", m.config.Name, "err", err)
		}
	}
	if sessionCancel != nil {
		sessionCancel()
	}
}

func (m *ConnManager) startHealthLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.healthCancel = cancel
	m.mu.Unlock()

	go m.healthLoop(ctx)
}

// healthLoop probes the connection every healthInterval. The connection is
// healthy while an uncached tools/list succeeds; a failed probe emits an
// event and triggers a reconnect through the usual retry path.
func (m *ConnManager) healthLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := m.ListTools(ctx, false); err != nil {
				m.logger.Warn("health check failed", "server", m.config.Name, "err", err)
				m.emit(Event{
					Kind:   EventHealthCheckFailed,
					Server: m.config.Name,
					Err:    err,
					Time:   m.clock.Now(),
				})
				m.setState(StateError, err)

				go func() {
					if err := m.Connect(context.Background()); err != nil {
						m.logger.Error("reconnect failed", "server", m.config.Name, "err", err)
					}
				}()
				return
			}
		}
	}
}

func (m *ConnManager) currentClient() *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil
	}
	return m.client
}

// setState performs a state transition and emits exactly one event for it.
// A transition to the current state is a no-op.
func (m *ConnManager) setState(s ConnState, err error) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	kind := EventDisconnected
	switch s {
	case StateConnecting:
		kind = EventConnecting
	case StateConnected:
		kind = EventConnected
	case StateError:
		kind = EventConnectionError
	case StateDisconnected:
		kind = EventDisconnected
	}

	m.emit(Event{Kind: kind, Server: m.config.Name, Err: err, Time: m.clock.Now()})
}

func (m *ConnManager) emit(ev Event) {
	emitEvent(m.events, ev)
}

// backoffDelay is the wait before retry attempt k (1-based):
// BaseDelay * Multiplier^(k-1).
func backoffDelay(p RetryPolicy, attempt int) time.Duration {
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
}

func classifyCallError(err error) *ToolError {
	var rpcErr *JSONRPCError
	switch {
	case errors.Is(err, ErrRequestTimeout):
		return &ToolError{Code: ErrorCodeTimeout, Message: err.Error()}
	case errors.As(err, &rpcErr):
		return &ToolError{
			Code:    ErrorCodeExecutionFailed,
			Message: rpcErr.Message,
			Details: map[string]any{"jsonrpcCode": rpcErr.Code},
		}
	default:
		return &ToolError{Code: ErrorCodeExecutionFailed, Message: err.Error()}
	}
}

func firstText(content []Content) string {
	for _, c := range content {
		if c.Type == ContentTypeText && c.Text != "" {
			return c.Text
		}
	}
	return "tool execution failed"
}
