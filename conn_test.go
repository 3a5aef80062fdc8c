package mcp_test

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/Vesias/AIaaS-Boilerplate-Framework-sub002"
)

// countingFactory builds a fresh transport per connection attempt and counts
// how many it handed out.
type countingFactory struct {
	build func() mcp.Transport

	mu    sync.Mutex
	count int
	last  mcp.Transport
}

func (f *countingFactory) factory(_ mcp.ServerConfig, _ *slog.Logger) mcp.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	f.last = f.build()
	return f.last
}

func (f *countingFactory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func recvEvent(t *testing.T, ch <-chan mcp.Event) mcp.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return mcp.Event{}
	}
}

// recvEventOfKind drains events until one of the wanted kind arrives.
func recvEventOfKind(t *testing.T, ch <-chan mcp.Event, kind mcp.EventKind) mcp.Event {
	t.Helper()
	for {
		ev := recvEvent(t, ch)
		if ev.Kind == kind {
			return ev
		}
	}
}

func connectedManager(t *testing.T, opts ...mcp.ConnOption) (*mcp.ConnManager, *mockTransport) {
	t.Helper()

	tr := newMockTransport(toolServerHandler([]mcp.Tool{addTool}, addToolCall))
	opts = append([]mcp.ConnOption{mcp.WithConnTransportFactory(staticFactory(tr))}, opts...)

	cm := mcp.NewConnManager(testServerConfig("calc"), opts...)
	require.NoError(t, cm.Connect(context.Background()))
	t.Cleanup(cm.Disconnect)

	return cm, tr
}

func TestConnManagerRetryBound(t *testing.T) {
	clock := clockwork.NewFakeClock()
	factory := &countingFactory{build: func() mcp.Transport {
		tr := newMockTransport(nil)
		tr.startErr = assert.AnError
		return tr
	}}

	cfg := testServerConfig("flaky")
	cfg.Retry = mcp.RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, Multiplier: 2}
	cfg.Timeout = time.Second

	cm := mcp.NewConnManager(cfg,
		mcp.WithConnClock(clock),
		mcp.WithConnTransportFactory(factory.factory))

	done := make(chan error, 1)
	go func() {
		done <- cm.Connect(context.Background())
	}()

	// base * multiplier^(k-1) for retry attempts 1..3.
	for _, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		clock.BlockUntil(1)
		clock.Advance(delay)
	}

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "flaky")
	case <-time.After(time.Second):
		t.Fatal("Connect did not settle after the retry bound")
	}

	assert.Equal(t, 4, factory.calls(), "MaxRetries=3 means exactly 4 attempts")
	assert.Equal(t, mcp.StateError, cm.State())

	// The manager stays in the error state until someone reconnects explicitly.
	res := cm.CallTool(context.Background(), "add", map[string]any{"a": 1, "b": 2}, mcp.CallOptions{})
	require.NotNil(t, res.Err)
	assert.Equal(t, mcp.ErrorCodeNotConnected, res.Err.Code)
}

func TestConnManagerRetryHonorsDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	factory := &countingFactory{build: func() mcp.Transport {
		tr := newMockTransport(nil)
		tr.startErr = assert.AnError
		return tr
	}}

	cfg := testServerConfig("flaky")
	cfg.Retry = mcp.RetryPolicy{MaxRetries: 1, BaseDelay: time.Second, Multiplier: 2}

	cm := mcp.NewConnManager(cfg,
		mcp.WithConnClock(clock),
		mcp.WithConnTransportFactory(factory.factory))

	done := make(chan error, 1)
	go func() {
		done <- cm.Connect(context.Background())
	}()

	clock.BlockUntil(1)
	clock.Advance(999 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, factory.calls(), "retry must not fire before the backoff delay")

	clock.Advance(time.Millisecond)
	require.Error(t, <-done)
	assert.Equal(t, 2, factory.calls())
}

func TestConnManagerConnectIdempotent(t *testing.T) {
	tr := newMockTransport(toolServerHandler([]mcp.Tool{addTool}, addToolCall))
	factory := &countingFactory{build: func() mcp.Transport { return tr }}

	cm := mcp.NewConnManager(testServerConfig("calc"),
		mcp.WithConnTransportFactory(factory.factory))
	defer cm.Disconnect()

	require.NoError(t, cm.Connect(context.Background()))
	require.NoError(t, cm.Connect(context.Background()))

	assert.Equal(t, 1, factory.calls(), "connecting while connected must be a no-op")
	assert.Equal(t, mcp.StateConnected, cm.State())
}

func TestConnManagerConnectEvents(t *testing.T) {
	cm, _ := connectedManager(t)

	assert.Equal(t, mcp.EventConnecting, recvEvent(t, cm.Events()).Kind)
	assert.Equal(t, mcp.EventConnected, recvEvent(t, cm.Events()).Kind)
}

func TestConnManagerDisconnectIdempotent(t *testing.T) {
	cm, _ := connectedManager(t)

	cm.Disconnect()
	cm.Disconnect()

	assert.Equal(t, mcp.StateDisconnected, cm.State())

	// The cache is cleared on disconnect, so even a previously cached tool
	// list is unavailable.
	_, err := cm.ListTools(context.Background(), true)
	require.ErrorIs(t, err, mcp.ErrNotConnected)
}

func TestCallToolNotConnected(t *testing.T) {
	cm := mcp.NewConnManager(testServerConfig("calc"))

	res := cm.CallTool(context.Background(), "add", map[string]any{"a": 1, "b": 2}, mcp.CallOptions{})
	require.NotNil(t, res.Err)
	assert.False(t, res.Success)
	assert.Equal(t, mcp.ErrorCodeNotConnected, res.Err.Code)
	assert.Equal(t, "calc", res.Meta.Server)
}

func TestCallToolSuccess(t *testing.T) {
	cm, _ := connectedManager(t)

	res := cm.CallTool(context.Background(), "add",
		map[string]any{"a": float64(2), "b": float64(3)},
		mcp.CallOptions{SessionID: "sess-1"})

	require.Nil(t, res.Err)
	assert.True(t, res.Success)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "5", res.Content[0].Text)
	assert.Equal(t, "add", res.Meta.Tool)
	assert.Equal(t, "sess-1", res.Meta.SessionID)

	ev := recvEventOfKind(t, cm.Events(), mcp.EventToolCalled)
	assert.Equal(t, "add", ev.Tool)
	assert.NoError(t, ev.Err)
}

func TestCallToolValidatesBeforeDispatch(t *testing.T) {
	cm, tr := connectedManager(t)

	// Prime the tool list so the failed call below needs no network at all.
	_, err := cm.ListTools(context.Background(), true)
	require.NoError(t, err)

	res := cm.CallTool(context.Background(), "add", map[string]any{"a": float64(2)}, mcp.CallOptions{})
	require.NotNil(t, res.Err)
	assert.Equal(t, mcp.ErrorCodeInvalidArguments, res.Err.Code)
	assert.Equal(t, "b", res.Err.Details["argument"])
	assert.Equal(t, 0, tr.sentCount(mcp.MethodToolsCall), "invalid arguments must never reach the wire")

	ev := recvEventOfKind(t, cm.Events(), mcp.EventToolCalled)
	assert.Error(t, ev.Err)
}

func TestCallToolUnknownTool(t *testing.T) {
	cm, tr := connectedManager(t)

	res := cm.CallTool(context.Background(), "multiply", map[string]any{"a": 1}, mcp.CallOptions{})
	require.NotNil(t, res.Err)
	assert.Equal(t, mcp.ErrorCodeToolNotFound, res.Err.Code)
	assert.Equal(t, 0, tr.sentCount(mcp.MethodToolsCall))
}

func TestCallToolRemoteFailure(t *testing.T) {
	handler := toolServerHandler([]mcp.Tool{addTool}, func(_ mcp.CallToolParams) mcp.CallToolResult {
		return mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent("division by zero")},
			IsError: true,
		}
	})
	tr := newMockTransport(handler)

	cm := mcp.NewConnManager(testServerConfig("calc"),
		mcp.WithConnTransportFactory(staticFactory(tr)))
	require.NoError(t, cm.Connect(context.Background()))
	defer cm.Disconnect()

	res := cm.CallTool(context.Background(), "add", map[string]any{"a": float64(1), "b": float64(2)}, mcp.CallOptions{})
	require.NotNil(t, res.Err)
	assert.False(t, res.Success)
	assert.Equal(t, mcp.ErrorCodeExecutionFailed, res.Err.Code)
	assert.Equal(t, "division by zero", res.Err.Message)
	assert.Equal(t, true, res.Err.Details["remote"])
}

func TestCallToolTimeout(t *testing.T) {
	base := toolServerHandler([]mcp.Tool{addTool}, addToolCall)
	handler := func(msg mcp.JSONRPCMessage) *mcp.JSONRPCMessage {
		if msg.Method == mcp.MethodToolsCall {
			return nil // never answered
		}
		return base(msg)
	}
	tr := newMockTransport(handler)

	cfg := testServerConfig("slow")
	cfg.Timeout = 50 * time.Millisecond

	cm := mcp.NewConnManager(cfg, mcp.WithConnTransportFactory(staticFactory(tr)))
	require.NoError(t, cm.Connect(context.Background()))
	defer cm.Disconnect()

	res := cm.CallTool(context.Background(), "add", map[string]any{"a": float64(1), "b": float64(2)}, mcp.CallOptions{})
	require.NotNil(t, res.Err)
	assert.Equal(t, mcp.ErrorCodeTimeout, res.Err.Code)
}

func TestToolListCacheTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cm, tr := connectedManager(t,
		mcp.WithConnClock(clock),
		mcp.WithConnHealthInterval(1000*time.Hour),
		mcp.WithConnToolListTTL(5*time.Minute))

	_, err := cm.ListTools(context.Background(), true)
	require.NoError(t, err)
	_, err = cm.ListTools(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.sentCount(mcp.MethodToolsList), "second list within TTL must hit the cache")

	clock.Advance(5*time.Minute + time.Second)

	_, err = cm.ListTools(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.sentCount(mcp.MethodToolsList), "expired list must be refetched")
}

func TestCallToolResultCache(t *testing.T) {
	cm, tr := connectedManager(t)

	args := map[string]any{"a": float64(2), "b": float64(3)}
	opts := mcp.CallOptions{UseCache: true}

	first := cm.CallTool(context.Background(), "add", args, opts)
	require.True(t, first.Success)

	second := cm.CallTool(context.Background(), "add", args, opts)
	require.True(t, second.Success)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, 1, tr.sentCount(mcp.MethodToolsCall), "identical cached call must not hit the wire")

	// Different arguments miss the cache.
	third := cm.CallTool(context.Background(), "add", map[string]any{"a": float64(1), "b": float64(1)}, opts)
	require.True(t, third.Success)
	assert.Equal(t, 2, tr.sentCount(mcp.MethodToolsCall))
}

func TestHealthCheckFailureTriggersReconnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var failProbes atomic.Bool

	base := toolServerHandler([]mcp.Tool{addTool}, addToolCall)
	handler := func(msg mcp.JSONRPCMessage) *mcp.JSONRPCMessage {
		if msg.Method == mcp.MethodToolsList && failProbes.Load() {
			return errorMsg(msg.ID, -32603, "internal error")
		}
		return base(msg)
	}
	factory := &countingFactory{build: func() mcp.Transport { return newMockTransport(handler) }}

	cfg := testServerConfig("calc")
	cfg.Retry = mcp.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, Multiplier: 2}

	cm := mcp.NewConnManager(cfg,
		mcp.WithConnClock(clock),
		mcp.WithConnTransportFactory(factory.factory),
		mcp.WithConnHealthInterval(30*time.Second))
	require.NoError(t, cm.Connect(context.Background()))
	defer cm.Disconnect()

	// Wait for the health ticker to arm, then fail the next probe.
	clock.BlockUntil(1)
	failProbes.Store(true)
	clock.Advance(30 * time.Second)

	ev := recvEventOfKind(t, cm.Events(), mcp.EventHealthCheckFailed)
	assert.Equal(t, "calc", ev.Server)
	assert.Error(t, ev.Err)

	// Let the automatic reconnect succeed.
	failProbes.Store(false)
	waitFor(t, 2*time.Second, func() bool {
		return cm.State() == mcp.StateConnected
	}, "manager never reconnected after a failed health check")

	assert.GreaterOrEqual(t, factory.calls(), 2)
}

func TestListResourcesAndPrompts(t *testing.T) {
	resource := mcp.Resource{URI: "file:///notes.txt", Name: "notes", MimeType: "text/plain"}
	base := toolServerHandler([]mcp.Tool{addTool}, addToolCall)
	handler := func(msg mcp.JSONRPCMessage) *mcp.JSONRPCMessage {
		switch msg.Method {
		case mcp.MethodResourcesList:
			return resultMsg(msg.ID, mcp.ListResourcesResult{Resources: []mcp.Resource{resource}})
		case mcp.MethodResourcesRead:
			return resultMsg(msg.ID, mcp.ReadResourceResult{
				Contents: []mcp.ResourceContents{{URI: resource.URI, Text: "hello"}},
			})
		case mcp.MethodPromptsGet:
			return resultMsg(msg.ID, mcp.GetPromptResult{
				Description: "greeting",
				Messages: []mcp.PromptMessage{
					{Role: mcp.RoleUser, Content: mcp.TextContent("say hi")},
				},
			})
		}
		return base(msg)
	}
	tr := newMockTransport(handler)

	cm := mcp.NewConnManager(testServerConfig("library"),
		mcp.WithConnTransportFactory(staticFactory(tr)))
	require.NoError(t, cm.Connect(context.Background()))
	defer cm.Disconnect()

	resources, err := cm.ListResources(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "notes", resources[0].Name)

	read, err := cm.ReadResource(context.Background(), resource.URI, true)
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "hello", read.Contents[0].Text)

	// Second cached read stays off the wire.
	_, err = cm.ReadResource(context.Background(), resource.URI, true)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.sentCount(mcp.MethodResourcesRead))

	prompt, err := cm.GetPrompt(context.Background(), "greet", map[string]string{"name": "Ada"}, false)
	require.NoError(t, err)
	require.Len(t, prompt.Messages, 1)
	assert.Equal(t, mcp.RoleUser, prompt.Messages[0].Role)
}
