package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
)

// ServerStatus summarizes one registered server.
type ServerStatus struct {
	Name         string          `json:"name"`
	State        ConnState       `json:"state"`
	Capabilities CapabilityFlags `json:"capabilities"`
}

// ManagerOption configures a ServerManager.
type ManagerOption func(*ServerManager)

// ServerManager owns a registry of connection managers keyed by server name.
// It can direct a tool call to one server or broadcast it to all of them with
// per-server failure isolation, and it re-emits every connection manager's
// lifecycle events on a single stream so one subscriber can observe the whole
// fleet.
//
// A ServerManager is an explicitly constructed object with its own lifecycle;
// create one with NewServerManager and tear it down with Shutdown.
type ServerManager struct {
	logger   *slog.Logger
	clock    clockwork.Clock
	info     Info
	connOpts []ConnOption

	events chan Event

	mu      sync.RWMutex
	servers map[string]*managedServer
}

type managedServer struct {
	cm   *ConnManager
	stop chan struct{}
}

// WithManagerLogger sets the logger for the manager and its connections.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *ServerManager) {
		m.logger = logger
	}
}

// WithManagerClock sets the clock passed to every connection manager.
func WithManagerClock(clock clockwork.Clock) ManagerOption {
	return func(m *ServerManager) {
		m.clock = clock
	}
}

// WithManagerInfo sets the client identity used for every server handshake.
func WithManagerInfo(info Info) ManagerOption {
	return func(m *ServerManager) {
		m.info = info
	}
}

// WithManagerConnOptions appends options applied to every connection manager
// the server manager constructs.
func WithManagerConnOptions(opts ...ConnOption) ManagerOption {
	return func(m *ServerManager) {
		m.connOpts = append(m.connOpts, opts...)
	}
}

// NewServerManager creates an empty fleet manager.
func NewServerManager(options ...ManagerOption) *ServerManager {
	m := &ServerManager{
		logger:  slog.Default(),
		clock:   clockwork.NewRealClock(),
		info:    Info{Name: "mcp-fleet-client", Version: clientVersion},
		events:  make(chan Event, eventBufferSize),
		servers: make(map[string]*managedServer),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Events returns the aggregated event stream for the whole fleet.
func (m *ServerManager) Events() <-chan Event { return m.events }

// AddServer registers a new server and connects to it. Duplicate names are
// rejected. A server whose initial connect fails stays registered in the
// error state — the connect error is returned so the caller can see it, and
// a later explicit connect or the health-check path can recover it.
func (m *ServerManager) AddServer(ctx context.Context, cfg ServerConfig) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	opts := append([]ConnOption{
		WithConnLogger(m.logger),
		WithConnClock(m.clock),
		WithConnInfo(m.info),
	}, m.connOpts...)
	cm := NewConnManager(cfg, opts...)

	entry := &managedServer{cm: cm, stop: make(chan struct{})}

	m.mu.Lock()
	if _, ok := m.servers[cfg.Name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("server %q already registered", cfg.Name)
	}
	m.servers[cfg.Name] = entry
	m.mu.Unlock()

	go m.forward(cm, entry.stop)

	if err := cm.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect server %q: %w", cfg.Name, err)
	}
	return nil
}

// RemoveServer disconnects the named server and evicts it from the registry.
func (m *ServerManager) RemoveServer(name string) error {
	m.mu.Lock()
	entry, ok := m.servers[name]
	if ok {
		delete(m.servers, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("server %q not found", name)
	}

	entry.cm.Disconnect()
	close(entry.stop)
	return nil
}

// Server returns the connection manager for the named server, for operations
// beyond tool calls (resources, prompts, explicit reconnect).
func (m *ServerManager) Server(name string) (*ConnManager, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.servers[name]
	if !ok {
		return nil, false
	}
	return entry.cm, true
}

// CallTool routes a tool call to the named server. An unknown server yields a
// failed ToolResult with code SERVER_NOT_FOUND rather than an error.
func (m *ServerManager) CallTool(ctx context.Context, server, tool string, args map[string]any, opts CallOptions) *ToolResult {
	cm, ok := m.Server(server)
	if !ok {
		return &ToolResult{
			Err: &ToolError{
				Code:    ErrorCodeServerNotFound,
				Message: fmt.Sprintf("server %q not found", server),
			},
			Meta: ToolResultMeta{
				Tool:      tool,
				Server:    server,
				SessionID: opts.SessionID,
				Timestamp: m.clock.Now(),
			},
		}
	}
	return cm.CallTool(ctx, tool, args, opts)
}

// BroadcastToolCall invokes the same tool on every registered server
// concurrently and waits for all calls to settle. The returned map has one
// entry per server; a failure on one server never aborts the others.
func (m *ServerManager) BroadcastToolCall(ctx context.Context, tool string, args map[string]any, opts CallOptions) map[string]*ToolResult {
	m.mu.RLock()
	targets := make(map[string]*ConnManager, len(m.servers))
	for name, entry := range m.servers {
		targets[name] = entry.cm
	}
	m.mu.RUnlock()

	results := make(map[string]*ToolResult, len(targets))
	var resMu sync.Mutex
	var wg sync.WaitGroup

	for name, cm := range targets {
		wg.Add(1)
		go func(name string, cm *ConnManager) {
			defer wg.Done()
			r := cm.CallTool(ctx, tool, args, opts)
			resMu.Lock()
			results[name] = r
			resMu.Unlock()
		}(name, cm)
	}
	wg.Wait()

	return results
}

// ListServers reports the registered servers sorted by name.
func (m *ServerManager) ListServers() []ServerStatus {
	m.mu.RLock()
	statuses := make([]ServerStatus, 0, len(m.servers))
	for name, entry := range m.servers {
		statuses = append(statuses, ServerStatus{
			Name:         name,
			State:        entry.cm.State(),
			Capabilities: entry.cm.Config().Capabilities,
		})
	}
	m.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// Shutdown disconnects every server and empties the registry.
func (m *ServerManager) Shutdown() {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]*managedServer)
	m.mu.Unlock()

	for _, entry := range servers {
		entry.cm.Disconnect()
		close(entry.stop)
	}
}

// forward re-emits one connection manager's events on the fleet stream until
// the server is removed.
func (m *ServerManager) forward(cm *ConnManager, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev := <-cm.Events():
			emitEvent(m.events, ev)
		}
	}
}
