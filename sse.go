package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSETransport implements Transport over Server-Sent Events. Server-to-client
// messages arrive on a long-lived SSE stream opened with a GET request;
// client-to-server messages go out as HTTP POSTs to the message endpoint the
// server announces in its first "endpoint" event.
//
// Every outbound request carries the configured auth credentials plus the
// X-Session-ID and X-Client-Version headers. Instances should be created with
// NewSSETransport and are single-use: once closed, build a new one.
type SSETransport struct {
	httpClient *http.Client
	connectURL string
	auth       AuthConfig
	sessionID  string
	logger     *slog.Logger

	maxPayloadSize int

	mu         sync.Mutex
	messageURL string

	messages  chan JSONRPCMessage
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// SSETransportOption configures an SSETransport.
type SSETransportOption func(*SSETransport)

// WithSSEAuth sets the credentials attached to every outbound request.
func WithSSEAuth(auth AuthConfig) SSETransportOption {
	return func(t *SSETransport) {
		t.auth = auth
	}
}

// WithSSELogger sets the logger for the transport.
func WithSSELogger(logger *slog.Logger) SSETransportOption {
	return func(t *SSETransport) {
		t.logger = logger
	}
}

// WithSSEMaxPayloadSize caps the size of a single event received from the
// server. Oversized events terminate the stream.
func WithSSEMaxPayloadSize(size int) SSETransportOption {
	return func(t *SSETransport) {
		t.maxPayloadSize = size
	}
}

// NewSSETransport creates an SSE transport that connects to connectURL. The
// optional httpClient allows custom HTTP client configuration; if nil, the
// default HTTP client is used.
func NewSSETransport(connectURL string, httpClient *http.Client, options ...SSETransportOption) *SSETransport {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	t := &SSETransport{
		connectURL: connectURL,
		httpClient: cli,
		sessionID:  uuid.New().String(),
		logger:     slog.Default(),
		messages:   make(chan JSONRPCMessage),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// SessionID returns the transport's session identifier, sent as X-Session-ID
// on every outbound request.
func (t *SSETransport) SessionID() string { return t.sessionID }

// Start opens the SSE stream and blocks until the server announces the message
// endpoint. It returns an iterator over messages received from the server; the
// iterator ends when the stream is closed or the context is canceled.
func (t *SSETransport) Start(ctx context.Context) (iter.Seq[JSONRPCMessage], error) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	t.setHeaders(req.Header)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	ready := make(chan error, 1)
	go t.listen(resp.Body, ready)

	select {
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case err := <-ready:
		if err != nil {
			cancel()
			return nil, err
		}
	}

	return t.stream(), nil
}

// Send transmits a JSON-encoded message to the server through an HTTP POST
// request. Returns an error if the transport has not received its message
// endpoint yet, encoding fails, or the server responds with a non-200 status.
func (t *SSETransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	t.mu.Lock()
	messageURL := t.messageURL
	t.mu.Unlock()
	if messageURL == "" {
		return errors.New("transport not started")
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	t.setHeaders(req.Header)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// Close terminates the SSE stream. Safe to call multiple times.
func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
	})
	return nil
}

func (t *SSETransport) setHeaders(h http.Header) {
	t.auth.apply(h)
	h.Set(headerSessionID, t.sessionID)
	h.Set(headerClientVersion, clientVersion)
}

func (t *SSETransport) listen(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(t.messages)
	}()

	var config *sse.ReadConfig
	if t.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: t.maxPayloadSize,
		}
	}

	announced := false

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				t.logger.Error("failed to read SSE event", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			// The endpoint URL must parse cleanly before any message is
			// routed through it.
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}
			t.mu.Lock()
			t.messageURL = u.String()
			t.mu.Unlock()
			if !announced {
				announced = true
				ready <- nil
			}
		case "message":
			if !announced {
				t.logger.Error("received message before endpoint event")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				t.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			t.messages <- msg
		default:
			t.logger.Error("unhandled event type", "type", ev.Type)
		}
	}
}

func (t *SSETransport) stream() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for msg := range t.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

// ServerSession is one client connection accepted by an SSEServer.
type ServerSession interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the connected client.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator over messages received from the client.
	// The iteration ends when the session is stopped.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop closes the session. The owner calls this exactly once.
	Stop()
}

// SSEServer is the server half of the SSE transport: it accepts SSE
// connections, assigns each a session ID, tells the client where to POST its
// messages, and routes inbound POSTs back to the owning session. The HandleSSE
// and HandleMessage handlers integrate with any HTTP mux.
//
// Instances should be created with NewSSEServer and shut down with Shutdown.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions chan sseSession
	removed  chan string
	inbound  chan sseInbound

	done   chan struct{}
	closed chan struct{}
}

type sseSession struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	sendQueue chan sseSend
	received  chan JSONRPCMessage

	done           chan struct{}
	sendClosed     chan struct{}
	receivedClosed chan struct{}
}

type sseInbound struct {
	sessID string
	msg    JSONRPCMessage
}

type sseSend struct {
	msg  *sse.Message
	errs chan<- error
}

// SSEServerOption configures an SSEServer.
type SSEServerOption func(*SSEServer)

// WithSSEServerLogger sets the logger for the server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger
	}
}

// NewSSEServer creates an SSE server whose clients will POST their messages to
// messageURL. The returned server is immediately operational; close it with
// Shutdown when no longer needed.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL: messageURL,
		logger:     slog.Default(),
		sessions:   make(chan sseSession, 5),
		removed:    make(chan string),
		inbound:    make(chan sseInbound),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}

	for _, opt := range options {
		opt(&s)
	}

	return s
}

// Sessions returns an iterator over client sessions as they connect. The owner
// of the iteration is expected to Stop each yielded session when done with it.
func (s SSEServer) Sessions() iter.Seq[ServerSession] {
	return func(yield func(ServerSession) bool) {
		defer close(s.closed)

		// Active sessions, for routing inbound POSTs to their owner.
		active := make(map[string]sseSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				go sess.processSendQueue()

				active[sess.id] = sess

				if !yield(sess) {
					return
				}
			case sessID := <-s.removed:
				delete(active, sessID)
			case in := <-s.inbound:
				sess, ok := active[in.sessID]
				if !ok {
					// Session already gone; drop the message.
					continue
				}

				select {
				case <-s.done:
					return
				case sess.received <- in.msg:
				}
			}
		}
	}
}

// Shutdown terminates the server and blocks until its main loop exits.
func (s SSEServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler that upgrades GET requests to SSE streams,
// assigns a session ID, and announces the per-session message endpoint. The
// connection stays open until the session is stopped or the server shuts down.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)

		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			nErr := fmt.Errorf("failed to write endpoint event: %w", err)
			s.logger.Error("failed to write endpoint event", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		if err := sess.Flush(); err != nil {
			nErr := fmt.Errorf("failed to flush endpoint event: %w", err)
			s.logger.Error("failed to flush endpoint event", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		srvSession := sseSession{
			id:             sessID,
			sess:           sess,
			logger:         s.logger,
			sendQueue:      make(chan sseSend, 5),
			received:       make(chan JSONRPCMessage, 5),
			done:           make(chan struct{}),
			sendClosed:     make(chan struct{}),
			receivedClosed: make(chan struct{}),
		}

		s.sessions <- srvSession

		// Keep the connection open until the session is stopped.
		<-srvSession.sendClosed
		<-srvSession.receivedClosed

		select {
		case s.removed <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler for client POSTs. It expects a
// sessionID query parameter and a JSON-encoded message body, and routes valid
// messages to the owning session's Messages stream.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := errors.New("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-s.done:
			return
		case s.inbound <- sseInbound{sessID: sessID, msg: msg}:
		}
	})
}

func (s sseSession) ID() string { return s.id }

func (s sseSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error)

	// Sends go through a queue because the underlying sse session is not
	// safe for concurrent writers.
	select {
	case s.sendQueue <- sseSend{sseMsg, errs}:
	case <-s.done:
		return errors.New("session is closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errs:
		return err
	case <-s.done:
		return errors.New("session is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s sseSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.receivedClosed)

		for {
			select {
			case msg := <-s.received:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s sseSession) Stop() {
	close(s.done)

	<-s.sendClosed
	<-s.receivedClosed
}

func (s sseSession) processSendQueue() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendQueue:
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))

				select {
				case sm.errs <- err:
				default:
				}
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))

				select {
				case sm.errs <- err:
				default:
				}
				continue
			}

			select {
			case sm.errs <- nil:
			default:
			}
		case <-s.done:
			return
		}
	}
}
