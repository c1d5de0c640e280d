package mcpbridge

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// Transport is the client-side communication layer to one MCP server
// endpoint. Implementations own the connection lifecycle: they send JSON-RPC
// requests, queue decoded responses, and expose a blocking Receive.
type Transport interface {
	// Connect marks the transport ready to send. It is idempotent and
	// performs no I/O; the initialize handshake is an ordinary Send.
	Connect() error

	// Send encodes and transmits one message, then queues every decoded
	// response payload for Receive. Network failures are raised to the
	// caller, never swallowed.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Receive pops the oldest queued message, suspending until one arrives
	// when the queue is empty. Deadlines are the caller's responsibility,
	// applied through ctx.
	Receive(ctx context.Context) (Message, error)

	// SessionID returns the server-assigned session identifier, or the
	// empty string before one has been adopted.
	SessionID() string

	// Close drops queued messages and releases any waiting receiver.
	Close()
}

// StreamableHTTPTransport implements Transport over stateless HTTP: each Send
// issues one POST to the configured endpoint and the response body (a JSON-RPC
// object, a batch array, or an SSE stream) is decoded onto a FIFO queue.
//
// "Connected" means "permitted to send", not "handshake completed" — Connect
// only flips an internal ready flag, and the server-assigned session id is
// adopted from the first response that carries one.
//
// Callers must not invoke Send or Receive concurrently with Close; this is a
// usage contract, not an enforced lock. Instances should be created using
// NewStreamableHTTPTransport.
type StreamableHTTPTransport struct {
	endpoint   string
	userAgent  string
	timeout    time.Duration
	insecure   bool
	httpClient *http.Client
	codec      *Codec
	logger     *slog.Logger

	mu        sync.Mutex
	ready     bool
	closed    bool
	sessionID string
	queue     []Message
	arrival   chan struct{}
	done      chan struct{}
}

// TransportOption represents a configuration option for the StreamableHTTPTransport.
type TransportOption func(*StreamableHTTPTransport)

var defaultSendTimeout = 30 * time.Second

// WithSendTimeout sets the timeout applied to each outbound HTTP call. A
// timed-out Send leaves the transport in a valid, reusable state so the
// caller may retry.
func WithSendTimeout(timeout time.Duration) TransportOption {
	return func(t *StreamableHTTPTransport) {
		t.timeout = timeout
	}
}

// WithInsecureSkipVerify disables TLS certificate validation, which some
// self-signed MCP deployments require. It is an explicit opt-in and defaults
// to false.
func WithInsecureSkipVerify(insecure bool) TransportOption {
	return func(t *StreamableHTTPTransport) {
		t.insecure = insecure
	}
}

// WithHTTPClient sets a custom HTTP client. When supplied it is used as-is,
// overriding WithInsecureSkipVerify.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *StreamableHTTPTransport) {
		t.httpClient = client
	}
}

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(userAgent string) TransportOption {
	return func(t *StreamableHTTPTransport) {
		t.userAgent = userAgent
	}
}

// WithTransportLogger sets the logger for the transport and its codec.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *StreamableHTTPTransport) {
		t.logger = logger
	}
}

// NewStreamableHTTPTransport creates a transport bound to a single MCP server
// endpoint. The transport must be connected with Connect before use, although
// Send recovers from a missing Connect with a logged warning.
func NewStreamableHTTPTransport(endpoint string, options ...TransportOption) *StreamableHTTPTransport {
	t := &StreamableHTTPTransport{
		endpoint:  endpoint,
		userAgent: "mcpbridge/" + Version,
		timeout:   defaultSendTimeout,
		logger:    slog.Default(),
		arrival:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}

	t.codec = NewCodec(t.logger)

	if t.httpClient == nil {
		transport := http.DefaultTransport
		if t.insecure {
			transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			}
		}
		t.httpClient = &http.Client{Transport: transport}
	}

	return t
}

// Connect marks the transport ready. Calling it repeatedly has no further
// effect and performs no HTTP calls.
func (t *StreamableHTTPTransport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		t.closed = false
		t.done = make(chan struct{})
	}
	t.ready = true
	return nil
}

// IsOpen reports whether the transport is permitted to send.
func (t *StreamableHTTPTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// SessionID returns the session identifier adopted from the server, or the
// empty string before the first response carrying one.
func (t *StreamableHTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Send encodes msg, POSTs it to the endpoint, and queues every decoded
// response payload for Receive. Non-2xx responses are still parsed, since MCP
// servers may return JSON-RPC error envelopes with non-2xx HTTP codes; only a
// failed HTTP round trip (DNS, connect, timeout) is a hard transport failure.
func (t *StreamableHTTPTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	if !t.IsOpen() {
		// Recovery path, not a silent no-op.
		t.logger.Warn("send called before connect, connecting transport", slog.String("endpoint", t.endpoint))
		if err := t.Connect(); err != nil {
			return err
		}
	}

	enc, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}

	body, err := json.Marshal(enc)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("User-Agent", t.userAgent)

	// The bootstrap initialize call has no session to scope to; every later
	// request carries the adopted session id.
	if sid := t.SessionID(); sid != "" && enc.Method != MethodInitialize {
		req.Header.Set(SessionIDHeader, sid)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	t.adoptSessionID(resp.Header)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return t.readEventStream(resp.Body)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	msgs, err := t.codec.Decode(respBody)
	if err != nil {
		return err
	}
	t.push(msgs)

	return nil
}

// Receive returns the oldest queued message, suspending until one arrives
// when the queue is empty. No timeout is applied at this layer; callers
// requiring a deadline must carry it in ctx.
func (t *StreamableHTTPTransport) Receive(ctx context.Context) (Message, error) {
	for {
		t.mu.Lock()
		if len(t.queue) > 0 {
			msg := t.queue[0]
			t.queue = t.queue[1:]
			t.mu.Unlock()
			return msg, nil
		}
		arrival, done := t.arrival, t.done
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-done:
			return Message{}, ErrTransportClosed
		case <-arrival:
		}
	}
}

// Close drops all queued messages and releases any waiting receiver. See the
// type documentation for the concurrency contract.
func (t *StreamableHTTPTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.ready = false
	t.closed = true
	t.queue = nil
	close(t.done)
}

// readEventStream decodes each SSE message event's data as one JSON-RPC
// payload, preserving stream order in the queue.
func (t *StreamableHTTPTransport) readEventStream(body io.Reader) error {
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			return fmt.Errorf("failed to read SSE message: %w", err)
		}
		if ev.Type != "" && ev.Type != "message" {
			t.logger.Warn("unhandled event type", slog.String("type", ev.Type))
			continue
		}

		msgs, err := t.codec.Decode([]byte(ev.Data))
		if err != nil {
			return err
		}
		t.push(msgs)
	}
	return nil
}

func (t *StreamableHTTPTransport) adoptSessionID(header http.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessionID != "" {
		return
	}
	// Header canonicalization covers the common case, but some servers emit
	// the header with exotic casing, so scan explicitly.
	for name, values := range header {
		if strings.EqualFold(name, SessionIDHeader) && len(values) > 0 {
			t.sessionID = strings.TrimSpace(values[0])
			return
		}
	}
}

func (t *StreamableHTTPTransport) push(msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	t.mu.Lock()
	t.queue = append(t.queue, msgs...)
	t.mu.Unlock()

	select {
	case t.arrival <- struct{}{}:
	default:
	}
}
