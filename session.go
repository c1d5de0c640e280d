package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ConnectionParams is the addressing information retained for a session. Only
// direct Streamable-HTTP URLs are supported; there is no command/args form.
type ConnectionParams struct {
	URL string `json:"url"`
}

// MemberInfo associates a session with a logical AI team member. The
// UserSessionKey is a back-reference used to find an existing session for a
// given caller.
type MemberInfo struct {
	Name             string `json:"name,omitempty"`
	Role             string `json:"role,omitempty"`
	Responsibilities string `json:"responsibilities,omitempty"`
	UserSessionKey   string `json:"userSessionKey,omitempty"`
}

// Session is the persisted record of one logical client-to-MCP-server
// relationship. SessionID is unique across the shared store; a session is
// reachable either by id or, when MemberInfo carries a UserSessionKey, by
// caller key (at most one session per key at a time).
type Session struct {
	SessionID        string           `json:"sessionId"`
	ConnectionParams ConnectionParams `json:"connectionParams"`
	Tools            []Tool           `json:"tools"`
	FormattedTools   []Tool           `json:"formattedTools"`
	AIModelConfig    *ModelConfig     `json:"aiModelConfig,omitempty"`
	SystemPrompt     string           `json:"systemPrompt,omitempty"`
	MemberInfo       *MemberInfo      `json:"memberInfo,omitempty"`

	// StartTime and LastUsed are millisecond timestamps. LastUsed is updated
	// and the TTL reset on every read.
	StartTime int64 `json:"startTime"`
	LastUsed  int64 `json:"lastUsed"`
}

// SessionInfo is the lookup projection of a session returned by
// Manager.GetSessionInfo.
type SessionInfo struct {
	SessionID  string      `json:"sessionId"`
	StartTime  int64       `json:"startTime"`
	LastUsed   int64       `json:"lastUsed"`
	HasTools   bool        `json:"hasTools"`
	MemberInfo *MemberInfo `json:"memberInfo,omitempty"`
}

// CreateResult is returned by Manager.CreateSession. Warning is set when the
// session is usable but could not be durably stored.
type CreateResult struct {
	SessionID string `json:"sessionId"`
	Tools     []Tool `json:"tools"`
	Warning   string `json:"warning,omitempty"`
}

// CloseResult reports which halves of a session teardown found something to
// do. Partial cleanup is still progress and is always safe to retry.
type CloseResult struct {
	RemovedFromStore bool `json:"removedFromStore"`
	ConnectionClosed bool `json:"connectionClosed"`
}

// Registry holds the in-memory transports for sessions opened by this
// process. It is local to one process: when the surrounding application runs
// multiple processes, each has its own Registry and only the shared store is
// authoritative for session existence.
//
// The Registry is constructor-injected into the Manager so tests can observe
// and seed it directly.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	transport Transport
	member    *MemberInfo
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// Put records the transport for a session id, replacing any previous entry.
func (r *Registry) Put(sessionID string, transport Transport, member *MemberInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[sessionID] = &registryEntry{transport: transport, member: member}
}

// Get returns the transport for a session id, if this process holds one.
func (r *Registry) Get(sessionID string) (Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return nil, false
	}
	return e.transport, true
}

// Remove deletes and returns the transport for a session id. The caller is
// responsible for closing it.
func (r *Registry) Remove(sessionID string) (Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.entries, sessionID)
	return e.transport, true
}

// FindByCallerKey returns the id of the first open session whose member info
// carries the given user session key, or "" when none matches. This is an
// O(n) scan over currently-open connections, bounded by the number of active
// assistant conversations.
func (r *Registry) FindByCallerKey(callerKey string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if e.member != nil && e.member.UserSessionKey == callerKey {
			return id
		}
	}
	return ""
}

// Len reports the number of open connections held by this process.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// drain empties the registry and returns all transports for teardown.
func (r *Registry) drain() []Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	transports := make([]Transport, 0, len(r.entries))
	for _, e := range r.entries {
		transports = append(transports, e.transport)
	}
	r.entries = make(map[string]*registryEntry)
	return transports
}

// Manager orchestrates session creation against Streamable-HTTP MCP servers,
// caches session facts in the shared TTL store, and provides lookup,
// association, and teardown. It never retries network operations itself;
// retry policy belongs to the caller.
//
// Instances should be created using NewManager and shut down with Shutdown
// when no longer needed.
type Manager struct {
	store    SessionStore
	registry *Registry
	configs  ModelConfigProvider
	logger   *slog.Logger

	transportOptions []TransportOption
	clientInfo       Info

	createGroup singleflight.Group
}

// ManagerOption represents a configuration option for the Manager.
type ManagerOption func(*Manager)

// WithModelConfigProvider sets the best-effort provider of default
// AI-assistant configurations. Sessions are created without one when the
// provider is absent or failing.
func WithModelConfigProvider(provider ModelConfigProvider) ManagerOption {
	return func(m *Manager) {
		m.configs = provider
	}
}

// WithManagerLogger sets the logger for the manager.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTransportOptions sets the options applied to every transport the
// manager dials, such as send timeouts or the insecure-TLS opt-in.
func WithTransportOptions(options ...TransportOption) ManagerOption {
	return func(m *Manager) {
		m.transportOptions = options
	}
}

// WithClientInfo sets the client identification sent in the initialize
// handshake.
func WithClientInfo(info Info) ManagerOption {
	return func(m *Manager) {
		m.clientInfo = info
	}
}

// NewManager creates a session manager backed by the given store and
// connection registry.
func NewManager(store SessionStore, registry *Registry, options ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		registry:   registry,
		logger:     slog.Default(),
		clientInfo: Info{Name: "mcpbridge", Version: Version},
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// CreateSession connects to the MCP server at serverURL, performs the
// initialize handshake, fetches the tool catalog, and persists a session
// record with the store's TTL. The returned tools are the formatted
// projection with defaulted description and input schema.
//
// A failing store write does not fail the creation: the session is returned
// with a warning, since a session usable for the current request is
// preferable to none. A failing upstream connection closes the
// partially-created transport before returning.
func (m *Manager) CreateSession(ctx context.Context, serverURL string, member *MemberInfo, callerKey string) (*CreateResult, error) {
	if err := validateServerURL(serverURL); err != nil {
		return nil, err
	}

	transport := NewStreamableHTTPTransport(serverURL, m.transportOptions...)
	if err := transport.Connect(); err != nil {
		return nil, &UpstreamConnectionError{URL: serverURL, Err: err}
	}

	tools, err := m.bootstrap(ctx, transport)
	if err != nil {
		transport.Close()
		return nil, &UpstreamConnectionError{URL: serverURL, Err: err}
	}

	sessionID := transport.SessionID()
	if sessionID == "" {
		// Client-assigned fallback when the server never named the session.
		sessionID = uuid.New().String()
	}

	if callerKey != "" {
		if member == nil {
			member = &MemberInfo{}
		}
		member.UserSessionKey = callerKey
	}

	var modelConfig *ModelConfig
	if m.configs != nil {
		cfg, err := m.configs.DefaultConfig(ctx)
		if err != nil {
			m.logger.Warn("failed to load default model config, session continues without one",
				slog.String("err", err.Error()))
		} else if cfg != nil {
			redacted := cfg.Redacted()
			modelConfig = &redacted
		}
	}

	formatted := formatTools(tools)
	now := time.Now().UnixMilli()
	sess := &Session{
		SessionID:        sessionID,
		ConnectionParams: ConnectionParams{URL: serverURL},
		Tools:            tools,
		FormattedTools:   formatted,
		AIModelConfig:    modelConfig,
		SystemPrompt:     buildSystemPrompt(member, formatted),
		MemberInfo:       member,
		StartTime:        now,
		LastUsed:         now,
	}

	result := &CreateResult{SessionID: sessionID, Tools: formatted}
	if err := m.store.Put(ctx, sess); err != nil {
		m.logger.Warn("session created but not persisted",
			slog.String("sessionID", sessionID), slog.String("err", err.Error()))
		result.Warning = fmt.Sprintf("session not persisted: %v", err)
	}

	m.registry.Put(sessionID, transport, member)

	return result, nil
}

// EnsureSession returns the caller's existing session when one is already
// open for callerKey, creating a new one otherwise. Concurrent callers with
// the same key are collapsed into a single creation.
func (m *Manager) EnsureSession(ctx context.Context, serverURL string, member *MemberInfo, callerKey string) (*CreateResult, error) {
	if callerKey == "" {
		return m.CreateSession(ctx, serverURL, member, "")
	}

	res, err, _ := m.createGroup.Do(callerKey, func() (any, error) {
		if id := m.registry.FindByCallerKey(callerKey); id != "" {
			// The store is authoritative: a registry entry whose record has
			// expired does not count as an existing session.
			sess, err := m.store.Get(ctx, id)
			if err == nil {
				return &CreateResult{SessionID: sess.SessionID, Tools: sess.FormattedTools}, nil
			}
		}
		return m.CreateSession(ctx, serverURL, member, callerKey)
	})
	if err != nil {
		return nil, err
	}
	return res.(*CreateResult), nil
}

// GetSession reads the session record from the shared store, touching
// LastUsed and resetting the TTL. Returns ErrNotFound for expired or unknown
// ids; the two are indistinguishable.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return m.store.Get(ctx, sessionID)
}

// GetSessionInfo returns the lookup projection of a session.
func (m *Manager) GetSessionInfo(ctx context.Context, sessionID string) (*SessionInfo, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{
		SessionID:  sess.SessionID,
		StartTime:  sess.StartTime,
		LastUsed:   sess.LastUsed,
		HasTools:   len(sess.Tools) > 0,
		MemberInfo: sess.MemberInfo,
	}, nil
}

// FindByCallerKey returns the id of the first open session associated with
// callerKey, or "" when this process holds none.
func (m *Manager) FindByCallerKey(callerKey string) string {
	return m.registry.FindByCallerKey(callerKey)
}

// CallTool invokes a tool through the session's connection. When this process
// no longer holds a transport for the session (for example after a restart),
// the persisted record wins: the connection is re-established from its
// ConnectionParams before the call.
func (m *Manager) CallTool(ctx context.Context, sessionID, name string, arguments json.RawMessage) (json.RawMessage, error) {
	transport, ok := m.registry.Get(sessionID)
	if !ok {
		sess, err := m.store.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		transport, err = m.redial(ctx, sess)
		if err != nil {
			return nil, err
		}
	}

	params, err := json.Marshal(CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool call params: %w", err)
	}

	msg, err := m.roundTrip(ctx, transport, MethodToolsCall, params)
	if err != nil {
		return nil, err
	}
	return msg.Result, nil
}

// CloseSession tears down a session: the persisted record and any in-memory
// connection are removed independently, and a failure in one never suppresses
// the other. Returns ErrNotFound only when both halves found nothing to do,
// so closing an already-closed session is a harmless 404, never a fault.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) (CloseResult, error) {
	var result CloseResult

	removed, storeErr := m.store.Delete(ctx, sessionID)
	if storeErr != nil {
		m.logger.Warn("failed to delete session from store",
			slog.String("sessionID", sessionID), slog.String("err", storeErr.Error()))
	}
	result.RemovedFromStore = removed

	if transport, ok := m.registry.Remove(sessionID); ok {
		transport.Close()
		result.ConnectionClosed = true
	}

	if !result.RemovedFromStore && !result.ConnectionClosed {
		if storeErr != nil {
			return result, storeErr
		}
		return result, ErrNotFound
	}
	return result, nil
}

// Shutdown closes every connection held by this process, waiting for all
// teardown to complete rather than racing it. Persisted records are left to
// expire; other processes may still own live connections for them.
func (m *Manager) Shutdown(ctx context.Context) error {
	transports := m.registry.drain()

	g, _ := errgroup.WithContext(ctx)
	for _, transport := range transports {
		g.Go(func() error {
			transport.Close()
			return nil
		})
	}
	return g.Wait()
}

// bootstrap performs the initialize handshake and fetches the tool catalog on
// a freshly-connected transport.
func (m *Manager) bootstrap(ctx context.Context, transport Transport) ([]Tool, error) {
	initParams, err := json.Marshal(initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      m.clientInfo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	initMsg, err := m.roundTrip(ctx, transport, MethodInitialize, initParams)
	if err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}
	if initMsg.Result != nil {
		var res initializeResult
		if err := json.Unmarshal(initMsg.Result, &res); err == nil && res.ServerInfo.Name != "" {
			m.logger.Debug("initialized MCP session",
				slog.String("server", res.ServerInfo.Name),
				slog.String("version", res.ServerInfo.Version))
		}
	}

	toolsMsg, err := m.roundTrip(ctx, transport, MethodToolsList, nil)
	if err != nil {
		return nil, fmt.Errorf("tools listing failed: %w", err)
	}
	return toolsMsg.Tools, nil
}

func (m *Manager) redial(ctx context.Context, sess *Session) (Transport, error) {
	transport := NewStreamableHTTPTransport(sess.ConnectionParams.URL, m.transportOptions...)
	if err := transport.Connect(); err != nil {
		return nil, &UpstreamConnectionError{URL: sess.ConnectionParams.URL, Err: err}
	}
	if _, err := m.bootstrap(ctx, transport); err != nil {
		transport.Close()
		return nil, &UpstreamConnectionError{URL: sess.ConnectionParams.URL, Err: err}
	}
	m.registry.Put(sess.SessionID, transport, sess.MemberInfo)
	return transport, nil
}

func (m *Manager) roundTrip(ctx context.Context, transport Transport, method string, params json.RawMessage) (Message, error) {
	if err := transport.Send(ctx, JSONRPCMessage{Method: method, Params: params}); err != nil {
		return Message{}, err
	}
	return transport.Receive(ctx)
}

func validateServerURL(serverURL string) error {
	u, err := url.Parse(serverURL)
	if err != nil {
		return &InvalidArgumentError{Field: "url", Reason: err.Error()}
	}
	if !u.IsAbs() || u.Host == "" {
		return &InvalidArgumentError{Field: "url", Reason: "must be an absolute URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &InvalidArgumentError{Field: "url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	return nil
}

// formatTools derives the assistant-facing projection of the tool catalog,
// guaranteeing a non-empty description and input schema for every tool.
func formatTools(tools []Tool) []Tool {
	formatted := make([]Tool, len(tools))
	for i, tool := range tools {
		f := tool
		if f.Description == "" {
			f.Description = fmt.Sprintf("使用%s工具执行操作", f.Name)
		}
		if len(f.InputSchema) == 0 {
			f.InputSchema = json.RawMessage(`{}`)
		}
		formatted[i] = f
	}
	return formatted
}

// buildSystemPrompt derives the text used to prime assistant behavior for a
// session from the member association and the tool catalog.
func buildSystemPrompt(member *MemberInfo, tools []Tool) string {
	var b strings.Builder

	if member != nil && member.Name != "" {
		fmt.Fprintf(&b, "You are %s", member.Name)
		if member.Role != "" {
			fmt.Fprintf(&b, ", %s", member.Role)
		}
		b.WriteString(".\n")
		if member.Responsibilities != "" {
			b.WriteString(member.Responsibilities)
			b.WriteString("\n")
		}
	}

	if len(tools) > 0 {
		b.WriteString("You can use the following tools:\n")
		for _, tool := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", tool.Name, tool.Description)
		}
	}

	return b.String()
}
