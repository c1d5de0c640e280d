package mcpbridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/require"

	"github.com/caldertrail/mcpbridge"
)

// mockMCPServer emulates a tool-providing MCP server speaking the wire
// dialect: list_tools/call_tool methods, "parameters" in tool calls, and a
// session id assigned via response header on initialize.
type mockMCPServer struct {
	*httptest.Server

	sessionID   string
	initializes atomic.Int64
	toolCalls   atomic.Int64
}

func newMockMCPServer(t *testing.T) *mockMCPServer {
	t.Helper()

	s := &mockMCPServer{sessionID: "abc123"}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mcpbridge.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("mock server: failed to decode request: %v", err)
			return
		}

		switch req.Method {
		case "initialize":
			s.initializes.Add(1)
			w.Header().Set("Mcp-Session-Id", s.sessionID)
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"mock","version":"1.0"}}}`, req.ID)
		case "list_tools":
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":{"tools":[{"name":"search"}]}}`, req.ID)
		case "call_tool":
			s.toolCalls.Add(1)
			if r.Header.Get("Mcp-Session-Id") != s.sessionID {
				t.Errorf("mock server: tool call missing session header")
			}
			var params struct {
				Name       string          `json:"name"`
				Parameters json.RawMessage `json:"parameters"`
			}
			if err := json.Unmarshal(req.Params, &params); err != nil || params.Parameters == nil {
				t.Errorf("mock server: tool call params not in wire shape: %s", req.Params)
			}
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":{"content":[{"type":"text","text":"ok"}]}}`, req.ID)
		default:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"error":{"code":-32601,"message":"method not found"}}`, req.ID)
		}
	}))
	t.Cleanup(s.Server.Close)

	return s
}

func newTestManager(t *testing.T, ttl time.Duration, options ...mcpbridge.ManagerOption) (*mcpbridge.Manager, *mcpbridge.Registry, *miniredis.Miniredis) {
	t.Helper()

	r := miniredis.RunT(t)
	rc, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{r.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(rc.Close)

	store := mcpbridge.NewRedisSessionStore(rc, mcpbridge.WithSessionTTL(ttl))
	registry := mcpbridge.NewRegistry()
	manager := mcpbridge.NewManager(store, registry, options...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	return manager, registry, r
}

func TestManagerCreateSession(t *testing.T) {
	server := newMockMCPServer(t)
	manager, registry, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	result, err := manager.CreateSession(ctx, server.URL, nil, "")
	require.NoError(t, err)
	require.Equal(t, "abc123", result.SessionID)
	require.Empty(t, result.Warning)

	require.Len(t, result.Tools, 1)
	require.Equal(t, "search", result.Tools[0].Name)
	require.Equal(t, "使用search工具执行操作", result.Tools[0].Description)
	require.JSONEq(t, `{}`, string(result.Tools[0].InputSchema))

	require.Equal(t, 1, registry.Len())

	sess, err := manager.GetSession(ctx, "abc123")
	require.NoError(t, err)
	require.Equal(t, server.URL, sess.ConnectionParams.URL)
	require.NotEmpty(t, sess.SystemPrompt)
	require.NotZero(t, sess.StartTime)
}

func TestManagerCreateSessionInvalidURL(t *testing.T) {
	manager, registry, _ := newTestManager(t, time.Hour)

	for _, serverURL := range []string{"not a url", "/relative/path", "ftp://mcp.example.test"} {
		_, err := manager.CreateSession(context.Background(), serverURL, nil, "")

		var invalidErr *mcpbridge.InvalidArgumentError
		require.ErrorAs(t, err, &invalidErr, "url %q", serverURL)
	}
	require.Equal(t, 0, registry.Len())
}

func TestManagerCreateSessionUpstreamFailure(t *testing.T) {
	// A server that is already gone: connection refused on first contact.
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	serverURL := server.URL
	server.Close()

	manager, registry, _ := newTestManager(t, time.Hour)

	_, err := manager.CreateSession(context.Background(), serverURL, nil, "")

	var upstreamErr *mcpbridge.UpstreamConnectionError
	require.ErrorAs(t, err, &upstreamErr)
	require.Equal(t, serverURL, upstreamErr.URL)
	require.Equal(t, 0, registry.Len(), "failed creation must not leak connections")
}

func TestManagerCreateSessionRecordsCallerKey(t *testing.T) {
	server := newMockMCPServer(t)
	manager, _, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	member := &mcpbridge.MemberInfo{Name: "Ada", Role: "analyst"}
	result, err := manager.CreateSession(ctx, server.URL, member, "caller-7")
	require.NoError(t, err)

	sess, err := manager.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.MemberInfo)
	require.Equal(t, "caller-7", sess.MemberInfo.UserSessionKey)
	require.Equal(t, "Ada", sess.MemberInfo.Name)

	require.Equal(t, result.SessionID, manager.FindByCallerKey("caller-7"))
	require.Empty(t, manager.FindByCallerKey("someone-else"))
}

type staticConfigProvider struct {
	cfg *mcpbridge.ModelConfig
	err error
}

func (p staticConfigProvider) DefaultConfig(context.Context) (*mcpbridge.ModelConfig, error) {
	return p.cfg, p.err
}

func TestManagerCreateSessionRedactsAPIKey(t *testing.T) {
	server := newMockMCPServer(t)
	provider := staticConfigProvider{cfg: &mcpbridge.ModelConfig{
		Model:   "deepseek-chat",
		BaseURL: "https://api.example.test/v1",
		APIKey:  "sk-super-secret",
	}}
	manager, _, _ := newTestManager(t, time.Hour, mcpbridge.WithModelConfigProvider(provider))
	ctx := context.Background()

	result, err := manager.CreateSession(ctx, server.URL, nil, "")
	require.NoError(t, err)

	sess, err := manager.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.AIModelConfig)
	require.Equal(t, "deepseek-chat", sess.AIModelConfig.Model)
	require.NotContains(t, sess.AIModelConfig.APIKey, "secret")
}

func TestManagerCreateSessionWithoutModelConfig(t *testing.T) {
	server := newMockMCPServer(t)
	provider := staticConfigProvider{err: errors.New("config service down")}
	manager, _, _ := newTestManager(t, time.Hour, mcpbridge.WithModelConfigProvider(provider))

	// A failing provider must not fail the session.
	result, err := manager.CreateSession(context.Background(), server.URL, nil, "")
	require.NoError(t, err)
	require.Equal(t, "abc123", result.SessionID)
}

// failingStore rejects writes but otherwise behaves like an empty store.
type failingStore struct{}

func (failingStore) Put(context.Context, *mcpbridge.Session) error {
	return errors.New("store unavailable")
}

func (failingStore) Get(context.Context, string) (*mcpbridge.Session, error) {
	return nil, mcpbridge.ErrNotFound
}

func (failingStore) Delete(context.Context, string) (bool, error) {
	return false, nil
}

func TestManagerCreateSessionPersistenceWarning(t *testing.T) {
	server := newMockMCPServer(t)
	manager := mcpbridge.NewManager(failingStore{}, mcpbridge.NewRegistry())

	result, err := manager.CreateSession(context.Background(), server.URL, nil, "")
	require.NoError(t, err, "a session usable for the current request is preferable to none")
	require.Equal(t, "abc123", result.SessionID)
	require.NotEmpty(t, result.Warning)
}

func TestManagerGetSessionSlidingExpiry(t *testing.T) {
	server := newMockMCPServer(t)
	manager, _, r := newTestManager(t, time.Hour)
	ctx := context.Background()

	result, err := manager.CreateSession(ctx, server.URL, nil, "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r.FastForward(45 * time.Minute)
		_, err := manager.GetSession(ctx, result.SessionID)
		require.NoError(t, err)
	}

	r.FastForward(61 * time.Minute)
	_, err = manager.GetSession(ctx, result.SessionID)
	require.ErrorIs(t, err, mcpbridge.ErrNotFound)

	// Identical to a session that never existed.
	_, err = manager.GetSession(ctx, "never-created")
	require.ErrorIs(t, err, mcpbridge.ErrNotFound)
}

func TestManagerGetSessionInfo(t *testing.T) {
	server := newMockMCPServer(t)
	manager, _, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	result, err := manager.CreateSession(ctx, server.URL, &mcpbridge.MemberInfo{Name: "Ada"}, "")
	require.NoError(t, err)

	info, err := manager.GetSessionInfo(ctx, result.SessionID)
	require.NoError(t, err)
	require.Equal(t, result.SessionID, info.SessionID)
	require.True(t, info.HasTools)
	require.NotZero(t, info.StartTime)
	require.NotNil(t, info.MemberInfo)
}

func TestManagerCallTool(t *testing.T) {
	server := newMockMCPServer(t)
	manager, _, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	result, err := manager.CreateSession(ctx, server.URL, nil, "")
	require.NoError(t, err)

	out, err := manager.CallTool(ctx, result.SessionID, "search", json.RawMessage(`{"q":"x"}`))
	require.NoError(t, err)
	require.Contains(t, string(out), `"text":"ok"`)
	require.Equal(t, int64(1), server.toolCalls.Load())
}

func TestManagerCallToolRedialsFromStore(t *testing.T) {
	server := newMockMCPServer(t)
	manager, _, r := newTestManager(t, time.Hour)
	ctx := context.Background()

	result, err := manager.CreateSession(ctx, server.URL, nil, "")
	require.NoError(t, err)

	// A second process holds no transport for the session; the persisted
	// record wins and the connection is re-established from it.
	rc, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{r.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(rc.Close)

	other := mcpbridge.NewManager(
		mcpbridge.NewRedisSessionStore(rc, mcpbridge.WithSessionTTL(time.Hour)),
		mcpbridge.NewRegistry(),
	)

	out, err := other.CallTool(ctx, result.SessionID, "search", json.RawMessage(`{"q":"x"}`))
	require.NoError(t, err)
	require.Contains(t, string(out), "ok")
	require.GreaterOrEqual(t, server.initializes.Load(), int64(2), "redial performs a fresh handshake")
}

func TestManagerCallToolUnknownSession(t *testing.T) {
	manager, _, _ := newTestManager(t, time.Hour)

	_, err := manager.CallTool(context.Background(), "ghost", "search", nil)
	require.ErrorIs(t, err, mcpbridge.ErrNotFound)
}

func TestManagerCloseSession(t *testing.T) {
	server := newMockMCPServer(t)
	manager, registry, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	result, err := manager.CreateSession(ctx, server.URL, nil, "")
	require.NoError(t, err)

	closed, err := manager.CloseSession(ctx, result.SessionID)
	require.NoError(t, err)
	require.True(t, closed.RemovedFromStore)
	require.True(t, closed.ConnectionClosed)
	require.Equal(t, 0, registry.Len())

	// Closing again is a harmless 404, never a fault.
	closed, err = manager.CloseSession(ctx, result.SessionID)
	require.ErrorIs(t, err, mcpbridge.ErrNotFound)
	require.False(t, closed.RemovedFromStore)
	require.False(t, closed.ConnectionClosed)

	_, err = manager.CloseSession(ctx, "never-created")
	require.ErrorIs(t, err, mcpbridge.ErrNotFound)
}

func TestManagerCloseSessionPartialCleanup(t *testing.T) {
	server := newMockMCPServer(t)
	manager, _, r := newTestManager(t, time.Hour)
	ctx := context.Background()

	result, err := manager.CreateSession(ctx, server.URL, nil, "")
	require.NoError(t, err)

	// The record expired but this process still holds the connection.
	r.FastForward(2 * time.Hour)

	closed, err := manager.CloseSession(ctx, result.SessionID)
	require.NoError(t, err, "partial cleanup is still progress")
	require.False(t, closed.RemovedFromStore)
	require.True(t, closed.ConnectionClosed)
}

func TestManagerEnsureSessionReuses(t *testing.T) {
	server := newMockMCPServer(t)
	manager, _, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	first, err := manager.EnsureSession(ctx, server.URL, nil, "caller-7")
	require.NoError(t, err)

	second, err := manager.EnsureSession(ctx, server.URL, nil, "caller-7")
	require.NoError(t, err)
	require.Equal(t, first.SessionID, second.SessionID)
	require.Equal(t, int64(1), server.initializes.Load(), "existing session must be reused")
}

func TestManagerShutdown(t *testing.T) {
	server := newMockMCPServer(t)
	manager, registry, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	_, err := manager.CreateSession(ctx, server.URL, nil, "")
	require.NoError(t, err)

	require.NoError(t, manager.Shutdown(ctx))
	require.Equal(t, 0, registry.Len())
}
