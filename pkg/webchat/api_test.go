package webchat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/modechat/pkg/conversations"
	"github.com/go-go-golems/modechat/pkg/dispatch"
	"github.com/go-go-golems/modechat/pkg/events"
	"github.com/go-go-golems/modechat/pkg/modes"
	"github.com/go-go-golems/modechat/pkg/session"
)

type senderFunc func(ctx context.Context, req dispatch.Request) (*dispatch.Reply, error)

func (f senderFunc) Send(ctx context.Context, req dispatch.Request) (*dispatch.Reply, error) {
	return f(ctx, req)
}

type healthFunc func(ctx context.Context, modeID string) error

func (f healthFunc) Health(ctx context.Context, modeID string) error { return f(ctx, modeID) }

func echoSender() senderFunc {
	return func(_ context.Context, req dispatch.Request) (*dispatch.Reply, error) {
		return &dispatch.Reply{ModeID: req.ModeID, Text: "echo: " + req.Text}, nil
	}
}

type testEnv struct {
	ts     *httptest.Server
	router *session.Router
}

func newTestEnv(t *testing.T, sender session.Sender, health HealthChecker) *testEnv {
	t.Helper()
	reg, err := modes.NewRegistry(modes.DefaultModes()...)
	require.NoError(t, err)
	store, err := conversations.NewStore(conversations.StoreConfig{Registry: reg})
	require.NoError(t, err)

	backend := events.NewInMemoryBackend()
	t.Cleanup(func() { _ = backend.Close() })
	bus, err := events.NewBus(backend.Publisher(), "")
	require.NoError(t, err)

	router, err := session.New(session.Options{Registry: reg, Store: store, Dispatcher: sender, Sink: bus})
	require.NoError(t, err)

	srv, err := NewServer(context.Background(), ServerConfig{Router: router, Health: health, Backend: backend})
	require.NoError(t, err)
	require.NoError(t, srv.forward.Start(context.Background()))
	t.Cleanup(srv.forward.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, router.Close(ctx))
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, router: router}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestSubmitWaitReturnsFinalState(t *testing.T) {
	env := newTestEnv(t, echoSender(), nil)

	resp, body := env.do(t, http.MethodPost, "/api/modes/jira/submit?wait=true", map[string]string{"text": "ping"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out submitResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, modes.JiraID, out.ModeID)
	require.NotNil(t, out.State)
	require.Equal(t, session.StatusReady, out.State.Status)
	require.Len(t, out.State.Messages, 2)
	require.Equal(t, "echo: ping", out.State.Messages[1].Content)

	resp, body = env.do(t, http.MethodGet, "/api/modes/jira", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail modeDetail
	require.NoError(t, json.Unmarshal(body, &detail))
	require.Equal(t, "Jira Assistant", detail.Name)
	require.Equal(t, out.ConversationID, detail.State.ActiveConversationID)
}

func TestInputBufferSubmit(t *testing.T) {
	env := newTestEnv(t, echoSender(), nil)

	resp, _ := env.do(t, http.MethodPost, "/api/modes/slack/submit", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPut, "/api/modes/slack/input", map[string]string{"text": "from buffer"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := env.do(t, http.MethodPost, "/api/modes/slack/submit?wait=true", map[string]string{})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out submitResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Empty(t, out.State.Input)
	require.Equal(t, "from buffer", out.State.Messages[0].Content)
}

func TestErrorStatuses(t *testing.T) {
	env := newTestEnv(t, senderFunc(func(_ context.Context, req dispatch.Request) (*dispatch.Reply, error) {
		return nil, &dispatch.Error{Kind: dispatch.KindUnreachable, ModeID: req.ModeID, Err: errors.New("connection refused")}
	}), nil)

	cases := []struct {
		method, path string
		body         any
		status       int
		code         string
	}{
		{http.MethodGet, "/api/modes/weather", nil, http.StatusNotFound, "unknown_mode"},
		{http.MethodPost, "/api/modes/weather/submit", map[string]string{"text": "hi"}, http.StatusNotFound, "unknown_mode"},
		{http.MethodPost, "/api/modes/slack/stop", nil, http.StatusConflict, "no_turn"},
		{http.MethodPost, "/api/modes/slack/reload", nil, http.StatusConflict, "not_failed"},
		{http.MethodPost, "/api/conversations/missing/switch", nil, http.StatusNotFound, "conversation_not_found"},
	}
	for _, c := range cases {
		resp, raw := env.do(t, c.method, c.path, c.body)
		require.Equal(t, c.status, resp.StatusCode, "%s %s: %s", c.method, c.path, raw)
		var er errorResponse
		require.NoError(t, json.Unmarshal(raw, &er))
		require.Equal(t, c.code, er.Code)
	}

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/modes/slack/submit", strings.NewReader(`{"text":`))
	require.NoError(t, err)
	bad, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = bad.Body.Close()
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/modes/slack/submit?wait=true", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out submitResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, session.StatusError, out.State.Status)
	require.Equal(t, dispatch.KindUnreachable, out.State.ErrorKind)

	resp, _ = env.do(t, http.MethodPost, "/api/modes/slack/submit", map[string]string{"text": "again"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/api/modes/slack/reload", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st session.ModeState
	require.NoError(t, json.Unmarshal(body, &st))
	require.Equal(t, session.StatusReady, st.Status)
	require.Equal(t, "hello", st.Input)
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t, echoSender(), nil)

	resp, body := env.do(t, http.MethodPost, "/api/mode", map[string]string{"mode": "github"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var st session.ModeState
	require.NoError(t, json.Unmarshal(body, &st))
	first := st.ActiveConversationID
	require.NotEmpty(t, first)

	resp, _ = env.do(t, http.MethodDelete, "/api/conversations/"+first, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/api/modes/github/conversations", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var conv conversations.Conversation
	require.NoError(t, json.Unmarshal(body, &conv))
	require.Equal(t, "New GitHub Assistant", conv.Title)

	resp, body = env.do(t, http.MethodGet, "/api/modes/github/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []conversations.Conversation
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 2)

	resp, _ = env.do(t, http.MethodPost, "/api/conversations/"+first+"/switch", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/modes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var views []modeView
	require.NoError(t, json.Unmarshal(body, &views))
	require.Len(t, views, 4)
	for _, v := range views {
		require.Equal(t, v.ID == modes.GithubID, v.Current, v.ID)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, echoSender(), healthFunc(func(_ context.Context, modeID string) error {
		if modeID == modes.JiraID {
			return errors.New("down")
		}
		return nil
	}))

	resp, _ := env.do(t, http.MethodGet, "/api/health/slack", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := env.do(t, http.MethodGet, "/api/health/jira", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var hr healthResponse
	require.NoError(t, json.Unmarshal(body, &hr))
	require.False(t, hr.OK)
	require.Equal(t, "down", hr.Error)
	resp, _ = env.do(t, http.MethodGet, "/api/health/weather", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

func TestWebsocketStreamsModeEvents(t *testing.T) {
	env := newTestEnv(t, echoSender(), nil)

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws?mode=slack"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readJSON(t, conn)
	require.Equal(t, "ws.hello", hello["type"])
	require.Equal(t, env.router.ID(), hello["session"])
	snap := readJSON(t, conn)
	require.Equal(t, "ws.snapshot", snap["type"])
	require.Equal(t, modes.SlackID, snap["mode_id"])

	resp, _ := env.do(t, http.MethodPost, "/api/modes/jira/submit?wait=true", map[string]string{"text": "not for slack"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/modes/slack/submit", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var lastSeq float64
	for {
		ev := readJSON(t, conn)
		require.Equal(t, modes.SlackID, ev["mode_id"])
		seq := ev["seq"].(float64)
		require.Greater(t, seq, lastSeq)
		lastSeq = seq
		if ev["type"] == string(events.MessageCompleted) {
			require.Equal(t, "echo: hi", ev["content"])
			break
		}
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ws.ping"}`)))
	for {
		ev := readJSON(t, conn)
		if ev["type"] == "ws.pong" {
			break
		}
	}
}
