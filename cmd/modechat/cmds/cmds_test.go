package cmds

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/modechat/pkg/modes"
	"github.com/go-go-golems/modechat/pkg/persistence/chatstore"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root, err := NewRootCommand()
	require.NoError(t, err)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append(args, "--log-level", "error"))
	err = root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestModesJSON(t *testing.T) {
	out, err := run(t, "modes", "-o", "json", "--persistence", "none")
	require.NoError(t, err)
	var list []modes.Mode
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 4)
	require.Equal(t, modes.GeneralID, list[0].ID)
}

func TestModesUnknownOutput(t *testing.T) {
	_, err := run(t, "modes", "-o", "xml")
	require.ErrorContains(t, err, "unknown output")
}

func TestAskPrintsReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.URL.Path != "/jira/query" || json.NewDecoder(r.Body).Decode(&body) != nil || body["query"] != "ping me" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"pong"}`))
	}))
	defer srv.Close()
	t.Setenv("MODECHAT_JIRA_URL", srv.URL)

	out, err := run(t, "ask", "--persistence", "none", "-m", modes.JiraID, "ping", "me")
	require.NoError(t, err)
	require.Equal(t, "pong\n", out)
}

func TestAskSurfacesBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	t.Setenv("MODECHAT_JIRA_URL", srv.URL)

	_, err := run(t, "ask", "--persistence", "none", "-m", modes.JiraID, "ping")
	require.ErrorContains(t, err, "backend_rejected")
}

func TestHealthReportsDownBackends(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	t.Setenv("MODECHAT_JIRA_URL", up.URL)
	t.Setenv("MODECHAT_SLACK_URL", downURL)

	out, err := run(t, "health", "--mode", modes.JiraID, "--mode", modes.SlackID)
	require.ErrorContains(t, err, "1 of 2 backends are down")
	require.Contains(t, out, "jira")
	require.Contains(t, out, "slack")
	require.Contains(t, out, "down")

	_, err = run(t, "health", "--mode", "nope")
	require.ErrorIs(t, err, modes.ErrUnknownMode)
}

func TestHistoryNeedsUser(t *testing.T) {
	_, err := run(t, "history", "--persistence", "memory")
	require.ErrorContains(t, err, "--user")
}

func TestHistoryListsStoredConversations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversations.db")
	dsn, err := chatstore.SQLiteDocumentDSNForFile(path)
	require.NoError(t, err)
	store, err := chatstore.NewSQLiteDocumentStore(dsn)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = store.CreateConversation(ctx, chatstore.ConversationDocument{UserID: "u1", ModeID: modes.JiraID, Title: "open tickets"})
	require.NoError(t, err)
	_, err = store.CreateConversation(ctx, chatstore.ConversationDocument{UserID: "u1", ModeID: modes.SlackID, Title: "channels"})
	require.NoError(t, err)
	_, err = store.CreateConversation(ctx, chatstore.ConversationDocument{UserID: "u2", ModeID: modes.JiraID, Title: "someone else"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := run(t, "history", "--persistence", "sqlite", "--sqlite-path", path, "--user", "u1", "-m", modes.JiraID, "--json")
	require.NoError(t, err)
	var docs []chatstore.ConversationDocument
	require.NoError(t, json.Unmarshal([]byte(out), &docs))
	require.Len(t, docs, 1)
	require.Equal(t, "open tickets", docs[0].Title)
}
