package chatstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func sqliteStore(t *testing.T) DocumentStore {
	t.Helper()
	dsn, err := SQLiteDocumentDSNForFile(filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)
	s, err := NewSQLiteDocumentStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storesUnderTest(t *testing.T) map[string]DocumentStore {
	t.Helper()
	stores := map[string]DocumentStore{
		"memory": NewInMemoryDocumentStore(),
		"sqlite": sqliteStore(t),
	}
	if addr := os.Getenv("MODECHAT_TEST_REDIS_ADDR"); addr != "" {
		s, err := DialRedisDocumentStore(context.Background(), addr, "modechat-test-"+t.Name())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		stores["redis"] = s
	}
	return stores
}

func TestDocumentStore_CreateUpdateList(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			id1, err := s.CreateConversation(ctx, ConversationDocument{UserID: "u1", ModeID: "jira", Title: "New Jira Assistant", CreatedAtMs: 100})
			require.NoError(t, err)
			require.NotEmpty(t, id1)

			id2, err := s.CreateConversation(ctx, ConversationDocument{ID: "fixed", UserID: "u1", ModeID: "slack", CreatedAtMs: 200})
			require.NoError(t, err)
			require.Equal(t, "fixed", id2)

			_, err = s.CreateConversation(ctx, ConversationDocument{UserID: "u2", ModeID: "slack", CreatedAtMs: 300})
			require.NoError(t, err)

			err = s.UpdateConversation(ctx, id1, ConversationPatch{
				Title:       "ping",
				UpdatedAtMs: 500,
				Messages: []MessageRecord{
					{ID: "m1", Role: "user", Content: "ping", CreatedAtMs: 400},
					{ID: "m2", Role: "assistant", Content: "pong", CreatedAtMs: 450},
				},
			})
			require.NoError(t, err)

			docs, err := s.ListConversationsForUser(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, docs, 2)
			require.Equal(t, id1, docs[0].ID)
			require.Equal(t, "ping", docs[0].Title)
			require.Equal(t, int64(500), docs[0].UpdatedAtMs)
			require.Len(t, docs[0].Messages, 2)
			require.Equal(t, "pong", docs[0].Messages[1].Content)
			require.Equal(t, "fixed", docs[1].ID)
			require.Empty(t, docs[1].Messages)

			// Whole-list replacement, not append.
			err = s.UpdateConversation(ctx, id1, ConversationPatch{
				Title:       "ping",
				UpdatedAtMs: 600,
				Messages:    []MessageRecord{{ID: "m1", Role: "user", Content: "ping", CreatedAtMs: 400}},
			})
			require.NoError(t, err)
			docs, err = s.ListConversationsForUser(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, docs[0].Messages, 1)
		})
	}
}

func TestDocumentStore_UpdateMissingAndDelete(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := s.UpdateConversation(ctx, "nope", ConversationPatch{Title: "x"})
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrDocumentNotFound))

			id, err := s.CreateConversation(ctx, ConversationDocument{UserID: "u1", ModeID: "github"})
			require.NoError(t, err)
			require.NoError(t, s.DeleteConversation(ctx, id))
			require.NoError(t, s.DeleteConversation(ctx, id))

			docs, err := s.ListConversationsForUser(ctx, "u1")
			require.NoError(t, err)
			require.Empty(t, docs)
		})
	}
}

func TestSQLiteDocumentStore_ReopenKeepsDocuments(t *testing.T) {
	dir := t.TempDir()
	dsn, err := SQLiteDocumentDSNForFile(filepath.Join(dir, "docs.db"))
	require.NoError(t, err)

	s, err := NewSQLiteDocumentStore(dsn)
	require.NoError(t, err)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx, ConversationDocument{UserID: "u1", ModeID: "jira", Messages: []MessageRecord{
		{ID: "m1", Role: "user", Content: "hello"},
	}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteDocumentStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	docs, err := s.ListConversationsForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, id, docs[0].ID)
	require.Equal(t, "hello", docs[0].Messages[0].Content)
}

func TestSQLiteDocumentDSNForFile(t *testing.T) {
	_, err := SQLiteDocumentDSNForFile("")
	require.Error(t, err)
	dsn, err := SQLiteDocumentDSNForFile("/tmp/x.db")
	require.NoError(t, err)
	require.Contains(t, dsn, "_foreign_keys=on")
}
