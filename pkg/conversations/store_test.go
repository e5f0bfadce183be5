package conversations

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/modechat/pkg/identity"
	"github.com/go-go-golems/modechat/pkg/modes"
	"github.com/go-go-golems/modechat/pkg/persistence/chatstore"
)

type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestStore(t *testing.T, docs chatstore.DocumentStore, user string) *Store {
	t.Helper()
	reg, err := modes.NewRegistry(modes.DefaultModes()...)
	require.NoError(t, err)
	clock := &tickClock{t: time.UnixMilli(1_700_000_000_000)}
	s, err := NewStore(StoreConfig{
		Registry:  reg,
		Documents: docs,
		Identity:  identity.Static(user),
		Now:       clock.Now,
	})
	require.NoError(t, err)
	return s
}

func TestDeriveTitle(t *testing.T) {
	require.Equal(t, "ping", DeriveTitle("ping"))
	require.Equal(t, "how do I open", DeriveTitle("how do I open a ticket"))
	require.Equal(t, "internationalization-configura...", DeriveTitle("internationalization-configuration-settings please"))
	require.Equal(t, "", DeriveTitle("   "))
}

func TestStoreCreateAppendList(t *testing.T) {
	s := newTestStore(t, nil, "")
	ctx := context.Background()

	c1, err := s.Create(ctx, modes.JiraID)
	require.NoError(t, err)
	require.Equal(t, "New Jira Assistant", c1.Title)
	require.True(t, c1.Active)
	require.False(t, c1.Persisted)

	c2, err := s.Create(ctx, modes.JiraID)
	require.NoError(t, err)

	active, ok := s.Active(modes.JiraID)
	require.True(t, ok)
	require.Equal(t, c2.ID, active.ID)
	old, ok := s.Get(c1.ID)
	require.True(t, ok)
	require.False(t, old.Active)

	_, _, err = s.Append(c1.ID, Message{Role: RoleUser, Content: "show open tickets for sprint 12"})
	require.NoError(t, err)
	got, ok := s.Get(c1.ID)
	require.True(t, ok)
	require.Equal(t, "show open tickets for", got.Title)

	// A second user message never retitles.
	_, _, err = s.Append(c1.ID, Message{Role: RoleUser, Content: "and closed ones"})
	require.NoError(t, err)
	got, _ = s.Get(c1.ID)
	require.Equal(t, "show open tickets for", got.Title)

	list := s.ListByMode(modes.JiraID)
	require.Len(t, list, 2)
	require.Equal(t, c1.ID, list[0].ID)
	require.Equal(t, c2.ID, list[1].ID)
	require.Empty(t, s.ListByMode(modes.SlackID))

	_, err = s.Create(ctx, "confluence")
	require.True(t, errors.Is(err, modes.ErrUnknownMode))
	_, _, err = s.Append("missing", Message{Role: RoleUser, Content: "x"})
	require.True(t, errors.Is(err, ErrConversationNotFound))
}

func TestStoreRemoveLastConversationRefused(t *testing.T) {
	s := newTestStore(t, nil, "")
	c, err := s.Create(context.Background(), modes.SlackID)
	require.NoError(t, err)

	_, err = s.Remove(c.ID)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLastConversationForMode))

	list := s.ListByMode(modes.SlackID)
	require.Len(t, list, 1)
	require.Equal(t, c.ID, list[0].ID)
	require.True(t, list[0].Active)
}

func TestStoreRemoveActivePromotesMostRecent(t *testing.T) {
	s := newTestStore(t, nil, "")
	ctx := context.Background()
	c1, err := s.Create(ctx, modes.GithubID)
	require.NoError(t, err)
	c2, err := s.Create(ctx, modes.GithubID)
	require.NoError(t, err)
	c3, err := s.Create(ctx, modes.GithubID)
	require.NoError(t, err)
	_, _, err = s.Append(c1.ID, Message{Role: RoleUser, Content: "newest activity"})
	require.NoError(t, err)

	_, err = s.Remove(c3.ID)
	require.NoError(t, err)
	active, ok := s.Active(modes.GithubID)
	require.True(t, ok)
	require.Equal(t, c1.ID, active.ID)

	_, err = s.Remove(c2.ID)
	require.NoError(t, err)
	active, _ = s.Active(modes.GithubID)
	require.Equal(t, c1.ID, active.ID)
}

func TestStoreUpdateMessageOnlyWhileStreaming(t *testing.T) {
	s := newTestStore(t, nil, "")
	c, err := s.Create(context.Background(), modes.GeneralID)
	require.NoError(t, err)
	_, placeholder, err := s.Append(c.ID, Message{Role: RoleAssistant, Streaming: true})
	require.NoError(t, err)

	_, m, err := s.UpdateMessage(c.ID, placeholder.ID, "Hel", false)
	require.NoError(t, err)
	require.True(t, m.Streaming)
	_, m, err = s.UpdateMessage(c.ID, placeholder.ID, "Hello", true)
	require.NoError(t, err)
	require.False(t, m.Streaming)

	_, _, err = s.UpdateMessage(c.ID, placeholder.ID, "changed", true)
	require.True(t, errors.Is(err, ErrMessageFinalized))
	_, _, err = s.UpdateMessage(c.ID, "nope", "x", true)
	require.True(t, errors.Is(err, ErrMessageNotFound))

	got, _ := s.Get(c.ID)
	require.Equal(t, "Hello", got.Messages[0].Content)
}

type failingDocs struct {
	chatstore.InMemoryDocumentStore
}

func (f *failingDocs) CreateConversation(context.Context, chatstore.ConversationDocument) (string, error) {
	return "", errors.New("connection refused")
}

func TestStoreCreateFallsBackToLocalID(t *testing.T) {
	s := newTestStore(t, &failingDocs{}, "u1")
	c, err := s.Create(context.Background(), modes.JiraID)
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)
	require.False(t, c.Persisted)
}

func TestStorePersistsAndHydrates(t *testing.T) {
	docs := chatstore.NewInMemoryDocumentStore()
	s := newTestStore(t, docs, "u1")
	ctx := context.Background()

	c, err := s.Create(ctx, modes.JiraID)
	require.NoError(t, err)
	require.True(t, c.Persisted)
	_, _, err = s.Append(c.ID, Message{Role: RoleUser, Content: "ping"})
	require.NoError(t, err)
	_, _, err = s.Append(c.ID, Message{Role: RoleAssistant, Content: "pong"})
	require.NoError(t, err)
	require.NoError(t, s.Mirror().Flush(ctx))

	doc, ok := docs.Get(c.ID)
	require.True(t, ok)
	require.Equal(t, "ping", doc.Title)
	require.Len(t, doc.Messages, 2)

	fresh := newTestStore(t, docs, "u1")
	n, err := fresh.Hydrate(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	active, ok := fresh.Active(modes.JiraID)
	require.True(t, ok)
	require.Equal(t, c.ID, active.ID)
	require.Equal(t, "pong", active.Messages[1].Content)

	n, err = fresh.Hydrate(ctx, "nobody")
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Len(t, fresh.ListByMode(modes.JiraID), 1)
}

func TestStoreLoadKeepingPreservesNamedConversations(t *testing.T) {
	s := newTestStore(t, nil, "")
	ctx := context.Background()
	local, err := s.Create(ctx, modes.GeneralID)
	require.NoError(t, err)
	_, _, err = s.Append(local.ID, Message{ID: "u", Role: RoleUser, Content: "explain"})
	require.NoError(t, err)
	_, _, err = s.Append(local.ID, Message{ID: "a", Role: RoleAssistant, Content: "part", Streaming: true})
	require.NoError(t, err)
	dropped, err := s.Create(ctx, modes.JiraID)
	require.NoError(t, err)

	now := time.Now()
	n := s.LoadKeeping([]Conversation{
		{ID: "g1", ModeID: modes.GeneralID, Title: "stored general", UpdatedAt: now},
		{ID: "s1", ModeID: modes.SlackID, Title: "stored slack", UpdatedAt: now},
	}, []string{local.ID, "missing"})
	require.Equal(t, 2, n)

	_, ok := s.Get(dropped.ID)
	require.False(t, ok)
	kept, ok := s.Get(local.ID)
	require.True(t, ok)
	require.Len(t, kept.Messages, 2)
	require.True(t, kept.Messages[1].Streaming)

	active, ok := s.Active(modes.GeneralID)
	require.True(t, ok)
	require.Equal(t, local.ID, active.ID)
	require.Len(t, s.ListByMode(modes.GeneralID), 2)

	// the in-flight placeholder can still be finalized
	_, _, err = s.UpdateMessage(local.ID, "a", "part two", true)
	require.NoError(t, err)

	slack, ok := s.Active(modes.SlackID)
	require.True(t, ok)
	require.Equal(t, "s1", slack.ID)
}
