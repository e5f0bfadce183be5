package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/modechat/pkg/modes"
)

func TestDefaults(t *testing.T) {
	c, err := Load(New(), "")
	require.NoError(t, err)
	require.Equal(t, ":8080", c.Addr)
	require.Equal(t, "info", c.Logging.Level)
	require.Equal(t, "memory", c.Persistence.Backend)
	require.Equal(t, modes.DefaultSlackURL, c.Backends[modes.SlackID])
	require.False(t, c.Redis.Enabled)
	require.Equal(t, "localhost:6379", c.Redis.Addr)

	reg, err := c.Registry()
	require.NoError(t, err)
	jira, err := reg.Resolve(modes.JiraID)
	require.NoError(t, err)
	require.Equal(t, modes.DefaultJiraURL, jira.Backend.BaseURL)
	require.Equal(t, modes.HeavyTimeout, jira.Backend.Timeout)
}

func TestBackendEnvFallbacks(t *testing.T) {
	t.Setenv("NEXT_PUBLIC_FASTAPI_URL", "http://fastapi:9000")
	t.Setenv("MODECHAT_JIRA_URL", "http://jira:9001")

	c, err := Load(New(), "")
	require.NoError(t, err)
	require.Equal(t, "http://fastapi:9000", c.Backends[modes.SlackID])
	require.Equal(t, "http://jira:9001", c.Backends[modes.JiraID])

	t.Setenv("MODECHAT_SLACK_URL", "http://slack:9002")
	c, err = Load(New(), "")
	require.NoError(t, err)
	require.Equal(t, "http://slack:9002", c.Backends[modes.SlackID])
}

func TestConfigFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	modesFile := filepath.Join(dir, "modes.yaml")
	require.NoError(t, os.WriteFile(modesFile, []byte(`
modes:
  - id: docs
    name: Docs Assistant
    backend:
      base_url: http://docs:7000
      path: /ask
      request: message
      single_shot:
        response_field: answer
`), 0o644))
	cfgFile := filepath.Join(dir, "modechat.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`
addr: ":9999"
modes-file: `+modesFile+`
backends:
  github: http://gh:8003
timeouts:
  heavy: 45s
  light: 10s
persistence:
  backend: sqlite
  sqlite-path: `+filepath.Join(dir, "db", "chats.db")+`
`), 0o644))

	v := New()
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, AddFlags(cmd, v))
	require.NoError(t, cmd.PersistentFlags().Parse([]string{"--user", "alice", "--synthetic-errors"}))

	c, err := Load(v, cfgFile)
	require.NoError(t, err)
	require.Equal(t, ":9999", c.Addr)
	require.Equal(t, "alice", c.User)
	require.True(t, c.SyntheticErrors)
	require.Equal(t, 45*time.Second, c.Timeouts.Heavy)

	reg, err := c.Registry()
	require.NoError(t, err)
	gh, err := reg.Resolve(modes.GithubID)
	require.NoError(t, err)
	require.Equal(t, "http://gh:8003", gh.Backend.BaseURL)
	require.Equal(t, 45*time.Second, gh.Backend.Timeout)
	general, err := reg.Resolve(modes.GeneralID)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, general.Backend.Timeout)
	docs, err := reg.Resolve("docs")
	require.NoError(t, err)
	require.Equal(t, "answer", docs.Backend.ResponseField())

	store, err := c.OpenDocumentStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NoError(t, store.Close())
}

func TestUnknownPersistenceBackend(t *testing.T) {
	t.Setenv("MODECHAT_PERSISTENCE_BACKEND", "postgres")
	_, err := Load(New(), "")
	require.Error(t, err)
}

func TestNonePersistence(t *testing.T) {
	c := Config{Persistence: Persistence{Backend: "none"}}
	store, err := c.OpenDocumentStore(context.Background())
	require.NoError(t, err)
	require.Nil(t, store)
}
