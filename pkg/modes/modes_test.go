package modes

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogResolves(t *testing.T) {
	r, err := NewRegistry(DefaultModes()...)
	require.NoError(t, err)
	require.Equal(t, []string{GeneralID, SlackID, JiraID, GithubID}, r.IDs())
	require.Equal(t, GeneralID, r.Default().ID)

	jira, err := r.Resolve(JiraID)
	require.NoError(t, err)
	require.False(t, jira.Backend.IsStreaming())
	require.Equal(t, "http://localhost:8001/jira/query", jira.Backend.Endpoint())
	require.Equal(t, "http://localhost:8001/health", jira.Backend.HealthURL())
	require.Equal(t, "response", jira.Backend.ResponseField())
	require.Equal(t, "New Jira Assistant", jira.DefaultTitle())

	gh, err := r.Resolve(GithubID)
	require.NoError(t, err)
	require.Equal(t, "session_id", gh.Backend.Correlation())

	general, err := r.Resolve(GeneralID)
	require.NoError(t, err)
	require.True(t, general.Backend.IsStreaming())
	require.Equal(t, LightTimeout, general.Backend.Timeout)
}

func TestResolveUnknownMode(t *testing.T) {
	r, err := NewRegistry(DefaultModes()...)
	require.NoError(t, err)
	_, err = r.Resolve("confluence")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownMode))
	require.False(t, r.Has("confluence"))
}

func TestRegistryRejectsInvalidDescriptors(t *testing.T) {
	m := DefaultModes()[1]
	m.Backend.Streaming = &Streaming{Decoder: DecoderText}
	_, err := NewRegistry(m)
	require.Error(t, err)

	m = DefaultModes()[1]
	m.Backend.BaseURL = "ftp://example"
	_, err = NewRegistry(m)
	require.Error(t, err)

	_, err = NewRegistry(DefaultModes()[0], DefaultModes()[0])
	require.Error(t, err)

	_, err = NewRegistry()
	require.Error(t, err)
}

func TestOverlayAndBaseURLs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
modes:
  - id: jira
    backend:
      base_url: http://jira.internal:9001
      timeout: 45s
  - id: confluence
    name: Confluence Assistant
    backend:
      base_url: http://localhost:8010
      path: /ask
      timeout: 10s
      request: message
      single_shot:
        response_field: answer
`), 0o644))

	f, err := LoadFile(path)
	require.NoError(t, err)
	ms := Overlay(DefaultModes(), f.Modes)
	ms = WithBaseURLs(ms, map[string]string{SlackID: "http://slack.internal:8000", GithubID: " "})

	r, err := NewRegistry(ms...)
	require.NoError(t, err)

	jira, err := r.Resolve(JiraID)
	require.NoError(t, err)
	require.Equal(t, "http://jira.internal:9001/jira/query", jira.Backend.Endpoint())
	require.Equal(t, 45*time.Second, jira.Backend.Timeout)
	require.Equal(t, "Jira Assistant", jira.Name)

	slack, err := r.Resolve(SlackID)
	require.NoError(t, err)
	require.Equal(t, "http://slack.internal:8000/chat", slack.Backend.Endpoint())

	gh, err := r.Resolve(GithubID)
	require.NoError(t, err)
	require.Equal(t, DefaultGithubURL, gh.Backend.BaseURL)

	conf, err := r.Resolve("confluence")
	require.NoError(t, err)
	require.Equal(t, "answer", conf.Backend.ResponseField())
	require.Equal(t, "confluence", r.IDs()[4])
}

func TestWithTimeouts(t *testing.T) {
	ms := WithTimeouts(DefaultModes(), 5*time.Second, 0)
	require.Equal(t, 5*time.Second, ms[0].Backend.Timeout)
	require.Equal(t, HeavyTimeout, ms[1].Backend.Timeout)
}
