package redisstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSettingsWithDefaults(t *testing.T) {
	s := Settings{Enabled: true, Group: "g"}.WithDefaults()
	require.True(t, s.Enabled)
	require.Equal(t, "localhost:6379", s.Addr)
	require.Equal(t, "g", s.Group)
	require.Equal(t, "ui-1", s.Consumer)
}

func TestBuildersRejectNilClient(t *testing.T) {
	_, err := BuildPublisher(nil)
	require.Error(t, err)
	_, err = BuildGroupSubscriber(nil, "g", "c")
	require.Error(t, err)
}
