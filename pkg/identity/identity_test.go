package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSwitchableNotifiesSubscribers(t *testing.T) {
	p := NewSwitchable("")
	require.Equal(t, "", p.CurrentUserID())

	ch, release := p.Subscribe()
	defer release()

	p.SetUser("alice")
	require.Equal(t, "alice", p.CurrentUserID())
	require.Equal(t, Change{UserID: "alice"}, <-ch)

	p.SetUser("alice")
	select {
	case c := <-ch:
		t.Fatalf("unexpected change %+v", c)
	default:
	}

	p.SignOut()
	require.Equal(t, Change{UserID: ""}, <-ch)
}

func TestSwitchableKeepsLatestForSlowSubscriber(t *testing.T) {
	p := NewSwitchable("")
	ch, release := p.Subscribe()
	for _, u := range []string{"a", "b", "c", "d", "e", "f"} {
		p.SetUser(u)
	}
	var last Change
	for i := 0; i < 4; i++ {
		last = <-ch
	}
	require.Equal(t, "f", last.UserID)

	release()
	release()
	_, ok := <-ch
	require.False(t, ok)
}
