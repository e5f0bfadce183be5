package identity

import (
	"strings"
	"sync"
)

// Change is delivered when the signed-in user changes. An empty UserID means
// signed out.
type Change struct {
	UserID string
}

// Provider exposes the current user. How the user was verified is not its concern.
type Provider interface {
	CurrentUserID() string
	// Subscribe returns a channel of changes and a func that releases it.
	Subscribe() (<-chan Change, func())
}

// Switchable is an in-process Provider whose user can be set at runtime.
type Switchable struct {
	mu     sync.Mutex
	userID string
	subs   map[int]chan Change
	nextID int
}

var _ Provider = &Switchable{}

func NewSwitchable(userID string) *Switchable {
	return &Switchable{userID: strings.TrimSpace(userID), subs: map[int]chan Change{}}
}

// Static returns a provider that never changes.
func Static(userID string) *Switchable {
	return NewSwitchable(userID)
}

func (s *Switchable) CurrentUserID() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Switchable) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 4)
	if s == nil {
		close(ch)
		return ch, func() {}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
			s.mu.Unlock()
		})
	}
}

// SetUser changes the current user and notifies subscribers. Setting the same
// user again is a no-op.
func (s *Switchable) SetUser(userID string) {
	if s == nil {
		return
	}
	userID = strings.TrimSpace(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID == userID {
		return
	}
	s.userID = userID
	for _, ch := range s.subs {
		select {
		case ch <- Change{UserID: userID}:
		default:
			// slow subscriber: drop the oldest pending change and keep the latest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- Change{UserID: userID}:
			default:
			}
		}
	}
}

func (s *Switchable) SignOut() {
	s.SetUser("")
}
