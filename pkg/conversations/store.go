package conversations

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/modechat/pkg/identity"
	"github.com/go-go-golems/modechat/pkg/modes"
	"github.com/go-go-golems/modechat/pkg/persistence/chatstore"
)

const defaultCreateTimeout = 5 * time.Second

type StoreConfig struct {
	Registry *modes.Registry
	// Documents is optional. Without it every conversation is local-only.
	Documents chatstore.DocumentStore
	// Identity is optional. Without a signed-in user nothing is persisted.
	Identity      identity.Provider
	Mirror        *Mirror
	CreateTimeout time.Duration
	Now           func() time.Time
}

// Store is the in-memory table of conversations, partitioned by mode.
type Store struct {
	registry      *modes.Registry
	docs          chatstore.DocumentStore
	identity      identity.Provider
	mirror        *Mirror
	createTimeout time.Duration
	now           func() time.Time

	mu     sync.RWMutex
	convs  map[string]*Conversation
	active map[string]string
	ord    uint64
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Registry == nil {
		return nil, errors.New("conversation store: registry is nil")
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = defaultCreateTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Mirror == nil && cfg.Documents != nil {
		cfg.Mirror = NewMirror(cfg.Documents, 0)
	}
	return &Store{
		registry:      cfg.Registry,
		docs:          cfg.Documents,
		identity:      cfg.Identity,
		mirror:        cfg.Mirror,
		createTimeout: cfg.CreateTimeout,
		now:           cfg.Now,
		convs:         map[string]*Conversation{},
		active:        map[string]string{},
	}, nil
}

func (s *Store) userID() string {
	if s.identity == nil {
		return ""
	}
	return s.identity.CurrentUserID()
}

// Mirror returns the persistence mirror, nil when no document store is configured.
func (s *Store) Mirror() *Mirror {
	return s.mirror
}

// Create adds an empty conversation to modeID and makes it the mode's active
// one. A document store failure falls back to a locally generated id.
func (s *Store) Create(ctx context.Context, modeID string) (Conversation, error) {
	mode, err := s.registry.Resolve(modeID)
	if err != nil {
		return Conversation{}, err
	}
	now := s.now()
	conv := &Conversation{
		ModeID:    mode.ID,
		Title:     mode.DefaultTitle(),
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if user := s.userID(); user != "" && s.docs != nil {
		cctx, cancel := context.WithTimeout(ctx, s.createTimeout)
		id, err := s.docs.CreateConversation(cctx, chatstore.ConversationDocument{
			UserID:      user,
			ModeID:      mode.ID,
			Title:       conv.Title,
			CreatedAtMs: now.UnixMilli(),
		})
		cancel()
		if err != nil {
			log.Warn().
				Err(errors.Wrap(chatstore.ErrPersistenceUnavailable, err.Error())).
				Str("component", "conversations").
				Str("mode_id", mode.ID).
				Msg("remote create failed, continuing local-only")
		} else {
			conv.ID = id
			conv.Persisted = true
		}
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ord++
	conv.ord = s.ord
	s.convs[conv.ID] = conv
	s.setActiveLocked(conv)
	log.Debug().Str("component", "conversations").Str("mode_id", mode.ID).Str("conv_id", conv.ID).Msg("conversation created")
	return conv.clone(), nil
}

// Append adds msg to the end of the conversation. The first user message sets
// the title.
func (s *Store) Append(convID string, msg Message) (Conversation, Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok {
		return Conversation{}, Message{}, errors.Wrapf(ErrConversationNotFound, "%q", convID)
	}
	now := s.now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.Role == RoleUser && !hasUserMessage(conv.Messages) {
		if t := DeriveTitle(msg.Content); t != "" {
			conv.Title = t
		}
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = now
	s.mirrorLocked(conv)
	return conv.clone(), msg, nil
}

// UpdateMessage replaces the content of a streaming message. final clears
// the streaming flag, after which the message is immutable.
func (s *Store) UpdateMessage(convID, msgID, content string, final bool) (Conversation, Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok {
		return Conversation{}, Message{}, errors.Wrapf(ErrConversationNotFound, "%q", convID)
	}
	for i := range conv.Messages {
		m := &conv.Messages[i]
		if m.ID != msgID {
			continue
		}
		if !m.Streaming {
			return Conversation{}, Message{}, errors.Wrapf(ErrMessageFinalized, "%q", msgID)
		}
		m.Content = content
		if final {
			m.Streaming = false
		}
		conv.UpdatedAt = s.now()
		s.mirrorLocked(conv)
		return conv.clone(), *m, nil
	}
	return Conversation{}, Message{}, errors.Wrapf(ErrMessageNotFound, "%q", msgID)
}

// Remove deletes a conversation. The sole conversation of a mode cannot be
// removed. If the removed conversation was active, the most recent remaining
// one of the same mode becomes active.
func (s *Store) Remove(convID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok {
		return Conversation{}, errors.Wrapf(ErrConversationNotFound, "%q", convID)
	}
	siblings := s.byModeLocked(conv.ModeID)
	if len(siblings) <= 1 {
		return Conversation{}, errors.Wrapf(ErrLastConversationForMode, "mode %q", conv.ModeID)
	}
	delete(s.convs, convID)
	if s.active[conv.ModeID] == convID {
		delete(s.active, conv.ModeID)
		for _, c := range siblings {
			if c.ID != convID {
				s.setActiveLocked(c)
				break
			}
		}
	}
	if conv.Persisted && s.mirror != nil {
		s.mirror.Delete(convID)
	}
	removed := conv.clone()
	removed.Active = false
	return removed, nil
}

// ListByMode returns the conversations of modeID, most recent first.
func (s *Store) ListByMode(modeID string) []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convs := s.byModeLocked(modeID)
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.clone())
	}
	return out
}

func (s *Store) Get(convID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[convID]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// Active returns the active conversation of modeID.
func (s *Store) Active(modeID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[modeID]
	if !ok {
		return Conversation{}, false
	}
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// SetActive marks convID as the active conversation of its mode.
func (s *Store) SetActive(convID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return Conversation{}, errors.Wrapf(ErrConversationNotFound, "%q", convID)
	}
	s.setActiveLocked(c)
	return c.clone(), nil
}

// Load replaces the table with convs, typically after hydrating a user from
// the document store. Conversations of unknown modes are skipped. An empty
// input leaves the table untouched.
func (s *Store) Load(convs []Conversation) int {
	return s.LoadKeeping(convs, nil)
}

// LoadKeeping is Load, except that the local conversations named in keep
// survive the replacement unchanged. A kept conversation that was active in
// its mode stays active.
func (s *Store) LoadKeeping(convs []Conversation, keep []string) int {
	if len(convs) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := map[string]*Conversation{}
	// Oldest first so that ord follows recency.
	sorted := append([]Conversation(nil), convs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt.Before(sorted[j].UpdatedAt)
	})
	for _, c := range sorted {
		if !s.registry.Has(c.ModeID) || strings.TrimSpace(c.ID) == "" {
			log.Warn().Str("component", "conversations").Str("conv_id", c.ID).Str("mode_id", c.ModeID).Msg("skipping conversation of unknown mode")
			continue
		}
		c := c.clone()
		for i := range c.Messages {
			c.Messages[i].Streaming = false
		}
		c.Active = false
		s.ord++
		c.ord = s.ord
		next[c.ID] = &c
	}
	if len(next) == 0 {
		return 0
	}
	loaded := len(next)

	keptActive := map[string]*Conversation{}
	for _, id := range keep {
		cur, ok := s.convs[id]
		if !ok {
			continue
		}
		c := cur.clone()
		c.Active = false
		s.ord++
		c.ord = s.ord
		next[c.ID] = &c
		if s.active[c.ModeID] == c.ID {
			keptActive[c.ModeID] = &c
		}
	}

	s.convs = next
	s.active = map[string]string{}
	for _, id := range s.registry.IDs() {
		if c, ok := keptActive[id]; ok {
			s.setActiveLocked(c)
			continue
		}
		if list := s.byModeLocked(id); len(list) > 0 {
			s.setActiveLocked(list[0])
		}
	}
	return loaded
}

// Fetch reads userID's conversations from the document store without
// touching the table.
func (s *Store) Fetch(ctx context.Context, userID string) ([]Conversation, error) {
	if s.docs == nil || strings.TrimSpace(userID) == "" {
		return nil, nil
	}
	docs, err := s.docs.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(chatstore.ErrPersistenceUnavailable, err.Error())
	}
	convs := make([]Conversation, 0, len(docs))
	for _, d := range docs {
		convs = append(convs, FromDocument(d))
	}
	return convs, nil
}

// Hydrate loads userID's conversations from the document store into the table.
func (s *Store) Hydrate(ctx context.Context, userID string) (int, error) {
	convs, err := s.Fetch(ctx, userID)
	if err != nil || len(convs) == 0 {
		return 0, err
	}
	n := s.Load(convs)
	log.Info().Str("component", "conversations").Str("user_id", userID).Int("count", n).Msg("hydrated conversations")
	return n, nil
}

func (s *Store) setActiveLocked(conv *Conversation) {
	if prev, ok := s.active[conv.ModeID]; ok {
		if p, ok := s.convs[prev]; ok {
			p.Active = false
		}
	}
	conv.Active = true
	s.active[conv.ModeID] = conv.ID
}

func (s *Store) byModeLocked(modeID string) []*Conversation {
	var out []*Conversation
	for _, c := range s.convs {
		if c.ModeID == modeID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ord > out[j].ord
	})
	return out
}

func (s *Store) mirrorLocked(conv *Conversation) {
	if !conv.Persisted || s.mirror == nil || s.userID() == "" {
		return
	}
	s.mirror.Update(conv.ID, chatstore.ConversationPatch{
		Messages:    toRecords(conv.Messages),
		Title:       conv.Title,
		UpdatedAtMs: conv.UpdatedAt.UnixMilli(),
	})
}

func hasUserMessage(msgs []Message) bool {
	for _, m := range msgs {
		if m.Role == RoleUser {
			return true
		}
	}
	return false
}
