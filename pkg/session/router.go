package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/modechat/pkg/conversations"
	"github.com/go-go-golems/modechat/pkg/dispatch"
	"github.com/go-go-golems/modechat/pkg/events"
	"github.com/go-go-golems/modechat/pkg/identity"
	"github.com/go-go-golems/modechat/pkg/modes"
)

var ErrClosed = errors.New("router is closed")

// modeSession is the live state of one mode. Every field is guarded by mu;
// sessions of different modes never share a lock.
type modeSession struct {
	id string

	mu         sync.Mutex
	activeConv string
	messages   []conversations.Message
	input      string
	status     Status
	err        error
	failedText string
	turn       *Turn
	seq        uint64
	outbox     *outbox
}

// Router owns one session per mode and orchestrates turns between the
// conversation store, the dispatcher and the event sink.
type Router struct {
	id              string
	registry        *modes.Registry
	store           *conversations.Store
	sender          Sender
	identity        identity.Provider
	syntheticErrors bool
	streamBuffer    int
	now             func() time.Time

	sessions map[string]*modeSession

	// lock order: modeSession.mu before mu
	mu      sync.Mutex
	current string

	baseCtx   context.Context
	cancelAll context.CancelFunc
	turns     sync.WaitGroup
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	unwatch   func()
	watchDone chan struct{}
}

func New(opts Options) (*Router, error) {
	if opts.Registry == nil {
		return nil, errors.New("router: registry is nil")
	}
	if opts.Store == nil {
		return nil, errors.New("router: conversation store is nil")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("router: dispatcher is nil")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	r := &Router{
		id:              uuid.NewString(),
		registry:        opts.Registry,
		store:           opts.Store,
		sender:          opts.Dispatcher,
		identity:        opts.Identity,
		syntheticErrors: opts.SyntheticErrorMessages,
		streamBuffer:    opts.StreamBuffer,
		now:             opts.Now,
		sessions:        map[string]*modeSession{},
		current:         opts.Registry.Default().ID,
		baseCtx:         baseCtx,
		cancelAll:       cancel,
	}
	for _, id := range opts.Registry.IDs() {
		ms := &modeSession{id: id, status: StatusReady, outbox: newOutbox(id, opts.Sink)}
		if c, ok := opts.Store.Active(id); ok {
			ms.activeConv = c.ID
			ms.messages = c.Messages
		}
		r.sessions[id] = ms
	}
	if opts.Identity != nil {
		ch, unwatch := opts.Identity.Subscribe()
		r.unwatch = unwatch
		r.watchDone = make(chan struct{})
		go r.watchIdentity(ch)
	}
	return r, nil
}

// ID identifies this router instance in emitted events.
func (r *Router) ID() string {
	return r.id
}

func (r *Router) Registry() *modes.Registry {
	return r.registry
}

func (r *Router) session(modeID string) (*modeSession, error) {
	if ms, ok := r.sessions[modeID]; ok {
		return ms, nil
	}
	if _, err := r.registry.Resolve(modeID); err != nil {
		return nil, err
	}
	return nil, errors.Wrapf(modes.ErrUnknownMode, "%q", modeID)
}

func (r *Router) userID() string {
	if r.identity == nil {
		return ""
	}
	return r.identity.CurrentUserID()
}

// Submit appends text as a user message to the mode's active conversation
// and dispatches it in the background. ctx bounds only the synchronous part;
// the turn itself runs until it settles, is stopped, or the router closes.
func (r *Router) Submit(ctx context.Context, modeID, text string) (*Turn, error) {
	ms, err := r.session(modeID)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return r.submitLocked(ctx, ms, text, false)
}

// SubmitInput submits the mode's input buffer.
func (r *Router) SubmitInput(ctx context.Context, modeID string) (*Turn, error) {
	ms, err := r.session(modeID)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	text := strings.TrimSpace(ms.input)
	if text == "" {
		return nil, ErrEmptyInput
	}
	return r.submitLocked(ctx, ms, text, true)
}

func (r *Router) submitLocked(ctx context.Context, ms *modeSession, text string, fromInput bool) (*Turn, error) {
	if r.closing.Load() {
		return nil, ErrClosed
	}
	if ms.status != StatusReady {
		return nil, errors.Wrapf(ErrModeBusy, "mode %q is %s", ms.id, ms.status)
	}
	conv, err := r.ensureActiveLocked(ctx, ms)
	if err != nil {
		return nil, err
	}
	hist := history(conv.Messages)
	conv, userMsg, err := r.store.Append(conv.ID, conversations.Message{
		Role:    conversations.RoleUser,
		Content: text,
	})
	if err != nil {
		return nil, err
	}
	r.syncLocked(ms, conv)
	ms.err = nil
	ms.failedText = ""

	tctx, cancel := context.WithCancel(r.baseCtx)
	t := &Turn{
		ID:             uuid.NewString(),
		ModeID:         ms.id,
		ConversationID: conv.ID,
		Text:           text,
		ctx:            tctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	ms.turn = t

	r.emitLocked(ms, events.Event{
		Type:           events.MessageCreated,
		ConversationID: conv.ID,
		MessageID:      userMsg.ID,
		Role:           string(conversations.RoleUser),
		Content:        text,
	})
	if fromInput && ms.input != "" {
		ms.input = ""
		r.emitLocked(ms, events.Event{Type: events.InputChanged})
	}
	r.setStatusLocked(ms, StatusSubmitted)

	log.Debug().
		Str("component", "session").
		Str("mode_id", ms.id).
		Str("conv_id", conv.ID).
		Str("turn_id", t.ID).
		Msg("turn submitted")

	r.turns.Add(1)
	go r.runTurn(ms, t, dispatch.Request{
		ModeID:         ms.id,
		Text:           text,
		ConversationID: conv.ID,
		UserID:         r.userID(),
		History:        hist,
	})
	return t, nil
}

func (r *Router) SetInput(modeID, text string) error {
	ms, err := r.session(modeID)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.input == text {
		return nil
	}
	ms.input = text
	r.emitLocked(ms, events.Event{Type: events.InputChanged, Content: text})
	return nil
}

// Stop ends the mode's in-flight turn. Nothing the turn receives afterwards
// becomes visible.
func (r *Router) Stop(modeID string) error {
	ms, err := r.session(modeID)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !r.stopLocked(ms) {
		return errors.Wrapf(ErrNoTurn, "mode %q", modeID)
	}
	return nil
}

// Reload leaves the error state. The failed text is put back into the input
// buffer; nothing is re-sent.
func (r *Router) Reload(modeID string) error {
	ms, err := r.session(modeID)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.status != StatusError {
		return errors.Wrapf(ErrNotFailed, "mode %q is %s", modeID, ms.status)
	}
	ms.err = nil
	if ms.failedText != "" && ms.input != ms.failedText {
		ms.input = ms.failedText
		r.emitLocked(ms, events.Event{Type: events.InputChanged, Content: ms.input})
	}
	ms.failedText = ""
	r.setStatusLocked(ms, StatusReady)
	return nil
}

// NewConversation creates a conversation in modeID and makes it active.
func (r *Router) NewConversation(ctx context.Context, modeID string) (conversations.Conversation, error) {
	ms, err := r.session(modeID)
	if err != nil {
		return conversations.Conversation{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return r.createLocked(ctx, ms)
}

func (r *Router) createLocked(ctx context.Context, ms *modeSession) (conversations.Conversation, error) {
	conv, err := r.store.Create(ctx, ms.id)
	if err != nil {
		return conversations.Conversation{}, err
	}
	ms.activeConv = conv.ID
	ms.messages = conv.Messages
	r.emitLocked(ms, events.Event{
		Type:           events.ConversationCreated,
		ConversationID: conv.ID,
		Content:        conv.Title,
	})
	return conv, nil
}

// SwitchConversation activates convID in its own mode and makes that mode
// current. A turn in flight keeps writing to the conversation it started in.
func (r *Router) SwitchConversation(_ context.Context, convID string) (conversations.Conversation, error) {
	conv, ok := r.store.Get(convID)
	if !ok {
		return conversations.Conversation{}, errors.Wrapf(conversations.ErrConversationNotFound, "%q", convID)
	}
	ms, err := r.session(conv.ModeID)
	if err != nil {
		return conversations.Conversation{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	conv, err = r.store.SetActive(convID)
	if err != nil {
		return conversations.Conversation{}, err
	}
	ms.activeConv = conv.ID
	ms.messages = conv.Messages
	r.emitLocked(ms, events.Event{
		Type:           events.ConversationSwitched,
		ConversationID: conv.ID,
		Content:        conv.Title,
	})
	r.setCurrentLocked(ms)
	return conv, nil
}

// DeleteConversation removes convID. The last conversation of a mode cannot
// be deleted. A turn in flight in convID is stopped first.
func (r *Router) DeleteConversation(_ context.Context, convID string) error {
	conv, ok := r.store.Get(convID)
	if !ok {
		return errors.Wrapf(conversations.ErrConversationNotFound, "%q", convID)
	}
	ms, err := r.session(conv.ModeID)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if len(r.store.ListByMode(conv.ModeID)) <= 1 {
		return errors.Wrapf(conversations.ErrLastConversationForMode, "mode %q", conv.ModeID)
	}
	if ms.turn != nil && ms.turn.ConversationID == convID {
		r.stopLocked(ms)
	}
	if _, err := r.store.Remove(convID); err != nil {
		return err
	}
	r.emitLocked(ms, events.Event{Type: events.ConversationDeleted, ConversationID: convID})
	if ms.activeConv == convID {
		ms.activeConv = ""
		ms.messages = nil
		if next, ok := r.store.Active(ms.id); ok {
			ms.activeConv = next.ID
			ms.messages = next.Messages
			r.emitLocked(ms, events.Event{
				Type:           events.ConversationSwitched,
				ConversationID: next.ID,
				Content:        next.Title,
			})
		}
	}
	return nil
}

// ChangeMode makes modeID current, creating its first conversation if needed.
func (r *Router) ChangeMode(ctx context.Context, modeID string) (ModeState, error) {
	ms, err := r.session(modeID)
	if err != nil {
		return ModeState{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, err := r.ensureActiveLocked(ctx, ms); err != nil {
		return ModeState{}, err
	}
	r.setCurrentLocked(ms)
	return r.snapshotLocked(ms), nil
}

func (r *Router) CurrentMode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Router) Snapshot(modeID string) (ModeState, error) {
	ms, err := r.session(modeID)
	if err != nil {
		return ModeState{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return r.snapshotLocked(ms), nil
}

// Conversations lists the conversations of modeID, most recent first.
func (r *Router) Conversations(modeID string) ([]conversations.Conversation, error) {
	if _, err := r.session(modeID); err != nil {
		return nil, err
	}
	return r.store.ListByMode(modeID), nil
}

// HydrateUser replaces the conversation table with userID's stored
// conversations and resyncs every mode's live messages. The conversation a
// turn is in flight in is kept, so a sign-in mid-turn loses nothing.
func (r *Router) HydrateUser(ctx context.Context, userID string) (int, error) {
	convs, err := r.store.Fetch(ctx, userID)
	if err != nil || len(convs) == 0 {
		return 0, err
	}

	ids := r.registry.IDs()
	for _, id := range ids {
		r.sessions[id].mu.Lock()
	}
	defer func() {
		for _, id := range ids {
			r.sessions[id].mu.Unlock()
		}
	}()

	var keep []string
	for _, id := range ids {
		if t := r.sessions[id].turn; t != nil {
			keep = append(keep, t.ConversationID)
		}
	}
	n := r.store.LoadKeeping(convs, keep)
	if n == 0 {
		return 0, nil
	}
	log.Info().Str("component", "session").Str("user_id", userID).Int("count", n).Int("kept", len(keep)).Msg("hydrated conversations")
	for _, id := range ids {
		ms := r.sessions[id]
		prev := ms.activeConv
		ms.activeConv = ""
		ms.messages = nil
		if c, ok := r.store.Active(id); ok {
			ms.activeConv = c.ID
			ms.messages = c.Messages
		}
		if ms.activeConv != prev && ms.activeConv != "" {
			r.emitLocked(ms, events.Event{Type: events.ConversationSwitched, ConversationID: ms.activeConv})
		}
	}
	return n, nil
}

func (r *Router) watchIdentity(ch <-chan identity.Change) {
	defer close(r.watchDone)
	for change := range ch {
		if change.UserID == "" {
			log.Info().Str("component", "session").Msg("signed out, continuing local-only")
			continue
		}
		if _, err := r.HydrateUser(r.baseCtx, change.UserID); err != nil {
			log.Warn().Err(err).Str("component", "session").Str("user_id", change.UserID).Msg("hydrating conversations failed")
		}
	}
}

// Flush waits until every event emitted so far has been handed to the sink.
func (r *Router) Flush(ctx context.Context) error {
	for _, id := range r.registry.IDs() {
		if err := r.sessions[id].outbox.flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops in-flight turns, drains the event outboxes and flushes the
// persistence mirror.
func (r *Router) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closing.Store(true)
		if r.unwatch != nil {
			r.unwatch()
		}
		for _, id := range r.registry.IDs() {
			ms := r.sessions[id]
			ms.mu.Lock()
			r.stopLocked(ms)
			ms.mu.Unlock()
		}
		r.cancelAll()

		turnsDone := make(chan struct{})
		go func() {
			r.turns.Wait()
			close(turnsDone)
		}()
		select {
		case <-turnsDone:
		case <-ctx.Done():
			r.closeErr = errors.Wrap(ctx.Err(), "router close: waiting for turns")
			return
		}
		if r.watchDone != nil {
			<-r.watchDone
		}
		for _, id := range r.registry.IDs() {
			if err := r.sessions[id].outbox.close(ctx); err != nil {
				r.closeErr = errors.Wrap(err, "router close: draining events")
				return
			}
		}
		if m := r.store.Mirror(); m != nil {
			if err := m.Close(ctx); err != nil {
				r.closeErr = errors.Wrap(err, "router close: flushing persistence")
			}
		}
	})
	return r.closeErr
}

func (r *Router) ensureActiveLocked(ctx context.Context, ms *modeSession) (conversations.Conversation, error) {
	if c, ok := r.store.Active(ms.id); ok {
		if ms.activeConv != c.ID {
			ms.activeConv = c.ID
			ms.messages = c.Messages
		}
		return c, nil
	}
	return r.createLocked(ctx, ms)
}

func (r *Router) setCurrentLocked(ms *modeSession) {
	r.mu.Lock()
	changed := r.current != ms.id
	r.current = ms.id
	r.mu.Unlock()
	if changed {
		r.emitLocked(ms, events.Event{Type: events.ModeChanged, ConversationID: ms.activeConv})
	}
}

// syncLocked refreshes the live messages when conv is the active one.
func (r *Router) syncLocked(ms *modeSession, conv conversations.Conversation) {
	if conv.ID == ms.activeConv {
		ms.messages = conv.Messages
	}
}

func (r *Router) setStatusLocked(ms *modeSession, st Status) {
	ms.status = st
	ev := events.Event{Type: events.StatusChanged, Status: string(st), ConversationID: ms.activeConv}
	if ms.err != nil {
		ev.Error = ms.err.Error()
		ev.ErrorKind = string(dispatch.KindOf(ms.err))
	}
	r.emitLocked(ms, ev)
}

func (r *Router) emitLocked(ms *modeSession, ev events.Event) {
	ms.seq++
	ev.Session = r.id
	ev.Seq = ms.seq
	ev.ModeID = ms.id
	ev.Time = r.now()
	ms.outbox.push(ev)
}

func (r *Router) snapshotLocked(ms *modeSession) ModeState {
	st := ModeState{
		ModeID:               ms.id,
		ActiveConversationID: ms.activeConv,
		Messages:             append([]conversations.Message{}, ms.messages...),
		Input:                ms.input,
		Status:               ms.status,
		Err:                  ms.err,
	}
	if ms.err != nil {
		st.Error = ms.err.Error()
		st.ErrorKind = dispatch.KindOf(ms.err)
	}
	return st
}

// history returns the finalized, non-empty messages forwarded to
// history-shaped backends.
func history(msgs []conversations.Message) []dispatch.HistoryMessage {
	out := make([]dispatch.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Streaming || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, dispatch.HistoryMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
