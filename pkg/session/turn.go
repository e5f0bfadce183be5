package session

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/modechat/pkg/conversations"
	"github.com/go-go-golems/modechat/pkg/dispatch"
	"github.com/go-go-golems/modechat/pkg/events"
	"github.com/go-go-golems/modechat/pkg/stream"
)

// Turn is one in-flight dispatch, bound to the conversation it was submitted
// in. Its identity is the run token: once the mode session no longer points at
// it, every late update is discarded.
type Turn struct {
	ID             string
	ModeID         string
	ConversationID string
	Text           string

	// guarded by the mode session lock
	assistantID string
	content     string

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{}
	err     error
}

// Done is closed once the turn settled.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the turn settled and returns its outcome: nil on success,
// ErrStopped, or the dispatch error.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) runTurn(ms *modeSession, t *Turn, req dispatch.Request) {
	defer r.turns.Done()
	defer close(t.done)
	defer t.cancel()

	err := r.driveTurn(ms, t, req)
	if t.stopped.Load() {
		err = ErrStopped
	}
	t.err = err
}

func (r *Router) driveTurn(ms *modeSession, t *Turn, req dispatch.Request) error {
	reply, err := r.sender.Send(t.ctx, req)
	if err != nil {
		r.fail(ms, t, err, "")
		return err
	}
	defer func() { _ = reply.Close() }()

	for u := range stream.Assemble(t.ctx, reply, stream.WithBuffer(r.streamBuffer)) {
		switch u.Kind {
		case stream.Created:
			r.openAssistant(ms, t)
		case stream.Updated:
			r.updateAssistant(ms, t, u.Content)
		case stream.Completed:
			r.completeAssistant(ms, t, u.Content)
			return nil
		case stream.Failed:
			r.fail(ms, t, u.Err, u.Content)
			return u.Err
		}
	}
	return t.ctx.Err()
}

func (r *Router) openAssistant(ms *modeSession, t *Turn) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.turn != t {
		return
	}
	r.openAssistantLocked(ms, t)
	r.setStatusLocked(ms, StatusStreaming)
}

func (r *Router) openAssistantLocked(ms *modeSession, t *Turn) {
	conv, msg, err := r.store.Append(t.ConversationID, conversations.Message{
		Role:      conversations.RoleAssistant,
		Streaming: true,
	})
	if err != nil {
		r.logStoreError(t, err)
		return
	}
	t.assistantID = msg.ID
	r.syncLocked(ms, conv)
	r.emitLocked(ms, events.Event{
		Type:           events.MessageCreated,
		ConversationID: t.ConversationID,
		MessageID:      msg.ID,
		Role:           string(conversations.RoleAssistant),
	})
}

func (r *Router) updateAssistant(ms *modeSession, t *Turn, content string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.turn != t {
		return
	}
	if t.assistantID == "" {
		r.openAssistantLocked(ms, t)
		r.setStatusLocked(ms, StatusStreaming)
	}
	t.content = content
	if t.assistantID == "" {
		return
	}
	conv, _, err := r.store.UpdateMessage(t.ConversationID, t.assistantID, content, false)
	if err != nil {
		r.logStoreError(t, err)
		return
	}
	r.syncLocked(ms, conv)
	r.emitLocked(ms, events.Event{
		Type:           events.MessageUpdated,
		ConversationID: t.ConversationID,
		MessageID:      t.assistantID,
		Role:           string(conversations.RoleAssistant),
		Content:        content,
	})
}

func (r *Router) completeAssistant(ms *modeSession, t *Turn, content string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.turn != t {
		return
	}
	t.content = content
	r.finalizeLocked(ms, t, content)
	r.emitLocked(ms, events.Event{
		Type:           events.MessageCompleted,
		ConversationID: t.ConversationID,
		MessageID:      t.assistantID,
		Role:           string(conversations.RoleAssistant),
		Content:        content,
	})
	ms.turn = nil
	r.setStatusLocked(ms, StatusReady)
	log.Debug().Str("component", "session").Str("mode_id", ms.id).Str("conv_id", t.ConversationID).Str("turn_id", t.ID).Msg("turn completed")
}

// finalizeLocked writes content as the final assistant message of t, creating
// it when no placeholder was opened.
func (r *Router) finalizeLocked(ms *modeSession, t *Turn, content string) {
	var (
		conv conversations.Conversation
		err  error
	)
	if t.assistantID == "" {
		var msg conversations.Message
		conv, msg, err = r.store.Append(t.ConversationID, conversations.Message{
			Role:    conversations.RoleAssistant,
			Content: content,
		})
		if err == nil {
			t.assistantID = msg.ID
		}
	} else {
		conv, _, err = r.store.UpdateMessage(t.ConversationID, t.assistantID, content, true)
	}
	if err != nil {
		r.logStoreError(t, err)
		return
	}
	r.syncLocked(ms, conv)
}

// fail moves the mode to the error state. partial is the content received
// before a mid-stream failure.
func (r *Router) fail(ms *modeSession, t *Turn, cause error, partial string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.turn != t {
		return
	}
	ms.turn = nil
	ms.err = cause
	ms.failedText = t.Text

	content := partial
	if t.assistantID != "" || r.syntheticErrors {
		if content == "" && r.syntheticErrors {
			content = dispatch.Summary(cause)
		}
		r.finalizeLocked(ms, t, content)
	}
	r.emitLocked(ms, events.Event{
		Type:           events.MessageFailed,
		ConversationID: t.ConversationID,
		MessageID:      t.assistantID,
		Role:           string(conversations.RoleAssistant),
		Content:        content,
		Error:          cause.Error(),
		ErrorKind:      string(dispatch.KindOf(cause)),
	})
	r.setStatusLocked(ms, StatusError)
	log.Error().Err(cause).
		Str("component", "session").
		Str("mode_id", ms.id).
		Str("conv_id", t.ConversationID).
		Str("turn_id", t.ID).
		Str("kind", string(dispatch.KindOf(cause))).
		Msg("dispatch failed")
}

// stopLocked ends the in-flight turn, keeping whatever content arrived.
func (r *Router) stopLocked(ms *modeSession) bool {
	t := ms.turn
	if t == nil {
		return false
	}
	ms.turn = nil
	t.stopped.Store(true)
	t.cancel()
	if t.assistantID != "" {
		conv, _, err := r.store.UpdateMessage(t.ConversationID, t.assistantID, t.content, true)
		if err != nil {
			r.logStoreError(t, err)
		} else {
			r.syncLocked(ms, conv)
		}
		r.emitLocked(ms, events.Event{
			Type:           events.MessageCompleted,
			ConversationID: t.ConversationID,
			MessageID:      t.assistantID,
			Role:           string(conversations.RoleAssistant),
			Content:        t.content,
		})
	}
	r.setStatusLocked(ms, StatusReady)
	log.Debug().Str("component", "session").Str("mode_id", ms.id).Str("turn_id", t.ID).Msg("turn stopped")
	return true
}

func (r *Router) logStoreError(t *Turn, err error) {
	log.Warn().Err(err).
		Str("component", "session").
		Str("mode_id", t.ModeID).
		Str("conv_id", t.ConversationID).
		Str("turn_id", t.ID).
		Msg("conversation update dropped")
}
