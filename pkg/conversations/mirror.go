package conversations

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/modechat/pkg/persistence/chatstore"
)

const defaultMirrorTimeout = 10 * time.Second

type mirrorOpKind int

const (
	mirrorUpdate mirrorOpKind = iota
	mirrorDelete
)

type mirrorOp struct {
	kind  mirrorOpKind
	patch chatstore.ConversationPatch
}

// mirrorQueue holds at most one in-flight write and one pending write for a
// conversation. A newer pending write replaces the older one.
type mirrorQueue struct {
	pending *mirrorOp
	running bool
	deleted bool
}

// Mirror pushes conversation snapshots to a DocumentStore in the background.
// Writes for one conversation are applied in order, so an older snapshot
// never lands after a newer one.
type Mirror struct {
	docs    chatstore.DocumentStore
	timeout time.Duration

	mu     sync.Mutex
	queues map[string]*mirrorQueue
	active int
	idle   chan struct{}
	closed bool
}

func NewMirror(docs chatstore.DocumentStore, timeout time.Duration) *Mirror {
	if timeout <= 0 {
		timeout = defaultMirrorTimeout
	}
	idle := make(chan struct{})
	close(idle)
	return &Mirror{
		docs:    docs,
		timeout: timeout,
		queues:  map[string]*mirrorQueue{},
		idle:    idle,
	}
}

// Update schedules a full replacement of the stored messages and title.
func (m *Mirror) Update(convID string, patch chatstore.ConversationPatch) {
	m.enqueue(convID, mirrorOp{kind: mirrorUpdate, patch: patch})
}

// Delete schedules removal of the stored conversation. Updates for the same id
// that arrive while the delete is queued or in flight are ignored.
func (m *Mirror) Delete(convID string) {
	m.enqueue(convID, mirrorOp{kind: mirrorDelete})
}

func (m *Mirror) enqueue(convID string, op mirrorOp) {
	if m == nil || m.docs == nil || convID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		log.Warn().Str("component", "conversations").Str("conv_id", convID).Msg("mirror closed, dropping write")
		return
	}
	q := m.queues[convID]
	if q == nil {
		q = &mirrorQueue{}
		m.queues[convID] = q
	}
	if q.deleted {
		return
	}
	if op.kind == mirrorDelete {
		q.deleted = true
	}
	q.pending = &op
	if q.running {
		return
	}
	q.running = true
	if m.active == 0 {
		m.idle = make(chan struct{})
	}
	m.active++
	go m.drain(convID, q)
}

func (m *Mirror) drain(convID string, q *mirrorQueue) {
	for {
		m.mu.Lock()
		op := q.pending
		q.pending = nil
		if op == nil {
			q.running = false
			delete(m.queues, convID)
			m.active--
			if m.active == 0 {
				close(m.idle)
			}
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.apply(convID, *op)
	}
}

func (m *Mirror) apply(convID string, op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	var err error
	switch op.kind {
	case mirrorUpdate:
		err = m.docs.UpdateConversation(ctx, convID, op.patch)
	case mirrorDelete:
		err = m.docs.DeleteConversation(ctx, convID)
	}
	if err != nil {
		log.Warn().
			Err(errors.Wrap(chatstore.ErrPersistenceUnavailable, err.Error())).
			Str("component", "conversations").
			Str("conv_id", convID).
			Msg("mirror write failed")
		return
	}
	log.Debug().Str("component", "conversations").Str("conv_id", convID).Msg("mirror write applied")
}

// tracked reports how many conversations still have a queue.
func (m *Mirror) tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// Flush waits until no writes are pending or in flight.
func (m *Mirror) Flush(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting writes and flushes the ones already queued.
func (m *Mirror) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.Flush(ctx)
}
