package chatstore

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// InMemoryDocumentStore keeps documents in process memory. It follows the
// ordering semantics of the SQLite store.
type InMemoryDocumentStore struct {
	mu   sync.Mutex
	docs map[string]ConversationDocument
}

var _ DocumentStore = &InMemoryDocumentStore{}

func NewInMemoryDocumentStore() *InMemoryDocumentStore {
	return &InMemoryDocumentStore{docs: map[string]ConversationDocument{}}
}

func (s *InMemoryDocumentStore) Close() error { return nil }

func (s *InMemoryDocumentStore) CreateConversation(_ context.Context, doc ConversationDocument) (string, error) {
	if s == nil {
		return "", errors.New("in-memory document store: nil store")
	}
	doc = normalizeDocument(doc, nowMs())
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.Messages = append([]MessageRecord{}, doc.Messages...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return "", errors.Errorf("in-memory document store: conversation %q already exists", doc.ID)
	}
	s.docs[doc.ID] = doc
	return doc.ID, nil
}

func (s *InMemoryDocumentStore) UpdateConversation(_ context.Context, id string, patch ConversationPatch) error {
	if s == nil {
		return errors.New("in-memory document store: nil store")
	}
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return errors.Wrapf(ErrDocumentNotFound, "in-memory document store: %q", id)
	}
	s.docs[id] = applyPatch(doc, patch, nowMs())
	return nil
}

func (s *InMemoryDocumentStore) DeleteConversation(_ context.Context, id string) error {
	if s == nil {
		return errors.New("in-memory document store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, strings.TrimSpace(id))
	return nil
}

func (s *InMemoryDocumentStore) ListConversationsForUser(_ context.Context, userID string) ([]ConversationDocument, error) {
	if s == nil {
		return nil, errors.New("in-memory document store: nil store")
	}
	userID = strings.TrimSpace(userID)
	s.mu.Lock()
	out := make([]ConversationDocument, 0, len(s.docs))
	for _, doc := range s.docs {
		if doc.UserID != userID {
			continue
		}
		doc.Messages = append([]MessageRecord{}, doc.Messages...)
		out = append(out, doc)
	}
	s.mu.Unlock()
	sortDocuments(out)
	return out, nil
}

// Get returns a copy of a stored document.
func (s *InMemoryDocumentStore) Get(id string) (ConversationDocument, bool) {
	if s == nil {
		return ConversationDocument{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if ok {
		doc.Messages = append([]MessageRecord{}, doc.Messages...)
	}
	return doc, ok
}
