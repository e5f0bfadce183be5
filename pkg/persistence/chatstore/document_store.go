package chatstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrPersistenceUnavailable marks failures of the remote document store.
	// Callers recover locally.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrDocumentNotFound is returned when a conversation id is not stored.
	ErrDocumentNotFound = errors.New("conversation document not found")
)

// MessageRecord is the persisted form of one conversation message.
type MessageRecord struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// ConversationDocument is one conversation as held by the document store.
type ConversationDocument struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	ModeID      string          `json:"mode_id"`
	Title       string          `json:"title"`
	Messages    []MessageRecord `json:"messages"`
	CreatedAtMs int64           `json:"created_at_ms"`
	UpdatedAtMs int64           `json:"updated_at_ms"`
}

// ConversationPatch replaces the message list and title of a stored conversation.
type ConversationPatch struct {
	Messages    []MessageRecord `json:"messages"`
	Title       string          `json:"title"`
	UpdatedAtMs int64           `json:"updated_at_ms"`
}

// DocumentStore is the remote persistence collaborator. Every call is
// best-effort from the caller's point of view.
type DocumentStore interface {
	// CreateConversation stores a new document and returns its id. A non-empty
	// doc.ID is kept, otherwise the store assigns one.
	CreateConversation(ctx context.Context, doc ConversationDocument) (string, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error
	DeleteConversation(ctx context.Context, id string) error
	// ListConversationsForUser returns the user's documents, most recently
	// updated first.
	ListConversationsForUser(ctx context.Context, userID string) ([]ConversationDocument, error)
	Close() error
}

func normalizeDocument(doc ConversationDocument, now int64) ConversationDocument {
	doc.ID = strings.TrimSpace(doc.ID)
	doc.UserID = strings.TrimSpace(doc.UserID)
	if doc.CreatedAtMs <= 0 {
		doc.CreatedAtMs = now
	}
	if doc.UpdatedAtMs < doc.CreatedAtMs {
		doc.UpdatedAtMs = doc.CreatedAtMs
	}
	if doc.Messages == nil {
		doc.Messages = []MessageRecord{}
	}
	return doc
}

func applyPatch(doc ConversationDocument, patch ConversationPatch, now int64) ConversationDocument {
	doc.Messages = append([]MessageRecord(nil), patch.Messages...)
	if doc.Messages == nil {
		doc.Messages = []MessageRecord{}
	}
	doc.Title = patch.Title
	updated := patch.UpdatedAtMs
	if updated <= 0 {
		updated = now
	}
	if updated > doc.UpdatedAtMs {
		doc.UpdatedAtMs = updated
	}
	return doc
}

func sortDocuments(docs []ConversationDocument) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].UpdatedAtMs != docs[j].UpdatedAtMs {
			return docs[i].UpdatedAtMs > docs[j].UpdatedAtMs
		}
		return docs[i].ID < docs[j].ID
	})
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
