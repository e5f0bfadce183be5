package conversations

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/modechat/pkg/persistence/chatstore"
)

var (
	ErrConversationNotFound    = errors.New("conversation not found")
	ErrLastConversationForMode = errors.New("cannot delete the last conversation of a mode")
	ErrMessageNotFound         = errors.New("message not found")
	ErrMessageFinalized        = errors.New("message is no longer streaming")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation. Content is immutable once Streaming
// is false.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Streaming bool      `json:"streaming,omitempty"`
}

type Conversation struct {
	ID        string    `json:"id"`
	ModeID    string    `json:"mode_id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Active    bool      `json:"active"`
	// Persisted is true when the document store holds a copy.
	Persisted bool `json:"persisted"`

	ord uint64
}

func (c Conversation) clone() Conversation {
	c.Messages = append([]Message{}, c.Messages...)
	return c
}

const (
	titleWords    = 4
	titleMaxRunes = 30
)

// DeriveTitle builds a conversation title from the first user message: its
// first four words, cut to 30 characters.
func DeriveTitle(text string) string {
	words := strings.Fields(text)
	if len(words) > titleWords {
		words = words[:titleWords]
	}
	title := strings.Join(words, " ")
	r := []rune(title)
	if len(r) > titleMaxRunes {
		return string(r[:titleMaxRunes]) + "..."
	}
	return title
}

func toRecords(msgs []Message) []chatstore.MessageRecord {
	out := make([]chatstore.MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chatstore.MessageRecord{
			ID:          m.ID,
			Role:        string(m.Role),
			Content:     m.Content,
			CreatedAtMs: m.CreatedAt.UnixMilli(),
		})
	}
	return out
}

// FromDocument converts a stored document into a conversation.
func FromDocument(doc chatstore.ConversationDocument) Conversation {
	msgs := make([]Message, 0, len(doc.Messages))
	for _, m := range doc.Messages {
		msgs = append(msgs, Message{
			ID:        m.ID,
			Role:      Role(m.Role),
			Content:   m.Content,
			CreatedAt: time.UnixMilli(m.CreatedAtMs),
		})
	}
	return Conversation{
		ID:        doc.ID,
		ModeID:    doc.ModeID,
		Title:     doc.Title,
		Messages:  msgs,
		CreatedAt: time.UnixMilli(doc.CreatedAtMs),
		UpdatedAt: time.UnixMilli(doc.UpdatedAtMs),
		Persisted: true,
	}
}
