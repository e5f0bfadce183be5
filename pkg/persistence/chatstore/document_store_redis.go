package chatstore

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "modechat"

// RedisDocumentStore keeps one JSON document per conversation and a sorted
// set per user scored by last update.
type RedisDocumentStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

var _ DocumentStore = &RedisDocumentStore{}

// NewRedisDocumentStore wraps an existing client. The caller keeps ownership.
func NewRedisDocumentStore(client *redis.Client, prefix string) (*RedisDocumentStore, error) {
	if client == nil {
		return nil, errors.New("redis document store: client is nil")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisDocumentStore{client: client, prefix: prefix}, nil
}

// DialRedisDocumentStore connects to addr and pings it.
func DialRedisDocumentStore(ctx context.Context, addr, prefix string) (*RedisDocumentStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis document store: ping")
	}
	s, err := NewRedisDocumentStore(client, prefix)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

func (s *RedisDocumentStore) Close() error {
	if s == nil || s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *RedisDocumentStore) docKey(id string) string {
	return s.prefix + ":conv:" + id
}

func (s *RedisDocumentStore) userKey(userID string) string {
	return s.prefix + ":user:" + userID + ":convs"
}

func (s *RedisDocumentStore) CreateConversation(ctx context.Context, doc ConversationDocument) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("redis document store: client is nil")
	}
	doc = normalizeDocument(doc, nowMs())
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "redis document store: marshal")
	}
	ok, err := s.client.SetNX(ctx, s.docKey(doc.ID), b, 0).Result()
	if err != nil {
		return "", errors.Wrap(err, "redis document store: create")
	}
	if !ok {
		return "", errors.Errorf("redis document store: conversation %q already exists", doc.ID)
	}
	if err := s.client.ZAdd(ctx, s.userKey(doc.UserID), redis.Z{Score: float64(doc.UpdatedAtMs), Member: doc.ID}).Err(); err != nil {
		return "", errors.Wrap(err, "redis document store: index")
	}
	return doc.ID, nil
}

func (s *RedisDocumentStore) get(ctx context.Context, id string) (ConversationDocument, error) {
	b, err := s.client.Get(ctx, s.docKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ConversationDocument{}, errors.Wrapf(ErrDocumentNotFound, "redis document store: %q", id)
	}
	if err != nil {
		return ConversationDocument{}, errors.Wrap(err, "redis document store: get")
	}
	var doc ConversationDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return ConversationDocument{}, errors.Wrap(err, "redis document store: unmarshal")
	}
	return doc, nil
}

func (s *RedisDocumentStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error {
	if s == nil || s.client == nil {
		return errors.New("redis document store: client is nil")
	}
	id = strings.TrimSpace(id)
	doc, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	doc = applyPatch(doc, patch, nowMs())
	b, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "redis document store: marshal")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(id), b, 0)
		pipe.ZAdd(ctx, s.userKey(doc.UserID), redis.Z{Score: float64(doc.UpdatedAtMs), Member: id})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "redis document store: update")
	}
	return nil
}

func (s *RedisDocumentStore) DeleteConversation(ctx context.Context, id string) error {
	if s == nil || s.client == nil {
		return errors.New("redis document store: client is nil")
	}
	id = strings.TrimSpace(id)
	doc, err := s.get(ctx, id)
	if errors.Is(err, ErrDocumentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.docKey(id))
		pipe.ZRem(ctx, s.userKey(doc.UserID), id)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "redis document store: delete")
	}
	return nil
}

func (s *RedisDocumentStore) ListConversationsForUser(ctx context.Context, userID string) ([]ConversationDocument, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis document store: client is nil")
	}
	ids, err := s.client.ZRevRange(ctx, s.userKey(strings.TrimSpace(userID)), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis document store: list")
	}
	out := make([]ConversationDocument, 0, len(ids))
	for _, id := range ids {
		doc, err := s.get(ctx, id)
		if errors.Is(err, ErrDocumentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	sortDocuments(out)
	return out, nil
}
