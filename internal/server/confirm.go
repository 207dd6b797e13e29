package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConfirmRecord is the stored outcome of one finalize confirm, keyed by
// (document, version) so client retries replay the original answer
// instead of re-running the write.
type ConfirmRecord struct {
	ServerVersion int64     `json:"server_version"`
	ArtifactRef   string    `json:"artifact_ref"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}

// ConfirmStore remembers finalize confirms in redis.
type ConfirmStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewConfirmStore connects to redis and verifies the connection.
func NewConfirmStore(redisURL string) (*ConfirmStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewConfirmStoreWithClient(client), nil
}

// NewConfirmStoreWithClient creates a store from an existing client.
func NewConfirmStoreWithClient(client *redis.Client) *ConfirmStore {
	return &ConfirmStore{
		client: client,
		prefix: "finalize:",
		ttl:    7 * 24 * time.Hour,
	}
}

func (s *ConfirmStore) key(documentID string, version int64) string {
	return fmt.Sprintf("%s%s:%d", s.prefix, documentID, version)
}

// Lookup returns the recorded confirm for (document, version), if any.
func (s *ConfirmStore) Lookup(ctx context.Context, documentID string, version int64) (ConfirmRecord, bool, error) {
	raw, err := s.client.Get(ctx, s.key(documentID, version)).Result()
	if err == redis.Nil {
		return ConfirmRecord{}, false, nil
	}
	if err != nil {
		return ConfirmRecord{}, false, fmt.Errorf("lookup confirm: %w", err)
	}

	var rec ConfirmRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return ConfirmRecord{}, false, fmt.Errorf("unmarshal confirm: %w", err)
	}
	return rec, true, nil
}

// Record stores the confirm outcome with the idempotency TTL.
func (s *ConfirmStore) Record(ctx context.Context, documentID string, version int64, rec ConfirmRecord) error {
	if rec.ConfirmedAt.IsZero() {
		rec.ConfirmedAt = time.Now()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal confirm: %w", err)
	}
	if err := s.client.Set(ctx, s.key(documentID, version), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("record confirm: %w", err)
	}
	return nil
}
