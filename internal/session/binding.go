package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/redis/go-redis/v9"
	"sync"
	"time"
)

var ErrBindingNotFound = errors.New("session binding not found")

// Binding ties a session token to the identity a patron uses at a venue for the visit
type Binding struct {
	Token      string    `json:"token"`
	VenueID    string    `json:"venue_id"`
	TableLabel string    `json:"table_label"`
	ProfileID  string    `json:"profile_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// BindingStore persists bindings for the lifetime of a visit
type BindingStore interface {
	Save(ctx context.Context, b Binding) error
	Get(ctx context.Context, token string) (Binding, error)
	Delete(ctx context.Context, token string) error
}

// MemoryBindings is a BindingStore without expiry for tests and single node runs
type MemoryBindings struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

// NewMemoryBindings returns an empty MemoryBindings
func NewMemoryBindings() *MemoryBindings {
	return &MemoryBindings{bindings: make(map[string]Binding)}
}

func (m *MemoryBindings) Save(_ context.Context, b Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[b.Token] = b
	return nil
}

func (m *MemoryBindings) Get(_ context.Context, token string) (Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[token]
	if !ok {
		return Binding{}, ErrBindingNotFound
	}
	return b, nil
}

func (m *MemoryBindings) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, token)
	return nil
}

// RedisBindings keeps bindings in redis with TTL. Saving a binding again refreshes its TTL.
type RedisBindings struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBindings builds a redis-backed binding store
func NewRedisBindings(client *redis.Client, prefix string, ttl time.Duration) *RedisBindings {
	if prefix == "" {
		prefix = "barmatch"
	}
	return &RedisBindings{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *RedisBindings) key(token string) string {
	return r.prefix + ":session:" + token
}

func (r *RedisBindings) Save(ctx context.Context, b Binding) error {
	value, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(b.Token), value, r.ttl).Err()
}

func (r *RedisBindings) Get(ctx context.Context, token string) (Binding, error) {
	value, err := r.client.Get(ctx, r.key(token)).Bytes()
	if err == redis.Nil {
		return Binding{}, ErrBindingNotFound
	}
	if err != nil {
		return Binding{}, err
	}

	var b Binding
	if err := json.Unmarshal(value, &b); err != nil {
		return Binding{}, fmt.Errorf("decoding binding: %w", err)
	}
	return b, nil
}

func (r *RedisBindings) Delete(ctx context.Context, token string) error {
	if err := r.client.Del(ctx, r.key(token)).Err(); err != nil && err != redis.Nil {
		return err
	}
	return nil
}
