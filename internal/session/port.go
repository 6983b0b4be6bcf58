package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felixgeelhaar/mecaflow/internal/storage/local"
)

// ErrNoSnapshot is returned by a port that has nothing stored yet
var ErrNoSnapshot = errors.New("no session snapshot")

// Port persists session snapshots. Implementations must be safe for
// concurrent use.
type Port interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	Clear(ctx context.Context) error
}

const collectionSessions = "sessions"

// LocalPort keeps the snapshot in a JSON file of a local store
type LocalPort struct {
	store *local.Store
	key   string
}

// NewLocalPort creates a port that stores the snapshot under key
func NewLocalPort(store *local.Store, key string) *LocalPort {
	if key == "" {
		key = "default"
	}
	return &LocalPort{store: store, key: key}
}

// Load reads the snapshot
func (p *LocalPort) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := p.store.Load(collectionSessions, p.key, &snap); err != nil {
		if errors.Is(err, local.ErrNotFound) {
			return Snapshot{}, ErrNoSnapshot
		}
		return Snapshot{}, fmt.Errorf("load session: %w", err)
	}
	return snap, nil
}

// Save writes the snapshot
func (p *LocalPort) Save(ctx context.Context, snap Snapshot) error {
	if err := p.store.Save(collectionSessions, p.key, snap); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Clear removes the snapshot
func (p *LocalPort) Clear(ctx context.Context) error {
	if err := p.store.Delete(collectionSessions, p.key); err != nil && !errors.Is(err, local.ErrNotFound) {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// RedisPort keeps the snapshot as a JSON string under a single key
type RedisPort struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisPort creates a port storing the snapshot at "mecaflow:session:<learner>".
// A zero ttl keeps the key until it is cleared.
func NewRedisPort(client redis.Cmdable, learner string, ttl time.Duration) *RedisPort {
	if learner == "" {
		learner = "default"
	}
	return &RedisPort{client: client, key: "mecaflow:session:" + learner, ttl: ttl}
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// Key returns the Redis key used by the port
func (p *RedisPort) Key() string {
	return p.key
}

// Load reads the snapshot
func (p *RedisPort) Load(ctx context.Context) (Snapshot, error) {
	raw, err := p.client.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load session: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode session: %w", err)
	}
	return snap, nil
}

// Save writes the snapshot
func (p *RedisPort) Save(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := p.client.Set(ctx, p.key, raw, p.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Clear removes the snapshot
func (p *RedisPort) Clear(ctx context.Context) error {
	if err := p.client.Del(ctx, p.key).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// MemoryPort keeps the snapshot in memory. It is used when no persistence is configured.
type MemoryPort struct {
	mu   sync.Mutex
	snap *Snapshot
}

// Load returns the stored snapshot
func (p *MemoryPort) Load(ctx context.Context) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap == nil {
		return Snapshot{}, ErrNoSnapshot
	}
	return p.snap.clone(), nil
}

// Save replaces the stored snapshot
func (p *MemoryPort) Save(ctx context.Context, snap Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := snap.clone()
	p.snap = &c
	return nil
}

// Clear drops the stored snapshot
func (p *MemoryPort) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = nil
	return nil
}
