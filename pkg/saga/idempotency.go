package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TrigintaFaces/excalibur-dispatch/pkg/contracts"
)

// IdempotencyProvider answers "has this saga already processed this key".
// Marking twice is a no-op.
type IdempotencyProvider interface {
	IsProcessed(ctx context.Context, sagaID, key string) (bool, error)
	MarkProcessed(ctx context.Context, sagaID, key string) error
}

func validateIdempotencyArgs(ctx context.Context, sagaID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sagaID == "" {
		return fmt.Errorf("%w: saga id", contracts.ErrNilArgument)
	}
	if key == "" {
		return fmt.Errorf("%w: idempotency key", contracts.ErrNilArgument)
	}
	return nil
}

// MemoryIdempotencyProvider is a read-mostly in-process tuple set.
type MemoryIdempotencyProvider struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// NewMemoryIdempotencyProvider creates an empty provider.
func NewMemoryIdempotencyProvider() *MemoryIdempotencyProvider {
	return &MemoryIdempotencyProvider{seen: make(map[string]struct{})}
}

func tupleKey(sagaID, key string) string {
	return sagaID + "\x00" + key
}

// IsProcessed implements IdempotencyProvider.
func (p *MemoryIdempotencyProvider) IsProcessed(ctx context.Context, sagaID, key string) (bool, error) {
	if err := validateIdempotencyArgs(ctx, sagaID, key); err != nil {
		return false, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.seen[tupleKey(sagaID, key)]
	return ok, nil
}

// MarkProcessed implements IdempotencyProvider.
func (p *MemoryIdempotencyProvider) MarkProcessed(ctx context.Context, sagaID, key string) error {
	if err := validateIdempotencyArgs(ctx, sagaID, key); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[tupleKey(sagaID, key)] = struct{}{}
	return nil
}

// Count reports the number of distinct tuples. Test helper.
func (p *MemoryIdempotencyProvider) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.seen)
}

// RedisIdempotencyProvider keeps one set per saga in Redis so multiple
// coordinator processes share dedup state. Sets expire after TTL to bound
// memory; the TTL refreshes on every mark.
type RedisIdempotencyProvider struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisIdempotencyProvider wraps an existing client. ttl<=0 disables
// expiry.
func NewRedisIdempotencyProvider(client redis.UniversalClient, keyPrefix string, ttl time.Duration) (*RedisIdempotencyProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client", contracts.ErrNilArgument)
	}
	if keyPrefix == "" {
		keyPrefix = "dispatch:saga:idem"
	}
	return &RedisIdempotencyProvider{client: client, keyPrefix: keyPrefix, ttl: ttl}, nil
}

func (p *RedisIdempotencyProvider) setKey(sagaID string) string {
	return p.keyPrefix + ":" + sagaID
}

// IsProcessed implements IdempotencyProvider.
func (p *RedisIdempotencyProvider) IsProcessed(ctx context.Context, sagaID, key string) (bool, error) {
	if err := validateIdempotencyArgs(ctx, sagaID, key); err != nil {
		return false, err
	}
	ok, err := p.client.SIsMember(ctx, p.setKey(sagaID), key).Result()
	if err != nil {
		return false, fmt.Errorf("redis idempotency lookup: %w", err)
	}
	return ok, nil
}

// MarkProcessed implements IdempotencyProvider.
func (p *RedisIdempotencyProvider) MarkProcessed(ctx context.Context, sagaID, key string) error {
	if err := validateIdempotencyArgs(ctx, sagaID, key); err != nil {
		return err
	}
	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, p.setKey(sagaID), key)
	if p.ttl > 0 {
		pipe.Expire(ctx, p.setKey(sagaID), p.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis idempotency mark: %w", err)
	}
	return nil
}
