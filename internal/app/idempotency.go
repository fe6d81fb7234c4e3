package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyGuard implements distributed replay protection for mutating
// commands using Redis. A command that carries an idempotency key claims it with
// SET NX before applying; a retry that finds the key already claimed is rejected
// with ErrDuplicateCommand instead of re-applying the mutation. Keys expire
// after the configured TTL.
//
// A nil guard, a nil client, or an empty key disables the check, matching the
// degraded-but-available posture of the rest of the service's optional
// infrastructure.
type IdempotencyGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewIdempotencyGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *IdempotencyGuard {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "fluxa:idempotency"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &IdempotencyGuard{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

// Reserve claims the key for this command. It returns ErrDuplicateCommand when a
// previous call already consumed it. Redis errors are logged and treated as a
// successful claim so a broker outage degrades replay protection rather than
// blocking money movement.
func (g *IdempotencyGuard) Reserve(ctx context.Context, scope, key string) error {
	if g == nil || g.client == nil {
		return nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedKey := strings.TrimSpace(key)
	if normalizedScope == "" || normalizedKey == "" {
		return nil
	}

	fullKey := fmt.Sprintf("%s:%s:%s", g.prefix, normalizedScope, normalizedKey)
	claimed, err := g.client.SetNX(ctx, fullKey, "1", g.ttl).Result()
	if err != nil {
		log.Printf("level=warn component=idempotency msg=\"redis claim failed; allowing command\" scope=%s err=%v", normalizedScope, err)
		return nil
	}
	if !claimed {
		return fmt.Errorf("%s key %q: %w", normalizedScope, normalizedKey, ErrDuplicateCommand)
	}
	return nil
}

// Release frees a claimed key after the command failed to apply, so the caller's
// retry with the same key is not rejected as a duplicate.
func (g *IdempotencyGuard) Release(ctx context.Context, scope, key string) {
	if g == nil || g.client == nil {
		return
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedKey := strings.TrimSpace(key)
	if normalizedScope == "" || normalizedKey == "" {
		return
	}

	fullKey := fmt.Sprintf("%s:%s:%s", g.prefix, normalizedScope, normalizedKey)
	if err := g.client.Del(ctx, fullKey).Err(); err != nil {
		log.Printf("level=warn component=idempotency msg=\"redis release failed\" scope=%s err=%v", normalizedScope, err)
	}
}
