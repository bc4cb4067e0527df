package payment

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Settle exposes settle to the external test package.
func Settle[T any](ctx context.Context, store IdempotencyStore, key string, ttl time.Duration, result *T, err error) (*T, error) {
	return settle(ctx, store, zerolog.Nop(), key, ttl, result, err)
}
