package port

import (
	"context"
	"time"
)

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ClearIdempotency removes the key so a failed request can be retried
	ClearIdempotency(ctx context.Context, key string) error

	LeaseLocker
}

type LeaseLocker interface {
	// AcquireLease takes the named lease for owner, returns false if another owner holds it
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease drops the lease only if owner still holds it
	ReleaseLease(ctx context.Context, name, owner string) error
}
