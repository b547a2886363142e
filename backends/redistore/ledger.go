package redistore

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

const (
	// LedgerKey is the set of already-applied event ids, shared by both
	// consumer groups through the store.
	LedgerKey = "processed_events"

	// LedgerTTL bounds ledger growth; redelivery beyond this window is
	// handled by the conflict policy instead of dedup.
	LedgerTTL = 7 * 24 * time.Hour
)

// SeenEvent reports whether an event id has already been applied
func (r *RedisStore) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	seen, err := r.client.SIsMember(ctx, LedgerKey, eventID).Result()
	if err != nil {
		return false, errors.Wrap(err, "unable to check idempotency ledger")
	}

	return seen, nil
}

// RecordEvent adds an event id to the ledger and refreshes the expiry
func (r *RedisStore) RecordEvent(ctx context.Context, eventID string) error {
	if err := r.client.SAdd(ctx, LedgerKey, eventID).Err(); err != nil {
		return errors.Wrap(err, "unable to write idempotency ledger")
	}

	if err := r.client.Expire(ctx, LedgerKey, LedgerTTL).Err(); err != nil {
		return errors.Wrap(err, "unable to refresh ledger expiry")
	}

	return nil
}
