package redistore

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// ResumeMarkerKey is the well-known key holding the change capture resume
// marker. The marker survives process restarts; capture reads it once at
// startup.
const ResumeMarkerKey = "capture:resume_token"

// LoadResumeMarker returns the persisted marker, or nil when none exists
func (r *RedisStore) LoadResumeMarker(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, ResumeMarkerKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "unable to load resume marker")
	}

	return data, nil
}

// SaveResumeMarker overwrites the marker; it is never rolled back
func (r *RedisStore) SaveResumeMarker(ctx context.Context, marker []byte) error {
	if err := r.client.Set(ctx, ResumeMarkerKey, marker, 0).Err(); err != nil {
		return errors.Wrap(err, "unable to save resume marker")
	}

	return nil
}

// ClearResumeMarker drops the marker so the next capture start reads from "now"
func (r *RedisStore) ClearResumeMarker(ctx context.Context) error {
	if err := r.client.Del(ctx, ResumeMarkerKey).Err(); err != nil {
		return errors.Wrap(err, "unable to clear resume marker")
	}

	return nil
}
