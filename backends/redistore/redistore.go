// Package redistore is the secondary (key/value) store client. Besides
// record storage it hosts the idempotency ledger, the capture resume marker
// and the per-key version counters for the direct-write path.
package redistore

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/dualwrite/dualwrite/validate"
)

const BackendName = "redistore"

type Options struct {
	Address  string
	Username string
	Password string
	Database int
}

type RedisStore struct {
	client *redis.Client
	log    *logrus.Entry
}

func New(opts *Options) (*RedisStore, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.Database,
	})

	return &RedisStore{
		client: client,
		log:    logrus.WithField("backend", BackendName),
	}, nil
}

func (r *RedisStore) Name() string {
	return BackendName
}

// Client exposes the underlying connection so the stream transport can share it
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close(_ context.Context) error {
	r.client.Close()
	return nil
}

func validateOptions(opts *Options) error {
	if opts == nil {
		return validate.ErrMissingOptions
	}

	if opts.Address == "" {
		return validate.ErrMissingAddress
	}

	if opts.Username != "" && opts.Password == "" {
		return validate.ErrMissingPassword
	}

	return nil
}
