// Package outbox guarantees eventual delivery of events that could not be
// published live. Staged entries are drained to the event log on a timer and
// garbage-collected after a retention window.
package outbox

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/relistan/go-director"
	"github.com/sirupsen/logrus"

	"github.com/dualwrite/dualwrite/prometheus"
	"github.com/dualwrite/dualwrite/types"
	"github.com/dualwrite/dualwrite/validate"
)

const (
	DefaultBatchSize  = 100
	DefaultMaxRetries = 5

	DefaultDrainInterval   = 5 * time.Second
	DefaultCleanupInterval = time.Hour

	// DefaultRetention is how long sent entries are kept before cleanup
	DefaultRetention = 24 * time.Hour
)

// Repo is the durable staging table, owned by the primary store
type Repo interface {
	InsertOutbox(ctx context.Context, entry *types.OutboxEntry) error
	FetchDueOutbox(ctx context.Context, limit int64, maxRetries int) ([]*types.OutboxEntry, error)
	MarkOutboxSent(ctx context.Context, eventID string) error
	MarkOutboxFailed(ctx context.Context, eventID string, retryCount int) error
	DeleteSentOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error)
	OutboxStats(ctx context.Context) (map[types.OutboxStatus]int64, error)
}

// Publisher appends events to the event log
type Publisher interface {
	Append(ctx context.Context, streamKey string, payload []byte, maxLenApprox int64) (string, error)
}

type Config struct {
	Repo      Repo
	Transport Publisher

	StreamKey string
	MaxLen    int64

	BatchSize  int64
	MaxRetries int

	DrainInterval   time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
}

type Relay struct {
	cfg *Config

	staged    int64
	delivered int64
	exhausted int64

	drainLooper   director.Looper
	cleanupLooper director.Looper

	log *logrus.Entry
}

// Metrics are the relay's observable counters
type Metrics struct {
	Staged    int64 `json:"staged"`
	Delivered int64 `json:"delivered"`
	Exhausted int64 `json:"exhausted"`
}

func New(cfg *Config) (*Relay, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, errors.Wrap(err, "unable to validate outbox config")
	}

	return &Relay{
		cfg:           cfg,
		drainLooper:   director.NewTimedLooper(director.FOREVER, cfg.DrainInterval, make(chan error, 1)),
		cleanupLooper: director.NewTimedLooper(director.FOREVER, cfg.CleanupInterval, make(chan error, 1)),
		log:           logrus.WithField("pkg", "outbox"),
	}, nil
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return validate.ErrNilConfig
	}

	if cfg.Repo == nil {
		return validate.ErrMissingRepo
	}

	if cfg.Transport == nil {
		return validate.ErrMissingTransport
	}

	if cfg.StreamKey == "" {
		return validate.ErrMissingStreamKey
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}

	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	return nil
}

// Metrics returns a snapshot of the relay counters
func (r *Relay) Metrics() Metrics {
	return Metrics{
		Staged:    atomic.LoadInt64(&r.staged),
		Delivered: atomic.LoadInt64(&r.delivered),
		Exhausted: atomic.LoadInt64(&r.exhausted),
	}
}

// Stage persists an event as a pending entry. Side effect only; it never
// blocks the caller on transport availability.
func (r *Relay) Stage(ctx context.Context, event *types.ChangeEvent) error {
	entry := &types.OutboxEntry{
		ChangeEvent: *event,
		Status:      types.OutboxPending,
		RetryCount:  0,
		CreatedAt:   time.Now(),
	}

	if err := r.cfg.Repo.InsertOutbox(ctx, entry); err != nil {
		return errors.Wrap(err, "unable to stage event")
	}

	atomic.AddInt64(&r.staged, 1)
	r.log.Debugf("staged event '%s'", event.EventID)

	return nil
}

// Start launches the drain and cleanup timers
func (r *Relay) Start(ctx context.Context) {
	go func() {
		r.drainLooper.Loop(func() error {
			if err := r.Drain(ctx); err != nil {
				r.log.Errorf("drain failed: %s", err)
			}

			return nil
		})
	}()

	go func() {
		r.cleanupLooper.Loop(func() error {
			if err := r.Cleanup(ctx); err != nil {
				r.log.Errorf("cleanup failed: %s", err)
			}

			return nil
		})
	}()
}

// Stop halts the timers
func (r *Relay) Stop() {
	r.drainLooper.Quit()
	r.cleanupLooper.Quit()
}

// Drain selects due entries oldest-first and attempts delivery for each.
// Delivery failures increment the retry count; entries that reach the
// ceiling are retained in failed state and reported, never silently lost.
func (r *Relay) Drain(ctx context.Context) error {
	entries, err := r.cfg.Repo.FetchDueOutbox(ctx, r.cfg.BatchSize, r.cfg.MaxRetries)
	if err != nil {
		return errors.Wrap(err, "unable to fetch due entries")
	}

	if len(entries) == 0 {
		return nil
	}

	r.log.Debugf("draining %d outbox entries", len(entries))

	for _, entry := range entries {
		if err := r.deliver(ctx, entry); err != nil {
			retryCount := entry.RetryCount + 1

			if markErr := r.cfg.Repo.MarkOutboxFailed(ctx, entry.EventID, retryCount); markErr != nil {
				r.log.Errorf("unable to mark entry '%s' failed: %s", entry.EventID, markErr)
				continue
			}

			if retryCount >= r.cfg.MaxRetries {
				atomic.AddInt64(&r.exhausted, 1)
				prometheus.IncrPromCounter(prometheus.DualwriteOutboxExhausted, 1)
				r.log.Errorf("entry '%s' exhausted %d delivery attempts; retained in failed state",
					entry.EventID, retryCount)
			} else {
				r.log.Warningf("delivery of '%s' failed (attempt %d/%d): %s",
					entry.EventID, retryCount, r.cfg.MaxRetries, err)
			}

			continue
		}

		if err := r.cfg.Repo.MarkOutboxSent(ctx, entry.EventID); err != nil {
			// The entry will be re-delivered on the next drain; consumers
			// dedup via the idempotency ledger.
			r.log.Errorf("unable to mark entry '%s' sent: %s", entry.EventID, err)
			continue
		}

		atomic.AddInt64(&r.delivered, 1)
		prometheus.IncrPromCounter(prometheus.DualwriteOutboxDelivered, 1)
	}

	return nil
}

func (r *Relay) deliver(ctx context.Context, entry *types.OutboxEntry) error {
	payload, err := entry.ChangeEvent.Marshal()
	if err != nil {
		return err
	}

	_, err = r.cfg.Transport.Append(ctx, r.cfg.StreamKey, payload, r.cfg.MaxLen)

	return err
}

// Cleanup deletes sent entries older than the retention window
func (r *Relay) Cleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-r.cfg.Retention)

	deleted, err := r.cfg.Repo.DeleteSentOutboxBefore(ctx, cutoff)
	if err != nil {
		return errors.Wrap(err, "unable to clean up sent entries")
	}

	if deleted > 0 {
		r.log.Debugf("cleaned up %d sent outbox entries", deleted)
	}

	return nil
}

// Stats returns entry counts by delivery status
func (r *Relay) Stats(ctx context.Context) (map[types.OutboxStatus]int64, error) {
	return r.cfg.Repo.OutboxStats(ctx)
}
