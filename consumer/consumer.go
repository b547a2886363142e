// Package consumer reads change events from the event log as a consumer
// group member and applies them to the opposite store, guarded by the
// idempotency ledger and the last-writer-wins conflict policy. One instance
// runs per direction; the logic is symmetric.
package consumer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/dualwrite/dualwrite/prometheus"
	"github.com/dualwrite/dualwrite/stream"
	"github.com/dualwrite/dualwrite/types"
	"github.com/dualwrite/dualwrite/validate"
)

const (
	DefaultBatchSize    = 10
	DefaultBlockTimeout = 5 * time.Second

	// DefaultReclaimInterval is how often stalled pending entries are
	// reclaimed, in addition to the reclaim performed at startup
	DefaultReclaimInterval = 30 * time.Second

	// DefaultReclaimMinIdle is how long an entry must sit unacknowledged
	// before another member may claim it
	DefaultReclaimMinIdle = 30 * time.Second
)

// ReadRetryInterval is how long to wait after a group-read error before
// polling again
var ReadRetryInterval = time.Second

// Transport is the subset of the event log the consumer drives
type Transport interface {
	EnsureGroup(ctx context.Context, streamKey, group string) error
	ReadGroup(ctx context.Context, streamKey, group, consumer string, count int64, block time.Duration) ([]*stream.Entry, error)
	Ack(ctx context.Context, streamKey, group, entryID string) error
	ReclaimStalled(ctx context.Context, streamKey, group, consumer string, minIdle time.Duration) ([]*stream.Entry, error)
}

// DestStore is the destination side of this consumer's direction
type DestStore interface {
	Get(ctx context.Context, key string) (*types.Record, error)
	Apply(ctx context.Context, record *types.Record) error
	Delete(ctx context.Context, key string) error
}

// Ledger suppresses duplicate application under at-least-once delivery
type Ledger interface {
	SeenEvent(ctx context.Context, eventID string) (bool, error)
	RecordEvent(ctx context.Context, eventID string) error
}

type Config struct {
	Transport Transport
	Dest      DestStore
	Ledger    Ledger

	StreamKey string
	Group     string

	// ConsumerName identifies this member within the group; defaults to a
	// random name so multiple instances never collide
	ConsumerName string

	BatchSize       int64
	BlockTimeout    time.Duration
	ReclaimInterval time.Duration
	ReclaimMinIdle  time.Duration
}

// Metrics are the consumer's observable counters
type Metrics struct {
	Stream    string `json:"stream"`
	Processed int64  `json:"processed"`
	Conflicts int64  `json:"conflicts"`
	Retries   int64  `json:"retries"`
}

type Consumer struct {
	cfg *Config

	processed int64
	conflicts int64
	retries   int64

	log *logrus.Entry
}

func New(cfg *Config) (*Consumer, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, errors.Wrap(err, "unable to validate consumer config")
	}

	return &Consumer{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{
			"pkg":    "consumer",
			"stream": cfg.StreamKey,
			"group":  cfg.Group,
		}),
	}, nil
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return validate.ErrNilConfig
	}

	if cfg.Transport == nil {
		return validate.ErrMissingTransport
	}

	if cfg.Dest == nil {
		return validate.ErrMissingDest
	}

	if cfg.Ledger == nil {
		return validate.ErrMissingLedger
	}

	if cfg.StreamKey == "" {
		return validate.ErrMissingStreamKey
	}

	if cfg.Group == "" {
		return validate.ErrMissingGroup
	}

	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.NewV4().String()
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}

	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = DefaultReclaimInterval
	}

	if cfg.ReclaimMinIdle <= 0 {
		cfg.ReclaimMinIdle = DefaultReclaimMinIdle
	}

	return nil
}

// Metrics returns a snapshot of the consumer counters
func (c *Consumer) Metrics() Metrics {
	return Metrics{
		Stream:    c.cfg.StreamKey,
		Processed: atomic.LoadInt64(&c.processed),
		Conflicts: atomic.LoadInt64(&c.conflicts),
		Retries:   atomic.LoadInt64(&c.retries),
	}
}

// Run polls the stream until ctx is cancelled. Stalled entries are reclaimed
// at startup and every ReclaimInterval thereafter; a failure on one entry
// never stops the loop.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.cfg.Transport.EnsureGroup(ctx, c.cfg.StreamKey, c.cfg.Group); err != nil {
		return errors.Wrap(err, "unable to ensure consumer group")
	}

	c.reclaim(ctx)
	lastReclaim := time.Now()

	c.log.Infof("polling as '%s'", c.cfg.ConsumerName)

	for {
		if ctx.Err() != nil {
			c.log.Info("Received shutdown signal, exiting consumer")
			return nil
		}

		if time.Since(lastReclaim) > c.cfg.ReclaimInterval {
			c.reclaim(ctx)
			lastReclaim = time.Now()
		}

		entries, err := c.cfg.Transport.ReadGroup(ctx, c.cfg.StreamKey, c.cfg.Group,
			c.cfg.ConsumerName, c.cfg.BatchSize, c.cfg.BlockTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				c.log.Info("Received shutdown signal, exiting consumer")
				return nil
			}

			c.log.Errorf("group read error: %s (retrying in %s)", err, ReadRetryInterval)
			prometheus.IncrPromCounter(prometheus.DualwriteReadErrors, 1)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(ReadRetryInterval):
			}

			continue
		}

		for _, entry := range entries {
			c.handleEntry(ctx, entry)
		}
	}
}

func (c *Consumer) reclaim(ctx context.Context) {
	entries, err := c.cfg.Transport.ReclaimStalled(ctx, c.cfg.StreamKey, c.cfg.Group,
		c.cfg.ConsumerName, c.cfg.ReclaimMinIdle)
	if err != nil {
		c.log.Errorf("unable to reclaim stalled entries: %s", err)
		return
	}

	for _, entry := range entries {
		c.handleEntry(ctx, entry)
	}
}

// handleEntry walks one entry through the state machine: received →
// deduplicated → conflict-checked → applied or discarded → recorded in the
// ledger → acknowledged. A processing failure leaves the entry
// unacknowledged so a later reclaim pass retries it.
func (c *Consumer) handleEntry(ctx context.Context, entry *stream.Entry) {
	event, err := types.UnmarshalChangeEvent(entry.Payload)
	if err != nil {
		// Poison-message policy: malformed payloads are not retryable -
		// acknowledge and discard
		c.log.Warningf("[ID: %s eventId: %s] malformed payload, discarding: %s",
			entry.ID, gjson.GetBytes(entry.Payload, "eventId").String(), err)
		c.ack(ctx, entry.ID)

		return
	}

	seen, err := c.cfg.Ledger.SeenEvent(ctx, event.EventID)
	if err != nil {
		c.failEntry(entry.ID, err)
		return
	}

	if seen {
		// Duplicate delivery
		c.ack(ctx, entry.ID)
		return
	}

	switch event.Op {
	case types.OpDelete:
		if err := c.cfg.Dest.Delete(ctx, event.Key); err != nil {
			c.failEntry(entry.ID, err)
			return
		}
	default:
		applied, err := c.applyEvent(ctx, event)
		if err != nil {
			c.failEntry(entry.ID, err)
			return
		}

		if !applied {
			c.log.Debugf("discarded '%s' (destination copy wins)", event.EventID)
		}
	}

	// Ledger write must precede acknowledge: a crash in between causes a
	// redelivery that dedups, never a double-apply.
	if err := c.cfg.Ledger.RecordEvent(ctx, event.EventID); err != nil {
		c.failEntry(entry.ID, err)
		return
	}

	c.ack(ctx, entry.ID)

	atomic.AddInt64(&c.processed, 1)
	prometheus.Incr("consumer-"+c.cfg.StreamKey, 1)
	prometheus.IncrPromCounter(prometheus.DualwriteEventsProcessed, 1)
}

// applyEvent resolves the incoming record against the destination's current
// copy and applies it when it wins
func (c *Consumer) applyEvent(ctx context.Context, event *types.ChangeEvent) (bool, error) {
	current, err := c.cfg.Dest.Get(ctx, event.Key)
	if err != nil {
		return false, errors.Wrap(err, "unable to fetch destination record")
	}

	incoming := event.Data
	incoming.Source = event.Source

	res := types.Resolve(current, incoming)

	if res.Tie {
		atomic.AddInt64(&c.conflicts, 1)
		prometheus.IncrPromCounter(prometheus.DualwriteConflicts, 1)
	}

	if !res.Apply {
		return false, nil
	}

	if err := c.cfg.Dest.Apply(ctx, incoming); err != nil {
		return false, errors.Wrap(err, "unable to apply record")
	}

	return true, nil
}

func (c *Consumer) ack(ctx context.Context, entryID string) {
	if err := c.cfg.Transport.Ack(ctx, c.cfg.StreamKey, c.cfg.Group, entryID); err != nil {
		c.log.Errorf("unable to acknowledge entry '%s': %s", entryID, err)
	}
}

func (c *Consumer) failEntry(entryID string, err error) {
	atomic.AddInt64(&c.retries, 1)
	prometheus.IncrPromCounter(prometheus.DualwriteConsumeRetries, 1)

	// No ack: the entry stays pending for a later reclaim pass
	c.log.Errorf("failed to handle entry '%s' (left pending): %s", entryID, err)
}
