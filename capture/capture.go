// Package capture observes committed writes on the primary store's change
// feed and turns each into a ChangeEvent on the event log. Publish failures
// route through the outbox so a committed write is never lost.
package capture

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dualwrite/dualwrite/prometheus"
	"github.com/dualwrite/dualwrite/types"
	"github.com/dualwrite/dualwrite/validate"
)

// FeedRetryInterval is how long to wait after a feed-level failure before
// reopening the change feed
var FeedRetryInterval = 5 * time.Second

// DefaultFeedRetries is the reopen ceiling; once exhausted, capture stops
// and the connectivity supervisor takes over restarts
const DefaultFeedRetries = 10

var ErrFeedRetriesExhausted = errors.New("change feed retries exhausted")

// Feed is a stream of change notifications (implemented by the primary
// store's change stream)
type Feed interface {
	Next(ctx context.Context) (*types.ChangeNotification, error)
	Close(ctx context.Context) error
}

// FeedOpener opens a Feed positioned after an opaque resume marker
type FeedOpener interface {
	OpenFeed(ctx context.Context, marker []byte) (Feed, error)
}

// MarkerStore persists the resume marker between runs
type MarkerStore interface {
	LoadResumeMarker(ctx context.Context) ([]byte, error)
	SaveResumeMarker(ctx context.Context, marker []byte) error
	ClearResumeMarker(ctx context.Context) error
}

// Publisher appends events to the event log
type Publisher interface {
	Append(ctx context.Context, streamKey string, payload []byte, maxLenApprox int64) (string, error)
}

// Stager is the outbox fallback for failed live publishes
type Stager interface {
	Stage(ctx context.Context, event *types.ChangeEvent) error
}

type Config struct {
	Feeds     FeedOpener
	Markers   MarkerStore
	Transport Publisher
	Outbox    Stager

	StreamKey string
	Entity    string

	// MaxLen is the approximate stream length bound passed to Append
	MaxLen int64

	// FeedRetries overrides DefaultFeedRetries when > 0
	FeedRetries int
}

// Metrics are capture's observable counters
type Metrics struct {
	Captured  int64 `json:"captured"`
	Published int64 `json:"published"`
	Staged    int64 `json:"staged"`
}

type Capture struct {
	cfg *Config

	captured  int64
	published int64
	staged    int64

	log *logrus.Entry
}

func New(cfg *Config) (*Capture, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, errors.Wrap(err, "unable to validate capture config")
	}

	return &Capture{
		cfg: cfg,
		log: logrus.WithField("pkg", "capture"),
	}, nil
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return validate.ErrNilConfig
	}

	if cfg.Feeds == nil {
		return validate.ErrMissingFeed
	}

	if cfg.Markers == nil {
		return validate.ErrMissingMarkers
	}

	if cfg.Transport == nil {
		return validate.ErrMissingTransport
	}

	if cfg.Outbox == nil {
		return validate.ErrMissingRepo
	}

	if cfg.StreamKey == "" {
		return validate.ErrMissingStreamKey
	}

	if cfg.Entity == "" {
		cfg.Entity = types.DefaultEntity
	}

	if cfg.FeedRetries <= 0 {
		cfg.FeedRetries = DefaultFeedRetries
	}

	return nil
}

// Metrics returns a snapshot of the capture counters
func (c *Capture) Metrics() Metrics {
	return Metrics{
		Captured:  atomic.LoadInt64(&c.captured),
		Published: atomic.LoadInt64(&c.published),
		Staged:    atomic.LoadInt64(&c.staged),
	}
}

// Run opens the change feed and processes notifications until ctx is
// cancelled or the feed retry ceiling is exhausted. Single-notification
// failures never stop the feed; only feed-level failures count against the
// ceiling.
func (c *Capture) Run(ctx context.Context) error {
	// Stop rate-reporting the producer counter once capture exits
	defer prometheus.Mute("capture-producer")

	var attempts int

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := c.runFeed(ctx); err != nil {
			attempts++

			if attempts >= c.cfg.FeedRetries {
				c.log.Errorf("change feed failed %d times; giving up until reconnect: %s", attempts, err)
				return ErrFeedRetriesExhausted
			}

			c.log.Errorf("change feed error: %s (retrying in %s)", err, FeedRetryInterval)
			prometheus.IncrPromCounter(prometheus.DualwriteReadErrors, 1)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(FeedRetryInterval):
			}

			continue
		}

		return nil
	}
}

// runFeed opens one feed from the persisted marker and consumes it until it
// errors or ctx is cancelled
func (c *Capture) runFeed(ctx context.Context) error {
	marker, err := c.cfg.Markers.LoadResumeMarker(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to load resume marker")
	}

	if marker == nil {
		c.log.Info("no resume marker found, starting feed from now")
	}

	feed, err := c.cfg.Feeds.OpenFeed(ctx, marker)
	if err != nil {
		// A marker the store no longer accepts (oplog truncation) would
		// otherwise fail every reopen. Clear it so the next attempt starts
		// from now; reconciliation covers the gap.
		if marker != nil {
			c.log.Warningf("clearing resume marker after failed feed open: %s", err)

			if clearErr := c.cfg.Markers.ClearResumeMarker(ctx); clearErr != nil {
				c.log.Errorf("unable to clear resume marker: %s", clearErr)
			}
		}

		return errors.Wrap(err, "unable to open change feed")
	}

	defer feed.Close(ctx)

	c.log.Info("Waiting for change notifications...")

	for {
		notification, err := feed.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				c.log.Info("Received shutdown signal, exiting capture")
				return nil
			}

			return err
		}

		c.handleNotification(ctx, notification)
	}
}

func (c *Capture) handleNotification(ctx context.Context, notification *types.ChangeNotification) {
	// Marker durability must not depend on publish success: persist the
	// position first so a crash mid-publish never replays this write.
	if len(notification.Marker) > 0 {
		if err := c.cfg.Markers.SaveResumeMarker(ctx, notification.Marker); err != nil {
			c.log.Errorf("unable to persist resume marker: %s", err)
		}
	}

	event := c.buildEvent(notification)
	if event == nil {
		return
	}

	atomic.AddInt64(&c.captured, 1)
	prometheus.Incr("capture-producer", 1)
	prometheus.IncrPromCounter(prometheus.DualwriteEventsCaptured, 1)

	c.publish(ctx, event)
}

// buildEvent converts a notification into a ChangeEvent, or nil when the
// notification is not actionable (no usable post-image, unknown operation).
func (c *Capture) buildEvent(notification *types.ChangeNotification) *types.ChangeEvent {
	var op types.Op

	switch notification.Operation {
	case "insert":
		op = types.OpCreate
	case "update", "replace":
		op = types.OpUpdate
	case "delete":
		op = types.OpDelete
	default:
		return nil
	}

	if op == types.OpDelete {
		if notification.Key == "" {
			return nil
		}

		// No post-image exists for deletes; the wall clock stands in for
		// updatedAt so the event still orders against concurrent writes,
		// and doubles as the eventId version component so distinct deletes
		// of the same key never collide. Re-applying a delete is idempotent,
		// so a dedup miss on redelivery is harmless.
		deletedAt := time.Now().UnixMilli()

		return &types.ChangeEvent{
			EventID:   types.NewEventID(types.SourcePrimary, notification.Key, deletedAt),
			Entity:    c.cfg.Entity,
			Op:        op,
			Key:       notification.Key,
			Data:      nil,
			UpdatedAt: deletedAt,
			Version:   0,
			Source:    types.SourcePrimary,
		}
	}

	record := notification.Document
	if record == nil || record.Key == "" {
		// A notification without a usable post-image is dropped without effect
		return nil
	}

	return &types.ChangeEvent{
		EventID:   types.NewEventID(types.SourcePrimary, record.Key, record.Version),
		Entity:    c.cfg.Entity,
		Op:        op,
		Key:       record.Key,
		Data:      record,
		UpdatedAt: record.UpdatedAt,
		Version:   record.Version,
		Source:    types.SourcePrimary,
	}
}

// publish attempts a live append; failure hands the event to the outbox
// instead of dropping it
func (c *Capture) publish(ctx context.Context, event *types.ChangeEvent) {
	payload, err := event.Marshal()
	if err != nil {
		c.log.Errorf("unable to serialize event '%s': %s", event.EventID, err)
		return
	}

	if _, err := c.cfg.Transport.Append(ctx, c.cfg.StreamKey, payload, c.cfg.MaxLen); err != nil {
		c.log.Warningf("live publish of '%s' failed, staging in outbox: %s", event.EventID, err)
		prometheus.IncrPromCounter(prometheus.DualwritePublishErrors, 1)

		if stageErr := c.cfg.Outbox.Stage(ctx, event); stageErr != nil {
			c.log.Errorf("unable to stage event '%s' in outbox: %s", event.EventID, stageErr)
			return
		}

		atomic.AddInt64(&c.staged, 1)
		prometheus.IncrPromCounter(prometheus.DualwriteOutboxStaged, 1)

		return
	}

	atomic.AddInt64(&c.published, 1)
	prometheus.IncrPromCounter(prometheus.DualwriteEventsPublished, 1)

	c.log.Debugf("published '%s' to '%s'", event.EventID, c.cfg.StreamKey)
}
