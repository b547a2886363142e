// Actions pkg exists so that we have a place to store methods that are called
// by the HTTP API. It ties the stores, the transport and the sync components
// together without the api pkg importing any of them directly.
package actions

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dualwrite/dualwrite/backends/mongostore"
	"github.com/dualwrite/dualwrite/backends/redistore"
	"github.com/dualwrite/dualwrite/capture"
	"github.com/dualwrite/dualwrite/consumer"
	"github.com/dualwrite/dualwrite/outbox"
	"github.com/dualwrite/dualwrite/reconcile"
	"github.com/dualwrite/dualwrite/stream"
	"github.com/dualwrite/dualwrite/types"
	"github.com/dualwrite/dualwrite/validate"
)

type Actions struct {
	cfg *Config
	log *logrus.Entry
}

type Config struct {
	Mongo     *mongostore.MongoStore
	Redis     *redistore.RedisStore
	Transport *stream.Stream

	Capture           *capture.Capture
	Relay             *outbox.Relay
	PrimaryConsumer   *consumer.Consumer
	SecondaryConsumer *consumer.Consumer
	Reconciler        *reconcile.Engine

	// MaxLen bounds the secondary-originated stream on direct writes
	MaxLen int64
}

type IActions interface {
	UpsertPrimary(ctx context.Context, key string, payload map[string]interface{}) (*types.Record, error)
	UpsertSecondary(ctx context.Context, key string, payload map[string]interface{}) (*types.Record, error)
	ListRecords(ctx context.Context, source types.Source) []*types.Record
	TriggerSync(ctx context.Context) (*SyncResult, error)
	Metrics() *MetricsSnapshot
	StoreStats(ctx context.Context) reconcile.Stats
	OutboxStats(ctx context.Context) (map[types.OutboxStatus]int64, error)
}

// SyncResult is what a manual reconciliation trigger returns
type SyncResult struct {
	Synced int             `json:"synced"`
	Stats  reconcile.Stats `json:"stats"`
}

// MetricsSnapshot aggregates every component's plain counters
type MetricsSnapshot struct {
	Capture   capture.Metrics  `json:"capture"`
	Outbox    outbox.Metrics   `json:"outbox"`
	Primary   consumer.Metrics `json:"primary_consumer"`
	Secondary consumer.Metrics `json:"secondary_consumer"`
}

func New(cfg *Config) (IActions, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, errors.Wrap(err, "unable to validate config")
	}

	return &Actions{
		cfg: cfg,
		log: logrus.WithField("pkg", "actions"),
	}, nil
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return validate.ErrNilConfig
	}

	if cfg.Mongo == nil {
		return validate.ErrMissingPrimary
	}

	if cfg.Redis == nil {
		return validate.ErrMissingSecondary
	}

	if cfg.Transport == nil {
		return validate.ErrMissingTransport
	}

	if cfg.Capture == nil {
		return validate.ErrMissingCapture
	}

	if cfg.Relay == nil {
		return validate.ErrMissingRelay
	}

	if cfg.PrimaryConsumer == nil || cfg.SecondaryConsumer == nil {
		return validate.ErrMissingConsumer
	}

	if cfg.Reconciler == nil {
		return validate.ErrMissingReconciler
	}

	if cfg.MaxLen <= 0 {
		cfg.MaxLen = stream.DefaultMaxLen
	}

	return nil
}
