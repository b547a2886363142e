// Package dualwrite wires the stores, the transport and every sync component
// into a single runnable engine. It is the only package that knows about all
// of the others.
package dualwrite

import (
	"context"
	"net/http"

	"github.com/alecthomas/kong"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dualwrite/dualwrite/actions"
	"github.com/dualwrite/dualwrite/backends/mongostore"
	"github.com/dualwrite/dualwrite/backends/redistore"
	"github.com/dualwrite/dualwrite/capture"
	"github.com/dualwrite/dualwrite/consumer"
	"github.com/dualwrite/dualwrite/options"
	"github.com/dualwrite/dualwrite/outbox"
	"github.com/dualwrite/dualwrite/reconcile"
	"github.com/dualwrite/dualwrite/stream"
	"github.com/dualwrite/dualwrite/supervisor"
	"github.com/dualwrite/dualwrite/validate"
)

// Config contains configurable options for instantiating a new Dualwrite
type Config struct {
	ServiceShutdownCtx context.Context
	MainShutdownFunc   context.CancelFunc
	Options            *options.Options
	KongCtx            *kong.Context
}

type Dualwrite struct {
	*Config

	Mongo     *mongostore.MongoStore
	Redis     *redistore.RedisStore
	Transport *stream.Stream

	Capture           *capture.Capture
	Relay             *outbox.Relay
	PrimaryConsumer   *consumer.Consumer
	SecondaryConsumer *consumer.Consumer
	Reconciler        *reconcile.Engine
	Supervisor        *supervisor.Supervisor
	Actions           actions.IActions

	apiServer *http.Server
	log       *logrus.Entry
}

// feedOpener narrows the mongo change stream to the feed interface capture
// consumes
type feedOpener struct {
	mongo *mongostore.MongoStore
}

func (f *feedOpener) OpenFeed(ctx context.Context, marker []byte) (capture.Feed, error) {
	return f.mongo.OpenFeed(ctx, marker)
}

// New instantiates a properly configured instance of Dualwrite or a config error
func New(cfg *Config) (*Dualwrite, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, errors.Wrap(err, "unable to validate config")
	}

	d := &Dualwrite{
		Config: cfg,
		log:    logrus.WithField("pkg", "dualwrite"),
	}

	if err := d.connect(); err != nil {
		return nil, err
	}

	if err := d.assemble(); err != nil {
		return nil, err
	}

	return d, nil
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return validate.ErrNilConfig
	}

	if cfg.ServiceShutdownCtx == nil {
		return validate.ErrMissingShutdownCtx
	}

	if cfg.MainShutdownFunc == nil {
		return validate.ErrMissingShutdownFunc
	}

	if cfg.Options == nil {
		return validate.ErrMissingOptions
	}

	return nil
}

func (d *Dualwrite) connect() error {
	mongo, err := mongostore.New(d.Options.MongoDSN, d.Options.MongoDatabase)
	if err != nil {
		return errors.Wrap(err, "unable to create document store client")
	}

	redis, err := redistore.New(&redistore.Options{
		Address:  d.Options.RedisAddress,
		Username: d.Options.RedisUsername,
		Password: d.Options.RedisPassword,
		Database: d.Options.RedisDatabase,
	})
	if err != nil {
		return errors.Wrap(err, "unable to create key/value store client")
	}

	transport, err := stream.New(redis.Client())
	if err != nil {
		return errors.Wrap(err, "unable to create event log transport")
	}

	d.Mongo = mongo
	d.Redis = redis
	d.Transport = transport

	d.log.Debugf("store clients created: %s, %s", mongo.Name(), redis.Name())

	return nil
}

func (d *Dualwrite) assemble() error {
	relay, err := outbox.New(&outbox.Config{
		Repo:      d.Mongo,
		Transport: d.Transport,
		StreamKey: stream.PrimaryChangesKey,
		MaxLen:    d.Options.StreamMaxLen,
	})
	if err != nil {
		return errors.Wrap(err, "unable to create outbox relay")
	}

	capturer, err := capture.New(&capture.Config{
		Feeds:     &feedOpener{mongo: d.Mongo},
		Markers:   d.Redis,
		Transport: d.Transport,
		Outbox:    relay,
		StreamKey: stream.PrimaryChangesKey,
		MaxLen:    d.Options.StreamMaxLen,
	})
	if err != nil {
		return errors.Wrap(err, "unable to create change capture")
	}

	// Primary-originated events land in the secondary store and vice versa
	primaryConsumer, err := consumer.New(&consumer.Config{
		Transport: d.Transport,
		Dest:      d.Redis,
		Ledger:    d.Redis,
		StreamKey: stream.PrimaryChangesKey,
		Group:     stream.PrimaryToSecondaryGroup,
	})
	if err != nil {
		return errors.Wrap(err, "unable to create primary consumer")
	}

	secondaryConsumer, err := consumer.New(&consumer.Config{
		Transport: d.Transport,
		Dest:      d.Mongo,
		Ledger:    d.Redis,
		StreamKey: stream.SecondaryChangesKey,
		Group:     stream.SecondaryToPrimaryGroup,
	})
	if err != nil {
		return errors.Wrap(err, "unable to create secondary consumer")
	}

	reconciler, err := reconcile.New(&reconcile.Config{
		Primary:   d.Mongo,
		Secondary: d.Redis,
		Interval:  d.Options.ReconcileInterval,
	})
	if err != nil {
		return errors.Wrap(err, "unable to create reconciler")
	}

	sup, err := supervisor.New(&supervisor.Config{
		Probe:          d.Mongo,
		Capture:        capturer,
		Reconciler:     reconciler,
		ProbeInterval:  d.Options.ProbeInterval,
		StartupRetries: d.Options.StartupRetries,
	})
	if err != nil {
		return errors.Wrap(err, "unable to create supervisor")
	}

	acts, err := actions.New(&actions.Config{
		Mongo:             d.Mongo,
		Redis:             d.Redis,
		Transport:         d.Transport,
		Capture:           capturer,
		Relay:             relay,
		PrimaryConsumer:   primaryConsumer,
		SecondaryConsumer: secondaryConsumer,
		Reconciler:        reconciler,
		MaxLen:            d.Options.StreamMaxLen,
	})
	if err != nil {
		return errors.Wrap(err, "unable to create actions")
	}

	d.Relay = relay
	d.Capture = capturer
	d.PrimaryConsumer = primaryConsumer
	d.SecondaryConsumer = secondaryConsumer
	d.Reconciler = reconciler
	d.Supervisor = sup
	d.Actions = acts

	return nil
}
