package dualwrite

import (
	"context"
	"time"

	"github.com/dualwrite/dualwrite/api"
	"github.com/dualwrite/dualwrite/options"
	"github.com/dualwrite/dualwrite/prometheus"
)

// ShutdownTimeout bounds graceful teardown of the API server and store clients
const ShutdownTimeout = 10 * time.Second

// Run is the main entrypoint to the dualwrite engine. It starts every
// component and blocks until the service shutdown context fires.
func (d *Dualwrite) Run() error {
	ctx := d.ServiceShutdownCtx

	prometheus.InitPrometheusMetrics()

	if d.Options.StatsReportInterval > 0 {
		prometheus.Start(d.Options.StatsReportInterval)
	}

	if err := d.Mongo.EnsureIndexes(ctx); err != nil {
		// The store may simply be down; the outbox insert path tolerates
		// missing indexes, so this is not fatal
		d.log.Warningf("unable to ensure outbox indexes: %s", err)
	}

	srv, err := api.Start(d.Actions, d.Options.ListenAddress, options.VERSION)
	if err != nil {
		return err
	}

	d.apiServer = srv

	d.Relay.Start(ctx)
	d.Reconciler.Start(ctx)

	go func() {
		if err := d.PrimaryConsumer.Run(ctx); err != nil {
			d.log.Errorf("primary consumer exited: %s", err)
		}
	}()

	go func() {
		if err := d.SecondaryConsumer.Run(ctx); err != nil {
			d.log.Errorf("secondary consumer exited: %s", err)
		}
	}()

	// Blocks through the startup probe; capture begins once the document
	// store answers
	if err := d.Supervisor.Start(ctx); err != nil {
		return err
	}

	if d.Supervisor.Connected() {
		go func() {
			synced, err := d.Reconciler.Run(ctx)
			if err != nil {
				d.log.Errorf("bootstrap reconciliation failed: %s", err)
				return
			}

			d.log.Infof("bootstrap reconciliation synchronized %d records", synced)
		}()
	}

	d.log.Info("dualwrite engine started")

	<-ctx.Done()

	d.log.Info("shutting down...")

	d.shutdown()

	return nil
}

func (d *Dualwrite) shutdown() {
	d.Supervisor.Stop()
	d.Reconciler.Stop()
	d.Relay.Stop()
	prometheus.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if d.apiServer != nil {
		if err := d.apiServer.Shutdown(ctx); err != nil {
			d.log.Errorf("unable to shutdown API server: %s", err)
		}
	}

	if err := d.Mongo.Close(ctx); err != nil {
		d.log.Errorf("unable to close document store client: %s", err)
	}

	if err := d.Redis.Close(ctx); err != nil {
		d.log.Errorf("unable to close key/value store client: %s", err)
	}
}
