// Package options holds all runtime configuration for the sync engine. Every
// flag has an environment variable fallback so the binary can run unmodified
// in a container. Its other responsibility is "light" validation; components
// validate their own configs on construction.
package options

import (
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/pkg/errors"
)

var (
	VERSION = "UNSET"
)

type Options struct {
	Version bool `help:"Display version information" short:"v"`
	Debug   bool `help:"Enable debug output" short:"d" env:"DUALWRITE_DEBUG"`
	Quiet   bool `help:"Suppress all output except errors" short:"q" env:"DUALWRITE_QUIET"`

	ListenAddress string `help:"HTTP API listen address" default:":9191" env:"DUALWRITE_LISTEN_ADDRESS"`

	MongoDSN      string `help:"Document store connection string" default:"mongodb://localhost:27017" env:"DUALWRITE_MONGO_DSN"`
	MongoDatabase string `help:"Document store database name" default:"dualwrite" env:"DUALWRITE_MONGO_DATABASE"`

	RedisAddress  string `help:"Key/value store address" default:"localhost:6379" env:"DUALWRITE_REDIS_ADDRESS"`
	RedisUsername string `help:"Key/value store username (optional)" env:"DUALWRITE_REDIS_USERNAME"`
	RedisPassword string `help:"Key/value store password (optional)" env:"DUALWRITE_REDIS_PASSWORD"`
	RedisDatabase int    `help:"Key/value store database number" default:"0" env:"DUALWRITE_REDIS_DATABASE"`

	StreamMaxLen      int64         `help:"Approximate max stream length before trimming" default:"100000" env:"DUALWRITE_STREAM_MAX_LEN"`
	ReconcileInterval time.Duration `help:"Periodic reconciliation interval" default:"5m" env:"DUALWRITE_RECONCILE_INTERVAL"`
	ProbeInterval     time.Duration `help:"Document store liveness probe interval" default:"30s" env:"DUALWRITE_PROBE_INTERVAL"`
	StartupRetries    int           `help:"Startup probe attempts before serving without capture" default:"30" env:"DUALWRITE_STARTUP_RETRIES"`

	StatsReportInterval int32 `help:"Counter report interval in seconds (0 disables)" default:"0" env:"DUALWRITE_STATS_REPORT_INTERVAL"`
}

func New(args []string) (*kong.Context, *Options, error) {
	opts := &Options{}

	maybeDisplayVersion(os.Args)

	k, err := kong.New(
		opts,
		kong.Name("dualwrite"),
		kong.Description("Bidirectional document/key-value store synchronization engine"),
		kong.ShortUsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to create new kong instance")
	}

	kongCtx, err := k.Parse(args)
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to parse CLI options")
	}

	return kongCtx, opts, nil
}

func maybeDisplayVersion(args []string) {
	for _, f := range args {
		if f == "--version" {
			fmt.Println(VERSION)
			os.Exit(0)
		}
	}
}
