package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/dualwrite/dualwrite/dualwrite"
	"github.com/dualwrite/dualwrite/options"
)

func main() {
	kongCtx, opts, err := options.New(os.Args[1:])
	if err != nil {
		logrus.Fatalf("Unable to handle CLI input: %s", err)
	}

	if opts.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if opts.Quiet {
		logrus.SetLevel(logrus.ErrorLevel)
	}

	serviceCtx, serviceCancel := context.WithCancel(context.Background())

	// First signal triggers graceful shutdown, second one forces exit
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-signals
		logrus.Info("Caught signal, shutting down...")
		serviceCancel()

		<-signals
		logrus.Warning("Caught second signal, exiting immediately")
		os.Exit(1)
	}()

	d, err := dualwrite.New(&dualwrite.Config{
		ServiceShutdownCtx: serviceCtx,
		MainShutdownFunc:   serviceCancel,
		Options:            opts,
		KongCtx:            kongCtx,
	})
	if err != nil {
		logrus.Fatalf("Unable to start dualwrite: %s", err)
	}

	if err := d.Run(); err != nil {
		logrus.Fatalf("Unable to run dualwrite: %s", err)
	}
}
