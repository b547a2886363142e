// Package supervisor tolerates the document store being unreachable at
// startup or after a partition. It gates change capture on store liveness and
// retriggers reconciliation after a reconnect so writes that accumulated in
// the secondary store while capture was down get converged.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/relistan/go-director"
	"github.com/sirupsen/logrus"

	"github.com/dualwrite/dualwrite/validate"
)

const (
	// DefaultProbeInterval drives both the startup probe and the liveness timer
	DefaultProbeInterval = 30 * time.Second

	// DefaultStartupRetries bounds the blocking startup probe
	DefaultStartupRetries = 30
)

// Probe is a lightweight liveness check against the document store
type Probe interface {
	Ping(ctx context.Context) error
}

// Capture is the change capture loop; Run blocks until the feed dies for
// good or the context is cancelled
type Capture interface {
	Run(ctx context.Context) error
}

// Reconciler runs a full convergence pass on demand
type Reconciler interface {
	Run(ctx context.Context) (int, error)
}

type Config struct {
	Probe      Probe
	Capture    Capture
	Reconciler Reconciler

	ProbeInterval  time.Duration
	StartupRetries int
}

type Supervisor struct {
	cfg    *Config
	looper director.Looper

	mutex       sync.Mutex
	connected   bool
	captureDone chan struct{}
	stopCapture context.CancelFunc

	log *logrus.Entry
}

func New(cfg *Config) (*Supervisor, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, errors.Wrap(err, "unable to validate supervisor config")
	}

	return &Supervisor{
		cfg:    cfg,
		looper: director.NewTimedLooper(director.FOREVER, cfg.ProbeInterval, make(chan error, 1)),
		log:    logrus.WithField("pkg", "supervisor"),
	}, nil
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return validate.ErrNilConfig
	}

	if cfg.Probe == nil {
		return validate.ErrMissingProbe
	}

	if cfg.Capture == nil {
		return validate.ErrMissingCapture
	}

	if cfg.Reconciler == nil {
		return validate.ErrMissingReconciler
	}

	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}

	if cfg.StartupRetries <= 0 {
		cfg.StartupRetries = DefaultStartupRetries
	}

	return nil
}

// Connected reports whether the document store passed its last probe
func (s *Supervisor) Connected() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.connected
}

// Start probes the document store up to the startup retry ceiling, launches
// capture on first success and then hands off to the periodic liveness timer.
// An exhausted startup probe is not fatal; the process keeps serving writes
// and the timer keeps trying to connect.
func (s *Supervisor) Start(ctx context.Context) error {
	for attempt := 1; attempt <= s.cfg.StartupRetries; attempt++ {
		if err := s.cfg.Probe.Ping(ctx); err != nil {
			s.log.Warningf("document store probe %d/%d failed: %s",
				attempt, s.cfg.StartupRetries, err)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.ProbeInterval):
			}

			continue
		}

		s.launchCapture(ctx)

		break
	}

	if !s.Connected() {
		s.log.Error("document store unreachable at startup; capture disabled until it recovers")
	}

	go s.looper.Loop(func() error {
		s.tick(ctx)
		return nil
	})

	return nil
}

// Stop halts the liveness timer and shuts down capture
func (s *Supervisor) Stop() {
	s.looper.Quit()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.stopCapture != nil {
		s.stopCapture()
		s.stopCapture = nil
	}

	s.connected = false
}

func (s *Supervisor) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	err := s.cfg.Probe.Ping(ctx)

	wasConnected := s.Connected()

	if err != nil {
		if wasConnected {
			s.log.Warningf("document store connection lost: %s", err)
			s.teardownCapture()
		}

		return
	}

	if !wasConnected {
		s.log.Info("document store reachable again; restarting capture")
		s.launchCapture(ctx)

		go func() {
			synced, err := s.cfg.Reconciler.Run(ctx)
			if err != nil {
				s.log.Errorf("post-reconnect reconciliation failed: %s", err)
				return
			}

			s.log.Infof("post-reconnect reconciliation synchronized %d records", synced)
		}()

		return
	}

	// Still connected; restart capture if its feed died between probes
	s.mutex.Lock()
	done := s.captureDone
	s.mutex.Unlock()

	select {
	case <-done:
		s.log.Warning("capture stopped while store is reachable; restarting")
		s.launchCapture(ctx)
	default:
	}
}

func (s *Supervisor) launchCapture(ctx context.Context) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.stopCapture != nil {
		s.stopCapture()
	}

	captureCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.stopCapture = cancel
	s.captureDone = done
	s.connected = true

	go func() {
		defer close(done)

		if err := s.cfg.Capture.Run(captureCtx); err != nil && errors.Cause(err) != context.Canceled {
			s.log.Errorf("capture exited: %s", err)
		}
	}()
}

func (s *Supervisor) teardownCapture() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.stopCapture != nil {
		s.stopCapture()
		s.stopCapture = nil
	}

	s.connected = false
}
