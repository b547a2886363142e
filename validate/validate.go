// Package validate contains validation errors shared across component
// constructors.
package validate

import "github.com/pkg/errors"

var (
	// Wiring

	ErrNilConfig           = errors.New("config cannot be nil")
	ErrMissingTransport    = errors.New("transport cannot be nil")
	ErrMissingPrimary      = errors.New("primary store cannot be nil")
	ErrMissingSecondary    = errors.New("secondary store cannot be nil")
	ErrMissingDest         = errors.New("destination store cannot be nil")
	ErrMissingLedger       = errors.New("idempotency ledger cannot be nil")
	ErrMissingRepo         = errors.New("outbox repository cannot be nil")
	ErrMissingFeed         = errors.New("change feed opener cannot be nil")
	ErrMissingMarkers      = errors.New("resume marker store cannot be nil")
	ErrMissingProbe        = errors.New("connectivity probe cannot be nil")
	ErrMissingCapture      = errors.New("capture runner cannot be nil")
	ErrMissingReconciler   = errors.New("reconciler cannot be nil")
	ErrMissingRelay        = errors.New("outbox relay cannot be nil")
	ErrMissingConsumer     = errors.New("stream consumer cannot be nil")
	ErrMissingStreamKey    = errors.New("stream key cannot be empty")
	ErrMissingGroup        = errors.New("consumer group cannot be empty")
	ErrMissingClient       = errors.New("client cannot be nil")
	ErrMissingShutdownCtx  = errors.New("ServiceShutdownCtx cannot be nil")
	ErrMissingShutdownFunc = errors.New("MainShutdownFunc cannot be nil")
	ErrMissingOptions      = errors.New("options cannot be nil")

	// Connection

	ErrMissingDSN      = errors.New("DSN cannot be empty")
	ErrMissingAddress  = errors.New("address cannot be empty")
	ErrMissingDatabase = errors.New("database name cannot be empty")
	ErrMissingPassword = errors.New("missing password (either use only password or fill out both)")
)
