// Package stream implements the event log transport on Redis Streams:
// append-only, at-least-once, consumer-group reads with explicit
// acknowledgment and stall reclaim.
package stream

import (
	"context"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dualwrite/dualwrite/validate"
)

const (
	// PayloadField is the single named field carrying the JSON event in
	// each log entry. Part of the wire contract.
	PayloadField = "payload"

	// DefaultMaxLen approximately bounds stream growth; oldest entries are
	// trimmed once exceeded.
	DefaultMaxLen = 100000

	// PrimaryChangesKey carries events captured from the document store
	PrimaryChangesKey = "primary_changes"

	// SecondaryChangesKey carries events originating from key/value writes
	SecondaryChangesKey = "secondary_changes"

	// PrimaryToSecondaryGroup is the consumer group draining PrimaryChangesKey
	PrimaryToSecondaryGroup = "sync_primary_to_secondary"

	// SecondaryToPrimaryGroup is the consumer group draining SecondaryChangesKey
	SecondaryToPrimaryGroup = "sync_secondary_to_primary"
)

// Entry is one delivered log entry. Payload is nil when the entry does not
// carry a usable payload field; consumers treat that as a malformed payload.
type Entry struct {
	ID      string
	Payload []byte
}

type Stream struct {
	client *redis.Client
	log    *logrus.Entry
}

func New(client *redis.Client) (*Stream, error) {
	if client == nil {
		return nil, validate.ErrMissingClient
	}

	return &Stream{
		client: client,
		log:    logrus.WithField("pkg", "stream"),
	}, nil
}

// Append adds an entry and returns the transport-assigned id. maxLenApprox
// <= 0 falls back to DefaultMaxLen.
func (s *Stream) Append(ctx context.Context, streamKey string, payload []byte, maxLenApprox int64) (string, error) {
	if maxLenApprox <= 0 {
		maxLenApprox = DefaultMaxLen
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream:       streamKey,
		MaxLenApprox: maxLenApprox,
		Values: map[string]interface{}{
			PayloadField: payload,
		},
	}).Result()
	if err != nil {
		return "", errors.Wrapf(err, "unable to append to stream '%s'", streamKey)
	}

	return id, nil
}

// EnsureGroup idempotently creates a consumer group positioned at "only new
// entries from now", creating the stream if needed.
func (s *Stream) EnsureGroup(ctx context.Context, streamKey, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, streamKey, group, "$").Err()
	if err != nil {
		// No problem if consumer group already exists
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil
		}

		return errors.Wrapf(err, "error creating consumer group for stream '%s'", streamKey)
	}

	return nil
}

// ReadGroup performs a bounded-wait read of up to count new entries for this
// group member. A timeout returns an empty slice, not an error.
func (s *Stream) ReadGroup(ctx context.Context, streamKey, group, consumer string, count int64, block time.Duration) ([]*Entry, error) {
	results, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey, ">"},
		Count:    count,
		Block:    block,
		NoAck:    false,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, errors.Wrapf(err, "unable to read from stream '%s'", streamKey)
	}

	entries := make([]*Entry, 0)

	for _, result := range results {
		entries = append(entries, s.toEntries(result.Messages)...)
	}

	return entries, nil
}

// Ack marks an entry as durably processed for the group
func (s *Stream) Ack(ctx context.Context, streamKey, group, entryID string) error {
	if err := s.client.XAck(ctx, streamKey, group, entryID).Err(); err != nil {
		return errors.Wrapf(err, "unable to acknowledge entry '%s'", entryID)
	}

	return nil
}

// ReclaimStalled transfers pending entries idle longer than minIdle to the
// calling consumer. Invoked periodically and at startup for crash recovery.
func (s *Stream) ReclaimStalled(ctx context.Context, streamKey, group, consumer string, minIdle time.Duration) ([]*Entry, error) {
	messages, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
	}).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "unable to reclaim stalled entries on '%s'", streamKey)
	}

	if len(messages) > 0 {
		s.log.Infof("reclaimed %d stalled entries on '%s'", len(messages), streamKey)
	}

	return s.toEntries(messages), nil
}

func (s *Stream) toEntries(messages []redis.XMessage) []*Entry {
	entries := make([]*Entry, 0, len(messages))

	for _, message := range messages {
		entry := &Entry{ID: message.ID}

		if v, ok := message.Values[PayloadField]; ok {
			if stringData, ok := v.(string); ok {
				entry.Payload = []byte(stringData)
			} else {
				s.log.Warningf("[ID: %s] unable to type assert payload as string; treating as malformed", message.ID)
			}
		}

		entries = append(entries, entry)
	}

	return entries
}
