package actions

import (
	"context"

	"github.com/pkg/errors"

	"github.com/dualwrite/dualwrite/prometheus"
	"github.com/dualwrite/dualwrite/stream"
	"github.com/dualwrite/dualwrite/types"
)

// UpsertPrimary writes straight to the document store. Change capture picks
// the write up off the change feed, so no event is published here.
func (a *Actions) UpsertPrimary(ctx context.Context, key string, payload map[string]interface{}) (*types.Record, error) {
	record, err := a.cfg.Mongo.UpsertLocal(ctx, key, payload)
	if err != nil {
		return nil, errors.Wrap(err, "unable to write record to primary store")
	}

	return record, nil
}

// UpsertSecondary writes straight to the key/value store and then appends the
// corresponding event to the secondary-originated stream. The key/value store
// has no change feed, so the write path publishes its own event.
func (a *Actions) UpsertSecondary(ctx context.Context, key string, payload map[string]interface{}) (*types.Record, error) {
	existing, err := a.cfg.Redis.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "unable to check for existing record")
	}

	record, err := a.cfg.Redis.UpsertLocal(ctx, key, payload)
	if err != nil {
		return nil, errors.Wrap(err, "unable to write record to secondary store")
	}

	op := types.OpUpdate
	if existing == nil {
		op = types.OpCreate
	}

	event := &types.ChangeEvent{
		EventID:   types.NewEventID(types.SourceSecondary, key, record.Version),
		Entity:    types.DefaultEntity,
		Op:        op,
		Key:       key,
		Data:      record,
		UpdatedAt: record.UpdatedAt,
		Version:   record.Version,
		Source:    types.SourceSecondary,
	}

	data, err := event.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "unable to serialize change event")
	}

	// The write itself succeeded. A failed append is logged and left for
	// reconciliation to converge rather than failing the caller.
	if _, err := a.cfg.Transport.Append(ctx, stream.SecondaryChangesKey, data, a.cfg.MaxLen); err != nil {
		prometheus.IncrPromCounter(prometheus.DualwritePublishErrors, 1)
		a.log.Errorf("unable to publish secondary change for '%s': %s", key, err)
	}

	return record, nil
}

// ListRecords returns one store's full record set. Query paths degrade to an
// empty listing on store failure instead of erroring.
func (a *Actions) ListRecords(ctx context.Context, source types.Source) []*types.Record {
	var (
		records []*types.Record
		err     error
	)

	switch source {
	case types.SourceSecondary:
		records, err = a.cfg.Redis.List(ctx)
	default:
		records, err = a.cfg.Mongo.List(ctx)
	}

	if err != nil {
		a.log.Warningf("unable to list '%s' records: %s", source, err)
		return []*types.Record{}
	}

	return records
}
