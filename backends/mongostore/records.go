package mongostore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dualwrite/dualwrite/types"
)

// Get returns the record for key, or nil when the store holds no copy
func (m *MongoStore) Get(ctx context.Context, key string) (*types.Record, error) {
	record := &types.Record{}

	err := m.records.FindOne(ctx, bson.M{"_id": key}).Decode(record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "unable to fetch record")
	}

	return record, nil
}

// Apply overwrites the destination copy with an incoming record, propagating
// the writer's source. The local version counter is incremented rather than
// copied; it is informational only and never crosses stores.
func (m *MongoStore) Apply(ctx context.Context, record *types.Record) error {
	update := bson.M{
		"$set": bson.M{
			"payload":   record.Payload,
			"updatedAt": record.UpdatedAt,
			"source":    record.Source,
		},
		"$inc": bson.M{"version": 1},
	}

	upsert := true

	_, err := m.records.UpdateOne(ctx, bson.M{"_id": record.Key}, update,
		&options.UpdateOptions{Upsert: &upsert})
	if err != nil {
		return errors.Wrap(err, "unable to apply record")
	}

	return nil
}

// UpsertLocal is the direct-write path: a fresh wall-clock timestamp, an
// atomic version increment and source=primary. Returns the post-image.
func (m *MongoStore) UpsertLocal(ctx context.Context, key string, payload map[string]interface{}) (*types.Record, error) {
	update := bson.M{
		"$set": bson.M{
			"payload":   payload,
			"updatedAt": time.Now().UnixMilli(),
			"source":    types.SourcePrimary,
		},
		"$inc": bson.M{"version": 1},
	}

	after := options.After
	upsert := true

	record := &types.Record{}

	err := m.records.FindOneAndUpdate(ctx, bson.M{"_id": key}, update,
		&options.FindOneAndUpdateOptions{ReturnDocument: &after, Upsert: &upsert}).Decode(record)
	if err != nil {
		return nil, errors.Wrap(err, "unable to upsert record")
	}

	return record, nil
}

func (m *MongoStore) Delete(ctx context.Context, key string) error {
	if _, err := m.records.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return errors.Wrap(err, "unable to delete record")
	}

	return nil
}

// List returns every record in the store. The reconciler and the read-only
// API are the only callers; both treat a failure as a full-pass abort or a
// degraded (empty) response respectively.
func (m *MongoStore) List(ctx context.Context) ([]*types.Record, error) {
	cursor, err := m.records.Find(ctx, bson.M{})
	if err != nil {
		return nil, errors.Wrap(err, "unable to list records")
	}

	defer cursor.Close(ctx)

	records := make([]*types.Record, 0)

	if err := cursor.All(ctx, &records); err != nil {
		return nil, errors.Wrap(err, "unable to decode records")
	}

	return records, nil
}

func (m *MongoStore) Count(ctx context.Context) (int64, error) {
	count, err := m.records.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, errors.Wrap(err, "unable to count records")
	}

	return count, nil
}
