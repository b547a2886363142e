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

// InsertOutbox stages an event for later delivery. A duplicate eventId means
// the event is already staged; the unique index turns a double-stage into a
// no-op instead of a second delivery.
func (m *MongoStore) InsertOutbox(ctx context.Context, entry *types.OutboxEntry) error {
	_, err := m.outbox.InsertOne(ctx, entry)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}

		return errors.Wrap(err, "unable to insert outbox entry")
	}

	return nil
}

// FetchDueOutbox returns up to limit entries awaiting delivery, oldest
// first. Entries at or above the retry ceiling are excluded; they stay in
// the collection in failed state and are surfaced via OutboxStats.
func (m *MongoStore) FetchDueOutbox(ctx context.Context, limit int64, maxRetries int) ([]*types.OutboxEntry, error) {
	filter := bson.M{
		"status":     bson.M{"$in": []types.OutboxStatus{types.OutboxPending, types.OutboxFailed}},
		"retryCount": bson.M{"$lt": maxRetries},
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetLimit(limit)

	cursor, err := m.outbox.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, errors.Wrap(err, "unable to fetch due outbox entries")
	}

	defer cursor.Close(ctx)

	entries := make([]*types.OutboxEntry, 0)

	if err := cursor.All(ctx, &entries); err != nil {
		return nil, errors.Wrap(err, "unable to decode outbox entries")
	}

	return entries, nil
}

// MarkOutboxSent transitions an entry to sent after a successful publish
func (m *MongoStore) MarkOutboxSent(ctx context.Context, eventID string) error {
	update := bson.M{
		"$set": bson.M{
			"status":        types.OutboxSent,
			"lastAttemptAt": time.Now(),
		},
	}

	if _, err := m.outbox.UpdateOne(ctx, bson.M{"eventId": eventID}, update); err != nil {
		return errors.Wrap(err, "unable to mark outbox entry sent")
	}

	return nil
}

// MarkOutboxFailed records a failed delivery attempt
func (m *MongoStore) MarkOutboxFailed(ctx context.Context, eventID string, retryCount int) error {
	update := bson.M{
		"$set": bson.M{
			"status":        types.OutboxFailed,
			"retryCount":    retryCount,
			"lastAttemptAt": time.Now(),
		},
	}

	if _, err := m.outbox.UpdateOne(ctx, bson.M{"eventId": eventID}, update); err != nil {
		return errors.Wrap(err, "unable to mark outbox entry failed")
	}

	return nil
}

// DeleteSentOutboxBefore garbage-collects sent entries older than the cutoff
func (m *MongoStore) DeleteSentOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := m.outbox.DeleteMany(ctx, bson.M{
		"status":        types.OutboxSent,
		"lastAttemptAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, errors.Wrap(err, "unable to clean up sent outbox entries")
	}

	return result.DeletedCount, nil
}

// OutboxStats returns entry counts grouped by delivery status
func (m *MongoStore) OutboxStats(ctx context.Context) (map[types.OutboxStatus]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":   "$status",
			"count": bson.M{"$sum": 1},
		}}},
	}

	cursor, err := m.outbox.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, errors.Wrap(err, "unable to aggregate outbox stats")
	}

	defer cursor.Close(ctx)

	results := make([]struct {
		Status types.OutboxStatus `bson:"_id"`
		Count  int64              `bson:"count"`
	}, 0)

	if err := cursor.All(ctx, &results); err != nil {
		return nil, errors.Wrap(err, "unable to decode outbox stats")
	}

	stats := make(map[types.OutboxStatus]int64, len(results))
	for _, r := range results {
		stats[r.Status] = r.Count
	}

	return stats, nil
}
