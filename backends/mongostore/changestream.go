package mongostore

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dualwrite/dualwrite/types"
)

// ChangeFeed wraps a mongo change stream as a stream of normalized
// ChangeNotifications.
type ChangeFeed struct {
	cs *mongo.ChangeStream
}

type rawNotification struct {
	OperationType string        `bson:"operationType"`
	FullDocument  *types.Record `bson:"fullDocument"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

// OpenFeed opens a change stream on the records collection. A non-nil marker
// (canonical extended JSON, as produced by this feed) resumes after that
// position; without one the feed starts at "now".
func (m *MongoStore) OpenFeed(ctx context.Context, marker []byte) (*ChangeFeed, error) {
	streamOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	if len(marker) > 0 {
		token := bson.Raw{}

		if err := bson.UnmarshalExtJSON(marker, true, &token); err != nil {
			return nil, errors.Wrap(err, "unable to decode resume marker")
		}

		streamOpts = streamOpts.SetResumeAfter(token)
	}

	cs, err := m.records.Watch(ctx, mongo.Pipeline{}, streamOpts)
	if err != nil {
		return nil, errors.Wrap(err, "could not begin change stream")
	}

	return &ChangeFeed{cs: cs}, nil
}

// Next blocks until a notification arrives or the feed fails. A context
// cancellation surfaces as the context's error so callers can distinguish
// shutdown from feed-level failures.
func (f *ChangeFeed) Next(ctx context.Context) (*types.ChangeNotification, error) {
	if !f.cs.Next(ctx) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if err := f.cs.Err(); err != nil {
			return nil, errors.Wrap(err, "change stream error")
		}

		return nil, errors.New("change stream closed")
	}

	raw := &rawNotification{}
	if err := f.cs.Decode(raw); err != nil {
		// Undecodable notification; report the position so capture can
		// persist the marker and move on.
		return &types.ChangeNotification{Marker: currentMarker(f.cs)}, nil
	}

	notification := &types.ChangeNotification{
		Operation: raw.OperationType,
		Document:  raw.FullDocument,
		Key:       raw.DocumentKey.ID,
		Marker:    currentMarker(f.cs),
	}

	if notification.Key == "" && raw.FullDocument != nil {
		notification.Key = raw.FullDocument.Key
	}

	return notification, nil
}

func (f *ChangeFeed) Close(ctx context.Context) error {
	return f.cs.Close(ctx)
}

// currentMarker serializes the stream's resume token as canonical extended
// JSON so it can live in the key/value store as an opaque blob.
func currentMarker(cs *mongo.ChangeStream) []byte {
	token := cs.ResumeToken()
	if token == nil {
		return nil
	}

	marker, err := bson.MarshalExtJSON(token, true, false)
	if err != nil {
		return nil
	}

	return marker
}
