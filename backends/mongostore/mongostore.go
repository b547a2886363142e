// Package mongostore is the primary (document) store client. It owns the
// records collection, the outbox collection and the change-stream feed used
// for change capture.
package mongostore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/dualwrite/dualwrite/validate"
)

const BackendName = "mongostore"

const (
	// ConnectionTimeout determines how long before a connection attempt to mongo is timed out
	ConnectionTimeout = time.Second * 10

	// PingTimeout bounds liveness probes so the supervisor never blocks on a dead store
	PingTimeout = time.Second * 5

	RecordsCollection = "records"
	OutboxCollection  = "outbox_entries"
)

var ErrConnectionFailed = errors.New("could not open mongo connection")

type MongoStore struct {
	client  *mongo.Client
	records *mongo.Collection
	outbox  *mongo.Collection
	log     *logrus.Entry
}

func New(dsn, database string) (*MongoStore, error) {
	if dsn == "" {
		return nil, validate.ErrMissingDSN
	}

	if database == "" {
		return nil, validate.ErrMissingDatabase
	}

	ctx, cancel := context.WithTimeout(context.Background(), ConnectionTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(dsn))
	if err != nil {
		return nil, errors.Wrap(err, ErrConnectionFailed.Error())
	}

	db := client.Database(database)

	return &MongoStore{
		client:  client,
		records: db.Collection(RecordsCollection),
		outbox:  db.Collection(OutboxCollection),
		log:     logrus.WithField("backend", BackendName),
	}, nil
}

func (m *MongoStore) Name() string {
	return BackendName
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Ping is the supervisor's liveness probe
func (m *MongoStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	return m.client.Ping(ctx, readpref.Primary())
}

// EnsureIndexes creates the outbox indexes: a uniqueness constraint on
// eventId plus the two secondary indexes the relay's queries run on.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	unique := true

	_, err := m.outbox.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "eventId", Value: 1}},
			Options: &options.IndexOptions{Unique: &unique},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "retryCount", Value: 1}},
		},
	})
	if err != nil {
		return errors.Wrap(err, "unable to create outbox indexes")
	}

	return nil
}
