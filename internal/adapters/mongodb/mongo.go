package mongodb

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	ReadingsCollection = "readings"
	SyncLogsCollection = "sync_logs"
)

type MongoDB struct {
	Database *mongo.Database
}

func NewMongoDB(ctx context.Context, uri string, dbName string) (*MongoDB, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to MongoDB")
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "failed to ping MongoDB")
	}

	db := client.Database(dbName)
	return &MongoDB{Database: db}, nil
}

func (m *MongoDB) Close(ctx context.Context) error {
	return m.Database.Client().Disconnect(ctx)
}

// Store serves readings and sync logs from one database.
type Store struct {
	*ReadingRepository
	*SyncLogRepository
}

func NewStore(db *MongoDB) *Store {
	return &Store{
		ReadingRepository: NewReadingRepository(db),
		SyncLogRepository: NewSyncLogRepository(db),
	}
}

// SetUpCollections creates the collections and the unique timestamp index. Existing
// collections are kept.
func SetUpCollections(ctx context.Context, db *mongo.Database) error {
	existing, err := db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return errors.Wrap(err, "failed to list collections")
	}
	exists := make(map[string]bool, len(existing))
	for _, name := range existing {
		exists[name] = true
	}

	readingValidation := bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": []string{"timestamp", "value", "trend"},
			"properties": bson.M{
				"timestamp":   bson.M{"bsonType": "date"},
				"recorded_at": bson.M{"bsonType": "date"},
				"value":       bson.M{"bsonType": "double"},
				"trend":       bson.M{"bsonType": "string"},
				"is_high":     bson.M{"bsonType": "bool"},
				"is_low":      bson.M{"bsonType": "bool"},
			},
		},
	}

	if !exists[ReadingsCollection] {
		opt := options.CreateCollection().SetValidator(readingValidation)
		if err := db.CreateCollection(ctx, ReadingsCollection, opt); err != nil {
			return errors.Wrap(err, "failed to create readings collection")
		}
	}

	readingsIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "timestamp", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("timestamp_unique"),
	}
	if _, err := db.Collection(ReadingsCollection).Indexes().CreateOne(ctx, readingsIndex); err != nil {
		return errors.Wrap(err, "failed to create readings index")
	}

	syncLogValidation := bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": []string{"_id", "started_at", "success"},
			"properties": bson.M{
				"_id":        bson.M{"bsonType": "string"},
				"started_at": bson.M{"bsonType": "date"},
				"success":    bson.M{"bsonType": "bool"},
			},
		},
	}

	if !exists[SyncLogsCollection] {
		opt := options.CreateCollection().SetValidator(syncLogValidation)
		if err := db.CreateCollection(ctx, SyncLogsCollection, opt); err != nil {
			return errors.Wrap(err, "failed to create sync_logs collection")
		}
	}

	syncLogsIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "started_at", Value: -1}},
	}
	if _, err := db.Collection(SyncLogsCollection).Indexes().CreateOne(ctx, syncLogsIndex); err != nil {
		return errors.Wrap(err, "failed to create sync_logs index")
	}

	return nil
}
