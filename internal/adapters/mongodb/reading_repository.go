package mongodb

import (
	"context"
	"time"

	"libresync/internal/domain"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type ReadingRepository struct {
	collection *mongo.Collection
}

func NewReadingRepository(db *MongoDB) *ReadingRepository {
	return &ReadingRepository{
		collection: db.Database.Collection(ReadingsCollection),
	}
}

// Upsert inserts the reading unless a document with the same dedup key exists.
func (r *ReadingRepository) Upsert(ctx context.Context, reading domain.Reading, dedupKey time.Time) (bool, error) {
	filter := bson.M{"timestamp": dedupKey}
	update := bson.M{
		"$setOnInsert": bson.M{
			"recorded_at": reading.Timestamp,
			"value":       reading.Value,
			"trend":       reading.Trend,
			"is_high":     reading.IsHigh,
			"is_low":      reading.IsLow,
		},
	}

	res, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		// a concurrent upsert of the same key won the race
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to upsert reading")
	}

	return res.UpsertedCount > 0, nil
}
