package mongodb

import (
	"context"

	"libresync/internal/domain"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type SyncLogRepository struct {
	collection *mongo.Collection
}

func NewSyncLogRepository(db *MongoDB) *SyncLogRepository {
	return &SyncLogRepository{
		collection: db.Database.Collection(SyncLogsCollection),
	}
}

func (r *SyncLogRepository) SaveSyncLog(ctx context.Context, log domain.SyncLog) error {
	_, err := r.collection.InsertOne(ctx, log)
	if err != nil {
		return errors.Wrap(err, "failed to save sync log")
	}

	return nil
}

// LastSyncLog returns the most recently started sync, or nil when none was recorded.
func (r *SyncLogRepository) LastSyncLog(ctx context.Context) (*domain.SyncLog, error) {
	var log domain.SyncLog
	opts := options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}})
	err := r.collection.FindOne(ctx, bson.M{}, opts).Decode(&log)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find last sync log")
	}

	return &log, nil
}
