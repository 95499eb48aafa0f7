package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/swasth-ai/vitalscan/domain/entities"
	"github.com/swasth-ai/vitalscan/domain/repositories"
)

const scanCollection = "scan_results"

// ScanResultRepository implements repositories.ScanResultRepository using MongoDB
type ScanResultRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewScanResultRepository creates a repository and ensures its indexes
func NewScanResultRepository(ctx context.Context, db *mongo.Database, logger *zap.Logger) (*ScanResultRepository, error) {
	collection := db.Collection(scanCollection)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "completed_at", Value: -1}},
		},
	})
	if err != nil {
		return nil, err
	}

	return &ScanResultRepository{
		collection: collection,
		logger:     logger.With(zap.String("component", "scanResultRepository")),
	}, nil
}

// Save upserts record by session id
func (r *ScanResultRepository) Save(ctx context.Context, record *entities.ScanRecord) error {
	if record == nil {
		return errors.New("record cannot be nil")
	}
	if record.SessionID == "" {
		return errors.New("session ID is required")
	}

	filter := bson.M{"session_id": record.SessionID}
	_, err := r.collection.ReplaceOne(ctx, filter, record, options.Replace().SetUpsert(true))
	if err != nil {
		r.logger.Error("Failed to save scan record", zap.Error(err), zap.String("sessionID", record.SessionID))
		return err
	}

	r.logger.Info("Scan record saved",
		zap.String("sessionID", record.SessionID),
		zap.String("acousticFinding", string(record.Result.AcousticFinding)))
	return nil
}

// GetBySessionID implements repositories.ScanResultRepository
func (r *ScanResultRepository) GetBySessionID(ctx context.Context, sessionID string) (*entities.ScanRecord, error) {
	var record entities.ScanRecord
	err := r.collection.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrRecordNotFound
		}
		r.logger.Error("Failed to get scan record", zap.Error(err), zap.String("sessionID", sessionID))
		return nil, err
	}

	return &record, nil
}

// ListRecent implements repositories.ScanResultRepository
func (r *ScanResultRepository) ListRecent(ctx context.Context, limit int) ([]*entities.ScanRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "completed_at", Value: -1}}) // Most recent first
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		r.logger.Error("Failed to list scan records", zap.Error(err))
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []*entities.ScanRecord
	for cursor.Next(ctx) {
		var record entities.ScanRecord
		if err := cursor.Decode(&record); err != nil {
			r.logger.Error("Failed to decode scan record", zap.Error(err))
			continue
		}
		records = append(records, &record)
	}

	if err := cursor.Err(); err != nil {
		r.logger.Error("Cursor error", zap.Error(err))
		return nil, err
	}

	return records, nil
}

// DeleteCompletedBefore implements repositories.ScanResultRepository
func (r *ScanResultRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{"completed_at": bson.M{"$lt": cutoff}})
	if err != nil {
		r.logger.Error("Failed to delete old scan records", zap.Error(err))
		return 0, err
	}

	if result.DeletedCount > 0 {
		r.logger.Info("Deleted old scan records", zap.Int64("count", result.DeletedCount))
	}
	return result.DeletedCount, nil
}
