package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/swasth-ai/vitalscan/domain/entities"
)

// ErrRecordNotFound is returned when no scan record matches
var ErrRecordNotFound = errors.New("scan record not found")

// ScanResultRepository defines data access methods for completed scans
type ScanResultRepository interface {
	Save(ctx context.Context, record *entities.ScanRecord) error
	GetBySessionID(ctx context.Context, sessionID string) (*entities.ScanRecord, error)
	// ListRecent returns up to limit records, most recently completed first
	ListRecent(ctx context.Context, limit int) ([]*entities.ScanRecord, error)
	// DeleteCompletedBefore removes records completed before cutoff and returns how many were removed
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
