package adapters

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/swasth-ai/vitalscan/domain/entities"
	"github.com/swasth-ai/vitalscan/domain/repositories"
)

// MemoryScanResultRepository is an in-memory implementation of ScanResultRepository.
// It is the default store when no database is configured.
type MemoryScanResultRepository struct {
	mu      sync.RWMutex
	records map[string]*entities.ScanRecord // session_id -> record
}

// NewMemoryScanResultRepository creates an empty repository
func NewMemoryScanResultRepository() *MemoryScanResultRepository {
	return &MemoryScanResultRepository{
		records: make(map[string]*entities.ScanRecord),
	}
}

// Save stores a copy of record, replacing any record with the same session id
func (m *MemoryScanResultRepository) Save(ctx context.Context, record *entities.ScanRecord) error {
	if record == nil {
		return errors.New("record cannot be nil")
	}
	if record.SessionID == "" {
		return errors.New("session ID is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *record
	m.records[record.SessionID] = &stored
	return nil
}

// GetBySessionID implements ScanResultRepository interface
func (m *MemoryScanResultRepository) GetBySessionID(ctx context.Context, sessionID string) (*entities.ScanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, exists := m.records[sessionID]
	if !exists {
		return nil, repositories.ErrRecordNotFound
	}

	out := *record
	return &out, nil
}

// ListRecent implements ScanResultRepository interface
func (m *MemoryScanResultRepository) ListRecent(ctx context.Context, limit int) ([]*entities.ScanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*entities.ScanRecord, 0, len(m.records))
	for _, record := range m.records {
		out := *record
		records = append(records, &out)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CompletedAt.After(records[j].CompletedAt)
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// DeleteCompletedBefore implements ScanResultRepository interface
func (m *MemoryScanResultRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, record := range m.records {
		if record.CompletedAt.Before(cutoff) {
			delete(m.records, id)
			deleted++
		}
	}
	return deleted, nil
}
