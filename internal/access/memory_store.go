package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/streamgate/pkg/statussync"
	"go.uber.org/zap"
)

// MemoryStore keeps access-control rows in memory.
type MemoryStore struct {
	mutex   sync.RWMutex
	records map[string][]Record
	logger  *zap.Logger
	now     func() time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		records: make(map[string][]Record),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (store *MemoryStore) Latest(ctx context.Context, email string) (Record, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	rows := store.records[statussync.NormalizeEmail(email)]
	if len(rows) == 0 {
		return Record{}, ErrRecordNotFound
	}
	latest := rows[0]
	for _, row := range rows[1:] {
		if !row.CreatedAt.Before(latest.CreatedAt) {
			latest = row
		}
	}
	return latest, nil
}

func (store *MemoryStore) History(ctx context.Context, email string) ([]Record, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	rows := store.records[statussync.NormalizeEmail(email)]
	history := make([]Record, 0, len(rows))
	for index := len(rows) - 1; index >= 0; index-- {
		history = append(history, rows[index])
	}
	return history, nil
}

func (store *MemoryStore) Put(ctx context.Context, update Update) (Record, error) {
	record, normalizeErr := update.Normalize()
	if normalizeErr != nil {
		return Record{}, normalizeErr
	}
	recordID, idErr := uuid.NewV7()
	if idErr != nil {
		return Record{}, fmt.Errorf("access_store.put.id: %w", idErr)
	}
	record.ID = recordID.String()
	record.CreatedAt = store.now()

	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.records[record.Email] = append(store.records[record.Email], record)
	return record, nil
}

// GetRecordByEmail implements statussync.RecordReader.
func (store *MemoryStore) GetRecordByEmail(ctx context.Context, email string) statussync.LookupResult {
	record, latestErr := store.Latest(ctx, email)
	return lookupResult(store.logger, "memory", email, record, latestErr)
}
