package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/streamgate/internal/authkit"
	"github.com/tyemirov/streamgate/pkg/statussync"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DatabaseStore persists access-control rows through GORM.
type DatabaseStore struct {
	database *gorm.DB
	driver   string
	logger   *zap.Logger
	now      func() time.Time
}

type accessControlRow struct {
	ID               string    `gorm:"primaryKey;size:36"`
	Email            string    `gorm:"size:320;not null;index:idx_access_control_email_created,priority:1"`
	Status           string    `gorm:"size:16;not null"`
	CanAccess        bool      `gorm:"not null"`
	AccessLevel      string    `gorm:"size:16;not null"`
	SuspensionReason string    `gorm:"size:512"`
	CreatedAt        time.Time `gorm:"not null;index:idx_access_control_email_created,priority:2"`
}

func (accessControlRow) TableName() string {
	return statussync.AccessControlTable
}

func (row accessControlRow) record() Record {
	return Record{
		ID:               row.ID,
		Email:            row.Email,
		Status:           statussync.Status(row.Status),
		CanAccess:        row.CanAccess,
		AccessLevel:      statussync.AccessLevel(row.AccessLevel),
		SuspensionReason: row.SuspensionReason,
		CreatedAt:        row.CreatedAt.UTC(),
	}
}

// NewDatabaseStore migrates the access_control table and returns a store.
func NewDatabaseStore(ctx context.Context, database *authkit.Database, logger *zap.Logger) (*DatabaseStore, error) {
	if database == nil || database.DB == nil {
		return nil, fmt.Errorf("access_store.init: %w", errors.New("database is nil"))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := database.DB.WithContext(ctx).AutoMigrate(&accessControlRow{}); err != nil {
		return nil, fmt.Errorf("access_store.migrate.%s: %w", database.Driver, err)
	}
	return &DatabaseStore{
		database: database.DB,
		driver:   database.Driver,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Driver reports the database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driver
}

func (store *DatabaseStore) Latest(ctx context.Context, email string) (Record, error) {
	var row accessControlRow
	err := store.database.WithContext(ctx).
		Where("email = ?", statussync.NormalizeEmail(email)).
		Order("created_at DESC, id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("access_store.lookup.%s: %w", store.driver, err)
	}
	return row.record(), nil
}

func (store *DatabaseStore) History(ctx context.Context, email string) ([]Record, error) {
	var rows []accessControlRow
	err := store.database.WithContext(ctx).
		Where("email = ?", statussync.NormalizeEmail(email)).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("access_store.history.%s: %w", store.driver, err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.record())
	}
	return records, nil
}

// Put appends a row; earlier rows for the email are kept.
func (store *DatabaseStore) Put(ctx context.Context, update Update) (Record, error) {
	record, normalizeErr := update.Normalize()
	if normalizeErr != nil {
		return Record{}, normalizeErr
	}
	recordID, idErr := uuid.NewV7()
	if idErr != nil {
		return Record{}, fmt.Errorf("access_store.put.id: %w", idErr)
	}
	row := accessControlRow{
		ID:               recordID.String(),
		Email:            record.Email,
		Status:           string(record.Status),
		CanAccess:        record.CanAccess,
		AccessLevel:      string(record.AccessLevel),
		SuspensionReason: record.SuspensionReason,
		CreatedAt:        store.now(),
	}
	if err := store.database.WithContext(ctx).Create(&row).Error; err != nil {
		return Record{}, fmt.Errorf("access_store.put.%s: %w", store.driver, err)
	}
	return row.record(), nil
}

// GetRecordByEmail implements statussync.RecordReader.
func (store *DatabaseStore) GetRecordByEmail(ctx context.Context, email string) statussync.LookupResult {
	record, latestErr := store.Latest(ctx, email)
	return lookupResult(store.logger, store.driver, email, record, latestErr)
}
