package streamclient

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var errEmptyStoragePath = errors.New("streamclient.storage.empty_path")

// SQLiteStorage is a statussync.Storage persisted in a local SQLite file so
// that sign-out cleanup is visible to every process sharing the file.
type SQLiteStorage struct {
	database *gorm.DB
}

type storageEntry struct {
	Key       string `gorm:"primaryKey;size:255"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

func (storageEntry) TableName() string {
	return "client_storage"
}

// OpenSQLiteStorage opens or creates the storage file at path. ":memory:" is accepted.
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errEmptyStoragePath
	}
	database, openErr := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if openErr != nil {
		return nil, fmt.Errorf("streamclient.storage.open: %w", openErr)
	}
	sqlDatabase, handleErr := database.DB()
	if handleErr != nil {
		return nil, fmt.Errorf("streamclient.storage.open: %w", handleErr)
	}
	sqlDatabase.SetMaxOpenConns(1)
	if err := database.AutoMigrate(&storageEntry{}); err != nil {
		_ = sqlDatabase.Close()
		return nil, fmt.Errorf("streamclient.storage.migrate: %w", err)
	}
	return &SQLiteStorage{database: database}, nil
}

// Get returns the value stored for key.
func (storage *SQLiteStorage) Get(key string) (string, bool) {
	var entry storageEntry
	if err := storage.database.Where("key = ?", key).Take(&entry).Error; err != nil {
		return "", false
	}
	return entry.Value, true
}

// Set stores value under key.
func (storage *SQLiteStorage) Set(key string, value string) error {
	entry := storageEntry{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := storage.database.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("streamclient.storage.set: %w", err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (storage *SQLiteStorage) Remove(key string) error {
	if err := storage.database.Where("key = ?", key).Delete(&storageEntry{}).Error; err != nil {
		return fmt.Errorf("streamclient.storage.remove: %w", err)
	}
	return nil
}

// Keys lists every stored key.
func (storage *SQLiteStorage) Keys() ([]string, error) {
	var keys []string
	if err := storage.database.Model(&storageEntry{}).Order("key").Pluck("key", &keys).Error; err != nil {
		return nil, fmt.Errorf("streamclient.storage.keys: %w", err)
	}
	return keys, nil
}

// Close releases the database handle.
func (storage *SQLiteStorage) Close() error {
	sqlDatabase, err := storage.database.DB()
	if err != nil {
		return err
	}
	return sqlDatabase.Close()
}
