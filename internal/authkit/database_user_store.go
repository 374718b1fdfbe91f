package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type userRecord struct {
	UserID       string    `gorm:"column:user_id;primaryKey"`
	Email        string    `gorm:"column:email;uniqueIndex;not null"`
	DisplayName  string    `gorm:"column:display_name;not null;default:''"`
	PasswordHash string    `gorm:"column:password_hash;not null;default:''"`
	GoogleSub    string    `gorm:"column:google_sub;index;not null;default:''"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

// DatabaseUserStore persists accounts using GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
	adminEmails []string
}

// NewDatabaseUserStore migrates the users table and returns the store.
func NewDatabaseUserStore(ctx context.Context, database *Database, adminEmails []string) (*DatabaseUserStore, error) {
	if database == nil || database.DB == nil {
		return nil, fmt.Errorf("user_store.open: %w", errEmptyDatabaseURL)
	}
	if migrateErr := database.DB.WithContext(ctx).AutoMigrate(&userRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", database.Driver, migrateErr)
	}
	return &DatabaseUserStore{
		db:          database.DB,
		driverLabel: database.Driver,
		adminEmails: append([]string(nil), adminEmails...),
	}, nil
}

// CreatePasswordUser registers an email/password account.
func (store *DatabaseUserStore) CreatePasswordUser(ctx context.Context, userEmail string, password string, userDisplayName string) (UserProfile, error) {
	normalizedEmail, emailErr := validateEmail(userEmail)
	if emailErr != nil {
		return UserProfile{}, emailErr
	}
	passwordHash, hashErr := hashPassword(password)
	if hashErr != nil {
		return UserProfile{}, hashErr
	}
	if _, findErr := store.findByEmail(ctx, normalizedEmail); findErr == nil {
		return UserProfile{}, ErrUserExists
	} else if !errors.Is(findErr, ErrUserNotFound) {
		return UserProfile{}, findErr
	}
	record := userRecord{
		UserID:       uuid.NewString(),
		Email:        normalizedEmail,
		DisplayName:  displayNameOrEmail(userDisplayName, normalizedEmail),
		PasswordHash: passwordHash,
		CreatedAt:    currentClock().Now(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(strings.ToLower(err.Error()), "unique") {
			return UserProfile{}, ErrUserExists
		}
		return UserProfile{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, err)
	}
	return store.profileFor(record), nil
}

// VerifyPassword authenticates an email/password pair.
func (store *DatabaseUserStore) VerifyPassword(ctx context.Context, userEmail string, password string) (UserProfile, error) {
	record, findErr := store.findByEmail(ctx, normalizeEmail(userEmail))
	if findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			return UserProfile{}, ErrInvalidCredentials
		}
		return UserProfile{}, findErr
	}
	if !passwordMatches(record.PasswordHash, password) {
		return UserProfile{}, ErrInvalidCredentials
	}
	return store.profileFor(record), nil
}

// UpsertGoogleUser links a Google subject to the account with the same email.
func (store *DatabaseUserStore) UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string) (UserProfile, error) {
	normalizedEmail, emailErr := validateEmail(userEmail)
	if emailErr != nil {
		return UserProfile{}, emailErr
	}
	record, findErr := store.findByEmail(ctx, normalizedEmail)
	switch {
	case findErr == nil:
		updates := map[string]any{"google_sub": googleSub}
		if trimmed := strings.TrimSpace(userDisplayName); trimmed != "" {
			updates["display_name"] = trimmed
			record.DisplayName = trimmed
		}
		if err := store.db.WithContext(ctx).Model(&userRecord{}).Where("user_id = ?", record.UserID).Updates(updates).Error; err != nil {
			return UserProfile{}, fmt.Errorf("user_store.upsert.%s: %w", store.driverLabel, err)
		}
		record.GoogleSub = googleSub
		return store.profileFor(record), nil
	case errors.Is(findErr, ErrUserNotFound):
		created := userRecord{
			UserID:      uuid.NewString(),
			Email:       normalizedEmail,
			DisplayName: displayNameOrEmail(userDisplayName, normalizedEmail),
			GoogleSub:   googleSub,
			CreatedAt:   currentClock().Now(),
		}
		if err := store.db.WithContext(ctx).Create(&created).Error; err != nil {
			return UserProfile{}, fmt.Errorf("user_store.upsert.%s: %w", store.driverLabel, err)
		}
		return store.profileFor(created), nil
	default:
		return UserProfile{}, findErr
	}
}

// GetUserProfile returns a profile by application user id.
func (store *DatabaseUserStore) GetUserProfile(ctx context.Context, applicationUserID string) (UserProfile, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("user_id = ?", applicationUserID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserProfile{}, ErrUserNotFound
		}
		return UserProfile{}, fmt.Errorf("user_store.profile.%s: %w", store.driverLabel, err)
	}
	return store.profileFor(record), nil
}

func (store *DatabaseUserStore) findByEmail(ctx context.Context, normalizedEmail string) (userRecord, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("email = ?", normalizedEmail).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return userRecord{}, ErrUserNotFound
		}
		return userRecord{}, fmt.Errorf("user_store.lookup.%s: %w", store.driverLabel, err)
	}
	return record, nil
}

func (store *DatabaseUserStore) profileFor(record userRecord) UserProfile {
	return UserProfile{
		UserID:      record.UserID,
		Email:       record.Email,
		DisplayName: record.DisplayName,
		Roles:       RolesForEmail(store.adminEmails, record.Email),
	}
}
