package authkit

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type memoryUser struct {
	profile      UserProfile
	passwordHash string
	googleSub    string
}

// MemoryUserStore keeps accounts in process memory for local runs and tests.
type MemoryUserStore struct {
	mutex       sync.Mutex
	byID        map[string]*memoryUser
	byEmail     map[string]string
	adminEmails []string
}

// NewMemoryUserStore constructs an empty store granting the admin role to adminEmails.
func NewMemoryUserStore(adminEmails []string) *MemoryUserStore {
	return &MemoryUserStore{
		byID:        make(map[string]*memoryUser),
		byEmail:     make(map[string]string),
		adminEmails: append([]string(nil), adminEmails...),
	}
}

// CreatePasswordUser registers an email/password account.
func (store *MemoryUserStore) CreatePasswordUser(ctx context.Context, userEmail string, password string, userDisplayName string) (UserProfile, error) {
	normalizedEmail, emailErr := validateEmail(userEmail)
	if emailErr != nil {
		return UserProfile{}, emailErr
	}
	passwordHash, hashErr := hashPassword(password)
	if hashErr != nil {
		return UserProfile{}, hashErr
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.byEmail[normalizedEmail]; exists {
		return UserProfile{}, ErrUserExists
	}
	record := &memoryUser{
		profile: UserProfile{
			UserID:      uuid.NewString(),
			Email:       normalizedEmail,
			DisplayName: displayNameOrEmail(userDisplayName, normalizedEmail),
			Roles:       RolesForEmail(store.adminEmails, normalizedEmail),
		},
		passwordHash: passwordHash,
	}
	store.byID[record.profile.UserID] = record
	store.byEmail[normalizedEmail] = record.profile.UserID
	return cloneProfile(record.profile), nil
}

// VerifyPassword authenticates an email/password pair.
func (store *MemoryUserStore) VerifyPassword(ctx context.Context, userEmail string, password string) (UserProfile, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	userID, ok := store.byEmail[normalizeEmail(userEmail)]
	if !ok {
		return UserProfile{}, ErrInvalidCredentials
	}
	record := store.byID[userID]
	if record == nil || !passwordMatches(record.passwordHash, password) {
		return UserProfile{}, ErrInvalidCredentials
	}
	return cloneProfile(record.profile), nil
}

// UpsertGoogleUser links a Google subject to the account with the same email,
// creating the account on first sign-in.
func (store *MemoryUserStore) UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string) (UserProfile, error) {
	normalizedEmail, emailErr := validateEmail(userEmail)
	if emailErr != nil {
		return UserProfile{}, emailErr
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	if userID, exists := store.byEmail[normalizedEmail]; exists {
		record := store.byID[userID]
		record.googleSub = googleSub
		if trimmed := displayNameOrEmail(userDisplayName, ""); trimmed != "" {
			record.profile.DisplayName = trimmed
		}
		return cloneProfile(record.profile), nil
	}
	record := &memoryUser{
		profile: UserProfile{
			UserID:      uuid.NewString(),
			Email:       normalizedEmail,
			DisplayName: displayNameOrEmail(userDisplayName, normalizedEmail),
			Roles:       RolesForEmail(store.adminEmails, normalizedEmail),
		},
		googleSub: googleSub,
	}
	store.byID[record.profile.UserID] = record
	store.byEmail[normalizedEmail] = record.profile.UserID
	return cloneProfile(record.profile), nil
}

// GetUserProfile returns a profile by application user id.
func (store *MemoryUserStore) GetUserProfile(ctx context.Context, applicationUserID string) (UserProfile, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byID[applicationUserID]
	if !ok {
		return UserProfile{}, ErrUserNotFound
	}
	return cloneProfile(record.profile), nil
}

func cloneProfile(profile UserProfile) UserProfile {
	profile.Roles = append([]string(nil), profile.Roles...)
	return profile
}
