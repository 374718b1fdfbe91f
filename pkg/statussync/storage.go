package statussync

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	// AuthTokenKey is the primary persisted session key.
	AuthTokenKey = "sb-streamgate-auth-token"
	// SuspendedSignInKey marks the next sign-in attempt as a suspended user retry.
	SuspendedSignInKey = "suspended-user-signin"
)

// sessionKeyPrefixes name the provider and app namespaces cleared on sign-out.
var sessionKeyPrefixes = []string{"sb-", "streamgate-"}

// Storage is the shared persisted key/value store of a client.
type Storage interface {
	Get(key string) (string, bool)
	Set(key string, value string) error
	Remove(key string) error
	Keys() ([]string, error)
}

// MemoryStorage is an in-process Storage.
type MemoryStorage struct {
	mutex   sync.Mutex
	entries map[string]string
}

// NewMemoryStorage constructs an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[string]string)}
}

// Get returns the value stored for key.
func (storage *MemoryStorage) Get(key string) (string, bool) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	value, ok := storage.entries[key]
	return value, ok
}

// Set stores value under key.
func (storage *MemoryStorage) Set(key string, value string) error {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	storage.entries[key] = value
	return nil
}

// Remove deletes key; removing a missing key is not an error.
func (storage *MemoryStorage) Remove(key string) error {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	delete(storage.entries, key)
	return nil
}

// Keys returns the stored keys in lexical order.
func (storage *MemoryStorage) Keys() ([]string, error) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	keys := make([]string, 0, len(storage.entries))
	for key := range storage.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// IsSessionKey reports whether key belongs to the provider or app session namespace.
func IsSessionKey(key string) bool {
	if key == AuthTokenKey {
		return true
	}
	for _, prefix := range sessionKeyPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// ClearSessionKeys removes every session-namespaced key.
func ClearSessionKeys(storage Storage) error {
	return clearMatching(storage, IsSessionKey)
}

// ClearAll removes every key.
func ClearAll(storage Storage) error {
	return clearMatching(storage, func(string) bool { return true })
}

// ConsumeSuspendedSignIn reads and deletes the suspended retry flag.
func ConsumeSuspendedSignIn(storage Storage) bool {
	if storage == nil {
		return false
	}
	value, ok := storage.Get(SuspendedSignInKey)
	if !ok {
		return false
	}
	_ = storage.Remove(SuspendedSignInKey)
	return value == "true"
}

func clearMatching(storage Storage, match func(string) bool) error {
	if storage == nil {
		return nil
	}
	keys, keysErr := storage.Keys()
	if keysErr != nil {
		return fmt.Errorf("statussync.storage.keys: %w", keysErr)
	}
	var removeErrs []error
	for _, key := range keys {
		if !match(key) {
			continue
		}
		if err := storage.Remove(key); err != nil {
			removeErrs = append(removeErrs, fmt.Errorf("statussync.storage.remove.%s: %w", key, err))
		}
	}
	return errors.Join(removeErrs...)
}
