package statussync

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

type failingStorage struct {
	*MemoryStorage
	failKey string
}

func (storage failingStorage) Remove(key string) error {
	if key == storage.failKey {
		return errors.New("disk full")
	}
	return storage.MemoryStorage.Remove(key)
}

func TestClearSessionKeysKeepsUnrelatedEntries(t *testing.T) {
	t.Parallel()
	storage := NewMemoryStorage()
	for _, key := range []string{AuthTokenKey, "sb-refresh", "streamgate-profile", "theme", SuspendedSignInKey} {
		if err := storage.Set(key, "value"); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}

	if err := ClearSessionKeys(storage); err != nil {
		t.Fatalf("unexpected clear error: %v", err)
	}
	keys, _ := storage.Keys()
	expected := []string{SuspendedSignInKey, "theme"}
	if !reflect.DeepEqual(keys, expected) {
		t.Fatalf("expected %v, got %v", expected, keys)
	}

	if err := ClearAll(storage); err != nil {
		t.Fatalf("unexpected clear all error: %v", err)
	}
	if keys, _ := storage.Keys(); len(keys) != 0 {
		t.Fatalf("expected empty storage, got %v", keys)
	}
}

func TestClearSessionKeysReportsRemoveFailures(t *testing.T) {
	t.Parallel()
	storage := failingStorage{MemoryStorage: NewMemoryStorage(), failKey: "sb-refresh"}
	_ = storage.Set(AuthTokenKey, "token")
	_ = storage.Set("sb-refresh", "refresh")

	err := ClearSessionKeys(storage)
	if err == nil || !strings.Contains(err.Error(), "statussync.storage.remove.sb-refresh") {
		t.Fatalf("expected coded remove error, got %v", err)
	}
	if _, ok := storage.Get(AuthTokenKey); ok {
		t.Fatalf("expected other keys to be removed despite the failure")
	}
}

func TestConsumeSuspendedSignInIsOneShot(t *testing.T) {
	t.Parallel()
	storage := NewMemoryStorage()
	if ConsumeSuspendedSignIn(storage) {
		t.Fatalf("expected false without flag")
	}
	_ = storage.Set(SuspendedSignInKey, "true")
	if !ConsumeSuspendedSignIn(storage) {
		t.Fatalf("expected flag to be consumed")
	}
	if ConsumeSuspendedSignIn(storage) {
		t.Fatalf("expected flag to be consumed only once")
	}
	if ConsumeSuspendedSignIn(nil) {
		t.Fatalf("expected nil storage to report false")
	}
}
