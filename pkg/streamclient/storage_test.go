package streamclient

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/tyemirov/streamgate/pkg/statussync"
)

func TestSQLiteStorageRoundTrip(t *testing.T) {
	t.Parallel()
	storage, err := OpenSQLiteStorage(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer storage.Close()

	if _, found := storage.Get("missing"); found {
		t.Fatalf("expected missing key")
	}
	if err := storage.Set(statussync.AuthTokenKey, "first"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := storage.Set(statussync.AuthTokenKey, "second"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if value, found := storage.Get(statussync.AuthTokenKey); !found || value != "second" {
		t.Fatalf("expected overwritten value, got %q found=%v", value, found)
	}
	if err := storage.Set("streamgate-draft", "note"); err != nil {
		t.Fatalf("set draft: %v", err)
	}
	if err := storage.Set("preferences", "compact"); err != nil {
		t.Fatalf("set preferences: %v", err)
	}

	keys, err := storage.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	expected := []string{"preferences", statussync.AuthTokenKey, "streamgate-draft"}
	if !reflect.DeepEqual(keys, expected) {
		t.Fatalf("expected keys %v, got %v", expected, keys)
	}

	if err := statussync.ClearSessionKeys(storage); err != nil {
		t.Fatalf("clear session keys: %v", err)
	}
	keys, _ = storage.Keys()
	if !reflect.DeepEqual(keys, []string{"preferences"}) {
		t.Fatalf("expected only unrelated keys to survive, got %v", keys)
	}
	if err := storage.Remove("absent"); err != nil {
		t.Fatalf("removing a missing key: %v", err)
	}
}

func TestSQLiteStorageIsSharedBetweenHandles(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "shared.db")
	first, err := OpenSQLiteStorage(path)
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	defer first.Close()
	second, err := OpenSQLiteStorage(path)
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	defer second.Close()

	if err := first.Set(statussync.SuspendedSignInKey, "true"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !statussync.ConsumeSuspendedSignIn(second) {
		t.Fatalf("expected the flag to be visible through the second handle")
	}
	if _, found := first.Get(statussync.SuspendedSignInKey); found {
		t.Fatalf("expected the flag to be consumed")
	}
}

func TestOpenSQLiteStorageRejectsEmptyPath(t *testing.T) {
	t.Parallel()
	if _, err := OpenSQLiteStorage("  "); !errors.Is(err, errEmptyStoragePath) {
		t.Fatalf("expected empty path error, got %v", err)
	}
}
