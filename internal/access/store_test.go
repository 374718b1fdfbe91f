package access

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/tyemirov/streamgate/internal/authkit"
	"github.com/tyemirov/streamgate/pkg/statussync"
	"go.uber.org/zap/zaptest"
)

func steppingClock() func() time.Time {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func openTestDatabase(t *testing.T) *authkit.Database {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	database, err := authkit.OpenDatabase(context.Background(), "sqlite:file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func boolPointer(value bool) *bool {
	return &value
}

func TestUpdateNormalize(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		update        Update
		expected      Record
		expectedError error
	}{
		{
			name:     "defaults",
			update:   Update{Email: " Viewer@Example.com "},
			expected: Record{Email: "viewer@example.com", Status: statussync.StatusActive, CanAccess: true, AccessLevel: statussync.AccessLevelFull},
		},
		{
			name:     "suspended revokes access by default",
			update:   Update{Email: "viewer@example.com", Status: "SUSPENDED", SuspensionReason: "policy violation"},
			expected: Record{Email: "viewer@example.com", Status: statussync.StatusSuspended, CanAccess: false, AccessLevel: statussync.AccessLevelFull, SuspensionReason: "policy violation"},
		},
		{
			name:     "explicit can_access wins",
			update:   Update{Email: "viewer@example.com", Status: "active", CanAccess: boolPointer(false), AccessLevel: "limited"},
			expected: Record{Email: "viewer@example.com", Status: statussync.StatusActive, CanAccess: false, AccessLevel: statussync.AccessLevelLimited},
		},
		{
			name:     "reason markup stripped",
			update:   Update{Email: "viewer@example.com", Status: "suspended", SuspensionReason: "<b>policy</b> violation<script>alert(1)</script>"},
			expected: Record{Email: "viewer@example.com", Status: statussync.StatusSuspended, CanAccess: false, AccessLevel: statussync.AccessLevelFull, SuspensionReason: "policy violation"},
		},
		{
			name:     "reason punctuation kept as text",
			update:   Update{Email: "viewer@example.com", Status: "suspended", SuspensionReason: "<i>Terms & Conditions</i>: user's chargeback"},
			expected: Record{Email: "viewer@example.com", Status: statussync.StatusSuspended, CanAccess: false, AccessLevel: statussync.AccessLevelFull, SuspensionReason: "Terms & Conditions: user's chargeback"},
		},
		{name: "missing email", update: Update{}, expectedError: ErrInvalidEmail},
		{name: "malformed email", update: Update{Email: "Viewer <viewer@example.com>"}, expectedError: ErrInvalidEmail},
		{name: "unknown status", update: Update{Email: "viewer@example.com", Status: "banned"}, expectedError: ErrInvalidStatus},
		{name: "unknown access level", update: Update{Email: "viewer@example.com", AccessLevel: "premium"}, expectedError: ErrInvalidAccessLevel},
	}

	for _, testCase := range testCases {
		record, err := testCase.update.Normalize()
		if testCase.expectedError != nil {
			if !errors.Is(err, testCase.expectedError) {
				t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expectedError, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error %v", testCase.name, err)
		}
		if record != testCase.expected {
			t.Fatalf("%s: expected %#v, got %#v", testCase.name, testCase.expected, record)
		}
	}
}

func TestSanitizeReasonTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	prefix := strings.Repeat("a", maxSuspensionReasonLength-1)
	reason := sanitizeReason(prefix + "é and more")
	if reason != prefix {
		t.Fatalf("expected truncation before the split rune, got %d bytes ending %q", len(reason), reason[len(reason)-3:])
	}
	if !utf8.ValidString(reason) {
		t.Fatalf("expected valid UTF-8 after truncation")
	}

	fits := strings.Repeat("b", maxSuspensionReasonLength-2) + "é"
	if sanitized := sanitizeReason(fits); sanitized != fits {
		t.Fatalf("expected a reason of exactly %d bytes to be kept, got %d bytes", maxSuspensionReasonLength, len(sanitized))
	}
}

func TestStores(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		store func(t *testing.T) Store
	}{
		{
			name: "memory",
			store: func(t *testing.T) Store {
				store := NewMemoryStore(zaptest.NewLogger(t))
				store.now = steppingClock()
				return store
			},
		},
		{
			name: "sqlite",
			store: func(t *testing.T) Store {
				store, err := NewDatabaseStore(context.Background(), openTestDatabase(t), zaptest.NewLogger(t))
				if err != nil {
					t.Fatalf("create database store: %v", err)
				}
				store.now = steppingClock()
				return store
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			store := testCase.store(t)

			if result := store.GetRecordByEmail(ctx, "viewer@example.com"); result.Kind() != statussync.LookupNotFound {
				t.Fatalf("expected not found, got %s", result.Kind())
			}
			if _, err := store.Latest(ctx, "viewer@example.com"); !errors.Is(err, ErrRecordNotFound) {
				t.Fatalf("expected ErrRecordNotFound, got %v", err)
			}

			first, putErr := store.Put(ctx, Update{Email: "viewer@example.com"})
			if putErr != nil {
				t.Fatalf("put active: %v", putErr)
			}
			if first.ID == "" || first.CreatedAt.IsZero() {
				t.Fatalf("expected id and created_at, got %#v", first)
			}
			if _, err := store.Put(ctx, Update{Email: "VIEWER@example.com", Status: "suspended", SuspensionReason: "policy violation"}); err != nil {
				t.Fatalf("put suspended: %v", err)
			}
			if _, err := store.Put(ctx, Update{Email: "other@example.com", Status: "restricted"}); err != nil {
				t.Fatalf("put other: %v", err)
			}
			if _, err := store.Put(ctx, Update{Email: "other@example.com", Status: "banned"}); !errors.Is(err, ErrInvalidStatus) {
				t.Fatalf("expected ErrInvalidStatus, got %v", err)
			}

			result := store.GetRecordByEmail(ctx, "Viewer@Example.com")
			record, found := result.Record()
			if !found {
				t.Fatalf("expected found, got %s", result.Kind())
			}
			if record.Status != statussync.StatusSuspended || record.CanAccess || !record.IsBlocked() {
				t.Fatalf("expected latest row to be the suspension, got %#v", record)
			}
			if record.SuspensionReason != "policy violation" {
				t.Fatalf("unexpected reason %q", record.SuspensionReason)
			}

			history, historyErr := store.History(ctx, "viewer@example.com")
			if historyErr != nil {
				t.Fatalf("history: %v", historyErr)
			}
			if len(history) != 2 || history[0].Status != statussync.StatusSuspended || history[1].ID != first.ID {
				t.Fatalf("expected newest-first history of two rows, got %#v", history)
			}

			other, otherErr := store.Latest(ctx, "other@example.com")
			if otherErr != nil {
				t.Fatalf("latest other: %v", otherErr)
			}
			if decision := other.Decision(); decision.IsSuspended || !decision.IsRestricted {
				t.Fatalf("expected restricted but allowed decision, got %#v", decision)
			}
		})
	}
}

func TestDatabaseStoreQueryErrorDefaultsToLookupError(t *testing.T) {
	t.Parallel()

	database := openTestDatabase(t)
	store, err := NewDatabaseStore(context.Background(), database, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("create database store: %v", err)
	}
	if closeErr := database.Close(); closeErr != nil {
		t.Fatalf("close database: %v", closeErr)
	}

	result := store.GetRecordByEmail(context.Background(), "viewer@example.com")
	if result.Kind() != statussync.LookupQueryError {
		t.Fatalf("expected query error, got %s", result.Kind())
	}
	if strings.Contains(result.Message(), "closed") {
		t.Fatalf("expected driver error text to stay out of the result, got %q", result.Message())
	}
	if decision := statussync.DecideFromLookup("viewer@example.com", result); decision.IsSuspended {
		t.Fatalf("expected query error to default to allow")
	}
}

func TestNewDatabaseStoreRequiresDatabase(t *testing.T) {
	t.Parallel()

	if _, err := NewDatabaseStore(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected error for nil database")
	}
}
