package statussync

import (
	"context"
	"strings"
	"time"
)

// Status is the authoritative suspension flag of an access-control record.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuspended  Status = "suspended"
	StatusRestricted Status = "restricted"
)

// AccessLevel drives the advisory restricted mode.
type AccessLevel string

const (
	AccessLevelFull    AccessLevel = "full"
	AccessLevelLimited AccessLevel = "limited"
)

// ParseStatus validates a textual status.
func ParseStatus(value string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusActive:
		return StatusActive, true
	case StatusSuspended:
		return StatusSuspended, true
	case StatusRestricted:
		return StatusRestricted, true
	default:
		return "", false
	}
}

// ParseAccessLevel validates a textual access level.
func ParseAccessLevel(value string) (AccessLevel, bool) {
	switch AccessLevel(strings.ToLower(strings.TrimSpace(value))) {
	case AccessLevelFull:
		return AccessLevelFull, true
	case AccessLevelLimited:
		return AccessLevelLimited, true
	default:
		return "", false
	}
}

// AccessControlRecord is the per-user access row owned by the data store.
type AccessControlRecord struct {
	Email            string
	Status           Status
	CanAccess        bool
	AccessLevel      AccessLevel
	SuspensionReason string
	CreatedAt        time.Time
}

// IsBlocked reports whether the record forces a sign-out.
func (record AccessControlRecord) IsBlocked() bool {
	return record.Status == StatusSuspended || !record.CanAccess
}

// IsRestricted reports the advisory restricted flag.
func (record AccessControlRecord) IsRestricted() bool {
	return record.Status == StatusRestricted || record.AccessLevel == AccessLevelLimited
}

// LookupKind tags the outcome of a record lookup.
type LookupKind int

const (
	LookupFound LookupKind = iota
	LookupNotFound
	LookupQueryError
)

func (kind LookupKind) String() string {
	switch kind {
	case LookupFound:
		return "found"
	case LookupNotFound:
		return "not_found"
	case LookupQueryError:
		return "query_error"
	default:
		return "unknown"
	}
}

// LookupResult is Found(record) | NotFound | QueryError(message).
type LookupResult struct {
	kind    LookupKind
	record  AccessControlRecord
	message string
}

// Found wraps a located record.
func Found(record AccessControlRecord) LookupResult {
	return LookupResult{kind: LookupFound, record: record}
}

// NotFound reports that no record exists for the email.
func NotFound() LookupResult {
	return LookupResult{kind: LookupNotFound}
}

// QueryError reports a failed lookup.
func QueryError(message string) LookupResult {
	return LookupResult{kind: LookupQueryError, message: message}
}

// Kind returns the tag.
func (result LookupResult) Kind() LookupKind {
	return result.kind
}

// Record returns the located record; ok is false unless Kind is LookupFound.
func (result LookupResult) Record() (AccessControlRecord, bool) {
	if result.kind != LookupFound {
		return AccessControlRecord{}, false
	}
	return result.record, true
}

// Message returns the query error text.
func (result LookupResult) Message() string {
	return result.message
}

// RecordReader reads the most recent access-control record for an email.
type RecordReader interface {
	GetRecordByEmail(ctx context.Context, email string) LookupResult
}

// RecordReaderFunc adapts a function to RecordReader.
type RecordReaderFunc func(ctx context.Context, email string) LookupResult

// GetRecordByEmail calls the wrapped function.
func (readerFunc RecordReaderFunc) GetRecordByEmail(ctx context.Context, email string) LookupResult {
	return readerFunc(ctx, email)
}

// SyncDecision is the access verdict derived from a single check.
type SyncDecision struct {
	Email            string
	IsSuspended      bool
	IsRestricted     bool
	Status           Status
	CanAccess        bool
	AccessLevel      AccessLevel
	SuspensionReason string
}

// DefaultAllowDecision is used when no record exists or the lookup failed.
func DefaultAllowDecision(email string) SyncDecision {
	return SyncDecision{
		Email:       NormalizeEmail(email),
		Status:      StatusActive,
		CanAccess:   true,
		AccessLevel: AccessLevelFull,
	}
}

// DecideFromRecord applies the blocked and restricted rules to a record.
func DecideFromRecord(email string, record AccessControlRecord) SyncDecision {
	return SyncDecision{
		Email:            NormalizeEmail(email),
		IsSuspended:      record.IsBlocked(),
		IsRestricted:     record.IsRestricted(),
		Status:           record.Status,
		CanAccess:        record.CanAccess,
		AccessLevel:      record.AccessLevel,
		SuspensionReason: record.SuspensionReason,
	}
}

// DecideFromLookup maps a lookup outcome to a decision. Query errors allow access.
func DecideFromLookup(email string, result LookupResult) SyncDecision {
	if record, ok := result.Record(); ok {
		return DecideFromRecord(email, record)
	}
	return DefaultAllowDecision(email)
}

// SuspensionMessage is the user-visible text shown to a suspended user.
func SuspensionMessage(decision SyncDecision) string {
	reason := strings.TrimSpace(decision.SuspensionReason)
	if reason == "" {
		return "Your account has been suspended."
	}
	return "Your account has been suspended: " + reason
}

// NormalizeEmail lower-cases and trims an email used as a lookup key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
