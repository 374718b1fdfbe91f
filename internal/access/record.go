// Package access stores access-control records and fans out their changes.
package access

import (
	"context"
	"errors"
	"html"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/tyemirov/streamgate/pkg/statussync"
	"go.uber.org/zap"
)

var (
	ErrRecordNotFound     = errors.New("access_store.not_found")
	ErrInvalidEmail       = errors.New("access_store.invalid_email")
	ErrInvalidStatus      = errors.New("access_store.invalid_status")
	ErrInvalidAccessLevel = errors.New("access_store.invalid_access_level")
)

const maxSuspensionReasonLength = 512

var reasonPolicy = bluemonday.StrictPolicy()

// Record is one append-only row of the access_control table.
type Record struct {
	ID               string                 `json:"id"`
	Email            string                 `json:"email"`
	Status           statussync.Status      `json:"status"`
	CanAccess        bool                   `json:"can_access"`
	AccessLevel      statussync.AccessLevel `json:"access_level"`
	SuspensionReason string                 `json:"suspension_reason,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// ControlRecord converts the row into the value the synchronization engine reads.
func (record Record) ControlRecord() statussync.AccessControlRecord {
	return statussync.AccessControlRecord{
		Email:            record.Email,
		Status:           record.Status,
		CanAccess:        record.CanAccess,
		AccessLevel:      record.AccessLevel,
		SuspensionReason: record.SuspensionReason,
		CreatedAt:        record.CreatedAt,
	}
}

// Decision applies the blocked and restricted rules to the row.
func (record Record) Decision() statussync.SyncDecision {
	return statussync.DecideFromRecord(record.Email, record.ControlRecord())
}

// Update describes a new state for an email. Empty fields take defaults.
type Update struct {
	Email            string `json:"email" yaml:"email"`
	Status           string `json:"status" yaml:"status"`
	CanAccess        *bool  `json:"can_access" yaml:"can_access"`
	AccessLevel      string `json:"access_level" yaml:"access_level"`
	SuspensionReason string `json:"suspension_reason" yaml:"suspension_reason"`
}

// Normalize validates the update and returns the row it would append.
// Status defaults to active, access level to full and can_access to
// "not suspended". The suspension reason is stripped of markup.
func (update Update) Normalize() (Record, error) {
	normalizedEmail := statussync.NormalizeEmail(update.Email)
	parsedAddress, parseErr := mail.ParseAddress(normalizedEmail)
	if normalizedEmail == "" || parseErr != nil || parsedAddress.Address != normalizedEmail {
		return Record{}, ErrInvalidEmail
	}

	status := statussync.StatusActive
	if strings.TrimSpace(update.Status) != "" {
		parsedStatus, ok := statussync.ParseStatus(update.Status)
		if !ok {
			return Record{}, ErrInvalidStatus
		}
		status = parsedStatus
	}

	accessLevel := statussync.AccessLevelFull
	if strings.TrimSpace(update.AccessLevel) != "" {
		parsedLevel, ok := statussync.ParseAccessLevel(update.AccessLevel)
		if !ok {
			return Record{}, ErrInvalidAccessLevel
		}
		accessLevel = parsedLevel
	}

	canAccess := status != statussync.StatusSuspended
	if update.CanAccess != nil {
		canAccess = *update.CanAccess
	}

	return Record{
		Email:            normalizedEmail,
		Status:           status,
		CanAccess:        canAccess,
		AccessLevel:      accessLevel,
		SuspensionReason: sanitizeReason(update.SuspensionReason),
	}, nil
}

// sanitizeReason strips markup and stores the reason as plain text. Views
// escape it on output.
func sanitizeReason(reason string) string {
	cleaned := strings.TrimSpace(html.UnescapeString(reasonPolicy.Sanitize(reason)))
	if len(cleaned) > maxSuspensionReasonLength {
		cut := maxSuspensionReasonLength
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = strings.TrimSpace(cleaned[:cut])
	}
	return cleaned
}

// sameState reports whether two rows carry the same access state.
func sameState(left Record, right Record) bool {
	return left.Email == right.Email &&
		left.Status == right.Status &&
		left.CanAccess == right.CanAccess &&
		left.AccessLevel == right.AccessLevel &&
		left.SuspensionReason == right.SuspensionReason
}

// Store is the access_control table.
type Store interface {
	statussync.RecordReader
	Latest(ctx context.Context, email string) (Record, error)
	History(ctx context.Context, email string) ([]Record, error)
	Put(ctx context.Context, update Update) (Record, error)
}

// lookupResult maps a Latest outcome to the engine's tagged lookup result.
func lookupResult(logger *zap.Logger, driver string, email string, record Record, latestErr error) statussync.LookupResult {
	switch {
	case latestErr == nil:
		return statussync.Found(record.ControlRecord())
	case errors.Is(latestErr, ErrRecordNotFound):
		return statussync.NotFound()
	default:
		logger.Warn("access lookup failed",
			zap.String("code", "access.lookup.query_error"),
			zap.String("driver", driver),
			zap.String("email", statussync.NormalizeEmail(email)),
			zap.Error(latestErr))
		return statussync.QueryError("access lookup failed")
	}
}
