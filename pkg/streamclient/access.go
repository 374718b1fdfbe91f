package streamclient

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/tyemirov/streamgate/pkg/statussync"
)

// AccessRecord is the server's JSON form of an access_control row.
type AccessRecord struct {
	ID               string                 `json:"id"`
	Email            string                 `json:"email"`
	Status           statussync.Status      `json:"status"`
	CanAccess        bool                   `json:"can_access"`
	AccessLevel      statussync.AccessLevel `json:"access_level"`
	SuspensionReason string                 `json:"suspension_reason,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// ControlRecord converts the payload for the synchronization engine.
func (record AccessRecord) ControlRecord() statussync.AccessControlRecord {
	return statussync.AccessControlRecord{
		Email:            statussync.NormalizeEmail(record.Email),
		Status:           record.Status,
		CanAccess:        record.CanAccess,
		AccessLevel:      record.AccessLevel,
		SuspensionReason: record.SuspensionReason,
		CreatedAt:        record.CreatedAt,
	}
}

// AccessUpdate is an admin write. Nil CanAccess lets the server derive it from Status.
type AccessUpdate struct {
	Status           string `json:"status,omitempty"`
	CanAccess        *bool  `json:"can_access,omitempty"`
	AccessLevel      string `json:"access_level,omitempty"`
	SuspensionReason string `json:"suspension_reason,omitempty"`
}

// AccessHistory is the admin view of an email.
type AccessHistory struct {
	Record  AccessRecord   `json:"record"`
	History []AccessRecord `json:"history"`
}

// MyAccess returns the caller's latest record.
func (client *Client) MyAccess(ctx context.Context) (AccessRecord, error) {
	var record AccessRecord
	err := client.do(ctx, http.MethodGet, "/api/access/me", nil, &record)
	return record, err
}

// GetAccess returns the latest record and history for email. Requires the admin role.
func (client *Client) GetAccess(ctx context.Context, email string) (AccessHistory, error) {
	var history AccessHistory
	err := client.do(ctx, http.MethodGet, "/api/admin/access/"+url.PathEscape(statussync.NormalizeEmail(email)), nil, &history)
	return history, err
}

// PutAccess appends a record for email. Requires the admin role.
func (client *Client) PutAccess(ctx context.Context, email string, update AccessUpdate) (AccessRecord, error) {
	var response struct {
		Record AccessRecord `json:"record"`
	}
	err := client.do(ctx, http.MethodPut, "/api/admin/access/"+url.PathEscape(statussync.NormalizeEmail(email)), update, &response)
	return response.Record, err
}

// RemoteConfig is the server's client bootstrap payload.
type RemoteConfig struct {
	GoogleClientID      string `json:"google_client_id"`
	BaseURL             string `json:"base_url"`
	SignInRoute         string `json:"sign_in_route"`
	SignUpRoute         string `json:"sign_up_route"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	DebounceSeconds     int    `json:"debounce_seconds"`
}

// PollInterval returns the advertised poll interval or the engine default.
func (configuration RemoteConfig) PollInterval() time.Duration {
	if configuration.PollIntervalSeconds <= 0 {
		return statussync.DefaultPollInterval
	}
	return time.Duration(configuration.PollIntervalSeconds) * time.Second
}

// DebounceWindow returns the advertised debounce window or the engine default.
func (configuration RemoteConfig) DebounceWindow() time.Duration {
	if configuration.DebounceSeconds <= 0 {
		return statussync.DefaultDebounceWindow
	}
	return time.Duration(configuration.DebounceSeconds) * time.Second
}

// FetchConfig reads the client bootstrap payload.
func (client *Client) FetchConfig(ctx context.Context) (RemoteConfig, error) {
	var configuration RemoteConfig
	err := client.do(ctx, http.MethodGet, "/api/config", nil, &configuration)
	return configuration, err
}
