package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tyemirov/streamgate/internal/access"
	"github.com/tyemirov/streamgate/internal/authkit"
	"github.com/tyemirov/streamgate/pkg/statussync"
	"github.com/tyemirov/streamgate/pkg/streamclient"
	"go.uber.org/zap"
)

// recordBackend is where record commands read and write access_control rows.
type recordBackend interface {
	Lookup(ctx context.Context, email string) statussync.LookupResult
	History(ctx context.Context, email string) ([]access.Record, error)
	Put(ctx context.Context, update access.Update) (access.Record, error)
	Apply(ctx context.Context, seed access.SeedFile) (int, error)
	Close() error
}

// openBackend prefers a direct database connection and falls back to the
// admin API of a server.
func openBackend(ctx context.Context, configuration cliConfig, logger *zap.Logger) (recordBackend, error) {
	if configuration.DatabaseURL != "" {
		database, openErr := authkit.OpenDatabase(ctx, configuration.DatabaseURL)
		if openErr != nil {
			return nil, openErr
		}
		store, storeErr := access.NewDatabaseStore(ctx, database, logger)
		if storeErr != nil {
			_ = database.Close()
			return nil, storeErr
		}
		return &databaseBackend{database: database, store: store}, nil
	}
	if configuration.ServerURL == "" {
		return nil, fmt.Errorf("%s: set --database_url or --server", configCodeMissingBackend)
	}
	client, clientErr := signedInClient(ctx, configuration, logger)
	if clientErr != nil {
		return nil, clientErr
	}
	return &serverBackend{client: client}, nil
}

func signedInClient(ctx context.Context, configuration cliConfig, logger *zap.Logger) (*streamclient.Client, error) {
	if configuration.ServerURL == "" {
		return nil, fmt.Errorf("%s: --server is required", configCodeMissingServer)
	}
	if configuration.Email == "" || configuration.Password == "" {
		return nil, fmt.Errorf("%s: --email and --password are required with --server", configCodeMissingAccount)
	}
	client, clientErr := streamclient.New(streamclient.Config{BaseURL: configuration.ServerURL, Logger: logger})
	if clientErr != nil {
		return nil, clientErr
	}
	if _, err := client.SignIn(ctx, configuration.Email, configuration.Password); err != nil {
		return nil, fmt.Errorf("accessctl.sign_in: %w", err)
	}
	return client, nil
}

type databaseBackend struct {
	database *authkit.Database
	store    *access.DatabaseStore
}

func (backend *databaseBackend) Lookup(ctx context.Context, email string) statussync.LookupResult {
	return backend.store.GetRecordByEmail(ctx, email)
}

func (backend *databaseBackend) History(ctx context.Context, email string) ([]access.Record, error) {
	return backend.store.History(ctx, email)
}

func (backend *databaseBackend) Put(ctx context.Context, update access.Update) (access.Record, error) {
	return backend.store.Put(ctx, update)
}

func (backend *databaseBackend) Apply(ctx context.Context, seed access.SeedFile) (int, error) {
	return access.ApplySeed(ctx, backend.store, seed)
}

func (backend *databaseBackend) Close() error {
	return backend.database.Close()
}

type serverBackend struct {
	client *streamclient.Client
}

func (backend *serverBackend) Lookup(ctx context.Context, email string) statussync.LookupResult {
	history, err := backend.client.GetAccess(ctx, email)
	var apiError *streamclient.APIError
	switch {
	case err == nil:
		return statussync.Found(history.Record.ControlRecord())
	case errors.As(err, &apiError) && apiError.StatusCode == http.StatusNotFound:
		return statussync.NotFound()
	default:
		return statussync.QueryError(err.Error())
	}
}

func (backend *serverBackend) History(ctx context.Context, email string) ([]access.Record, error) {
	history, err := backend.client.GetAccess(ctx, email)
	var apiError *streamclient.APIError
	if errors.As(err, &apiError) && apiError.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	records := make([]access.Record, 0, len(history.History))
	for _, record := range history.History {
		records = append(records, fromRemote(record))
	}
	return records, nil
}

func (backend *serverBackend) Put(ctx context.Context, update access.Update) (access.Record, error) {
	record, err := backend.client.PutAccess(ctx, update.Email, streamclient.AccessUpdate{
		Status:           update.Status,
		CanAccess:        update.CanAccess,
		AccessLevel:      update.AccessLevel,
		SuspensionReason: update.SuspensionReason,
	})
	if err != nil {
		return access.Record{}, err
	}
	return fromRemote(record), nil
}

// Apply writes every seeded record; the server appends a row per call.
func (backend *serverBackend) Apply(ctx context.Context, seed access.SeedFile) (int, error) {
	applied := 0
	for _, update := range seed.Records {
		if _, err := backend.Put(ctx, update); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func (backend *serverBackend) Close() error {
	return backend.client.SignOut(context.Background(), statussync.SignOutLocal)
}

func fromRemote(record streamclient.AccessRecord) access.Record {
	return access.Record{
		ID:               record.ID,
		Email:            record.Email,
		Status:           record.Status,
		CanAccess:        record.CanAccess,
		AccessLevel:      record.AccessLevel,
		SuspensionReason: record.SuspensionReason,
		CreatedAt:        record.CreatedAt,
	}
}
