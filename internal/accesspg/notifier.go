package accesspg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/streamgate/internal/access"
	"github.com/tyemirov/streamgate/pkg/statussync"
	"go.uber.org/zap"
)

var errEmptyPayload = errors.New("accesspg.payload.empty")

const defaultRetryDelay = 2 * time.Second

// Publisher receives decoded changes.
type Publisher interface {
	Publish(change access.Change)
}

// Notifier listens on NotificationChannel and republishes every row.
type Notifier struct {
	pool       *pgxpool.Pool
	publisher  Publisher
	logger     *zap.Logger
	retryDelay time.Duration
}

// NewNotifier constructs a listener over pool.
func NewNotifier(pool *pgxpool.Pool, publisher Publisher, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pool: pool, publisher: publisher, logger: logger, retryDelay: defaultRetryDelay}
}

// Run listens until ctx is cancelled, reconnecting after connection failures.
func (notifier *Notifier) Run(ctx context.Context) error {
	for {
		listenErr := notifier.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		notifier.logger.Warn("access notification listener interrupted",
			zap.String("code", "accesspg.listen.interrupted"),
			zap.Error(listenErr))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(notifier.retryDelay):
		}
	}
}

func (notifier *Notifier) listen(ctx context.Context) error {
	connection, acquireErr := notifier.pool.Acquire(ctx)
	if acquireErr != nil {
		return fmt.Errorf("accesspg.listen.acquire: %w", acquireErr)
	}
	defer connection.Release()

	if _, err := connection.Exec(ctx, "LISTEN "+pgx.Identifier{NotificationChannel}.Sanitize()); err != nil {
		return fmt.Errorf("accesspg.listen.subscribe: %w", err)
	}
	notifier.logger.Info("listening for access notifications", zap.String("channel", NotificationChannel))
	for {
		notification, waitErr := connection.Conn().WaitForNotification(ctx)
		if waitErr != nil {
			return fmt.Errorf("accesspg.listen.wait: %w", waitErr)
		}
		change, parseErr := ParseNotification(notification.Payload)
		if parseErr != nil {
			notifier.logger.Warn("access notification ignored",
				zap.String("code", "accesspg.payload.invalid"),
				zap.Error(parseErr))
			continue
		}
		notifier.publisher.Publish(change)
	}
}

type notificationPayload struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	Status           string `json:"status"`
	CanAccess        bool   `json:"can_access"`
	AccessLevel      string `json:"access_level"`
	SuspensionReason string `json:"suspension_reason"`
	CreatedAt        string `json:"created_at"`
}

// ParseNotification decodes the JSON row sent by the access_control trigger.
func ParseNotification(payload string) (access.Change, error) {
	if payload == "" {
		return access.Change{}, errEmptyPayload
	}
	var decoded notificationPayload
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return access.Change{}, fmt.Errorf("accesspg.payload.decode: %w", err)
	}
	email := statussync.NormalizeEmail(decoded.Email)
	if email == "" {
		return access.Change{}, fmt.Errorf("accesspg.payload.decode: %w", access.ErrInvalidEmail)
	}
	status, ok := statussync.ParseStatus(decoded.Status)
	if !ok {
		return access.Change{}, fmt.Errorf("accesspg.payload.decode: %w", access.ErrInvalidStatus)
	}
	accessLevel, ok := statussync.ParseAccessLevel(decoded.AccessLevel)
	if !ok {
		return access.Change{}, fmt.Errorf("accesspg.payload.decode: %w", access.ErrInvalidAccessLevel)
	}
	createdAt, timeErr := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
	if timeErr != nil {
		createdAt = time.Time{}
	}
	return access.Change{
		Table: statussync.AccessControlTable,
		Record: access.Record{
			ID:               decoded.ID,
			Email:            email,
			Status:           status,
			CanAccess:        decoded.CanAccess,
			AccessLevel:      accessLevel,
			SuspensionReason: decoded.SuspensionReason,
			CreatedAt:        createdAt.UTC(),
		},
		Source: "postgres",
	}, nil
}
