package accesspg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NotificationChannel is the LISTEN channel the access_control trigger notifies.
const NotificationChannel = "access_control_changes"

// EnsureSchema installs the trigger that announces new access_control rows.
// The table itself is migrated by the GORM store.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE OR REPLACE FUNCTION streamgate_notify_access_control() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('`+NotificationChannel+`', json_build_object(
        'id', NEW.id,
        'email', NEW.email,
        'status', NEW.status,
        'can_access', NEW.can_access,
        'access_level', NEW.access_level,
        'suspension_reason', NEW.suspension_reason,
        'created_at', NEW.created_at
    )::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS access_control_notify ON access_control;
CREATE TRIGGER access_control_notify
    AFTER INSERT OR UPDATE ON access_control
    FOR EACH ROW EXECUTE FUNCTION streamgate_notify_access_control();
`)
	if err != nil {
		return fmt.Errorf("accesspg.schema: %w", err)
	}
	return nil
}
