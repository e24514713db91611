package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

var clearTables = []string{"comms_events", "comms_snapshots", "comms_dead_letters"}

// ClearStore truncates the event log, snapshots and dead letters. The schema
// and the applied-migration record are preserved.
func ClearStore(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing %s", clearLogPrefix, strings.Join(clearTables, ", ")))

	_, err := pool.Exec(ctx, `TRUNCATE TABLE `+strings.Join(clearTables, ", ")+` RESTART IDENTITY`)
	if err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Store cleared", clearLogPrefix))
	return nil
}
