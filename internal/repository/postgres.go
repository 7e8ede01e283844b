package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBTX is the subset of *pgxpool.Pool the repository uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements the domain repositories using PostgreSQL
type PostgresRepository struct {
	db DBTX
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const (
	inactiveSubscriptionRetention = 30 * 24 * time.Hour
	visitorRecordRetention        = 7 * 24 * time.Hour
)

// visitorRetention keeps a visitor record at least as long as it can
// suppress an alert.
func visitorRetention(cooldown time.Duration) time.Duration {
	if cooldown > visitorRecordRetention {
		return cooldown
	}
	return visitorRecordRetention
}

// CleanupStaleRecords removes deactivated push subscriptions and visitor
// records older than the cooldown window.
func (r *PostgresRepository) CleanupStaleRecords(ctx context.Context, visitorCooldown time.Duration) error {
	queries := []struct {
		sql string
		arg time.Duration
	}{
		{`DELETE FROM push_subscriptions WHERE is_active = FALSE AND updated_at < NOW() - make_interval(secs => $1)`, inactiveSubscriptionRetention},
		{`DELETE FROM visitor_notifications WHERE last_notification_sent < NOW() - make_interval(secs => $1)`, visitorRetention(visitorCooldown)},
	}

	for _, q := range queries {
		if _, err := r.db.Exec(ctx, q.sql, q.arg.Seconds()); err != nil {
			return err
		}
	}
	return nil
}

// StartCleanupWorker starts a background worker to purge stale records
func (r *PostgresRepository) StartCleanupWorker(ctx context.Context, interval, visitorCooldown time.Duration, logger *zap.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.CleanupStaleRecords(ctx, visitorCooldown); err != nil {
					logger.Warn("cleanup worker failed", zap.Error(err))
				}
			}
		}
	}()
}
