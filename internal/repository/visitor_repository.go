package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/traderhub/backend/internal/domain"
)

// GetVisitorRecord returns the cooldown record of a (trader, visitor) pair
func (r *PostgresRepository) GetVisitorRecord(ctx context.Context, traderID, userID uuid.UUID) (*domain.VisitorNotificationRecord, error) {
	query := `
		SELECT trader_id, user_id, visitor_name, last_notification_sent
		FROM visitor_notifications
		WHERE trader_id = $1 AND user_id = $2
	`
	var rec domain.VisitorNotificationRecord
	err := r.db.QueryRow(ctx, query, traderID, userID).Scan(
		&rec.TraderID,
		&rec.UserID,
		&rec.VisitorName,
		&rec.LastNotificationSent,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// UpsertVisitorRecord writes the last alert time of a pair
func (r *PostgresRepository) UpsertVisitorRecord(ctx context.Context, rec domain.VisitorNotificationRecord) error {
	query := `
		INSERT INTO visitor_notifications (trader_id, user_id, visitor_name, last_notification_sent)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (trader_id, user_id) DO UPDATE
		SET visitor_name = EXCLUDED.visitor_name,
			last_notification_sent = EXCLUDED.last_notification_sent
	`
	_, err := r.db.Exec(ctx, query, rec.TraderID, rec.UserID, rec.VisitorName, rec.LastNotificationSent)
	return err
}
