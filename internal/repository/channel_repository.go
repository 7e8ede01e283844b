package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/traderhub/backend/internal/domain"
)

const pushSubscriptionColumns = `id, user_id, user_type, endpoint, p256dh, auth, is_active, created_at, updated_at`

const fcmTokenColumns = `id, user_id, user_type, token, device_info, is_active, last_used, created_at, updated_at`

// UpsertPushSubscription inserts a subscription or refreshes the existing
// (user_id, endpoint) row, reactivating it.
func (r *PostgresRepository) UpsertPushSubscription(ctx context.Context, params domain.SavePushSubscriptionParams) (*domain.PushSubscription, error) {
	query := `
		INSERT INTO push_subscriptions (user_id, user_type, endpoint, p256dh, auth)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, endpoint) DO UPDATE
		SET user_type = EXCLUDED.user_type,
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			is_active = TRUE,
			updated_at = NOW()
		RETURNING ` + pushSubscriptionColumns

	row := r.db.QueryRow(ctx, query,
		params.UserID,
		string(params.UserType),
		params.Endpoint,
		params.P256dh,
		params.Auth,
	)
	return scanPushSubscription(row)
}

// DeletePushSubscription removes a subscription on explicit unsubscribe
func (r *PostgresRepository) DeletePushSubscription(ctx context.Context, userID uuid.UUID, endpoint string) error {
	query := `DELETE FROM push_subscriptions WHERE user_id = $1 AND endpoint = $2`
	_, err := r.db.Exec(ctx, query, userID, endpoint)
	return err
}

// DeactivatePushSubscription marks every row of an endpoint inactive
func (r *PostgresRepository) DeactivatePushSubscription(ctx context.Context, endpoint string) error {
	query := `UPDATE push_subscriptions SET is_active = FALSE, updated_at = NOW() WHERE endpoint = $1`
	_, err := r.db.Exec(ctx, query, endpoint)
	return err
}

// ListActivePushSubscriptions returns the active subscriptions of a user
func (r *PostgresRepository) ListActivePushSubscriptions(ctx context.Context, userID uuid.UUID) ([]*domain.PushSubscription, error) {
	query := `
		SELECT ` + pushSubscriptionColumns + `
		FROM push_subscriptions
		WHERE user_id = $1 AND is_active = TRUE
		ORDER BY updated_at DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*domain.PushSubscription
	for rows.Next() {
		sub, err := scanPushSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpsertFCMToken stores a token; an existing token moves to the new owner
func (r *PostgresRepository) UpsertFCMToken(ctx context.Context, params domain.SaveFCMTokenParams) (*domain.FCMToken, error) {
	query := `
		INSERT INTO fcm_tokens (user_id, user_type, token, device_info)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token) DO UPDATE
		SET user_id = EXCLUDED.user_id,
			user_type = EXCLUDED.user_type,
			device_info = EXCLUDED.device_info,
			is_active = TRUE,
			last_used = NOW(),
			updated_at = NOW()
		RETURNING ` + fcmTokenColumns

	row := r.db.QueryRow(ctx, query,
		params.UserID,
		string(params.UserType),
		params.Token,
		params.DeviceInfo,
	)
	return scanFCMToken(row)
}

// DeleteFCMTokenForUser removes a token only when the user owns it
func (r *PostgresRepository) DeleteFCMTokenForUser(ctx context.Context, userID uuid.UUID, token string) error {
	query := `DELETE FROM fcm_tokens WHERE token = $1 AND user_id = $2`
	tag, err := r.db.Exec(ctx, query, token, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteFCMToken removes a token whatever its owner; used for provider-reported invalid tokens
func (r *PostgresRepository) DeleteFCMToken(ctx context.Context, token string) error {
	query := `DELETE FROM fcm_tokens WHERE token = $1`
	_, err := r.db.Exec(ctx, query, token)
	return err
}

// ListActiveFCMTokens returns the active tokens of a user
func (r *PostgresRepository) ListActiveFCMTokens(ctx context.Context, userID uuid.UUID) ([]*domain.FCMToken, error) {
	query := `
		SELECT ` + fcmTokenColumns + `
		FROM fcm_tokens
		WHERE user_id = $1 AND is_active = TRUE
		ORDER BY last_used DESC
	`
	return r.queryFCMTokens(ctx, query, userID)
}

// ListAllActiveFCMTokens returns every active token, oldest use first
func (r *PostgresRepository) ListAllActiveFCMTokens(ctx context.Context) ([]*domain.FCMToken, error) {
	query := `
		SELECT ` + fcmTokenColumns + `
		FROM fcm_tokens
		WHERE is_active = TRUE
		ORDER BY last_used ASC
	`
	return r.queryFCMTokens(ctx, query)
}

// TouchFCMTokens refreshes last_used for a send attempt
func (r *PostgresRepository) TouchFCMTokens(ctx context.Context, tokens []string) error {
	query := `UPDATE fcm_tokens SET last_used = NOW() WHERE token = ANY($1)`
	_, err := r.db.Exec(ctx, query, tokens)
	return err
}

func (r *PostgresRepository) queryFCMTokens(ctx context.Context, query string, args ...any) ([]*domain.FCMToken, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*domain.FCMToken
	for rows.Next() {
		t, err := scanFCMToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func scanPushSubscription(row pgx.Row) (*domain.PushSubscription, error) {
	var sub domain.PushSubscription
	var userType string
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&userType,
		&sub.Endpoint,
		&sub.P256dh,
		&sub.Auth,
		&sub.IsActive,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	sub.UserType = domain.UserType(userType)
	return &sub, nil
}

func scanFCMToken(row pgx.Row) (*domain.FCMToken, error) {
	var token domain.FCMToken
	var userType string
	err := row.Scan(
		&token.ID,
		&token.UserID,
		&userType,
		&token.Token,
		&token.DeviceInfo,
		&token.IsActive,
		&token.LastUsed,
		&token.CreatedAt,
		&token.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	token.UserType = domain.UserType(userType)
	return &token, nil
}
