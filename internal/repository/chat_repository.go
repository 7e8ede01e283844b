package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/traderhub/backend/internal/domain"
)

const chatColumns = `c.id, c.trader_id, c.user_id, c.trader_name, c.user_name, c.created_at, c.updated_at`

// CreateChat returns the existing chat of the pair or creates it
func (r *PostgresRepository) CreateChat(ctx context.Context, params domain.CreateChatParams) (*domain.Chat, error) {
	query := `
		INSERT INTO chats AS c (trader_id, user_id, trader_name, user_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (trader_id, user_id) DO UPDATE
		SET trader_name = COALESCE(NULLIF(EXCLUDED.trader_name, ''), c.trader_name),
			user_name = COALESCE(NULLIF(EXCLUDED.user_name, ''), c.user_name)
		RETURNING ` + chatColumns

	row := r.db.QueryRow(ctx, query, params.TraderID, params.UserID, params.TraderName, params.UserName)
	return scanChat(row)
}

func (r *PostgresRepository) GetChatByID(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats c WHERE c.id = $1`
	return scanChat(r.db.QueryRow(ctx, query, chatID))
}

// GetChatsByUserID lists the chats a user or trader takes part in, most recent first
func (r *PostgresRepository) GetChatsByUserID(ctx context.Context, userID uuid.UUID) ([]*domain.Chat, error) {
	query := `
		SELECT ` + chatColumns + `
		FROM chats c
		WHERE c.trader_id = $1 OR c.user_id = $1
		ORDER BY c.updated_at DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []*domain.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// CreateMessage stores a message and bumps the chat's updated_at
func (r *PostgresRepository) CreateMessage(ctx context.Context, chatID, senderID uuid.UUID, content string, attachmentURL *string) (*domain.Message, error) {
	query := `
		WITH bumped AS (
			UPDATE chats SET updated_at = NOW() WHERE id = $1
		)
		INSERT INTO messages (chat_id, sender_id, content, attachment_url)
		VALUES ($1, $2, $3, $4)
		RETURNING id, chat_id, sender_id, content, attachment_url, read_at, created_at
	`
	return scanMessage(r.db.QueryRow(ctx, query, chatID, senderID, content, attachmentURL))
}

func (r *PostgresRepository) GetMessages(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]*domain.Message, error) {
	query := `
		SELECT id, chat_id, sender_id, content, attachment_url, read_at, created_at
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, chatID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanChat(row pgx.Row) (*domain.Chat, error) {
	var chat domain.Chat
	err := row.Scan(
		&chat.ID,
		&chat.TraderID,
		&chat.UserID,
		&chat.TraderName,
		&chat.UserName,
		&chat.CreatedAt,
		&chat.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrChatNotFound
		}
		return nil, err
	}
	return &chat, nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var msg domain.Message
	err := row.Scan(
		&msg.ID,
		&msg.ChatID,
		&msg.SenderID,
		&msg.Content,
		&msg.AttachmentURL,
		&msg.ReadAt,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrChatNotFound
		}
		return nil, err
	}
	return &msg, nil
}
