package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrChatNotFound   = errors.New("chat not found")
	ErrNotParticipant = errors.New("user is not a participant of this chat")
)

// Chat is a conversation between a trader and one of their users.
type Chat struct {
	ID          uuid.UUID `json:"id"`
	TraderID    uuid.UUID `json:"trader_id"`
	UserID      uuid.UUID `json:"user_id"`
	TraderName  string    `json:"trader_name"`
	UserName    string    `json:"user_name"`
	LastMessage *Message  `json:"last_message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasParticipant reports whether id is the trader or the user of the chat.
func (c *Chat) HasParticipant(id uuid.UUID) bool {
	return c.TraderID == id || c.UserID == id
}

// Counterpart returns the other participant's id and the name of the given one.
func (c *Chat) Counterpart(id uuid.UUID) (other uuid.UUID, selfName string) {
	if id == c.TraderID {
		return c.UserID, c.TraderName
	}
	return c.TraderID, c.UserName
}

type Message struct {
	ID            uuid.UUID  `json:"id"`
	ChatID        uuid.UUID  `json:"chat_id"`
	SenderID      uuid.UUID  `json:"sender_id"`
	Content       string     `json:"content"`
	AttachmentURL *string    `json:"attachment_url,omitempty"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type CreateChatParams struct {
	TraderID   uuid.UUID
	UserID     uuid.UUID
	TraderName string
	UserName   string
}

// ChatEvent is a message-sent event handed over by a chat transport.
type ChatEvent struct {
	RecipientID uuid.UUID `json:"recipientId"`
	SenderName  string    `json:"senderName"`
	ChatRoomID  string    `json:"chatRoomId"`
	Body        string    `json:"body"`
	ImageURL    string    `json:"imageUrl,omitempty"`
}

type ChatRepository interface {
	CreateChat(ctx context.Context, params CreateChatParams) (*Chat, error)
	GetChatByID(ctx context.Context, chatID uuid.UUID) (*Chat, error)
	GetChatsByUserID(ctx context.Context, userID uuid.UUID) ([]*Chat, error)
	CreateMessage(ctx context.Context, chatID, senderID uuid.UUID, content string, attachmentURL *string) (*Message, error)
	GetMessages(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]*Message, error)
}
