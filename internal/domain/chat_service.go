package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	relayTimeout      = 30 * time.Second
	maxMessageLength  = 4000
	attachmentMessage = "Sent an attachment"
)

type ChatService struct {
	repo     ChatRepository
	notifier userNotifier
	logger   *zap.Logger

	// async runs the post-persistence relay; tests make it synchronous.
	async func(func())
}

func NewChatService(repo ChatRepository, notifService *NotificationService, logger *zap.Logger) *ChatService {
	return newChatService(repo, notifService, logger)
}

func newChatService(repo ChatRepository, notifier userNotifier, logger *zap.Logger) *ChatService {
	return &ChatService{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		async:    func(f func()) { go f() },
	}
}

// CreateChat opens (or returns the existing) conversation between a trader and a user.
func (s *ChatService) CreateChat(ctx context.Context, params CreateChatParams) (*Chat, error) {
	if params.TraderID == uuid.Nil || params.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: trader and user are required", ErrValidation)
	}
	if params.TraderID == params.UserID {
		return nil, fmt.Errorf("%w: cannot chat with self", ErrValidation)
	}
	return s.repo.CreateChat(ctx, params)
}

func (s *ChatService) GetUserChats(ctx context.Context, userID uuid.UUID) ([]*Chat, error) {
	return s.repo.GetChatsByUserID(ctx, userID)
}

// GetChat loads a chat the caller takes part in.
func (s *ChatService) GetChat(ctx context.Context, chatID, userID uuid.UUID) (*Chat, error) {
	chat, err := s.repo.GetChatByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return chat, nil
}

// SendMessage persists a message and then relays a push notification to the
// other participant. Relay failures never affect the persisted message.
func (s *ChatService) SendMessage(ctx context.Context, chatID, senderID uuid.UUID, content string, attachmentURL *string) (*Message, *Chat, error) {
	content = strings.TrimSpace(content)
	if attachmentURL != nil && strings.TrimSpace(*attachmentURL) == "" {
		attachmentURL = nil
	}
	if content == "" && attachmentURL == nil {
		return nil, nil, fmt.Errorf("%w: message content is required", ErrValidation)
	}
	if len([]rune(content)) > maxMessageLength {
		return nil, nil, fmt.Errorf("%w: message exceeds %d characters", ErrValidation, maxMessageLength)
	}

	chat, err := s.GetChat(ctx, chatID, senderID)
	if err != nil {
		return nil, nil, err
	}

	msg, err := s.repo.CreateMessage(ctx, chatID, senderID, content, attachmentURL)
	if err != nil {
		return nil, nil, err
	}

	receiverID, senderName := chat.Counterpart(senderID)
	event := ChatEvent{
		RecipientID: receiverID,
		SenderName:  senderName,
		ChatRoomID:  chatID.String(),
		Body:        content,
	}
	if attachmentURL != nil {
		event.ImageURL = *attachmentURL
	}

	s.async(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayTimeout)
		defer cancel()
		if _, err := s.Relay(ctx, event); err != nil {
			s.logger.Warn("chat relay failed", zap.String("chat_id", chatID.String()), zap.Error(err))
		}
	})

	return msg, chat, nil
}

// Relay turns a chat-send event into a push notification for the recipient.
func (s *ChatService) Relay(ctx context.Context, event ChatEvent) (DispatchResult, error) {
	if event.RecipientID == uuid.Nil {
		return DispatchResult{}, fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	title := strings.TrimSpace(event.SenderName)
	if title == "" {
		title = "New message"
	}
	body := event.Body
	if strings.TrimSpace(body) == "" {
		body = attachmentMessage
	}

	data := map[string]string{"type": NotifTypeChatMessage}
	if event.ChatRoomID != "" {
		data["chatRoomId"] = event.ChatRoomID
	}
	if event.SenderName != "" {
		data["senderName"] = event.SenderName
	}

	payload := Payload{
		Title:    title,
		Body:     body,
		ImageURL: event.ImageURL,
		Data:     data,
	}
	if event.ChatRoomID != "" {
		payload.ClickAction = "/chat/" + event.ChatRoomID
	}
	return s.notifier.SendToUser(ctx, event.RecipientID, payload)
}

func (s *ChatService) GetMessages(ctx context.Context, chatID, userID uuid.UUID, limit, offset int) ([]*Message, error) {
	if _, err := s.GetChat(ctx, chatID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.GetMessages(ctx, chatID, limit, offset)
}
