package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/traderhub/backend/internal/domain"
	"github.com/traderhub/backend/internal/middleware"
	"github.com/traderhub/backend/internal/storage"
	"github.com/traderhub/backend/pkg/response"
	"github.com/traderhub/backend/pkg/validator"
	"go.uber.org/zap"
)

const maxAttachmentSize = 10 << 20

var attachmentTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
}

type ChatHandler struct {
	chatService *domain.ChatService
	wsManager   *WebSocketManager
	storage     storage.FileStorage
	logger      *zap.Logger
}

func NewChatHandler(chatService *domain.ChatService, wsManager *WebSocketManager, fileStorage storage.FileStorage, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		wsManager:   wsManager,
		storage:     fileStorage,
		logger:      logger,
	}
}

// HandleWebSocket upgrades HTTP connection to WebSocket
func (h *ChatHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	h.wsManager.Serve(conn, userID)
}

// CreateChat opens the conversation between the caller and a participant of
// the other type: users chat with traders and traders with users.
func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req struct {
		ParticipantID   string `json:"participantId"`
		ParticipantName string `json:"participantName"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	var errs validator.ValidationErrors
	participantID := errs.UUID("participantId", req.ParticipantID)
	if errs.HasErrors() {
		response.ValidationFailed(w, errs)
		return
	}

	callerName, _ := middleware.GetName(r.Context())
	callerType, _ := middleware.GetUserType(r.Context())
	participantName := validator.SanitizeString(req.ParticipantName, 100)

	params := domain.CreateChatParams{
		TraderID:   participantID,
		UserID:     userID,
		TraderName: participantName,
		UserName:   callerName,
	}
	if domain.UserType(callerType) == domain.UserTypeTrader {
		params = domain.CreateChatParams{
			TraderID:   userID,
			UserID:     participantID,
			TraderName: callerName,
			UserName:   participantName,
		}
	}

	chat, err := h.chatService.CreateChat(r.Context(), params)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to create chat")
		return
	}

	response.OK(w, chat)
}

// GetChats returns list of user's chats
func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	chats, err := h.chatService.GetUserChats(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to get chats")
		return
	}

	response.OK(w, chats)
}

// GetMessages returns messages for a chat
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	chatID, err := uuid.Parse(chi.URLParam(r, "chatId"))
	if err != nil {
		response.BadRequest(w, "invalid chat id")
		return
	}

	limit, offset := pagination(r, 200)
	messages, err := h.chatService.GetMessages(r.Context(), chatID, userID, limit, offset)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to get messages")
		return
	}

	response.OK(w, messages)
}

// SendMessage sends a message to a chat (HTTP fallback + WebSocket broadcast)
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	chatID, err := uuid.Parse(chi.URLParam(r, "chatId"))
	if err != nil {
		response.BadRequest(w, "invalid chat id")
		return
	}

	var req struct {
		Content       string  `json:"content"`
		AttachmentURL *string `json:"attachmentUrl"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	msg, chat, err := h.chatService.SendMessage(r.Context(), chatID, userID, req.Content, req.AttachmentURL)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to send message")
		return
	}

	h.wsManager.PublishMessage(chat, msg)
	response.Created(w, msg)
}

// UploadAttachment stores a file and posts it as a message
func (h *ChatHandler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	chatID, err := uuid.Parse(chi.URLParam(r, "chatId"))
	if err != nil {
		response.BadRequest(w, "invalid chat id")
		return
	}

	// Reject strangers before accepting the upload
	if _, err := h.chatService.GetChat(r.Context(), chatID, userID); err != nil {
		writeServiceError(w, h.logger, err, "failed to load chat")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentSize+(1<<20))
	if err := r.ParseMultipartForm(maxAttachmentSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.TooLarge(w, "attachment exceeds 10 MiB")
			return
		}
		response.BadRequest(w, "invalid form data")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		response.BadRequest(w, "missing file")
		return
	}
	defer file.Close()

	if header.Size > maxAttachmentSize {
		response.TooLarge(w, "attachment exceeds 10 MiB")
		return
	}
	contentType := strings.ToLower(strings.TrimSpace(strings.Split(header.Header.Get("Content-Type"), ";")[0]))
	if !attachmentTypes[contentType] {
		response.BadRequest(w, fmt.Sprintf("unsupported attachment type %q", contentType))
		return
	}

	url, err := h.storage.SaveFile(r.Context(), "chats/"+chatID.String(), file, header.Filename, contentType)
	if err != nil {
		h.logger.Error("attachment upload failed", zap.String("chat_id", chatID.String()), zap.Error(err))
		response.InternalError(w, "failed to store attachment")
		return
	}

	msg, chat, err := h.chatService.SendMessage(r.Context(), chatID, userID, r.FormValue("caption"), &url)
	if err != nil {
		if delErr := h.storage.DeleteFile(r.Context(), url); delErr != nil {
			h.logger.Warn("failed to remove orphaned attachment", zap.String("url", url), zap.Error(delErr))
		}
		writeServiceError(w, h.logger, err, "failed to send message")
		return
	}

	h.wsManager.PublishMessage(chat, msg)
	response.Created(w, msg)
}

// ChatEvent relays a message sent through an external chat transport
// (service-key protected).
func (h *ChatHandler) ChatEvent(w http.ResponseWriter, r *http.Request) {
	var event domain.ChatEvent
	if !decodeJSON(w, r, &event) {
		return
	}

	result, err := h.chatService.Relay(r.Context(), event)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to relay chat event")
		return
	}

	response.OK(w, newSendResult(result))
}
