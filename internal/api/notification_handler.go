package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/traderhub/backend/internal/domain"
	"github.com/traderhub/backend/internal/middleware"
	"github.com/traderhub/backend/pkg/response"
	"github.com/traderhub/backend/pkg/validator"
	"go.uber.org/zap"
)

type NotificationHandler struct {
	service        *domain.NotificationService
	channels       *domain.ChannelService
	vapidPublicKey string
	logger         *zap.Logger
}

func NewNotificationHandler(service *domain.NotificationService, channels *domain.ChannelService, vapidPublicKey string, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		service:        service,
		channels:       channels,
		vapidPublicKey: vapidPublicKey,
		logger:         logger,
	}
}

// VAPIDPublicKey lets browsers create a push subscription
func (h *NotificationHandler) VAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		response.ServiceUnavailable(w, "web push is not configured")
		return
	}
	response.OK(w, map[string]string{"publicKey": h.vapidPublicKey})
}

type subscribePushRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	UserType string `json:"userType"`
}

func (h *NotificationHandler) SubscribePush(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req subscribePushRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var errs validator.ValidationErrors
	if !validator.ValidateEndpoint(req.Endpoint) {
		errs.Add("endpoint", "must be an https URL")
	}
	errs.Required("keys.p256dh", req.Keys.P256dh)
	errs.Required("keys.auth", req.Keys.Auth)
	if errs.HasErrors() {
		response.ValidationFailed(w, errs)
		return
	}

	sub, err := h.channels.SaveSubscription(r.Context(), domain.SavePushSubscriptionParams{
		UserID:   userID,
		UserType: h.userType(r, req.UserType),
		Endpoint: strings.TrimSpace(req.Endpoint),
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to save subscription")
		return
	}

	response.Created(w, sub)
}

func (h *NotificationHandler) UnsubscribePush(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		response.BadRequest(w, "endpoint is required")
		return
	}

	if err := h.channels.RemoveSubscription(r.Context(), userID, strings.TrimSpace(req.Endpoint)); err != nil {
		writeServiceError(w, h.logger, err, "failed to remove subscription")
		return
	}

	response.OK(w, map[string]string{"status": "success"})
}

type saveTokenRequest struct {
	FCMToken   string `json:"fcmToken"`
	UserType   string `json:"userType"`
	DeviceInfo string `json:"deviceInfo"`
}

func (h *NotificationHandler) SaveFCMToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req saveTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.FCMToken) == "" {
		response.BadRequest(w, "fcmToken is required")
		return
	}

	token, err := h.channels.SaveFCMToken(r.Context(), domain.SaveFCMTokenParams{
		UserID:     userID,
		UserType:   h.userType(r, req.UserType),
		Token:      strings.TrimSpace(req.FCMToken),
		DeviceInfo: validator.SanitizeString(req.DeviceInfo, 255),
	})
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to save token")
		return
	}

	response.OK(w, newTokenView(token))
}

func (h *NotificationHandler) RemoveFCMToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req struct {
		FCMToken string `json:"fcmToken"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.FCMToken) == "" {
		response.BadRequest(w, "fcmToken is required")
		return
	}

	if err := h.channels.RemoveFCMToken(r.Context(), userID, strings.TrimSpace(req.FCMToken)); err != nil {
		writeServiceError(w, h.logger, err, "failed to remove token")
		return
	}

	response.OK(w, map[string]string{"status": "success"})
}

// tokenView never exposes the full registration token
type tokenView struct {
	ID         uuid.UUID       `json:"id"`
	Token      string          `json:"token"`
	UserType   domain.UserType `json:"userType"`
	DeviceInfo string          `json:"deviceInfo,omitempty"`
	LastUsed   time.Time       `json:"lastUsed"`
}

func newTokenView(t *domain.FCMToken) tokenView {
	return tokenView{
		ID:         t.ID,
		Token:      domain.Redact(t.Token),
		UserType:   t.UserType,
		DeviceInfo: t.DeviceInfo,
		LastUsed:   t.LastUsed,
	}
}

func (h *NotificationHandler) ListFCMTokens(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	tokens, err := h.channels.ListFCMTokens(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to list tokens")
		return
	}

	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, newTokenView(t))
	}
	response.OK(w, map[string]interface{}{"tokens": views, "count": len(views)})
}

type topicRequest struct {
	Topic    string `json:"topic"`
	FCMToken string `json:"fcmToken"`
}

func (h *NotificationHandler) SubscribeTopic(w http.ResponseWriter, r *http.Request) {
	h.manageTopic(w, r, true)
}

func (h *NotificationHandler) UnsubscribeTopic(w http.ResponseWriter, r *http.Request) {
	h.manageTopic(w, r, false)
}

func (h *NotificationHandler) manageTopic(w http.ResponseWriter, r *http.Request, subscribe bool) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req topicRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var result domain.DispatchResult
	var err error
	if subscribe {
		result, err = h.service.SubscribeToTopic(r.Context(), userID, req.Topic, req.FCMToken)
	} else {
		result, err = h.service.UnsubscribeFromTopic(r.Context(), userID, req.Topic, req.FCMToken)
	}
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to update topic membership")
		return
	}

	response.OK(w, newSendResult(result))
}

func (h *NotificationHandler) SendTest(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	result, err := h.service.SendTest(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to send test notification")
		return
	}

	response.OK(w, newSendResult(result))
}

// payloadRequest is the notification content accepted by admin endpoints
type payloadRequest struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Icon        string            `json:"icon"`
	Image       string            `json:"image"`
	ClickAction string            `json:"clickAction"`
	Data        map[string]string `json:"data"`
}

func (p payloadRequest) toPayload() domain.Payload {
	data := make(map[string]string, len(p.Data)+1)
	for k, v := range p.Data {
		data[k] = v
	}
	if data["type"] == "" {
		data["type"] = domain.NotifTypeAdmin
	}
	return domain.Payload{
		Title:       strings.TrimSpace(p.Title),
		Body:        p.Body,
		Icon:        p.Icon,
		ImageURL:    p.Image,
		ClickAction: p.ClickAction,
		Data:        data,
	}
}

type sendToUserRequest struct {
	payloadRequest
	UserID  string   `json:"userId"`
	UserIDs []string `json:"userIds"`
	Tokens  []string `json:"tokens"`
}

// SendToUser targets one user, many users or raw tokens (admin only)
func (h *NotificationHandler) SendToUser(w http.ResponseWriter, r *http.Request) {
	var req sendToUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var errs validator.ValidationErrors
	if strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Body) == "" {
		errs.Add("title", "title or body is required")
	}
	targets := 0
	for _, set := range []bool{req.UserID != "", len(req.UserIDs) > 0, len(req.Tokens) > 0} {
		if set {
			targets++
		}
	}
	if targets != 1 {
		errs.Add("target", "exactly one of userId, userIds or tokens is required")
	}

	var userIDs []uuid.UUID
	switch {
	case req.UserID != "":
		userIDs = append(userIDs, errs.UUID("userId", req.UserID))
	case len(req.UserIDs) > 0:
		for _, id := range req.UserIDs {
			userIDs = append(userIDs, errs.UUID("userIds", id))
		}
	}
	if errs.HasErrors() {
		response.ValidationFailed(w, errs)
		return
	}

	payload := req.toPayload()
	var result domain.DispatchResult
	var err error
	switch {
	case req.UserID != "":
		result, err = h.service.SendToUser(r.Context(), userIDs[0], payload)
	case len(userIDs) > 0:
		result, err = h.service.SendToUsers(r.Context(), userIDs, payload)
	default:
		result, err = h.service.SendToTokens(r.Context(), req.Tokens, payload)
	}
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to send notification")
		return
	}

	response.OK(w, newSendResult(result))
}

// SendToTopic broadcasts to an FCM topic (admin only)
func (h *NotificationHandler) SendToTopic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		payloadRequest
		Topic string `json:"topic"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	sent, err := h.service.SendToTopic(r.Context(), req.Topic, req.toPayload())
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to send topic notification")
		return
	}
	if !sent {
		response.Error(w, http.StatusBadGateway, "PROVIDER_ERROR", "topic notification was not accepted")
		return
	}

	response.OK(w, map[string]interface{}{"sent": true, "topic": req.Topic})
}

// CleanupInvalid validates every stored FCM token (admin only)
func (h *NotificationHandler) CleanupInvalid(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.CleanupInvalidTokens(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to clean up tokens")
		return
	}

	response.OK(w, result)
}

func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	limit, offset := pagination(r, 100)
	notifs, err := h.service.GetNotifications(r.Context(), userID, limit, offset)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to fetch notifications")
		return
	}

	response.OK(w, notifs)
}

func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid notification id")
		return
	}

	if err := h.service.MarkRead(r.Context(), userID, id); err != nil {
		writeServiceError(w, h.logger, err, "failed to update notification")
		return
	}

	response.OK(w, map[string]string{"status": "success"})
}

// userType prefers the request body and falls back to the token claim
func (h *NotificationHandler) userType(r *http.Request, requested string) domain.UserType {
	if requested = strings.TrimSpace(requested); requested != "" {
		return domain.UserType(requested)
	}
	claim, _ := middleware.GetUserType(r.Context())
	return domain.UserType(claim)
}
