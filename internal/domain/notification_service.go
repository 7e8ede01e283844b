package domain

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NotificationService resolves targets to channels, dispatches, and owns the
// store side effects of a dispatch: retiring invalid channels, refreshing
// token usage and recording the in-app notification.
type NotificationService struct {
	repo       NotificationRepository
	channels   *ChannelService
	dispatcher *Dispatcher
	logger     *zap.Logger
}

func NewNotificationService(repo NotificationRepository, channels *ChannelService, dispatcher *Dispatcher, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		repo:       repo,
		channels:   channels,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// CleanupResult reports a dry-run validation sweep over stored FCM tokens.
type CleanupResult struct {
	Checked int `json:"checked"`
	Removed int `json:"removed"`
}

func (s *NotificationService) GetNotifications(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.GetNotifications(ctx, userID, limit, offset)
}

func (s *NotificationService) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error {
	return s.repo.MarkNotificationRead(ctx, userID, notificationID)
}

// SendToUser delivers to every active channel of a user. A user without
// channels yields an empty result, not an error.
func (s *NotificationService) SendToUser(ctx context.Context, userID uuid.UUID, payload Payload) (DispatchResult, error) {
	if err := validatePayload(payload); err != nil {
		return DispatchResult{}, err
	}

	channels, err := s.channels.ListActiveChannels(ctx, userID)
	if err != nil {
		return DispatchResult{}, err
	}

	s.recordInbox(ctx, userID, payload)

	if len(channels.PushSubscriptions) == 0 && len(channels.FCMTokens) == 0 {
		s.logger.Debug("no channels registered", zap.String("user_id", userID.String()))
		return DispatchResult{}, nil
	}

	s.channels.TouchFCMTokens(ctx, channels.Tokens())
	result := s.dispatcher.SendToMany(ctx, channels.Channels(), payload)
	s.settle(ctx, result)

	s.logger.Info("notification dispatched",
		zap.String("user_id", userID.String()),
		zap.String("type", payload.Type()),
		zap.Int("success", result.SuccessCount),
		zap.Int("failure", result.FailureCount),
	)
	return result, nil
}

// SendToUsers delivers to many users through the throttled bulk path.
func (s *NotificationService) SendToUsers(ctx context.Context, userIDs []uuid.UUID, payload Payload) (DispatchResult, error) {
	if err := validatePayload(payload); err != nil {
		return DispatchResult{}, err
	}

	var all []Channel
	var tokens []string
	seen := make(map[uuid.UUID]bool, len(userIDs))
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		channels, err := s.channels.ListActiveChannels(ctx, id)
		if err != nil {
			s.logger.Warn("skipping user, channel lookup failed", zap.String("user_id", id.String()), zap.Error(err))
			continue
		}
		all = append(all, channels.Channels()...)
		tokens = append(tokens, channels.Tokens()...)
		s.recordInbox(ctx, id, payload)
	}

	if len(all) == 0 {
		return DispatchResult{}, nil
	}

	s.channels.TouchFCMTokens(ctx, tokens)
	result := s.dispatcher.SendBulk(ctx, all, payload)
	s.settle(ctx, result)
	return result, nil
}

// SendToTokens targets raw FCM tokens, throttled like any bulk send.
func (s *NotificationService) SendToTokens(ctx context.Context, tokens []string, payload Payload) (DispatchResult, error) {
	if err := validatePayload(payload); err != nil {
		return DispatchResult{}, err
	}
	if !s.dispatcher.FCMEnabled() {
		return DispatchResult{}, ErrProviderUnavailable
	}

	channels := make([]Channel, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			channels = append(channels, FCMChannel(uuid.Nil, t))
		}
	}
	if len(channels) == 0 {
		return DispatchResult{}, fmt.Errorf("%w: at least one token is required", ErrValidation)
	}

	result := s.dispatcher.SendBulk(ctx, channels, payload)
	s.settle(ctx, result)
	return result, nil
}

// SendToTopic broadcasts through an FCM topic.
func (s *NotificationService) SendToTopic(ctx context.Context, topic string, payload Payload) (bool, error) {
	if err := validatePayload(payload); err != nil {
		return false, err
	}
	topic, err := normalizeTopic(topic)
	if err != nil {
		return false, err
	}
	if !s.dispatcher.FCMEnabled() {
		return false, ErrProviderUnavailable
	}
	return s.dispatcher.SendToTopic(ctx, topic, payload), nil
}

// SendTest sends a fixed notification to the caller's own devices.
func (s *NotificationService) SendTest(ctx context.Context, userID uuid.UUID) (DispatchResult, error) {
	return s.SendToUser(ctx, userID, Payload{
		Title: "Test notification",
		Body:  "Notifications are working on this device.",
		Data:  map[string]string{"type": NotifTypeTest},
	})
}

// SubscribeToTopic adds the given token, or every token of the user, to a topic.
func (s *NotificationService) SubscribeToTopic(ctx context.Context, userID uuid.UUID, topic, token string) (DispatchResult, error) {
	return s.manageTopic(ctx, userID, topic, token, true)
}

func (s *NotificationService) UnsubscribeFromTopic(ctx context.Context, userID uuid.UUID, topic, token string) (DispatchResult, error) {
	return s.manageTopic(ctx, userID, topic, token, false)
}

func (s *NotificationService) manageTopic(ctx context.Context, userID uuid.UUID, topic, token string, subscribe bool) (DispatchResult, error) {
	topic, err := normalizeTopic(topic)
	if err != nil {
		return DispatchResult{}, err
	}
	if !s.dispatcher.FCMEnabled() {
		return DispatchResult{}, ErrProviderUnavailable
	}

	tokens, err := s.channels.ListFCMTokens(ctx, userID)
	if err != nil {
		return DispatchResult{}, err
	}
	var channels []Channel
	token = strings.TrimSpace(token)
	for _, t := range tokens {
		if token == "" || t.Token == token {
			channels = append(channels, FCMChannel(t.UserID, t.Token))
		}
	}
	if token != "" && len(channels) == 0 {
		return DispatchResult{}, fmt.Errorf("%w: fcm token is not registered to this user", ErrNotFound)
	}
	if len(channels) == 0 {
		return DispatchResult{}, nil
	}

	result := s.dispatcher.ManageTopic(ctx, channels, topic, subscribe)
	s.settle(ctx, result)
	return result, nil
}

// CleanupInvalidTokens dry-runs every active FCM token and deletes the ones
// the provider reports as unregistered.
func (s *NotificationService) CleanupInvalidTokens(ctx context.Context) (CleanupResult, error) {
	if !s.dispatcher.FCMEnabled() {
		return CleanupResult{}, ErrProviderUnavailable
	}
	tokens, err := s.channels.ListAllFCMTokens(ctx)
	if err != nil {
		return CleanupResult{}, err
	}

	channels := make([]Channel, 0, len(tokens))
	for _, t := range tokens {
		channels = append(channels, FCMChannel(t.UserID, t.Token))
	}

	result := s.dispatcher.ValidateTokens(ctx, channels)
	removed := s.channels.Retire(ctx, result.Invalid)

	s.logger.Info("fcm token cleanup finished",
		zap.Int("checked", len(channels)),
		zap.Int("removed", removed),
	)
	return CleanupResult{Checked: len(channels), Removed: removed}, nil
}

// settle applies the side effects a dispatch reported.
func (s *NotificationService) settle(ctx context.Context, result DispatchResult) {
	if len(result.Invalid) == 0 {
		return
	}
	s.channels.Retire(ctx, result.Invalid)
}

func (s *NotificationService) recordInbox(ctx context.Context, userID uuid.UUID, payload Payload) {
	if s.repo == nil {
		return
	}
	data := make(map[string]interface{}, len(payload.Data))
	for k, v := range payload.Data {
		data[k] = v
	}
	typeStr := payload.Type()
	if typeStr == "" {
		typeStr = NotifTypeAdmin
	}
	if err := s.repo.CreateNotification(ctx, userID, typeStr, payload.Title, payload.Body, data); err != nil {
		s.logger.Warn("failed to record notification", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

func validatePayload(p Payload) error {
	if strings.TrimSpace(p.Title) == "" && strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("%w: title or body is required", ErrValidation)
	}
	return nil
}

// normalizeTopic accepts "news" and "/topics/news".
func normalizeTopic(topic string) (string, error) {
	topic = strings.TrimPrefix(strings.TrimSpace(topic), "/topics/")
	if topic == "" {
		return "", fmt.Errorf("%w: topic is required", ErrValidation)
	}
	for _, r := range topic {
		ok := r == '-' || r == '_' || r == '.' || r == '~' || r == '%' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return "", fmt.Errorf("%w: invalid topic name %q", ErrValidation, topic)
		}
	}
	return topic, nil
}
