package domain

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChannelService manages the push subscriptions and FCM tokens of users.
type ChannelService struct {
	repo   ChannelRepository
	logger *zap.Logger
}

func NewChannelService(repo ChannelRepository, logger *zap.Logger) *ChannelService {
	return &ChannelService{
		repo:   repo,
		logger: logger,
	}
}

// SaveSubscription registers or refreshes a web-push subscription. A repeated
// call with the same (user, endpoint) pair updates the keys and reactivates it.
func (s *ChannelService) SaveSubscription(ctx context.Context, params SavePushSubscriptionParams) (*PushSubscription, error) {
	params.Endpoint = strings.TrimSpace(params.Endpoint)
	if params.Endpoint == "" || params.P256dh == "" || params.Auth == "" {
		return nil, fmt.Errorf("%w: endpoint and keys are required", ErrValidation)
	}
	if params.UserType == "" {
		params.UserType = UserTypeUser
	}
	if !params.UserType.Valid() {
		return nil, fmt.Errorf("%w: unknown user type %q", ErrValidation, params.UserType)
	}

	sub, err := s.repo.UpsertPushSubscription(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("save push subscription: %w", err)
	}
	return sub, nil
}

// SaveFCMToken registers a device token; the token value is the identity.
func (s *ChannelService) SaveFCMToken(ctx context.Context, params SaveFCMTokenParams) (*FCMToken, error) {
	params.Token = strings.TrimSpace(params.Token)
	if params.Token == "" {
		return nil, fmt.Errorf("%w: fcm token is required", ErrValidation)
	}
	if params.UserType == "" {
		params.UserType = UserTypeUser
	}
	if !params.UserType.Valid() {
		return nil, fmt.Errorf("%w: unknown user type %q", ErrValidation, params.UserType)
	}

	token, err := s.repo.UpsertFCMToken(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("save fcm token: %w", err)
	}
	return token, nil
}

// RemoveSubscription deletes a subscription on explicit unsubscribe.
func (s *ChannelService) RemoveSubscription(ctx context.Context, userID uuid.UUID, endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return fmt.Errorf("%w: endpoint is required", ErrValidation)
	}
	return s.repo.DeletePushSubscription(ctx, userID, endpoint)
}

// RemoveFCMToken deletes one of the user's device tokens. A token owned by
// someone else yields ErrNotFound.
func (s *ChannelService) RemoveFCMToken(ctx context.Context, userID uuid.UUID, token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: fcm token is required", ErrValidation)
	}
	return s.repo.DeleteFCMTokenForUser(ctx, userID, token)
}

// ListActiveChannels returns every active registration of a user.
func (s *ChannelService) ListActiveChannels(ctx context.Context, userID uuid.UUID) (*UserChannels, error) {
	subs, err := s.repo.ListActivePushSubscriptions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	tokens, err := s.repo.ListActiveFCMTokens(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list fcm tokens: %w", err)
	}
	return &UserChannels{PushSubscriptions: subs, FCMTokens: tokens}, nil
}

func (s *ChannelService) ListFCMTokens(ctx context.Context, userID uuid.UUID) ([]*FCMToken, error) {
	return s.repo.ListActiveFCMTokens(ctx, userID)
}

func (s *ChannelService) ListAllFCMTokens(ctx context.Context) ([]*FCMToken, error) {
	return s.repo.ListAllActiveFCMTokens(ctx)
}

// TouchFCMTokens refreshes last_used; failures are only logged.
func (s *ChannelService) TouchFCMTokens(ctx context.Context, tokens []string) {
	if len(tokens) == 0 {
		return
	}
	if err := s.repo.TouchFCMTokens(ctx, tokens); err != nil {
		s.logger.Warn("failed to refresh fcm token usage", zap.Int("count", len(tokens)), zap.Error(err))
	}
}

// Retire removes channels the provider reported as permanently invalid.
// Web-push subscriptions are deactivated, FCM tokens deleted. It returns the
// number of channels retired; failures are logged and skipped.
func (s *ChannelService) Retire(ctx context.Context, channels []Channel) int {
	retired := 0
	for _, ch := range channels {
		var err error
		switch ch.Kind {
		case ChannelWebPush:
			if ch.Subscription == nil {
				continue
			}
			err = s.repo.DeactivatePushSubscription(ctx, ch.Subscription.Endpoint)
		case ChannelFCM:
			err = s.repo.DeleteFCMToken(ctx, ch.Token)
		default:
			continue
		}
		if err != nil {
			s.logger.Warn("failed to retire invalid channel",
				zap.String("channel", ch.Redacted()),
				zap.Error(err),
			)
			continue
		}
		retired++
		s.logger.Info("retired invalid channel", zap.String("channel", ch.Redacted()))
	}
	return retired
}
