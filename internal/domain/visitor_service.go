package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultVisitorCooldown is the minimum gap between two arrival alerts for
// the same trader and visitor.
const DefaultVisitorCooldown = 30 * time.Minute

// VisitorOutcome is the decision taken for a visitor-login event.
type VisitorOutcome string

const (
	VisitorNotified   VisitorOutcome = "sent"
	VisitorSuppressed VisitorOutcome = "suppressed"
	VisitorFailed     VisitorOutcome = "failed"
)

// VisitorEvent is a user arriving on a trader's subdomain.
type VisitorEvent struct {
	TraderID    uuid.UUID
	UserID      uuid.UUID
	VisitorName string
}

// userNotifier is the slice of NotificationService the tracker needs.
type userNotifier interface {
	SendToUser(ctx context.Context, userID uuid.UUID, payload Payload) (DispatchResult, error)
}

// VisitorService debounces "visitor arrived" alerts per (trader, visitor).
// Only the most recent send time is kept.
type VisitorService struct {
	repo     VisitorRepository
	notifier userNotifier
	cooldown time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewVisitorService(repo VisitorRepository, notifier *NotificationService, cooldown time.Duration, logger *zap.Logger) *VisitorService {
	return newVisitorService(repo, notifier, cooldown, logger)
}

func newVisitorService(repo VisitorRepository, notifier userNotifier, cooldown time.Duration, logger *zap.Logger) *VisitorService {
	if cooldown <= 0 {
		cooldown = DefaultVisitorCooldown
	}
	return &VisitorService{
		repo:     repo,
		notifier: notifier,
		cooldown: cooldown,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleVisitorLogin alerts the trader unless the same visitor was announced
// within the cooldown. The record is written only after a send that did not
// fail, so a failed alert is retried on the next arrival.
func (s *VisitorService) HandleVisitorLogin(ctx context.Context, event VisitorEvent) (VisitorOutcome, error) {
	if event.TraderID == uuid.Nil || event.UserID == uuid.Nil {
		return VisitorFailed, fmt.Errorf("%w: trader and visitor ids are required", ErrValidation)
	}
	if event.TraderID == event.UserID {
		return VisitorSuppressed, nil
	}
	name := strings.TrimSpace(event.VisitorName)
	if name == "" {
		name = "A visitor"
	}

	now := s.now()
	record, err := s.repo.GetVisitorRecord(ctx, event.TraderID, event.UserID)
	switch {
	case errors.Is(err, ErrNotFound):
		record = nil
	case err != nil:
		return VisitorFailed, fmt.Errorf("load visitor record: %w", err)
	}

	if record != nil {
		if elapsed := now.Sub(record.LastNotificationSent); elapsed < s.cooldown {
			s.logger.Debug("visitor alert suppressed",
				zap.String("trader_id", event.TraderID.String()),
				zap.String("user_id", event.UserID.String()),
				zap.Duration("elapsed", elapsed),
			)
			return VisitorSuppressed, nil
		}
	}

	result, err := s.notifier.SendToUser(ctx, event.TraderID, Payload{
		Title: "New visitor",
		Body:  fmt.Sprintf("%s just logged in to your page", name),
		Data: map[string]string{
			"type":        NotifTypeVisitor,
			"visitorId":   event.UserID.String(),
			"visitorName": name,
		},
	})
	if err != nil {
		s.logger.Warn("visitor alert failed", zap.String("trader_id", event.TraderID.String()), zap.Error(err))
		return VisitorFailed, err
	}
	if result.FailureCount > 0 && result.SuccessCount == 0 {
		s.logger.Warn("visitor alert not delivered to any channel",
			zap.String("trader_id", event.TraderID.String()),
			zap.Int("failures", result.FailureCount),
		)
		return VisitorFailed, nil
	}

	err = s.repo.UpsertVisitorRecord(ctx, VisitorNotificationRecord{
		TraderID:             event.TraderID,
		UserID:               event.UserID,
		VisitorName:          name,
		LastNotificationSent: now,
	})
	if err != nil {
		// The alert went out; a lost record only means the next arrival may alert again.
		s.logger.Error("failed to store visitor record", zap.Error(err))
	}
	return VisitorNotified, nil
}
