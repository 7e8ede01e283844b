package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidChannel marks a push destination the provider reports as
	// permanently unreachable. Adapters wrap provider errors with it.
	ErrInvalidChannel      = errors.New("channel is no longer valid")
	ErrProviderUnavailable = errors.New("notification provider not configured")
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
)

// UserType distinguishes the two account populations of the platform.
type UserType string

const (
	UserTypeUser   UserType = "user"
	UserTypeTrader UserType = "trader"
)

// Valid reports whether t is a known user type.
func (t UserType) Valid() bool {
	return t == UserTypeUser || t == UserTypeTrader
}

// Notification types carried in the data payload.
const (
	NotifTypeChatMessage = "chat_message"
	NotifTypeVisitor     = "visitor_login"
	NotifTypeTest        = "test"
	NotifTypeAdmin       = "admin"
)

// PushSubscription is a browser web-push registration.
type PushSubscription struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	UserType  UserType  `json:"user_type"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"-"`
	Auth      string    `json:"-"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FCMToken is a Firebase Cloud Messaging device registration.
type FCMToken struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	UserType   UserType  `json:"user_type"`
	Token      string    `json:"-"`
	DeviceInfo string    `json:"device_info"`
	IsActive   bool      `json:"is_active"`
	LastUsed   time.Time `json:"last_used"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// VisitorNotificationRecord remembers when a trader was last alerted about a visitor.
type VisitorNotificationRecord struct {
	TraderID             uuid.UUID `json:"trader_id"`
	UserID               uuid.UUID `json:"user_id"`
	VisitorName          string    `json:"visitor_name"`
	LastNotificationSent time.Time `json:"last_notification_sent"`
}

// Notification is an in-app inbox entry.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Data      Map       `json:"data"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

// Map alias for JSONB data
type Map map[string]interface{}

// Payload is the provider-independent notification content.
type Payload struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Icon        string            `json:"icon,omitempty"`
	Badge       string            `json:"badge,omitempty"`
	ImageURL    string            `json:"image,omitempty"`
	ClickAction string            `json:"clickAction,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// Type returns the notification type stored in the data payload.
func (p Payload) Type() string {
	if p.Data == nil {
		return ""
	}
	return p.Data["type"]
}

type SavePushSubscriptionParams struct {
	UserID   uuid.UUID
	UserType UserType
	Endpoint string
	P256dh   string
	Auth     string
}

type SaveFCMTokenParams struct {
	UserID     uuid.UUID
	UserType   UserType
	Token      string
	DeviceInfo string
}

// ChannelRepository persists push subscriptions and FCM tokens.
type ChannelRepository interface {
	UpsertPushSubscription(ctx context.Context, params SavePushSubscriptionParams) (*PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID uuid.UUID, endpoint string) error
	DeactivatePushSubscription(ctx context.Context, endpoint string) error
	ListActivePushSubscriptions(ctx context.Context, userID uuid.UUID) ([]*PushSubscription, error)

	UpsertFCMToken(ctx context.Context, params SaveFCMTokenParams) (*FCMToken, error)
	DeleteFCMToken(ctx context.Context, token string) error
	DeleteFCMTokenForUser(ctx context.Context, userID uuid.UUID, token string) error
	ListActiveFCMTokens(ctx context.Context, userID uuid.UUID) ([]*FCMToken, error)
	ListAllActiveFCMTokens(ctx context.Context) ([]*FCMToken, error)
	TouchFCMTokens(ctx context.Context, tokens []string) error
}

// VisitorRepository persists cooldown records. GetVisitorRecord returns
// ErrNotFound when the pair has never been notified.
type VisitorRepository interface {
	GetVisitorRecord(ctx context.Context, traderID, userID uuid.UUID) (*VisitorNotificationRecord, error)
	UpsertVisitorRecord(ctx context.Context, record VisitorNotificationRecord) error
}

type NotificationRepository interface {
	CreateNotification(ctx context.Context, userID uuid.UUID, typeStr, title, body string, data map[string]interface{}) error
	GetNotifications(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Notification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID uuid.UUID) error
}

// FCMSender delivers through Firebase Cloud Messaging. Per-token errors
// returned by SendMulticast and ValidateTokens are aligned with the input.
type FCMSender interface {
	Send(ctx context.Context, token string, payload Payload) error
	SendMulticast(ctx context.Context, tokens []string, payload Payload) ([]error, error)
	SendToTopic(ctx context.Context, topic string, payload Payload) error
	SubscribeToTopic(ctx context.Context, tokens []string, topic string) ([]error, error)
	UnsubscribeFromTopic(ctx context.Context, tokens []string, topic string) ([]error, error)
	ValidateTokens(ctx context.Context, tokens []string) ([]error, error)
}

// WebPushSender delivers to a browser push endpoint.
type WebPushSender interface {
	Send(ctx context.Context, sub *PushSubscription, payload Payload) error
}
