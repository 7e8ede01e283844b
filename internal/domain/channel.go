package domain

import (
	"github.com/google/uuid"
)

// ChannelKind is the delivery mechanism of a Channel.
type ChannelKind string

const (
	ChannelWebPush ChannelKind = "webpush"
	ChannelFCM     ChannelKind = "fcm"
)

// Channel is one delivery destination: a web-push subscription or an FCM token.
type Channel struct {
	Kind         ChannelKind
	UserID       uuid.UUID
	Subscription *PushSubscription
	Token        string
}

// WebPushChannel wraps a push subscription.
func WebPushChannel(sub *PushSubscription) Channel {
	return Channel{Kind: ChannelWebPush, UserID: sub.UserID, Subscription: sub}
}

// FCMChannel wraps a raw FCM token.
func FCMChannel(userID uuid.UUID, token string) Channel {
	return Channel{Kind: ChannelFCM, UserID: userID, Token: token}
}

// Key identifies the channel for logging and de-duplication.
func (c Channel) Key() string {
	if c.Kind == ChannelWebPush && c.Subscription != nil {
		return string(c.Kind) + ":" + c.Subscription.Endpoint
	}
	return string(c.Kind) + ":" + c.Token
}

// Redacted returns a short form of the key that is safe to log.
func (c Channel) Redacted() string {
	return Redact(c.Key())
}

// Redact shortens a token or endpoint for logs.
func Redact(s string) string {
	const keep = 24
	if len(s) <= keep {
		return s
	}
	return s[:keep] + "..."
}

// UserChannels groups the active channels registered for a user.
type UserChannels struct {
	PushSubscriptions []*PushSubscription `json:"push_subscriptions"`
	FCMTokens         []*FCMToken         `json:"fcm_tokens"`
}

// Channels flattens the registrations into dispatchable channels.
func (u *UserChannels) Channels() []Channel {
	channels := make([]Channel, 0, len(u.PushSubscriptions)+len(u.FCMTokens))
	for _, sub := range u.PushSubscriptions {
		channels = append(channels, WebPushChannel(sub))
	}
	for _, t := range u.FCMTokens {
		channels = append(channels, FCMChannel(t.UserID, t.Token))
	}
	return channels
}

// Tokens returns the raw FCM token values.
func (u *UserChannels) Tokens() []string {
	tokens := make([]string, 0, len(u.FCMTokens))
	for _, t := range u.FCMTokens {
		tokens = append(tokens, t.Token)
	}
	return tokens
}
