package fcm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/traderhub/backend/internal/domain"
)

var errNoResponse = errors.New("fcm returned no result for token")

// messagingAPI is the part of *messaging.Client the adapter calls.
type messagingAPI interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
	SendEachDryRun(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
	SubscribeToTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)
	UnsubscribeFromTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)
}

// Client is created once at start-up and shared by the dispatcher.
type Client struct {
	msgClient messagingAPI
	logger    *zap.Logger
}

func NewClient(ctx context.Context, logger *zap.Logger, credentialsFile, projectID string) (*Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	} else {
		logger.Warn("No Firebase credentials file provided. FCM will use application default credentials.")
	}

	var conf *firebase.Config
	if projectID != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}

	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}

	return &Client{
		msgClient: msgClient,
		logger:    logger,
	}, nil
}

func (c *Client) Send(ctx context.Context, token string, payload domain.Payload) error {
	message := buildMessage(payload)
	message.Token = token

	if _, err := c.msgClient.Send(ctx, message); err != nil {
		return classify(err)
	}
	return nil
}

// SendMulticast returns one error slot per token, nil on success.
func (c *Client) SendMulticast(ctx context.Context, tokens []string, payload domain.Payload) ([]error, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	base := buildMessage(payload)
	message := &messaging.MulticastMessage{
		Tokens:       tokens,
		Notification: base.Notification,
		Data:         base.Data,
		Android:      base.Android,
		APNS:         base.APNS,
		Webpush:      base.Webpush,
	}

	resp, err := c.msgClient.SendEachForMulticast(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("fcm multicast: %w", err)
	}

	c.logger.Debug("FCM multicast sent",
		zap.Int("success", resp.SuccessCount),
		zap.Int("failure", resp.FailureCount),
	)
	return batchErrors(resp, len(tokens)), nil
}

func (c *Client) SendToTopic(ctx context.Context, topic string, payload domain.Payload) error {
	message := buildMessage(payload)
	message.Topic = topic

	if _, err := c.msgClient.Send(ctx, message); err != nil {
		return fmt.Errorf("fcm topic send: %w", err)
	}
	return nil
}

func (c *Client) SubscribeToTopic(ctx context.Context, tokens []string, topic string) ([]error, error) {
	resp, err := c.msgClient.SubscribeToTopic(ctx, tokens, topic)
	if err != nil {
		return nil, fmt.Errorf("fcm subscribe to topic: %w", err)
	}
	return topicErrors(resp, len(tokens)), nil
}

func (c *Client) UnsubscribeFromTopic(ctx context.Context, tokens []string, topic string) ([]error, error) {
	resp, err := c.msgClient.UnsubscribeFromTopic(ctx, tokens, topic)
	if err != nil {
		return nil, fmt.Errorf("fcm unsubscribe from topic: %w", err)
	}
	return topicErrors(resp, len(tokens)), nil
}

// ValidateTokens sends a dry-run message to every token; nothing is delivered.
func (c *Client) ValidateTokens(ctx context.Context, tokens []string) ([]error, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	messages := make([]*messaging.Message, len(tokens))
	for i, t := range tokens {
		messages[i] = &messaging.Message{
			Token: t,
			Data:  map[string]string{"type": "validation"},
		}
	}

	resp, err := c.msgClient.SendEachDryRun(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("fcm dry run: %w", err)
	}
	return batchErrors(resp, len(tokens)), nil
}

func buildMessage(p domain.Payload) *messaging.Message {
	data := make(map[string]string, len(p.Data)+1)
	for k, v := range p.Data {
		data[k] = v
	}
	if p.ClickAction != "" {
		data["clickAction"] = p.ClickAction
	}

	webpush := &messaging.WebpushConfig{
		Notification: &messaging.WebpushNotification{
			Title: p.Title,
			Body:  p.Body,
			Icon:  p.Icon,
			Badge: p.Badge,
			Image: p.ImageURL,
		},
	}
	// FCM only accepts absolute https links here; relative paths travel in data.
	if strings.HasPrefix(p.ClickAction, "https://") {
		webpush.FCMOptions = &messaging.WebpushFCMOptions{Link: p.ClickAction}
	}

	return &messaging.Message{
		Notification: &messaging.Notification{
			Title:    p.Title,
			Body:     p.Body,
			ImageURL: p.ImageURL,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound:       "default",
				ClickAction: p.ClickAction,
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Sound: "default",
				},
			},
		},
		Webpush: webpush,
	}
}

// batchErrors aligns per-message results with the n tokens sent. A token the
// provider returned no result for is reported as a transient failure.
func batchErrors(resp *messaging.BatchResponse, n int) []error {
	errs := make([]error, n)
	for i := range errs {
		var r *messaging.SendResponse
		if resp != nil && i < len(resp.Responses) {
			r = resp.Responses[i]
		}
		switch {
		case r == nil:
			errs[i] = errNoResponse
		case !r.Success:
			errs[i] = classify(r.Error)
		}
	}
	return errs
}

func topicErrors(resp *messaging.TopicManagementResponse, n int) []error {
	errs := make([]error, n)
	for _, info := range resp.Errors {
		if info == nil || info.Index < 0 || info.Index >= n {
			continue
		}
		if isInvalidReason(info.Reason) {
			errs[info.Index] = fmt.Errorf("%w: %s", domain.ErrInvalidChannel, info.Reason)
		} else {
			errs[info.Index] = fmt.Errorf("topic management: %s", info.Reason)
		}
	}
	return errs
}

// classify marks unregistered and malformed registration tokens as invalid
// channels; every other error is transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if messaging.IsUnregistered(err) || isInvalidToken(err) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidChannel, err)
	}
	return err
}

func isInvalidToken(err error) bool {
	if !messaging.IsInvalidArgument(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "registration token")
}

func isInvalidReason(reason string) bool {
	reason = strings.ToLower(reason)
	return strings.Contains(reason, "registration-token-not-registered") ||
		strings.Contains(reason, "invalid-registration-token") ||
		strings.Contains(reason, "not-found")
}
