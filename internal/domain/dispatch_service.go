package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// Firebase rejects multicast requests above 500 tokens and topic
	// management requests above 1000.
	maxMulticastTokens = 500
	maxTopicTokens     = 1000
	ellipsis           = "..."
)

var errMissingResponse = errors.New("provider returned no response for channel")

// DispatchConfig controls batching and provider call bounds.
type DispatchConfig struct {
	BatchSize       int
	BatchPause      time.Duration
	ProviderTimeout time.Duration
	BodyLimit       int
	DefaultIcon     string
	DefaultBadge    string
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		BatchSize:       100,
		BatchPause:      time.Second,
		ProviderTimeout: 10 * time.Second,
		BodyLimit:       100,
	}
}

// ChannelFailure is one channel that could not be delivered to.
type ChannelFailure struct {
	Channel Channel
	Err     error
	Invalid bool
}

// DispatchResult aggregates per-channel outcomes. Invalid lists the channels
// the provider reported as permanently gone; the caller decides whether to
// retire them.
type DispatchResult struct {
	SuccessCount int              `json:"successCount"`
	FailureCount int              `json:"failureCount"`
	Batches      int              `json:"batches,omitempty"`
	Invalid      []Channel        `json:"-"`
	Failures     []ChannelFailure `json:"-"`
}

func (r *DispatchResult) InvalidCount() int {
	return len(r.Invalid)
}

func (r *DispatchResult) Total() int {
	return r.SuccessCount + r.FailureCount
}

func (r *DispatchResult) record(ch Channel, err error) {
	if err == nil {
		r.SuccessCount++
		return
	}
	r.FailureCount++
	invalid := IsInvalidChannel(err)
	r.Failures = append(r.Failures, ChannelFailure{Channel: ch, Err: err, Invalid: invalid})
	if invalid {
		r.Invalid = append(r.Invalid, ch)
	}
}

func (r *DispatchResult) merge(other DispatchResult) {
	r.SuccessCount += other.SuccessCount
	r.FailureCount += other.FailureCount
	r.Batches += other.Batches
	r.Invalid = append(r.Invalid, other.Invalid...)
	r.Failures = append(r.Failures, other.Failures...)
}

// IsInvalidChannel reports whether err means the destination should be retired.
func IsInvalidChannel(err error) bool {
	return errors.Is(err, ErrInvalidChannel)
}

// Truncate shortens s to limit runes followed by an ellipsis.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + ellipsis
}

// Dispatcher fans a payload out over web-push and FCM. It never mutates the
// channel store; invalid channels are reported back in the result.
type Dispatcher struct {
	fcm     FCMSender
	webpush WebPushSender
	cfg     DispatchConfig
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewDispatcher builds a dispatcher. Either sender may be nil when the
// provider is not configured.
func NewDispatcher(fcm FCMSender, webpush WebPushSender, cfg DispatchConfig, logger *zap.Logger) *Dispatcher {
	defaults := DefaultDispatchConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = defaults.BatchPause
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaults.ProviderTimeout
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = defaults.BodyLimit
	}
	return &Dispatcher{
		fcm:     fcm,
		webpush: webpush,
		cfg:     cfg,
		logger:  logger,
		sleep:   sleepContext,
		now:     time.Now,
	}
}

// FCMEnabled reports whether an FCM provider is wired.
func (d *Dispatcher) FCMEnabled() bool {
	return d.fcm != nil
}

// Prepare applies the provider-independent normalisation: body truncation,
// default icon and badge, and the timestamp data field.
func (d *Dispatcher) Prepare(p Payload) Payload {
	out := p
	out.Body = Truncate(p.Body, d.cfg.BodyLimit)
	if out.Icon == "" {
		out.Icon = d.cfg.DefaultIcon
	}
	if out.Badge == "" {
		out.Badge = d.cfg.DefaultBadge
	}

	data := make(map[string]string, len(p.Data)+1)
	for k, v := range p.Data {
		data[k] = v
	}
	if data["timestamp"] == "" {
		data["timestamp"] = d.now().UTC().Format(time.RFC3339)
	}
	out.Data = data
	return out
}

// SendToOne delivers to a single channel. The returned error is the
// provider's, classifiable with IsInvalidChannel.
func (d *Dispatcher) SendToOne(ctx context.Context, ch Channel, p Payload) (bool, error) {
	err := d.sendOne(ctx, ch, d.Prepare(p))
	if err != nil {
		d.logFailure(ch, err)
		return false, err
	}
	return true, nil
}

// SendToMany attempts every channel independently and joins before reporting.
// FCM tokens go out as multicast requests, web-push subscriptions concurrently.
func (d *Dispatcher) SendToMany(ctx context.Context, channels []Channel, p Payload) DispatchResult {
	var (
		mu     sync.Mutex
		result DispatchResult
	)
	if len(channels) == 0 {
		return result
	}
	p = d.Prepare(p)

	record := func(ch Channel, err error) {
		if err != nil {
			d.logFailure(ch, err)
		}
		mu.Lock()
		defer mu.Unlock()
		result.record(ch, err)
	}

	var fcmChannels []Channel
	var g errgroup.Group
	g.SetLimit(d.cfg.BatchSize + 1)

	for _, ch := range channels {
		switch ch.Kind {
		case ChannelFCM:
			fcmChannels = append(fcmChannels, ch)
		case ChannelWebPush:
			ch := ch
			g.Go(func() error {
				record(ch, d.sendOne(ctx, ch, p))
				return nil
			})
		default:
			record(ch, fmt.Errorf("unknown channel kind %q", ch.Kind))
		}
	}

	if len(fcmChannels) > 0 {
		g.Go(func() error {
			d.sendMulticast(ctx, fcmChannels, p, record)
			return nil
		})
	}

	_ = g.Wait()
	return result
}

// SendBulk splits channels into batches of BatchSize and pauses BatchPause
// between consecutive batches. Cancelling ctx stops before the next batch;
// channels never attempted are counted as failures.
func (d *Dispatcher) SendBulk(ctx context.Context, channels []Channel, p Payload) DispatchResult {
	var total DispatchResult
	size := d.cfg.BatchSize

	for start := 0; start < len(channels); start += size {
		if start > 0 {
			if err := d.sleep(ctx, d.cfg.BatchPause); err != nil {
				for _, ch := range channels[start:] {
					total.record(ch, err)
				}
				d.logger.Warn("bulk dispatch interrupted",
					zap.Int("remaining", len(channels)-start),
					zap.Error(err),
				)
				break
			}
		}
		end := start + size
		if end > len(channels) {
			end = len(channels)
		}
		batch := d.SendToMany(ctx, channels[start:end], p)
		batch.Batches = 1
		total.merge(batch)
	}

	d.logger.Info("bulk dispatch finished",
		zap.Int("channels", len(channels)),
		zap.Int("batches", total.Batches),
		zap.Int("success", total.SuccessCount),
		zap.Int("failure", total.FailureCount),
		zap.Int("invalid", total.InvalidCount()),
	)
	return total
}

// SendToTopic broadcasts through an FCM topic. There is no per-recipient tracking.
func (d *Dispatcher) SendToTopic(ctx context.Context, topic string, p Payload) bool {
	if d.fcm == nil {
		d.logger.Warn("topic send skipped, fcm not configured", zap.String("topic", topic))
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
	defer cancel()

	if err := d.fcm.SendToTopic(ctx, topic, d.Prepare(p)); err != nil {
		d.logger.Error("topic send failed", zap.String("topic", topic), zap.Error(err))
		return false
	}
	return true
}

// ManageTopic subscribes or unsubscribes FCM tokens from a topic.
func (d *Dispatcher) ManageTopic(ctx context.Context, tokens []Channel, topic string, subscribe bool) DispatchResult {
	call := func(ctx context.Context, batch []string) ([]error, error) {
		if subscribe {
			return d.fcm.SubscribeToTopic(ctx, batch, topic)
		}
		return d.fcm.UnsubscribeFromTopic(ctx, batch, topic)
	}
	return d.perToken(ctx, tokens, maxTopicTokens, call)
}

// ValidateTokens dry-runs a message to each token to find stale registrations.
func (d *Dispatcher) ValidateTokens(ctx context.Context, tokens []Channel) DispatchResult {
	return d.perToken(ctx, tokens, maxMulticastTokens, d.validate)
}

func (d *Dispatcher) validate(ctx context.Context, batch []string) ([]error, error) {
	return d.fcm.ValidateTokens(ctx, batch)
}

func (d *Dispatcher) perToken(ctx context.Context, channels []Channel, limit int, call func(context.Context, []string) ([]error, error)) DispatchResult {
	var result DispatchResult
	if d.fcm == nil {
		for _, ch := range channels {
			result.record(ch, ErrProviderUnavailable)
		}
		return result
	}
	for start := 0; start < len(channels); start += limit {
		end := start + limit
		if end > len(channels) {
			end = len(channels)
		}
		batch := channels[start:end]
		errs, err := d.callTokens(ctx, batch, call)
		for i, ch := range batch {
			result.record(ch, tokenError(errs, err, i))
		}
		result.Batches++
	}
	return result
}

func (d *Dispatcher) sendMulticast(ctx context.Context, channels []Channel, p Payload, record func(Channel, error)) {
	if d.fcm == nil {
		for _, ch := range channels {
			record(ch, ErrProviderUnavailable)
		}
		return
	}
	for start := 0; start < len(channels); start += maxMulticastTokens {
		end := start + maxMulticastTokens
		if end > len(channels) {
			end = len(channels)
		}
		batch := channels[start:end]
		errs, err := d.callTokens(ctx, batch, func(ctx context.Context, tokens []string) ([]error, error) {
			return d.fcm.SendMulticast(ctx, tokens, p)
		})
		for i, ch := range batch {
			record(ch, tokenError(errs, err, i))
		}
	}
}

func (d *Dispatcher) callTokens(ctx context.Context, batch []Channel, call func(context.Context, []string) ([]error, error)) ([]error, error) {
	tokens := make([]string, len(batch))
	for i, ch := range batch {
		tokens[i] = ch.Token
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
	defer cancel()
	return call(ctx, tokens)
}

func tokenError(errs []error, batchErr error, i int) error {
	if batchErr != nil {
		return batchErr
	}
	if i >= len(errs) {
		return errMissingResponse
	}
	return errs[i]
}

func (d *Dispatcher) sendOne(ctx context.Context, ch Channel, p Payload) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
	defer cancel()

	switch ch.Kind {
	case ChannelWebPush:
		if d.webpush == nil {
			return ErrProviderUnavailable
		}
		if ch.Subscription == nil {
			return fmt.Errorf("%w: web-push channel without subscription", ErrValidation)
		}
		return d.webpush.Send(ctx, ch.Subscription, p)
	case ChannelFCM:
		if d.fcm == nil {
			return ErrProviderUnavailable
		}
		return d.fcm.Send(ctx, ch.Token, p)
	default:
		return fmt.Errorf("unknown channel kind %q", ch.Kind)
	}
}

func (d *Dispatcher) logFailure(ch Channel, err error) {
	if IsInvalidChannel(err) {
		d.logger.Info("channel reported invalid by provider",
			zap.String("channel", ch.Redacted()),
			zap.Error(err),
		)
		return
	}
	d.logger.Warn("notification delivery failed",
		zap.String("channel", ch.Redacted()),
		zap.Error(err),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
