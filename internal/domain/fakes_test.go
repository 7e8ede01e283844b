package domain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memChannelRepo is an in-memory ChannelRepository.
type memChannelRepo struct {
	mu      sync.Mutex
	subs    []*PushSubscription
	tokens  map[string]*FCMToken
	touched []string
	failOn  map[string]error
}

func newMemChannelRepo() *memChannelRepo {
	return &memChannelRepo{tokens: make(map[string]*FCMToken), failOn: make(map[string]error)}
}

func (r *memChannelRepo) UpsertPushSubscription(ctx context.Context, p SavePushSubscriptionParams) (*PushSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, s := range r.subs {
		if s.UserID == p.UserID && s.Endpoint == p.Endpoint {
			s.P256dh, s.Auth, s.UserType = p.P256dh, p.Auth, p.UserType
			s.IsActive = true
			s.UpdatedAt = now
			cp := *s
			return &cp, nil
		}
	}
	s := &PushSubscription{
		ID: uuid.New(), UserID: p.UserID, UserType: p.UserType, Endpoint: p.Endpoint,
		P256dh: p.P256dh, Auth: p.Auth, IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	r.subs = append(r.subs, s)
	cp := *s
	return &cp, nil
}

func (r *memChannelRepo) DeletePushSubscription(ctx context.Context, userID uuid.UUID, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.subs[:0]
	for _, s := range r.subs {
		if !(s.UserID == userID && s.Endpoint == endpoint) {
			kept = append(kept, s)
		}
	}
	r.subs = kept
	return nil
}

func (r *memChannelRepo) DeactivatePushSubscription(ctx context.Context, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failOn[endpoint]; err != nil {
		return err
	}
	for _, s := range r.subs {
		if s.Endpoint == endpoint {
			s.IsActive = false
		}
	}
	return nil
}

func (r *memChannelRepo) ListActivePushSubscriptions(ctx context.Context, userID uuid.UUID) ([]*PushSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*PushSubscription
	for _, s := range r.subs {
		if s.UserID == userID && s.IsActive {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memChannelRepo) UpsertFCMToken(ctx context.Context, p SaveFCMTokenParams) (*FCMToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	t, ok := r.tokens[p.Token]
	if !ok {
		t = &FCMToken{ID: uuid.New(), Token: p.Token, CreatedAt: now}
		r.tokens[p.Token] = t
	}
	t.UserID, t.UserType, t.DeviceInfo = p.UserID, p.UserType, p.DeviceInfo
	t.IsActive, t.LastUsed, t.UpdatedAt = true, now, now
	cp := *t
	return &cp, nil
}

func (r *memChannelRepo) DeleteFCMToken(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failOn[token]; err != nil {
		return err
	}
	delete(r.tokens, token)
	return nil
}

func (r *memChannelRepo) DeleteFCMTokenForUser(ctx context.Context, userID uuid.UUID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[token]
	if !ok || t.UserID != userID {
		return ErrNotFound
	}
	delete(r.tokens, token)
	return nil
}

func (r *memChannelRepo) ListActiveFCMTokens(ctx context.Context, userID uuid.UUID) ([]*FCMToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*FCMToken
	for _, t := range r.tokens {
		if t.UserID == userID && t.IsActive {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memChannelRepo) ListAllActiveFCMTokens(ctx context.Context) ([]*FCMToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*FCMToken
	for _, t := range r.tokens {
		if t.IsActive {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memChannelRepo) TouchFCMTokens(ctx context.Context, tokens []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, tokens...)
	return nil
}

func (r *memChannelRepo) subscription(userID uuid.UUID, endpoint string) *PushSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.UserID == userID && s.Endpoint == endpoint {
			cp := *s
			return &cp
		}
	}
	return nil
}

func (r *memChannelRepo) hasToken(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tokens[token]
	return ok
}

// fakeWebPush fails endpoints listed in errs and records every attempt.
type fakeWebPush struct {
	mu       sync.Mutex
	errs     map[string]error
	sent     []string
	subs     []PushSubscription
	payloads []Payload
	block    chan struct{}
}

func (f *fakeWebPush) Send(ctx context.Context, sub *PushSubscription, p Payload) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sub.Endpoint)
	f.subs = append(f.subs, *sub)
	f.payloads = append(f.payloads, p)
	return f.errs[sub.Endpoint]
}

func (f *fakeWebPush) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeFCM answers per token from errs.
type fakeFCM struct {
	mu            sync.Mutex
	errs          map[string]error
	batchErr      error
	multicasts    [][]string
	singles       []string
	topics        []string
	subscriptions map[string][]string
	payloads      []Payload
}

func (f *fakeFCM) perToken(tokens []string) []error {
	out := make([]error, len(tokens))
	for i, t := range tokens {
		out[i] = f.errs[t]
	}
	return out
}

func (f *fakeFCM) Send(ctx context.Context, token string, p Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singles = append(f.singles, token)
	f.payloads = append(f.payloads, p)
	return f.errs[token]
}

func (f *fakeFCM) SendMulticast(ctx context.Context, tokens []string, p Payload) ([]error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.multicasts = append(f.multicasts, append([]string(nil), tokens...))
	f.payloads = append(f.payloads, p)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	return f.perToken(tokens), nil
}

func (f *fakeFCM) SendToTopic(ctx context.Context, topic string, p Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return f.batchErr
}

func (f *fakeFCM) SubscribeToTopic(ctx context.Context, tokens []string, topic string) ([]error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscriptions == nil {
		f.subscriptions = make(map[string][]string)
	}
	f.subscriptions[topic] = append(f.subscriptions[topic], tokens...)
	return f.perToken(tokens), nil
}

func (f *fakeFCM) UnsubscribeFromTopic(ctx context.Context, tokens []string, topic string) ([]error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscriptions, topic)
	return f.perToken(tokens), nil
}

func (f *fakeFCM) ValidateTokens(ctx context.Context, tokens []string) ([]error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perToken(tokens), nil
}

// memNotificationRepo records inbox entries.
type memNotificationRepo struct {
	mu      sync.Mutex
	entries []*Notification
}

func (r *memNotificationRepo) CreateNotification(ctx context.Context, userID uuid.UUID, typeStr, title, body string, data map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, &Notification{ID: uuid.New(), UserID: userID, Type: typeStr, Title: title, Body: body, Data: data})
	return nil
}

func (r *memNotificationRepo) GetNotifications(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Notification
	for _, n := range r.entries {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *memNotificationRepo) MarkNotificationRead(ctx context.Context, userID, notificationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.entries {
		if n.ID == notificationID && n.UserID == userID {
			n.IsRead = true
			return nil
		}
	}
	return ErrNotFound
}

// memVisitorRepo keeps one record per (trader, visitor).
type memVisitorRepo struct {
	mu      sync.Mutex
	records map[[2]uuid.UUID]VisitorNotificationRecord
	getErr  error
}

func newMemVisitorRepo() *memVisitorRepo {
	return &memVisitorRepo{records: make(map[[2]uuid.UUID]VisitorNotificationRecord)}
}

func (r *memVisitorRepo) GetVisitorRecord(ctx context.Context, traderID, userID uuid.UUID) (*VisitorNotificationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	rec, ok := r.records[[2]uuid.UUID{traderID, userID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (r *memVisitorRepo) UpsertVisitorRecord(ctx context.Context, rec VisitorNotificationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[[2]uuid.UUID{rec.TraderID, rec.UserID}] = rec
	return nil
}

// stubNotifier returns a canned result and counts calls.
type stubNotifier struct {
	mu       sync.Mutex
	result   DispatchResult
	err      error
	calls    int
	lastUser uuid.UUID
	last     Payload
}

func (s *stubNotifier) SendToUser(ctx context.Context, userID uuid.UUID, p Payload) (DispatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastUser = userID
	s.last = p
	return s.result, s.err
}

// memChatRepo stores chats and messages in memory.
type memChatRepo struct {
	mu       sync.Mutex
	chats    map[uuid.UUID]*Chat
	messages []*Message
}

func newMemChatRepo() *memChatRepo {
	return &memChatRepo{chats: make(map[uuid.UUID]*Chat)}
}

func (r *memChatRepo) CreateChat(ctx context.Context, p CreateChatParams) (*Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.chats {
		if c.TraderID == p.TraderID && c.UserID == p.UserID {
			return c, nil
		}
	}
	c := &Chat{ID: uuid.New(), TraderID: p.TraderID, UserID: p.UserID, TraderName: p.TraderName, UserName: p.UserName}
	r.chats[c.ID] = c
	return c, nil
}

func (r *memChatRepo) GetChatByID(ctx context.Context, chatID uuid.UUID) (*Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	return c, nil
}

func (r *memChatRepo) GetChatsByUserID(ctx context.Context, userID uuid.UUID) ([]*Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Chat
	for _, c := range r.chats {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memChatRepo) CreateMessage(ctx context.Context, chatID, senderID uuid.UUID, content string, attachmentURL *string) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := &Message{ID: uuid.New(), ChatID: chatID, SenderID: senderID, Content: content, AttachmentURL: attachmentURL, CreatedAt: time.Now()}
	r.messages = append(r.messages, m)
	return m, nil
}

func (r *memChatRepo) GetMessages(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Message
	for _, m := range r.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out, nil
}

var errTransient = errors.New("provider timeout")

func invalid(reason string) error {
	return errors.Join(ErrInvalidChannel, errors.New(reason))
}
