package domain

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type notificationFixture struct {
	repo     *memChannelRepo
	inbox    *memNotificationRepo
	fcm      *fakeFCM
	webpush  *fakeWebPush
	channels *ChannelService
	service  *NotificationService
}

func newNotificationFixture(withFCM bool) *notificationFixture {
	f := &notificationFixture{
		repo:    newMemChannelRepo(),
		inbox:   &memNotificationRepo{},
		fcm:     &fakeFCM{errs: map[string]error{}},
		webpush: &fakeWebPush{errs: map[string]error{}},
	}
	var fcm FCMSender
	if withFCM {
		fcm = f.fcm
	}
	d, _ := newTestDispatcher(fcm, f.webpush, DefaultDispatchConfig())
	f.channels = NewChannelService(f.repo, zap.NewNop())
	f.service = NewNotificationService(f.inbox, f.channels, d, zap.NewNop())
	return f
}

func (f *notificationFixture) subscribe(t *testing.T, userID uuid.UUID, endpoint string) {
	t.Helper()
	_, err := f.channels.SaveSubscription(context.Background(), SavePushSubscriptionParams{
		UserID: userID, Endpoint: endpoint, P256dh: "p256dh", Auth: "auth",
	})
	if err != nil {
		t.Fatalf("SaveSubscription() error = %v", err)
	}
}

func TestGoneSubscriptionIsDeactivated(t *testing.T) {
	ctx := context.Background()
	f := newNotificationFixture(true)
	userID := uuid.New()
	const e1 = "https://push.example.com/e1"
	_, err := f.channels.SaveSubscription(ctx, SavePushSubscriptionParams{
		UserID: userID, Endpoint: e1, P256dh: "BEl62iUYgUivxIkv69yViEuiBIa", Auth: "tBHItJI5svbpez7KI4CCXg",
	})
	if err != nil {
		t.Fatalf("SaveSubscription() error = %v", err)
	}

	f.webpush.errs[e1] = invalid("410 gone")
	result, err := f.service.SendTest(ctx, userID)
	if err != nil {
		t.Fatalf("SendTest() error = %v", err)
	}
	if result.FailureCount != 1 || result.InvalidCount() != 1 {
		t.Fatalf("result = %+v, want one invalid failure", result)
	}

	if len(f.webpush.subs) != 1 {
		t.Fatalf("web push calls = %d, want 1", len(f.webpush.subs))
	}
	got := f.webpush.subs[0]
	if got.Endpoint != e1 || got.P256dh != "BEl62iUYgUivxIkv69yViEuiBIa" || got.Auth != "tBHItJI5svbpez7KI4CCXg" {
		t.Errorf("web push sent to %+v, want the stored keys of %s", got, e1)
	}

	sub := f.repo.subscription(userID, e1)
	if sub == nil || sub.IsActive {
		t.Fatalf("subscription = %+v, want present but inactive", sub)
	}
	channels, _ := f.channels.ListActiveChannels(ctx, userID)
	if len(channels.PushSubscriptions) != 0 {
		t.Errorf("inactive subscription still listed")
	}

	// Re-subscribing reactivates the same row
	delete(f.webpush.errs, e1)
	f.subscribe(t, userID, e1)
	if sub := f.repo.subscription(userID, e1); !sub.IsActive {
		t.Error("resubscribe did not reactivate")
	}
}

func TestInvalidFCMTokenIsDeleted(t *testing.T) {
	ctx := context.Background()
	f := newNotificationFixture(true)
	userID := uuid.New()
	for _, tok := range []string{"tok-live", "tok-dead"} {
		if _, err := f.channels.SaveFCMToken(ctx, SaveFCMTokenParams{UserID: userID, Token: tok}); err != nil {
			t.Fatalf("SaveFCMToken() error = %v", err)
		}
	}
	f.fcm.errs["tok-dead"] = invalid("registration-token-not-registered")

	result, err := f.service.SendToUser(ctx, userID, Payload{Title: "Hi"})
	if err != nil {
		t.Fatalf("SendToUser() error = %v", err)
	}
	if result.SuccessCount != 1 || result.FailureCount != 1 {
		t.Fatalf("result = %+v", result)
	}
	if f.repo.hasToken("tok-dead") {
		t.Error("invalid token was not deleted")
	}
	if !f.repo.hasToken("tok-live") {
		t.Error("valid token was deleted")
	}
	if len(f.repo.touched) != 2 {
		t.Errorf("touched = %v, want both tokens", f.repo.touched)
	}
}

func TestTransientFailureKeepsChannel(t *testing.T) {
	ctx := context.Background()
	f := newNotificationFixture(true)
	userID := uuid.New()
	const e = "https://push.example.com/flaky"
	f.subscribe(t, userID, e)
	f.webpush.errs[e] = errTransient

	if _, err := f.service.SendToUser(ctx, userID, Payload{Title: "Hi"}); err != nil {
		t.Fatalf("SendToUser() error = %v", err)
	}
	if sub := f.repo.subscription(userID, e); !sub.IsActive {
		t.Error("transient failure deactivated the subscription")
	}
}

func TestSendToUserWithoutChannels(t *testing.T) {
	f := newNotificationFixture(true)
	userID := uuid.New()

	result, err := f.service.SendToUser(context.Background(), userID, Payload{Title: "Hi", Data: map[string]string{"type": NotifTypeVisitor}})
	if err != nil {
		t.Fatalf("SendToUser() error = %v", err)
	}
	if result.Total() != 0 {
		t.Errorf("result = %+v, want zero counts", result)
	}
	if len(f.inbox.entries) != 1 || f.inbox.entries[0].Type != NotifTypeVisitor {
		t.Errorf("inbox = %+v, want one visitor entry", f.inbox.entries)
	}
}

func TestSendToUserRejectsEmptyPayload(t *testing.T) {
	f := newNotificationFixture(true)
	_, err := f.service.SendToUser(context.Background(), uuid.New(), Payload{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
}

func TestSendToUsersDeduplicates(t *testing.T) {
	ctx := context.Background()
	f := newNotificationFixture(true)
	a, b := uuid.New(), uuid.New()
	f.subscribe(t, a, "https://push.example.com/a")
	f.subscribe(t, b, "https://push.example.com/b")

	result, err := f.service.SendToUsers(ctx, []uuid.UUID{a, b, a}, Payload{Title: "Sale"})
	if err != nil {
		t.Fatalf("SendToUsers() error = %v", err)
	}
	if result.SuccessCount != 2 || f.webpush.attempts() != 2 {
		t.Errorf("success = %d attempts = %d, want 2", result.SuccessCount, f.webpush.attempts())
	}
	if result.Batches != 1 {
		t.Errorf("batches = %d, want 1", result.Batches)
	}
}

func TestSendToTokens(t *testing.T) {
	ctx := context.Background()

	f := newNotificationFixture(false)
	if _, err := f.service.SendToTokens(ctx, []string{"a"}, Payload{Title: "t"}); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("error = %v, want ErrProviderUnavailable", err)
	}

	f = newNotificationFixture(true)
	if _, err := f.service.SendToTokens(ctx, []string{" ", ""}, Payload{Title: "t"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	result, err := f.service.SendToTokens(ctx, []string{"a", "b"}, Payload{Title: "t"})
	if err != nil || result.SuccessCount != 2 {
		t.Fatalf("SendToTokens() = %+v, %v", result, err)
	}
}

func TestTopicManagement(t *testing.T) {
	ctx := context.Background()
	f := newNotificationFixture(true)
	userID := uuid.New()
	f.channels.SaveFCMToken(ctx, SaveFCMTokenParams{UserID: userID, Token: "t1"})
	f.channels.SaveFCMToken(ctx, SaveFCMTokenParams{UserID: userID, Token: "t2"})
	f.fcm.errs["t2"] = invalid("invalid-registration-token")

	result, err := f.service.SubscribeToTopic(ctx, userID, "/topics/offers", "")
	if err != nil {
		t.Fatalf("SubscribeToTopic() error = %v", err)
	}
	if result.SuccessCount != 1 || result.InvalidCount() != 1 {
		t.Errorf("result = %+v", result)
	}
	if len(f.fcm.subscriptions["offers"]) != 2 {
		t.Errorf("topic normalisation failed: %v", f.fcm.subscriptions)
	}
	if f.repo.hasToken("t2") {
		t.Error("invalid token not retired after topic call")
	}

	if _, err := f.service.SubscribeToTopic(ctx, userID, "bad topic!", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("invalid topic error = %v", err)
	}
}

func TestTopicManagementRejectsForeignToken(t *testing.T) {
	ctx := context.Background()
	f := newNotificationFixture(true)
	owner, other := uuid.New(), uuid.New()
	f.channels.SaveFCMToken(ctx, SaveFCMTokenParams{UserID: owner, Token: "owner-device"})
	f.channels.SaveFCMToken(ctx, SaveFCMTokenParams{UserID: other, Token: "other-device"})
	f.fcm.errs["owner-device"] = invalid("registration-token-not-registered")

	for _, subscribe := range []bool{true, false} {
		var err error
		if subscribe {
			_, err = f.service.SubscribeToTopic(ctx, other, "offers", "owner-device")
		} else {
			_, err = f.service.UnsubscribeFromTopic(ctx, other, "offers", "owner-device")
		}
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("subscribe=%v error = %v, want ErrNotFound", subscribe, err)
		}
	}
	if len(f.fcm.subscriptions["offers"]) != 0 {
		t.Errorf("provider called for a foreign token: %v", f.fcm.subscriptions)
	}
	if !f.repo.hasToken("owner-device") {
		t.Error("foreign token retired")
	}

	result, err := f.service.SubscribeToTopic(ctx, other, "offers", " other-device ")
	if err != nil || result.SuccessCount != 1 {
		t.Fatalf("own token = %+v, %v", result, err)
	}
}

func TestRemoveFCMTokenIsOwnerScoped(t *testing.T) {
	ctx := context.Background()
	f := newNotificationFixture(true)
	owner, other := uuid.New(), uuid.New()
	f.channels.SaveFCMToken(ctx, SaveFCMTokenParams{UserID: owner, Token: "owner-device"})

	if err := f.channels.RemoveFCMToken(ctx, other, "owner-device"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign remove error = %v, want ErrNotFound", err)
	}
	if !f.repo.hasToken("owner-device") {
		t.Fatal("token removed by another user")
	}
	if err := f.channels.RemoveFCMToken(ctx, owner, "owner-device"); err != nil {
		t.Fatalf("owner remove error = %v", err)
	}
	if f.repo.hasToken("owner-device") {
		t.Error("token still present after owner removal")
	}
	if err := f.channels.RemoveFCMToken(ctx, owner, " "); !errors.Is(err, ErrValidation) {
		t.Errorf("blank token error = %v", err)
	}
}

func TestSendToTopicValidation(t *testing.T) {
	ctx := context.Background()
	f := newNotificationFixture(true)

	sent, err := f.service.SendToTopic(ctx, "news", Payload{Title: "Breaking"})
	if err != nil || !sent {
		t.Fatalf("SendToTopic() = %v, %v", sent, err)
	}
	if _, err := f.service.SendToTopic(ctx, "", Payload{Title: "x"}); !errors.Is(err, ErrValidation) {
		t.Errorf("empty topic error = %v", err)
	}
	if _, err := newNotificationFixture(false).service.SendToTopic(ctx, "news", Payload{Title: "x"}); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("disabled provider error = %v", err)
	}
}

func TestCleanupInvalidTokens(t *testing.T) {
	ctx := context.Background()
	f := newNotificationFixture(true)
	for _, tok := range []string{"a", "b", "c"} {
		f.channels.SaveFCMToken(ctx, SaveFCMTokenParams{UserID: uuid.New(), Token: tok})
	}
	f.fcm.errs["b"] = invalid("unregistered")
	f.fcm.errs["c"] = errTransient

	result, err := f.service.CleanupInvalidTokens(ctx)
	if err != nil {
		t.Fatalf("CleanupInvalidTokens() error = %v", err)
	}
	if result.Checked != 3 || result.Removed != 1 {
		t.Errorf("result = %+v, want checked 3 removed 1", result)
	}
	if f.repo.hasToken("b") || !f.repo.hasToken("c") {
		t.Error("wrong tokens removed")
	}
}

func TestRetireSkipsFailures(t *testing.T) {
	repo := newMemChannelRepo()
	repo.failOn["broken"] = errors.New("db down")
	svc := NewChannelService(repo, zap.NewNop())
	userID := uuid.New()

	n := svc.Retire(context.Background(), []Channel{
		FCMChannel(userID, "broken"),
		FCMChannel(userID, "fine"),
		WebPushChannel(&PushSubscription{UserID: userID, Endpoint: "https://push.example.com/x"}),
	})
	if n != 2 {
		t.Errorf("retired = %d, want 2", n)
	}
}

func TestSaveSubscriptionValidation(t *testing.T) {
	svc := NewChannelService(newMemChannelRepo(), zap.NewNop())
	ctx := context.Background()
	userID := uuid.New()

	tests := []struct {
		name   string
		params SavePushSubscriptionParams
		ok     bool
	}{
		{"valid default type", SavePushSubscriptionParams{UserID: userID, Endpoint: "https://e", P256dh: "k", Auth: "a"}, true},
		{"trader", SavePushSubscriptionParams{UserID: userID, UserType: UserTypeTrader, Endpoint: "https://e2", P256dh: "k", Auth: "a"}, true},
		{"missing keys", SavePushSubscriptionParams{UserID: userID, Endpoint: "https://e"}, false},
		{"bad type", SavePushSubscriptionParams{UserID: userID, UserType: "admin", Endpoint: "https://e", P256dh: "k", Auth: "a"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := svc.SaveSubscription(ctx, tt.params)
			if tt.ok {
				if err != nil {
					t.Fatalf("error = %v", err)
				}
				if !sub.UserType.Valid() {
					t.Errorf("user type = %q", sub.UserType)
				}
				return
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestFCMTokenReassignedToNewOwner(t *testing.T) {
	ctx := context.Background()
	repo := newMemChannelRepo()
	svc := NewChannelService(repo, zap.NewNop())
	first, second := uuid.New(), uuid.New()

	svc.SaveFCMToken(ctx, SaveFCMTokenParams{UserID: first, Token: "shared-device"})
	svc.SaveFCMToken(ctx, SaveFCMTokenParams{UserID: second, Token: "shared-device"})

	if tokens, _ := svc.ListFCMTokens(ctx, first); len(tokens) != 0 {
		t.Errorf("previous owner still has %d tokens", len(tokens))
	}
	if tokens, _ := svc.ListFCMTokens(ctx, second); len(tokens) != 1 {
		t.Errorf("new owner has %d tokens, want 1", len(tokens))
	}
}

func TestInbox(t *testing.T) {
	ctx := context.Background()
	f := newNotificationFixture(true)
	userID := uuid.New()
	f.service.SendToUser(ctx, userID, Payload{Title: "Hi"})

	list, err := f.service.GetNotifications(ctx, userID, 0, 0)
	if err != nil || len(list) != 1 {
		t.Fatalf("GetNotifications() = %v, %v", list, err)
	}
	if list[0].Type != NotifTypeAdmin {
		t.Errorf("type = %q, want admin default", list[0].Type)
	}
	if err := f.service.MarkRead(ctx, userID, list[0].ID); err != nil {
		t.Errorf("MarkRead() error = %v", err)
	}
	if err := f.service.MarkRead(ctx, uuid.New(), list[0].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRead(other user) error = %v, want ErrNotFound", err)
	}
}
