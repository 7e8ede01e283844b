package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type sleepRecorder struct {
	pauses []time.Duration
	err    error
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.pauses = append(s.pauses, d)
	return s.err
}

func newTestDispatcher(fcm FCMSender, wp WebPushSender, cfg DispatchConfig) (*Dispatcher, *sleepRecorder) {
	d := NewDispatcher(fcm, wp, cfg, zap.NewNop())
	rec := &sleepRecorder{}
	d.sleep = rec.sleep
	d.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return d, rec
}

func webChannels(userID uuid.UUID, n int, prefix string) []Channel {
	out := make([]Channel, n)
	for i := range out {
		out[i] = WebPushChannel(&PushSubscription{
			UserID:   userID,
			Endpoint: fmt.Sprintf("https://push.example.com/%s/%d", prefix, i),
			P256dh:   "key",
			Auth:     "auth",
		})
	}
	return out
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short", "hello", 100, "hello"},
		{"exact", strings.Repeat("a", 100), 100, strings.Repeat("a", 100)},
		{"over", strings.Repeat("a", 101), 100, strings.Repeat("a", 100) + "..."},
		{"runes", strings.Repeat("é", 150), 100, strings.Repeat("é", 100) + "..."},
		{"no limit", "abc", 0, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.in, tt.limit); got != tt.want {
				t.Errorf("Truncate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrepare(t *testing.T) {
	d, _ := newTestDispatcher(nil, nil, DispatchConfig{DefaultIcon: "/icon.png", DefaultBadge: "/badge.png"})
	in := Payload{
		Title: "Hi",
		Body:  strings.Repeat("x", 120),
		Data:  map[string]string{"type": "test"},
	}

	out := d.Prepare(in)

	if got := len([]rune(out.Body)); got != 103 {
		t.Errorf("body length = %d, want 103", got)
	}
	if out.Icon != "/icon.png" || out.Badge != "/badge.png" {
		t.Errorf("icon/badge = %q/%q", out.Icon, out.Badge)
	}
	if out.Data["timestamp"] != "2026-03-01T12:00:00Z" {
		t.Errorf("timestamp = %q", out.Data["timestamp"])
	}
	if _, ok := in.Data["timestamp"]; ok {
		t.Error("Prepare mutated the caller's data map")
	}

	custom := d.Prepare(Payload{Title: "Hi", Icon: "/mine.png"})
	if custom.Icon != "/mine.png" {
		t.Errorf("explicit icon overridden: %q", custom.Icon)
	}
}

func TestSendToManyAggregatesOutcomes(t *testing.T) {
	userID := uuid.New()
	web := webChannels(userID, 3, "w")
	wp := &fakeWebPush{errs: map[string]error{
		web[1].Subscription.Endpoint: invalid("410 gone"),
		web[2].Subscription.Endpoint: errTransient,
	}}
	fcm := &fakeFCM{errs: map[string]error{"tok-bad": invalid("unregistered")}}
	d, _ := newTestDispatcher(fcm, wp, DefaultDispatchConfig())

	channels := append(web, FCMChannel(userID, "tok-ok"), FCMChannel(userID, "tok-bad"))
	result := d.SendToMany(context.Background(), channels, Payload{Title: "Hi", Body: "there"})

	if result.SuccessCount != 2 || result.FailureCount != 3 {
		t.Fatalf("success/failure = %d/%d, want 2/3", result.SuccessCount, result.FailureCount)
	}
	if result.InvalidCount() != 2 {
		t.Fatalf("invalid = %d, want 2", result.InvalidCount())
	}
	keys := map[string]bool{}
	for _, ch := range result.Invalid {
		keys[ch.Key()] = true
	}
	if !keys[web[1].Key()] || !keys["fcm:tok-bad"] {
		t.Errorf("invalid channels = %v", keys)
	}
	if len(fcm.multicasts) != 1 || len(fcm.multicasts[0]) != 2 {
		t.Errorf("multicasts = %v, want one call with both tokens", fcm.multicasts)
	}
	if wp.attempts() != 3 {
		t.Errorf("web push attempts = %d, want 3", wp.attempts())
	}
}

func TestSendToManyCountsEveryInvalidChannel(t *testing.T) {
	for _, k := range []int{0, 1, 5, 10} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			web := webChannels(uuid.New(), 10, "k")
			errs := map[string]error{}
			for i := 0; i < k; i++ {
				errs[web[i].Subscription.Endpoint] = invalid("gone")
			}
			d, _ := newTestDispatcher(nil, &fakeWebPush{errs: errs}, DefaultDispatchConfig())

			result := d.SendToMany(context.Background(), web, Payload{Title: "t"})

			if result.FailureCount != k || result.InvalidCount() != k {
				t.Errorf("failure/invalid = %d/%d, want %d/%d", result.FailureCount, result.InvalidCount(), k, k)
			}
			if result.SuccessCount != 10-k {
				t.Errorf("success = %d, want %d", result.SuccessCount, 10-k)
			}
		})
	}
}

func TestSendToManyEmpty(t *testing.T) {
	d, _ := newTestDispatcher(&fakeFCM{}, &fakeWebPush{}, DefaultDispatchConfig())
	result := d.SendToMany(context.Background(), nil, Payload{Title: "t"})
	if result.Total() != 0 {
		t.Errorf("result = %+v, want zero", result)
	}
}

func TestSendToManyChunksMulticast(t *testing.T) {
	userID := uuid.New()
	channels := make([]Channel, 1200)
	for i := range channels {
		channels[i] = FCMChannel(userID, fmt.Sprintf("tok-%d", i))
	}
	fcm := &fakeFCM{}
	d, _ := newTestDispatcher(fcm, nil, DefaultDispatchConfig())

	result := d.SendToMany(context.Background(), channels, Payload{Title: "t"})

	if result.SuccessCount != 1200 {
		t.Fatalf("success = %d, want 1200", result.SuccessCount)
	}
	sizes := []int{}
	for _, m := range fcm.multicasts {
		sizes = append(sizes, len(m))
	}
	if fmt.Sprint(sizes) != "[500 500 200]" {
		t.Errorf("multicast sizes = %v", sizes)
	}
}

func TestSendToManyMulticastFailure(t *testing.T) {
	fcm := &fakeFCM{batchErr: errTransient}
	d, _ := newTestDispatcher(fcm, nil, DefaultDispatchConfig())
	userID := uuid.New()

	result := d.SendToMany(context.Background(), []Channel{FCMChannel(userID, "a"), FCMChannel(userID, "b")}, Payload{Title: "t"})

	if result.FailureCount != 2 || result.InvalidCount() != 0 {
		t.Errorf("failure/invalid = %d/%d, want 2/0", result.FailureCount, result.InvalidCount())
	}
}

func TestSendToManyProviderDisabled(t *testing.T) {
	userID := uuid.New()
	d, _ := newTestDispatcher(nil, nil, DefaultDispatchConfig())
	channels := append(webChannels(userID, 1, "off"), FCMChannel(userID, "tok"))

	result := d.SendToMany(context.Background(), channels, Payload{Title: "t"})

	if result.FailureCount != 2 || result.InvalidCount() != 0 {
		t.Fatalf("failure/invalid = %d/%d, want 2/0", result.FailureCount, result.InvalidCount())
	}
	for _, f := range result.Failures {
		if !errors.Is(f.Err, ErrProviderUnavailable) {
			t.Errorf("failure err = %v, want ErrProviderUnavailable", f.Err)
		}
	}
}

func TestSendToManyBoundsProviderCalls(t *testing.T) {
	wp := &fakeWebPush{block: make(chan struct{})}
	defer close(wp.block)
	cfg := DefaultDispatchConfig()
	cfg.ProviderTimeout = 20 * time.Millisecond
	d, _ := newTestDispatcher(nil, wp, cfg)

	start := time.Now()
	result := d.SendToMany(context.Background(), webChannels(uuid.New(), 2, "slow"), Payload{Title: "t"})

	if time.Since(start) > 2*time.Second {
		t.Fatal("provider timeout not applied")
	}
	if result.FailureCount != 2 || result.InvalidCount() != 0 {
		t.Errorf("failure/invalid = %d/%d, want 2/0", result.FailureCount, result.InvalidCount())
	}
}

func TestSendBulkBatchesAndPauses(t *testing.T) {
	wp := &fakeWebPush{}
	d, rec := newTestDispatcher(nil, wp, DefaultDispatchConfig())

	result := d.SendBulk(context.Background(), webChannels(uuid.New(), 250, "bulk"), Payload{Title: "t"})

	if result.Batches != 3 {
		t.Errorf("batches = %d, want 3", result.Batches)
	}
	if len(rec.pauses) != 2 {
		t.Fatalf("pauses = %v, want 2", rec.pauses)
	}
	for _, p := range rec.pauses {
		if p != time.Second {
			t.Errorf("pause = %v, want 1s", p)
		}
	}
	if result.SuccessCount != 250 || wp.attempts() != 250 {
		t.Errorf("success = %d attempts = %d, want 250", result.SuccessCount, wp.attempts())
	}
}

func TestSendBulkSingleBatchDoesNotPause(t *testing.T) {
	d, rec := newTestDispatcher(nil, &fakeWebPush{}, DefaultDispatchConfig())

	result := d.SendBulk(context.Background(), webChannels(uuid.New(), 100, "one"), Payload{Title: "t"})

	if result.Batches != 1 || len(rec.pauses) != 0 {
		t.Errorf("batches = %d pauses = %d, want 1/0", result.Batches, len(rec.pauses))
	}
}

func TestSendBulkStopsWhenCancelled(t *testing.T) {
	wp := &fakeWebPush{}
	d, rec := newTestDispatcher(nil, wp, DefaultDispatchConfig())
	rec.err = context.Canceled

	result := d.SendBulk(context.Background(), webChannels(uuid.New(), 250, "cancel"), Payload{Title: "t"})

	if wp.attempts() != 100 {
		t.Errorf("attempts = %d, want 100", wp.attempts())
	}
	if result.SuccessCount != 100 || result.FailureCount != 150 {
		t.Errorf("success/failure = %d/%d, want 100/150", result.SuccessCount, result.FailureCount)
	}
	if result.InvalidCount() != 0 {
		t.Errorf("cancelled channels reported invalid")
	}
}

func TestSendToOne(t *testing.T) {
	userID := uuid.New()
	fcm := &fakeFCM{errs: map[string]error{"gone": invalid("unregistered")}}
	d, _ := newTestDispatcher(fcm, nil, DefaultDispatchConfig())

	ok, err := d.SendToOne(context.Background(), FCMChannel(userID, "live"), Payload{Title: "t"})
	if !ok || err != nil {
		t.Fatalf("SendToOne(live) = %v, %v", ok, err)
	}

	ok, err = d.SendToOne(context.Background(), FCMChannel(userID, "gone"), Payload{Title: "t"})
	if ok || !IsInvalidChannel(err) {
		t.Fatalf("SendToOne(gone) = %v, %v; want false + invalid", ok, err)
	}
	if fcm.payloads[0].Data["timestamp"] == "" {
		t.Error("payload not prepared")
	}
}

func TestSendToTopic(t *testing.T) {
	d, _ := newTestDispatcher(nil, nil, DefaultDispatchConfig())
	if d.SendToTopic(context.Background(), "news", Payload{Title: "t"}) {
		t.Error("topic send without fcm reported success")
	}

	fcm := &fakeFCM{}
	d, _ = newTestDispatcher(fcm, nil, DefaultDispatchConfig())
	if !d.SendToTopic(context.Background(), "news", Payload{Title: "t"}) {
		t.Error("topic send failed")
	}
	fcm.batchErr = errTransient
	if d.SendToTopic(context.Background(), "news", Payload{Title: "t"}) {
		t.Error("provider error reported as success")
	}
}

func TestManageTopicWithoutProvider(t *testing.T) {
	d, _ := newTestDispatcher(nil, nil, DefaultDispatchConfig())
	result := d.ManageTopic(context.Background(), []Channel{FCMChannel(uuid.New(), "a")}, "news", true)
	if result.FailureCount != 1 || result.InvalidCount() != 0 {
		t.Errorf("result = %+v", result)
	}
	result = d.ValidateTokens(context.Background(), []Channel{FCMChannel(uuid.New(), "a")})
	if result.FailureCount != 1 {
		t.Errorf("validate result = %+v", result)
	}
}
