package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func TestLeadRateLimiterMinInterval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.newLead(t, "Ann", "+15135550101")

	res, err := h.limiter.Check(ctx, lead.ID)
	if err != nil || !res.Allowed {
		t.Fatalf("first check = %+v, %v", res, err)
	}

	if err := h.limiter.RecordSent(ctx, lead.ID); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(30 * time.Second)
	res, err = h.limiter.Check(ctx, lead.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.RetryAfter != 30 {
		t.Errorf("check after 30s = %+v, want blocked with retry 30", res)
	}

	h.clock.Advance(31 * time.Second)
	if res, _ := h.limiter.Check(ctx, lead.ID); !res.Allowed {
		t.Errorf("check after 61s = %+v, want allowed", res)
	}
}

func TestLeadRateLimiterDailyCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.newLead(t, "Ann", "+15135550101")

	for i := 0; i < SmsDailyLimit; i++ {
		if err := h.limiter.RecordSent(ctx, lead.ID); err != nil {
			t.Fatal(err)
		}
		h.clock.Advance(2 * time.Minute)
	}

	res, err := h.limiter.Check(ctx, lead.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Reason != "Daily SMS limit reached (5/day)" {
		t.Errorf("check = %+v, want daily limit", res)
	}

	status, err := h.limiter.Status(ctx, lead.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.SmsCountToday != SmsDailyLimit || status.ResetAt == nil {
		t.Errorf("status = %+v", status)
	}
	wantReset := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	if !status.ResetAt.Equal(wantReset) {
		t.Errorf("reset at = %v, want %v", status.ResetAt, wantReset)
	}

	// the counter starts over after midnight
	h.clock.Advance(14 * time.Hour)
	if res, _ := h.limiter.Check(ctx, lead.ID); !res.Allowed {
		t.Errorf("check next day = %+v, want allowed", res)
	}
	if err := h.limiter.RecordSent(ctx, lead.ID); err != nil {
		t.Fatal(err)
	}
	if status, _ := h.limiter.Status(ctx, lead.ID); status.SmsCountToday != 1 {
		t.Errorf("count after reset = %d, want 1", status.SmsCountToday)
	}
}

func TestLeadRateLimiterUnknownLead(t *testing.T) {
	h := newHarness(t)

	res, err := h.limiter.Check(context.Background(), 404)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Reason != "Lead not found" {
		t.Errorf("check = %+v", res)
	}
}

func newRedisLimiter(t *testing.T) (*RedisRateLimiter, *miniredis.Miniredis, *testClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	clock := newTestClock()
	mr.SetTime(clock.Now())

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	limiter := NewRedisRateLimiter(client)
	limiter.Now = clock.Now
	return limiter, mr, clock
}

func TestRedisRateLimiterMinInterval(t *testing.T) {
	limiter, mr, clock := newRedisLimiter(t)
	ctx := context.Background()

	if res, err := limiter.Check(ctx, 1); err != nil || !res.Allowed {
		t.Fatalf("first check = %+v, %v", res, err)
	}
	if err := limiter.RecordSent(ctx, 1); err != nil {
		t.Fatal(err)
	}

	res, err := limiter.Check(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.RetryAfter != 60 {
		t.Errorf("check = %+v, want blocked with retry 60", res)
	}

	// other leads are unaffected
	if res, _ := limiter.Check(ctx, 2); !res.Allowed {
		t.Errorf("lead 2 check = %+v", res)
	}

	mr.FastForward(61 * time.Second)
	clock.Advance(61 * time.Second)
	if res, _ := limiter.Check(ctx, 1); !res.Allowed {
		t.Errorf("check after interval = %+v, want allowed", res)
	}
}

func TestRedisRateLimiterDailyCap(t *testing.T) {
	limiter, mr, clock := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < SmsDailyLimit; i++ {
		if err := limiter.RecordSent(ctx, 7); err != nil {
			t.Fatal(err)
		}
		mr.FastForward(2 * time.Minute)
		clock.Advance(2 * time.Minute)
	}

	res, err := limiter.Check(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Reason != "Daily SMS limit reached (5/day)" {
		t.Errorf("check = %+v, want daily limit", res)
	}

	status, err := limiter.Status(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if status.SmsCountToday != SmsDailyLimit {
		t.Errorf("count = %d", status.SmsCountToday)
	}
	wantLast := clock.Now().Add(-2 * time.Minute)
	if status.LastSmsAt == nil || !status.LastSmsAt.Equal(wantLast) {
		t.Errorf("last sms = %v, want %v", status.LastSmsAt, wantLast)
	}

	// the daily key expires at midnight
	ttl := mr.TTL(limiter.dailyKey(7, clock.Now()))
	if ttl <= 0 || ttl > 14*time.Hour {
		t.Errorf("daily key ttl = %v", ttl)
	}
}
