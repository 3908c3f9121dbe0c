package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatd/internal/chat"
)

func newTestLimiter(t *testing.T, maxPerMinute int) (*RateLimiter, *time.Time) {
	t.Helper()
	rl := NewRateLimiter(maxPerMinute, zerolog.Nop())
	t.Cleanup(rl.Stop)

	now := time.Unix(10_000, 0)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func requireRateLimit(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected a rate limit error")
	}
	de, ok := chat.As(err)
	if !ok || de.Code != chat.CodeRateLimit {
		t.Fatalf("expected code %s, got %v", chat.CodeRateLimit, err)
	}
}

func TestSendMessageWindowCap(t *testing.T) {
	rl, now := newTestLimiter(t, 20)

	// Spaced out so the burst sub-window never trips.
	for i := 0; i < 20; i++ {
		if err := rl.Check(1, ActionSendMessage); err != nil {
			t.Fatalf("message %d should be admitted, got %v", i+1, err)
		}
		*now = now.Add(2500 * time.Millisecond)
	}

	requireRateLimit(t, rl.Check(1, ActionSendMessage))

	// Another user is unaffected.
	if err := rl.Check(2, ActionSendMessage); err != nil {
		t.Fatalf("other user should be admitted, got %v", err)
	}
}

func TestBurstCap(t *testing.T) {
	rl, now := newTestLimiter(t, 20)

	for i := 0; i < 5; i++ {
		if err := rl.Check(1, ActionSendMessage); err != nil {
			t.Fatalf("burst message %d should be admitted, got %v", i+1, err)
		}
	}
	requireRateLimit(t, rl.Check(1, ActionSendMessage))

	// Rejections consume nothing: once the sub-window clears, the next
	// attempt is admitted even though the rejected one was recent.
	*now = now.Add(burstWindow + time.Second)
	if err := rl.Check(1, ActionSendMessage); err != nil {
		t.Fatalf("expected admission after burst window, got %v", err)
	}
}

func TestWindowSlides(t *testing.T) {
	rl, now := newTestLimiter(t, 20)

	for i := 0; i < 3; i++ {
		if err := rl.Check(1, ActionCreateRoom); err != nil {
			t.Fatalf("create %d should be admitted, got %v", i+1, err)
		}
	}
	requireRateLimit(t, rl.Check(1, ActionCreateRoom))

	*now = now.Add(5*time.Minute + time.Second)
	if err := rl.Check(1, ActionCreateRoom); err != nil {
		t.Fatalf("expected admission after window expiry, got %v", err)
	}
}

func TestRemaining(t *testing.T) {
	rl, _ := newTestLimiter(t, 20)

	if got := rl.Remaining(1, ActionSendMessage); got != 20 {
		t.Fatalf("fresh user remaining = %d, want 20", got)
	}
	if err := rl.Check(1, ActionSendMessage); err != nil {
		t.Fatal(err)
	}
	if got := rl.Remaining(1, ActionSendMessage); got != 19 {
		t.Fatalf("remaining after one send = %d, want 19", got)
	}
}

func TestReset(t *testing.T) {
	rl, _ := newTestLimiter(t, 20)

	for i := 0; i < 3; i++ {
		if err := rl.Check(1, ActionCreateRoom); err != nil {
			t.Fatal(err)
		}
	}
	requireRateLimit(t, rl.Check(1, ActionCreateRoom))

	rl.Reset(1)
	if err := rl.Check(1, ActionCreateRoom); err != nil {
		t.Fatalf("expected admission after reset, got %v", err)
	}
}

func TestUnknownActionIsUnlimited(t *testing.T) {
	rl, _ := newTestLimiter(t, 20)

	for i := 0; i < 1000; i++ {
		if err := rl.Check(1, Action("unprofiled")); err != nil {
			t.Fatalf("unprofiled actions are not limited, got %v", err)
		}
	}
}
