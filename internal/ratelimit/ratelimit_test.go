package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// TestDefaultConfig tests the default rate limit configuration
func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if !cfg.Enabled {
		t.Error("Expected rate limiting to be enabled by default")
	}
	if cfg.RefillRate != 50 {
		t.Errorf("RefillRate = %v, want 50", cfg.RefillRate)
	}
	if cfg.MaxTokens != 100 {
		t.Errorf("MaxTokens = %v, want 100", cfg.MaxTokens)
	}
}

// TestDisabledAllowsEverything tests that a disabled limiter never rejects
func TestDisabledAllowsEverything(t *testing.T) {
	t.Parallel()

	l := New(Disabled())
	if l != nil {
		t.Fatal("New(Disabled()) should return a nil limiter")
	}
	for i := 0; i < 1000; i++ {
		if !l.TryConsume() {
			t.Fatalf("disabled limiter rejected call %d", i)
		}
	}
}

// TestBurstExhaustion tests that exactly MaxTokens calls succeed within one second
func TestBurstExhaustion(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 5, 100} {
		clock := newFakeClock()
		l := NewWithClock(Config{RefillRate: 10, MaxTokens: n, Enabled: true}, clock.Now)

		for i := 0; i < n; i++ {
			if !l.TryConsume() {
				t.Fatalf("max=%d: call %d rejected, want accepted", n, i+1)
			}
		}
		if l.TryConsume() {
			t.Errorf("max=%d: call %d accepted, want rejected", n, n+1)
		}
	}
}

// TestCoarseRefill tests that sub-second elapsed time earns no tokens
func TestCoarseRefill(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := NewWithClock(Config{RefillRate: 2, MaxTokens: 2, Enabled: true}, clock.Now)

	l.TryConsume()
	l.TryConsume()
	if l.TryConsume() {
		t.Fatal("bucket should be empty")
	}

	clock.Advance(900 * time.Millisecond)
	if l.TryConsume() {
		t.Error("sub-second wait must not refill")
	}

	clock.Advance(100 * time.Millisecond)
	if !l.TryConsume() {
		t.Error("crossing a second boundary should refill")
	}
	if !l.TryConsume() {
		t.Error("refill rate 2 should credit two tokens")
	}
	if l.TryConsume() {
		t.Error("refill must not exceed the credited tokens")
	}
}

// TestRefillCappedAtMaxTokens tests that a long idle period does not overfill the bucket
func TestRefillCappedAtMaxTokens(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := NewWithClock(Config{RefillRate: 50, MaxTokens: 3, Enabled: true}, clock.Now)
	for i := 0; i < 3; i++ {
		l.TryConsume()
	}

	clock.Advance(time.Hour)
	accepted := 0
	for i := 0; i < 10; i++ {
		if l.TryConsume() {
			accepted++
		}
	}
	if accepted != 3 {
		t.Errorf("accepted = %d after long idle, want 3", accepted)
	}
}

// TestBurstScenario tests 150 instant messages against a burst of 100
func TestBurstScenario(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := NewWithClock(Config{RefillRate: 50, MaxTokens: 100, Enabled: true}, clock.Now)

	results := make([]bool, 150)
	for i := range results {
		results[i] = l.TryConsume()
	}

	for i, ok := range results {
		if i < 100 && !ok {
			t.Fatalf("message %d rejected, want accepted", i)
		}
		if i >= 100 && ok {
			t.Fatalf("message %d accepted, want rejected", i)
		}
	}
}

// TestTokens tests the token inspection helper
func TestTokens(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := NewWithClock(Config{RefillRate: 1, MaxTokens: 4, Enabled: true}, clock.Now)
	if got := l.Tokens(); got != 4 {
		t.Errorf("Tokens() = %v, want 4", got)
	}
	l.TryConsume()
	if got := l.Tokens(); got != 3 {
		t.Errorf("Tokens() = %v, want 3", got)
	}
}
