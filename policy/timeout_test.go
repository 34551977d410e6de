package policy

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fixedRand(v float64) func() float64 { return func() float64 { return v } }

func TestGetTimeout_Precedence(t *testing.T) {
	p := New(func(o *Options) {
		o.Timeouts = map[string]time.Duration{
			"search":       10 * time.Second,
			"search.query": 20 * time.Second,
		}
	})

	assert.Equal(t, 5*time.Second, p.GetTimeout("search", "query", 5*time.Second))
	assert.Equal(t, 20*time.Second, p.GetTimeout("search", "query", 0))
	assert.Equal(t, 10*time.Second, p.GetTimeout("search", "other", 0))
	assert.Equal(t, DefaultTimeout, p.GetTimeout("fetch", "page", 0))
}

func TestGetMaxRetries_Precedence(t *testing.T) {
	p := New(func(o *Options) {
		o.Retries = map[string]int{"fetch": 5}
	})

	zero := 0
	assert.Equal(t, 0, p.GetMaxRetries("fetch", &zero))
	assert.Equal(t, 5, p.GetMaxRetries("fetch", nil))
	assert.Equal(t, DefaultMaxRetries, p.GetMaxRetries("search", nil))
}

func TestCalculateBackoff_Ranges(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{"first retry", 0, 750 * time.Millisecond, 1250 * time.Millisecond},
		{"second retry", 1, 1500 * time.Millisecond, 2500 * time.Millisecond},
		{"saturated", 10, 33750 * time.Millisecond, 56250 * time.Millisecond},
		{"huge attempt", 1000, 33750 * time.Millisecond, 56250 * time.Millisecond},
	}

	p := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 200; i++ {
				d := p.CalculateBackoff(tt.attempt, "a", "op")
				assert.GreaterOrEqual(t, d, tt.min)
				assert.LessOrEqual(t, d, tt.max)
			}
		})
	}
}

func TestCalculateBackoff_JitterBounds(t *testing.T) {
	low := New(func(o *Options) { o.Rand = fixedRand(0) })
	high := New(func(o *Options) { o.Rand = fixedRand(0.999999) })
	mid := New(func(o *Options) { o.Rand = fixedRand(0.5) })

	assert.Equal(t, 875*time.Millisecond, low.CalculateBackoff(0, "a", "op"))
	assert.Equal(t, 1124*time.Millisecond, high.CalculateBackoff(0, "a", "op"))
	assert.Equal(t, time.Second, mid.CalculateBackoff(0, "a", "op"))
	assert.Equal(t, 45*time.Second, mid.CalculateBackoff(6, "a", "op"))
}

func TestThrottle_OpensAboveThreshold(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0)}
	p := New(func(o *Options) {
		o.Rand = fixedRand(0.5)
		o.Now = clock.Now
	})

	for i := 0; i < ThrottleThreshold; i++ {
		p.TrackRequest("a", "op")
	}
	assert.Equal(t, time.Second, p.CalculateBackoff(0, "a", "op"), "no throttle at threshold")

	p.TrackRequest("a", "op")
	assert.Equal(t, time.Second+400*time.Millisecond, p.CalculateBackoff(0, "a", "op"))
	assert.Equal(t, time.Second, p.CalculateBackoff(0, "a", "other"), "other operations are unaffected")

	stats := p.GetErrorStats()["a:op"]
	assert.True(t, stats.Throttled)
	assert.Equal(t, 4, stats.InFlight)

	clock.Advance(ThrottleWindow + time.Millisecond)
	assert.Equal(t, time.Second, p.CalculateBackoff(0, "a", "op"), "window expired")
}

func TestThrottle_DelayIsCapped(t *testing.T) {
	p := New(func(o *Options) { o.Rand = fixedRand(0.5) })

	for i := 0; i < 50; i++ {
		p.TrackRequest("a", "op")
	}
	assert.Equal(t, time.Second+MaxThrottleDelay, p.CalculateBackoff(0, "a", "op"))
}

func TestCompleteRequest_NeverNegative(t *testing.T) {
	p := New()
	p.CompleteRequest("a", "op")
	p.TrackRequest("a", "op")
	p.CompleteRequest("a", "op")
	p.CompleteRequest("a", "op")

	assert.Equal(t, 0, p.GetErrorStats()["a:op"].InFlight)
}

func TestRecordError_WidensTimeout(t *testing.T) {
	p := New(func(o *Options) {
		o.Timeouts = map[string]time.Duration{"a": 10 * time.Second}
	})
	boom := errors.New("boom")

	p.RecordError("a", "op", boom)
	p.RecordError("a", "op", boom)
	assert.Equal(t, 10*time.Second, p.GetTimeout("a", "op", 0))

	p.RecordError("a", "op", boom)
	assert.Equal(t, 15*time.Second, p.GetTimeout("a", "op", 0))
	assert.Equal(t, 10*time.Second, p.GetTimeout("a", "other", 0), "adapter entry untouched")

	stats := p.GetErrorStats()["a:op"]
	assert.Equal(t, 0, stats.ErrorCount, "rolling count resets after widening")
	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, "boom", stats.LastError)
}

func TestRecordError_WideningIsCapped(t *testing.T) {
	p := New(func(o *Options) {
		o.Timeouts = map[string]time.Duration{"a.op": 100 * time.Second}
	})

	for i := 0; i < ErrorThreshold*3; i++ {
		p.RecordError("a", "op", errors.New("slow"))
	}
	assert.Equal(t, MaxAdaptiveTimeout, p.GetTimeout("a", "op", 0))
}

func TestRecordError_ConcurrentWideningCompounds(t *testing.T) {
	p := New(func(o *Options) {
		o.Timeouts = map[string]time.Duration{"a": time.Second}
	})

	var wg sync.WaitGroup
	for i := 0; i < ErrorThreshold*4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.RecordError("a", "op", errors.New("slow"))
		}()
	}
	wg.Wait()

	// Four widenings, none lost: 1s * 1.5^4.
	assert.Equal(t, 5062500*time.Microsecond, p.GetTimeout("a", "op", 0))
}

func TestResetErrors(t *testing.T) {
	p := New()
	p.RecordError("a", "x", errors.New("e"))
	p.RecordError("a", "y", errors.New("e"))
	p.RecordError("b", "x", errors.New("e"))

	p.ResetErrors("a", "x")
	stats := p.GetErrorStats()
	assert.Equal(t, 0, stats["a:x"].ErrorCount)
	assert.Equal(t, 1, stats["a:y"].ErrorCount)

	p.ResetErrors("a", "")
	stats = p.GetErrorStats()
	assert.Equal(t, 0, stats["a:y"].ErrorCount)
	assert.Equal(t, 1, stats["b:x"].ErrorCount)
}

func TestUpdateTimeoutAndApply(t *testing.T) {
	p := New()
	p.UpdateTimeout("a.op", 3*time.Second)
	p.SetMaxRetries("a", 7)

	snap := p.Snapshot()
	require.Equal(t, 3*time.Second, snap.Timeouts["a.op"])
	require.Equal(t, 7, snap.Retries["a"])

	p.UpdateTimeout("a.op", 0)
	assert.Equal(t, DefaultTimeout, p.GetTimeout("a", "op", 0))

	p.Apply(Settings{DefaultTimeout: time.Minute, DefaultRetries: 1, Timeouts: map[string]time.Duration{"b": time.Second}})
	assert.Equal(t, time.Minute, p.GetTimeout("a", "op", 0))
	assert.Equal(t, time.Second, p.GetTimeout("b", "op", 0))
	assert.Equal(t, 1, p.GetMaxRetries("a", nil))
}

func TestPolicy_ConcurrentAccess(t *testing.T) {
	p := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.TrackRequest("a", "op")
			_ = p.CalculateBackoff(1, "a", "op")
			p.RecordError("a", "op", errors.New("e"))
			p.CompleteRequest("a", "op")
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, p.GetErrorStats()["a:op"].InFlight)
}
