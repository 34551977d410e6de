package policy

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/toolmesh/logging"
)

const (
	// DefaultTimeout applies when neither the adapter nor the operation has one.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRetries applies when the adapter has no retry entry.
	DefaultMaxRetries = 2

	// BaseBackoff is the delay before the first retry, before jitter.
	BaseBackoff = time.Second
	// MaxBackoff caps the exponential component of the backoff.
	MaxBackoff = 45 * time.Second
	// JitterFactor scales the symmetric random jitter (±JitterFactor/2).
	JitterFactor = 0.25

	// ThrottleThreshold is the in-flight count above which a throttle window opens.
	ThrottleThreshold = 3
	// ThrottleStep is the extra delay per in-flight request while throttled.
	ThrottleStep = 100 * time.Millisecond
	// MaxThrottleDelay caps the throttle delay.
	MaxThrottleDelay = 2 * time.Second
	// ThrottleWindow is how long a throttle delay stays active.
	ThrottleWindow = 10 * time.Second

	// ErrorThreshold is the number of errors after which a timeout is widened.
	ErrorThreshold = 3
	// WideningFactor multiplies the timeout on each widening.
	WideningFactor = 1.5
	// MaxAdaptiveTimeout caps adaptive widening.
	MaxAdaptiveTimeout = 120 * time.Second
)

// Options configures a TimeoutPolicy.
type Options struct {
	DefaultTimeout time.Duration
	DefaultRetries int
	// Timeouts is keyed by "adapter" or "adapter.operation".
	Timeouts map[string]time.Duration
	// Retries is keyed by adapter name.
	Retries map[string]int
	Logger  logging.Logger
	// Rand returns a float in [0,1); defaults to math/rand/v2.
	Rand func() float64
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// keyState is the per "adapter:operation" bookkeeping. Each key has its own
// lock so unrelated operations never contend.
type keyState struct {
	mu             sync.Mutex
	errorCount     int
	totalErrors    int
	lastError      string
	lastErrorAt    time.Time
	inFlight       int
	throttleDelay  time.Duration
	throttledUntil time.Time
}

// TimeoutPolicy answers timeout, retry and backoff questions for adapter
// operations and adapts them to observed load and failures. It is safe for
// concurrent use; state is process local and never persisted.
type TimeoutPolicy struct {
	defaultTimeout time.Duration
	defaultRetries int

	cfgMu    sync.RWMutex
	timeouts map[string]time.Duration
	retries  map[string]int

	states sync.Map // string -> *keyState

	rand   func() float64
	now    func() time.Time
	logger logging.Logger
}

// New creates a TimeoutPolicy with optional overrides.
func New(optFns ...func(o *Options)) *TimeoutPolicy {
	opts := Options{
		DefaultTimeout: DefaultTimeout,
		DefaultRetries: DefaultMaxRetries,
		Logger:         logging.NoOpLogger{},
		Rand:           rand.Float64,
		Now:            time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.DefaultRetries < 0 {
		opts.DefaultRetries = DefaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &TimeoutPolicy{
		defaultTimeout: opts.DefaultTimeout,
		defaultRetries: opts.DefaultRetries,
		timeouts:       make(map[string]time.Duration, len(opts.Timeouts)),
		retries:        make(map[string]int, len(opts.Retries)),
		rand:           opts.Rand,
		now:            opts.Now,
		logger:         opts.Logger,
	}
	for k, v := range opts.Timeouts {
		p.timeouts[k] = v
	}
	for k, v := range opts.Retries {
		p.retries[k] = v
	}

	return p
}

// TimeoutKey returns the configuration key for an adapter operation.
func TimeoutKey(adapter, operation string) string {
	if operation == "" {
		return adapter
	}
	return adapter + "." + operation
}

func stateKey(adapter, operation string) string { return adapter + ":" + operation }

func (p *TimeoutPolicy) state(adapter, operation string) *keyState {
	key := stateKey(adapter, operation)
	if st, ok := p.states.Load(key); ok {
		return st.(*keyState)
	}
	st, _ := p.states.LoadOrStore(key, &keyState{})
	return st.(*keyState)
}

// GetTimeout resolves the per-attempt base timeout. Precedence: explicit
// (when positive) > "adapter.operation" entry > "adapter" entry > default.
func (p *TimeoutPolicy) GetTimeout(adapter, operation string, explicit time.Duration) time.Duration {
	if explicit > 0 {
		return explicit
	}

	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()

	return p.configuredTimeout(adapter, operation)
}

// configuredTimeout resolves the stored timeout. Callers hold cfgMu.
func (p *TimeoutPolicy) configuredTimeout(adapter, operation string) time.Duration {
	if operation != "" {
		if d, ok := p.timeouts[TimeoutKey(adapter, operation)]; ok && d > 0 {
			return d
		}
	}
	if d, ok := p.timeouts[adapter]; ok && d > 0 {
		return d
	}
	return p.defaultTimeout
}

// GetMaxRetries resolves the retry count. Precedence: explicit (when non-nil
// and non-negative) > adapter entry > default.
func (p *TimeoutPolicy) GetMaxRetries(adapter string, explicit *int) int {
	if explicit != nil && *explicit >= 0 {
		return *explicit
	}

	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()

	if n, ok := p.retries[adapter]; ok && n >= 0 {
		return n
	}
	return p.defaultRetries
}

// CalculateBackoff returns the delay before retry number attempt+1:
// min(2^attempt * 1s, 45s) with ±12.5% jitter, plus any active throttle
// delay for the operation, floored to whole milliseconds.
func (p *TimeoutPolicy) CalculateBackoff(attempt int, adapter, operation string) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	maxMs := float64(MaxBackoff / time.Millisecond)
	expMs := maxMs
	if attempt < 16 {
		expMs = math.Min(math.Pow(2, float64(attempt))*float64(BaseBackoff/time.Millisecond), maxMs)
	}

	jitterMs := expMs * JitterFactor * (p.rand() - 0.5)
	totalMs := expMs + jitterMs + float64(p.throttleDelay(adapter, operation)/time.Millisecond)

	return time.Duration(math.Floor(totalMs)) * time.Millisecond
}

func (p *TimeoutPolicy) throttleDelay(adapter, operation string) time.Duration {
	st := p.state(adapter, operation)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.throttleDelay > 0 && p.now().Before(st.throttledUntil) {
		return st.throttleDelay
	}
	return 0
}

// TrackRequest marks a request as in flight. Once more than
// ThrottleThreshold requests are in flight a throttle window opens, adding
// min(inFlight*100ms, 2s) to backoffs for ThrottleWindow.
func (p *TimeoutPolicy) TrackRequest(adapter, operation string) {
	st := p.state(adapter, operation)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.inFlight++
	if st.inFlight > ThrottleThreshold {
		delay := time.Duration(st.inFlight) * ThrottleStep
		if delay > MaxThrottleDelay {
			delay = MaxThrottleDelay
		}
		st.throttleDelay = delay
		st.throttledUntil = p.now().Add(ThrottleWindow)
		p.logger.Debug("policy.throttle.open", "adapter", adapter, "operation", operation, "in_flight", st.inFlight, "delay", delay)
	}
}

// CompleteRequest marks a request as finished.
func (p *TimeoutPolicy) CompleteRequest(adapter, operation string) {
	st := p.state(adapter, operation)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.inFlight > 0 {
		st.inFlight--
	}
}

// RecordError counts a failure. Every ErrorThreshold failures the stored
// timeout for the operation grows by WideningFactor (capped at
// MaxAdaptiveTimeout) and the rolling count resets.
func (p *TimeoutPolicy) RecordError(adapter, operation string, err error) {
	st := p.state(adapter, operation)
	st.mu.Lock()
	st.errorCount++
	st.totalErrors++
	if err != nil {
		st.lastError = err.Error()
	}
	st.lastErrorAt = p.now()
	widen := st.errorCount >= ErrorThreshold
	if widen {
		st.errorCount = 0
	}
	st.mu.Unlock()

	if !widen {
		return
	}

	p.cfgMu.Lock()
	current := p.configuredTimeout(adapter, operation)
	if current >= MaxAdaptiveTimeout {
		p.cfgMu.Unlock()
		return
	}
	next := time.Duration(float64(current) * WideningFactor)
	if next > MaxAdaptiveTimeout {
		next = MaxAdaptiveTimeout
	}
	p.timeouts[TimeoutKey(adapter, operation)] = next
	p.cfgMu.Unlock()

	p.logger.Info("policy.timeout.widened", "adapter", adapter, "operation", operation, "from", current, "to", next)
}

// ResetErrors clears the error counters of one operation, or of every
// operation of the adapter when operation is empty.
func (p *TimeoutPolicy) ResetErrors(adapter, operation string) {
	prefix := adapter + ":"
	p.states.Range(func(k, v any) bool {
		key := k.(string)
		if operation != "" && key != stateKey(adapter, operation) {
			return true
		}
		if operation == "" && !strings.HasPrefix(key, prefix) {
			return true
		}
		st := v.(*keyState)
		st.mu.Lock()
		st.errorCount = 0
		st.totalErrors = 0
		st.lastError = ""
		st.lastErrorAt = time.Time{}
		st.mu.Unlock()
		return true
	})
}

// ErrorStat is a point in time view of one operation's state.
type ErrorStat struct {
	Adapter        string        `json:"adapter"`
	Operation      string        `json:"operation"`
	ErrorCount     int           `json:"errorCount"`
	TotalErrors    int           `json:"totalErrors"`
	LastError      string        `json:"lastError,omitempty"`
	LastErrorAt    time.Time     `json:"lastErrorAt,omitempty"`
	InFlight       int           `json:"inFlight"`
	Throttled      bool          `json:"throttled"`
	ThrottleDelay  time.Duration `json:"throttleDelay,omitempty"`
	CurrentTimeout time.Duration `json:"currentTimeout"`
}

// GetErrorStats returns stats keyed by "adapter:operation".
func (p *TimeoutPolicy) GetErrorStats() map[string]ErrorStat {
	out := map[string]ErrorStat{}
	now := p.now()
	p.states.Range(func(k, v any) bool {
		key := k.(string)
		adapter, operation, _ := strings.Cut(key, ":")
		st := v.(*keyState)
		st.mu.Lock()
		stat := ErrorStat{
			Adapter:     adapter,
			Operation:   operation,
			ErrorCount:  st.errorCount,
			TotalErrors: st.totalErrors,
			LastError:   st.lastError,
			LastErrorAt: st.lastErrorAt,
			InFlight:    st.inFlight,
			Throttled:   st.throttleDelay > 0 && now.Before(st.throttledUntil),
		}
		if stat.Throttled {
			stat.ThrottleDelay = st.throttleDelay
		}
		st.mu.Unlock()
		stat.CurrentTimeout = p.GetTimeout(adapter, operation, 0)
		out[key] = stat
		return true
	})
	return out
}

// UpdateTimeout sets the timeout for a key ("adapter" or "adapter.operation").
// A non-positive duration removes the entry.
func (p *TimeoutPolicy) UpdateTimeout(key string, d time.Duration) {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()

	if d <= 0 {
		delete(p.timeouts, key)
		return
	}
	p.timeouts[key] = d
}

// SetMaxRetries sets the retry count for an adapter. A negative count
// removes the entry.
func (p *TimeoutPolicy) SetMaxRetries(adapter string, n int) {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()

	if n < 0 {
		delete(p.retries, adapter)
		return
	}
	p.retries[adapter] = n
}

// Settings is a copy of the policy's configurable values.
type Settings struct {
	DefaultTimeout time.Duration            `json:"defaultTimeout"`
	DefaultRetries int                      `json:"defaultRetries"`
	Timeouts       map[string]time.Duration `json:"timeouts"`
	Retries        map[string]int           `json:"retries"`
}

// Snapshot returns the current settings, including widened timeouts.
func (p *TimeoutPolicy) Snapshot() Settings {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()

	s := Settings{
		DefaultTimeout: p.defaultTimeout,
		DefaultRetries: p.defaultRetries,
		Timeouts:       make(map[string]time.Duration, len(p.timeouts)),
		Retries:        make(map[string]int, len(p.retries)),
	}
	for k, v := range p.timeouts {
		s.Timeouts[k] = v
	}
	for k, v := range p.retries {
		s.Retries[k] = v
	}
	return s
}

// Apply replaces the configured timeouts and retries with s. Defaults are
// updated when positive (timeouts) or non-negative (retries).
func (p *TimeoutPolicy) Apply(s Settings) {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()

	if s.DefaultTimeout > 0 {
		p.defaultTimeout = s.DefaultTimeout
	}
	if s.DefaultRetries >= 0 {
		p.defaultRetries = s.DefaultRetries
	}
	p.timeouts = make(map[string]time.Duration, len(s.Timeouts))
	for k, v := range s.Timeouts {
		p.timeouts[k] = v
	}
	p.retries = make(map[string]int, len(s.Retries))
	for k, v := range s.Retries {
		p.retries[k] = v
	}
}
