// Package breaker gates admission of new work. It watches the recent
// outcomes of scan/start attempts and stops admissions when too many of
// them fail, probing with a single attempt once a cooldown has elapsed.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is the breaker mode.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Default settings.
const (
	defaultWindowSize       = 20
	defaultMinSamples       = 5
	defaultFailureThreshold = 0.5
	defaultCooldown         = 30 * time.Second
	defaultMaxCooldown      = 10 * time.Minute
)

// OpenError is returned by Allow while admissions are rejected.
type OpenError struct {
	State       State
	FailureRate float64
	RetryIn     time.Duration
}

func (e *OpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit half-open: trial in flight (failure rate %.0f%%)", e.FailureRate*100)
	}
	return fmt.Sprintf("circuit open: failure rate %.0f%%, next trial in %s", e.FailureRate*100, e.RetryIn.Round(time.Second))
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithWindowSize sets how many recent outcomes are remembered.
func WithWindowSize(n int) Option {
	return func(b *Breaker) { b.windowSize = n }
}

// WithMinSamples sets how many outcomes must be recorded before the
// breaker may trip.
func WithMinSamples(n int) Option {
	return func(b *Breaker) { b.minSamples = n }
}

// WithFailureThreshold sets the failure rate above which the breaker trips.
func WithFailureThreshold(rate float64) Option {
	return func(b *Breaker) { b.threshold = rate }
}

// WithCooldown sets the initial and maximum open durations. The cooldown
// doubles after every failed trial, up to max.
func WithCooldown(initial, max time.Duration) Option {
	return func(b *Breaker) {
		b.baseCooldown = initial
		b.maxCooldown = max
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithOnStateChange registers a callback fired after every transition.
// It runs with the breaker unlocked.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker is a rolling-window circuit breaker. It is safe for concurrent use.
type Breaker struct {
	mu           sync.Mutex
	windowSize   int
	minSamples   int
	threshold    float64
	baseCooldown time.Duration
	maxCooldown  time.Duration
	now          func() time.Time
	onChange     func(from, to State)

	state         State
	outcomes      []bool // ring buffer, true = failure
	next          int
	filled        int
	failures      int
	cooldown      time.Duration
	nextTestAt    time.Time
	trialInFlight bool
}

// New creates a closed breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		windowSize:   defaultWindowSize,
		minSamples:   defaultMinSamples,
		threshold:    defaultFailureThreshold,
		baseCooldown: defaultCooldown,
		maxCooldown:  defaultMaxCooldown,
		now:          time.Now,
		state:        StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.minSamples > b.windowSize {
		b.minSamples = b.windowSize
	}
	b.outcomes = make([]bool, b.windowSize)
	b.cooldown = b.baseCooldown
	return b
}

// Allow asks for permission to attempt work. While closed it always
// succeeds. While open it fails until the cooldown elapses; then exactly
// one caller is granted the half-open trial and everyone else is rejected
// until that trial reports back through Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.state
	b.refreshLocked()
	var err error
	switch b.state {
	case StateOpen:
		err = &OpenError{State: StateOpen, FailureRate: b.rateLocked(), RetryIn: b.nextTestAt.Sub(b.now())}
	case StateHalfOpen:
		if b.trialInFlight {
			err = &OpenError{State: StateHalfOpen, FailureRate: b.rateLocked()}
		} else {
			b.trialInFlight = true
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return err
}

// Success records a successful attempt.
func (b *Breaker) Success() {
	b.record(false)
}

// Failure records a failed attempt.
func (b *Breaker) Failure() {
	b.record(true)
}

func (b *Breaker) record(failed bool) {
	b.mu.Lock()
	from := b.state
	b.refreshLocked()
	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		if failed {
			b.cooldown = min(b.cooldown*2, b.maxCooldown)
			b.openLocked()
		} else {
			b.closeLocked()
		}
	case StateClosed:
		b.pushLocked(failed)
		if b.filled >= b.minSamples && b.rateLocked() > b.threshold {
			b.openLocked()
		}
	case StateOpen:
		// Late outcomes from attempts started before the trip are ignored.
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// State returns the current mode, moving open to half-open if the cooldown
// has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	from := b.state
	b.refreshLocked()
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return to
}

// Snapshot is a point-in-time view for logs and ops endpoints.
type Snapshot struct {
	State       State         `json:"state"`
	FailureRate float64       `json:"failure_rate"`
	Samples     int           `json:"samples"`
	NextTestAt  time.Time     `json:"next_test_at,omitempty"`
	Cooldown    time.Duration `json:"cooldown"`
}

// Snapshot returns the current view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	s := Snapshot{
		State:       b.state,
		FailureRate: b.rateLocked(),
		Samples:     b.filled,
		Cooldown:    b.cooldown,
	}
	if b.state != StateClosed {
		s.NextTestAt = b.nextTestAt
	}
	return s
}

func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && !b.now().Before(b.nextTestAt) {
		b.state = StateHalfOpen
		b.trialInFlight = false
	}
}

func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.nextTestAt = b.now().Add(b.cooldown)
}

func (b *Breaker) closeLocked() {
	b.state = StateClosed
	b.cooldown = b.baseCooldown
	b.nextTestAt = time.Time{}
	for i := range b.outcomes {
		b.outcomes[i] = false
	}
	b.next, b.filled, b.failures = 0, 0, 0
}

func (b *Breaker) pushLocked(failed bool) {
	if b.filled == b.windowSize {
		if b.outcomes[b.next] {
			b.failures--
		}
	} else {
		b.filled++
	}
	b.outcomes[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % b.windowSize
}

func (b *Breaker) rateLocked() float64 {
	if b.filled == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.filled)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
