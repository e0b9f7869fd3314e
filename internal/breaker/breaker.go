// Package breaker implements a circuit breaker for calls to fallible
// dependencies (the policy store, the classifier, the upstream AI backend,
// the edge enforcement point).
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/org/agentwall/internal/errs"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config tunes one breaker.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`           // open -> half-open cooldown
	MonitoringPeriod time.Duration `yaml:"monitoring_period"` // no success for longer than this restarts the count at 1
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MonitoringPeriod: time.Minute,
		HalfOpenMaxCalls: 1,
		CallTimeout:      5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = d.MonitoringPeriod
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// OpenError is returned without calling the operation while the breaker is
// open, or while half-open with every probe slot taken.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is open", e.Name)
}

// Is makes errors.Is(err, errs.ErrCircuitOpen) hold.
func (e *OpenError) Is(target error) bool {
	return target == errs.ErrCircuitOpen
}

// Breaker guards one named dependency. All state transitions happen under mu.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu          sync.Mutex
	state       State
	generation  uint64
	failures    int
	successes   int
	lastFailure time.Time
	lastSuccess time.Time
	inFlight    int
	created     time.Time
	onChange    func(name string, to State)
}

// New returns a closed breaker.
func New(name string, cfg Config) *Breaker {
	return newBreaker(name, cfg, time.Now, nil)
}

func newBreaker(name string, cfg Config, now func() time.Time, onChange func(string, State)) *Breaker {
	return &Breaker{
		name:     name,
		cfg:      cfg.withDefaults(),
		now:      now,
		created:  now(),
		onChange: onChange,
	}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, promoting open to half-open once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.lastFailure) >= b.cfg.Timeout {
		return HalfOpen
	}
	return b.state
}

// Execute runs fn unless the breaker rejects the call. fn receives a context
// bounded by CallTimeout. A call cancelled by the caller's context is neither
// a success nor a failure; a deadline is a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, err := b.admit()
	if err != nil {
		return err
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err = fn(callCtx)
	switch {
	case err == nil:
		b.record(gen, true, false)
	case errors.Is(ctx.Err(), context.Canceled):
		b.record(gen, false, true)
	default:
		b.record(gen, false, false)
	}
	return err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if b.state == Open {
		wait := b.cfg.Timeout - now.Sub(b.lastFailure)
		if wait > 0 {
			return 0, &OpenError{Name: b.name, RetryAfter: wait}
		}
		b.transition(HalfOpen)
	}
	if b.state == HalfOpen {
		if b.inFlight >= b.cfg.HalfOpenMaxCalls {
			return 0, &OpenError{Name: b.name, RetryAfter: b.cfg.Timeout}
		}
		b.inFlight++
	}
	return b.generation, nil
}

func (b *Breaker) record(gen uint64, success, neutral bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if gen != b.generation {
		// The breaker moved on while this call was in flight; its outcome
		// belongs to a state that no longer exists.
		if success {
			b.lastSuccess = now
		} else if !neutral {
			b.lastFailure = now
		}
		return
	}
	if b.state == HalfOpen {
		b.inFlight--
	}
	if neutral {
		return
	}
	if success {
		b.lastSuccess = now
		switch b.state {
		case Closed:
			b.failures = 0
		case HalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.transition(Closed)
			}
		}
		return
	}

	b.lastFailure = now
	switch b.state {
	case HalfOpen:
		b.transition(Open)
	case Closed:
		if b.failures == 0 || now.Sub(b.lastSuccessOrCreated()) > b.cfg.MonitoringPeriod {
			b.failures = 1
		} else {
			b.failures++
		}
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(Open)
		}
	}
}

// lastSuccessOrCreated anchors stale-failure decay. Must be called with mu
// held.
func (b *Breaker) lastSuccessOrCreated() time.Time {
	if b.lastSuccess.IsZero() {
		return b.created
	}
	return b.lastSuccess
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.state = to
	b.generation++
	b.inFlight = 0
	b.successes = 0
	if to == Closed {
		b.failures = 0
	}
	if b.onChange != nil {
		b.onChange(b.name, to)
	}
}

// Stats is the health view of a breaker.
type Stats struct {
	Name          string     `json:"name"`
	State         string     `json:"state"`
	Failures      int        `json:"failures"`
	Successes     int        `json:"successes"`
	LastFailure   *time.Time `json:"lastFailureTime,omitempty"`
	LastSuccess   *time.Time `json:"lastSuccessTime,omitempty"`
	UptimeSeconds float64    `json:"uptimeSeconds"`
}

// Stats snapshots the breaker.
func (b *Breaker) Stats() Stats {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Name:          b.name,
		State:         state.String(),
		Failures:      b.failures,
		Successes:     b.successes,
		UptimeSeconds: b.now().Sub(b.created).Seconds(),
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailure = &t
	}
	if !b.lastSuccess.IsZero() {
		t := b.lastSuccess
		s.LastSuccess = &t
	}
	return s
}
