// Package breaker implements a per-service circuit breaker. State lives in
// process memory; each worker process fails fast independently.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// OpenError is returned without calling the wrapped function while the
// breaker is open, or while a half-open probe is already in flight.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open; retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// IsOpen reports whether err is, or wraps, an OpenError.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// DefaultConfig mirrors the default breakers section of steward.yml.
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, ResetTimeout: 30 * time.Second}
}

// StateChangeFunc is called synchronously, outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) { b.logger = logger }
}

func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	onChange StateChangeFunc

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailureTime     time.Time
	probing             bool
	probeGen            uint64
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker is open. A cancelled context is neither
// a success nor a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	p, err := b.Acquire()
	if err != nil {
		return err
	}
	return p.Run(ctx, fn)
}

// Do is Execute for functions that return a value.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	p, err := b.Acquire()
	if err != nil {
		var zero T
		return zero, err
	}
	return RunValue(ctx, p, fn)
}

// ErrPermitUsed is returned by Run on a permit that already ran or was
// released.
var ErrPermitUsed = errors.New("breaker permit already used")

// Permit admits one call through the breaker. While half-open the permit
// holds the single probe slot until it is run or released.
type Permit struct {
	b     *Breaker
	probe bool
	gen   uint64
	used  atomic.Bool
}

// Acquire admits one call, or returns *OpenError when the breaker refuses.
// The caller must Run or Release the permit.
func (b *Breaker) Acquire() (*Permit, error) {
	probe, gen, err := b.before()
	if err != nil {
		return nil, err
	}
	return &Permit{b: b, probe: probe, gen: gen}, nil
}

// Probe reports whether the permit holds the half-open probe slot.
func (p *Permit) Probe() bool { return p.probe }

// Run calls fn once and records its outcome. A panic in fn counts as a
// failure and is re-raised.
func (p *Permit) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if !p.used.CompareAndSwap(false, true) {
		return ErrPermitUsed
	}
	defer func() {
		if r := recover(); r != nil {
			p.b.after(fmt.Errorf("breaker %s: panic: %v", p.b.name, r), p.probe, p.gen)
			panic(r)
		}
		p.b.after(err, p.probe, p.gen)
	}()
	return fn(ctx)
}

// RunValue is Run for functions that return a value.
func RunValue[T any](ctx context.Context, p *Permit, fn func(ctx context.Context) (T, error)) (T, error) {
	var res T
	err := p.Run(ctx, func(ctx context.Context) error {
		var err error
		res, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res, nil
}

// Release gives back an unused permit without recording an outcome. It is a
// no-op once the permit ran.
func (p *Permit) Release() {
	if !p.used.CompareAndSwap(false, true) || !p.probe {
		return
	}
	p.b.mu.Lock()
	if p.b.probeGen == p.gen {
		p.b.probing = false
	}
	p.b.mu.Unlock()
}

func (b *Breaker) before() (bool, uint64, error) {
	b.mu.Lock()
	changed := b.refreshLocked()
	var (
		probe bool
		err   error
	)
	switch b.state {
	case StateClosed:
	case StateHalfOpen:
		if b.probing {
			err = &OpenError{Name: b.name}
		} else {
			b.probing = true
			b.probeGen++
			probe = true
		}
	case StateOpen:
		err = &OpenError{Name: b.name, RetryAfter: b.cfg.ResetTimeout - b.now().Sub(b.lastFailureTime)}
	}
	gen := b.probeGen
	b.mu.Unlock()
	b.notify(changed)
	return probe, gen, err
}

func (b *Breaker) after(err error, probe bool, gen uint64) {
	b.mu.Lock()
	if probe && b.probeGen == gen {
		b.probing = false
	}
	var changed []transition
	switch {
	case err != nil && errors.Is(err, context.Canceled):
	case err == nil:
		b.consecutiveFailures = 0
		if b.state != StateClosed {
			changed = append(changed, b.setLocked(StateClosed))
		}
	default:
		b.consecutiveFailures++
		b.lastFailureTime = b.now()
		if b.state == StateHalfOpen || (b.state == StateClosed && b.consecutiveFailures >= b.cfg.FailureThreshold) {
			changed = append(changed, b.setLocked(StateOpen))
		}
	}
	b.mu.Unlock()
	b.notify(changed)
}

type transition struct{ from, to State }

// refreshLocked moves open to half-open once the reset timeout has elapsed.
func (b *Breaker) refreshLocked() []transition {
	if b.state == StateOpen && b.now().Sub(b.lastFailureTime) >= b.cfg.ResetTimeout {
		b.probing = false
		return []transition{b.setLocked(StateHalfOpen)}
	}
	return nil
}

func (b *Breaker) setLocked(to State) transition {
	from := b.state
	b.state = to
	return transition{from: from, to: to}
}

func (b *Breaker) notify(changes []transition) {
	for _, c := range changes {
		switch c.to {
		case StateOpen:
			b.logger.Warn("circuit breaker opened", "breaker", b.name, "from", string(c.from))
		case StateClosed:
			b.logger.Info("circuit breaker closed", "breaker", b.name)
		default:
			b.logger.Info("circuit breaker half-open", "breaker", b.name)
		}
		if b.onChange != nil {
			b.onChange(b.name, c.from, c.to)
		}
	}
}

// State returns the current state, applying a due open to half-open
// transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	changed := b.refreshLocked()
	s := b.state
	b.mu.Unlock()
	b.notify(changed)
	return s
}

type Snapshot struct {
	Name                string        `json:"name"`
	State               State         `json:"state" enum:"closed,open,half-open"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailureTime     *time.Time    `json:"last_failure_time,omitempty"`
	RetryAfter          time.Duration `json:"retry_after_ns,omitempty"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	changed := b.refreshLocked()
	snap := Snapshot{Name: b.name, State: b.state, ConsecutiveFailures: b.consecutiveFailures}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		snap.LastFailureTime = &t
	}
	if b.state == StateOpen {
		snap.RetryAfter = b.cfg.ResetTimeout - b.now().Sub(b.lastFailureTime)
	}
	b.mu.Unlock()
	b.notify(changed)
	return snap
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.probing = false
	var changed []transition
	if b.state != StateClosed {
		changed = append(changed, b.setLocked(StateClosed))
	}
	b.mu.Unlock()
	b.notify(changed)
}
