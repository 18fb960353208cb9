package safety

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"arb-executor/internal/alert"
	"arb-executor/internal/core"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type Action string

const (
	ActionPlace     Action = "place_order"
	ActionCancel    Action = "cancel_order"
	ActionReconnect Action = "reconnect"
)

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	defaultCooldown          = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

type BreakerOptions struct {
	Enabled              bool
	MaxPlaceFailures     int
	MaxCancelFailures    int
	MaxReconnectFailures int
	// Cooldown is how long an open circuit rejects calls before letting a
	// probe through.
	Cooldown          time.Duration
	HalfOpenSuccesses int
	Now               func() time.Time
}

type circuit struct {
	maxFailures int
	failures    int
	state       circuitState
	openedAt    time.Time
	openErr     error
	probeOK     int
}

// Breaker tracks consecutive failures per action on one venue. An open
// circuit fails fast until its cooldown passes, then admits probes; enough
// successful probes close it again, one failed probe reopens it.
type Breaker struct {
	name     string
	enabled  bool
	cooldown time.Duration
	probes   int
	now      func() time.Time

	mu       sync.Mutex
	circuits map[Action]*circuit
	alerter  alert.Alerter
}

func NewBreaker(name string, opts BreakerOptions) *Breaker {
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.HalfOpenSuccesses < 1 {
		opts.HalfOpenSuccesses = defaultHalfOpenSuccesses
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Breaker{
		name:     name,
		enabled:  opts.Enabled,
		cooldown: opts.Cooldown,
		probes:   opts.HalfOpenSuccesses,
		now:      opts.Now,
		circuits: map[Action]*circuit{
			ActionPlace:     {maxFailures: opts.MaxPlaceFailures, state: circuitClosed},
			ActionCancel:    {maxFailures: opts.MaxCancelFailures, state: circuitClosed},
			ActionReconnect: {maxFailures: opts.MaxReconnectFailures, state: circuitClosed},
		},
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

// Allow reports whether a call for action may go out now. After the cooldown
// the circuit turns half-open and calls are admitted as probes.
func (b *Breaker) Allow(action Action) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	c := b.circuits[action]
	if c == nil || c.maxFailures < 1 || c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(c.openedAt) < b.cooldown {
		err := c.openErr
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.probeOK = 0
	alerter := b.alerter
	b.mu.Unlock()
	b.emit(alerter, "INFO", "circuit_breaker_half_open", map[string]string{
		"action":       string(action),
		"cooldown_sec": strconv.FormatInt(int64(b.cooldown/time.Second), 10),
	})
	return nil
}

// Record feeds the outcome of a call. It returns a non-nil error when the
// failure tripped (or hit) an open circuit.
func (b *Breaker) Record(action Action, err error) error {
	if b == nil || !b.enabled {
		return nil
	}
	if err != nil && !countsAsFailure(err) {
		err = nil
	}
	b.mu.Lock()
	c := b.circuits[action]
	if c == nil || c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}
	alerter := b.alerter

	if err == nil {
		prevFailures, prevState := c.failures, c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.probeOK++
			if c.probeOK >= b.probes {
				recovered = true
				*c = circuit{maxFailures: c.maxFailures, state: circuitClosed}
			}
		case circuitClosed:
			recovered = c.failures > 0
			c.failures = 0
		}
		b.mu.Unlock()
		if recovered {
			b.emit(alerter, "INFO", "circuit_breaker_recovered", map[string]string{
				"action":                        string(action),
				"previous_consecutive_failures": strconv.Itoa(prevFailures),
				"from_state":                    string(prevState),
			})
		}
		return nil
	}

	switch c.state {
	case circuitOpen:
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.tripLocked(action, c, err, "half_open_probe_failed")
		b.mu.Unlock()
		b.emit(alerter, "ERROR", "circuit_breaker_trip", map[string]string{
			"action":     string(action),
			"phase":      string(circuitHalfOpen),
			"last_error": err.Error(),
		})
		return openErr
	}

	c.failures++
	failures, limit := c.failures, c.maxFailures
	if failures < limit {
		b.mu.Unlock()
		if failures == limit-1 && action != ActionReconnect {
			b.emit(alerter, "WARN", "circuit_breaker_near_trip", map[string]string{
				"action":               string(action),
				"consecutive_failures": strconv.Itoa(failures),
				"threshold":            strconv.Itoa(limit),
				"last_error":           err.Error(),
			})
		}
		return nil
	}
	openErr := b.tripLocked(action, c, err, "consecutive_failures")
	b.mu.Unlock()
	b.emit(alerter, "ERROR", "circuit_breaker_trip", map[string]string{
		"action":               string(action),
		"consecutive_failures": strconv.Itoa(failures),
		"threshold":            strconv.Itoa(limit),
		"last_error":           err.Error(),
	})
	return openErr
}

func (b *Breaker) AllowReconnect() error { return b.Allow(ActionReconnect) }

func (b *Breaker) RecordReconnect(err error) error { return b.Record(ActionReconnect, err) }

// CooldownRemaining is zero unless action's circuit is open and cooling down.
func (b *Breaker) CooldownRemaining(action Action) time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuits[action]
	if c == nil || c.state != circuitOpen {
		return 0
	}
	if left := b.cooldown - b.now().Sub(c.openedAt); left > 0 {
		return left
	}
	return 0
}

func (b *Breaker) tripLocked(action Action, c *circuit, err error, reason string) error {
	c.state = circuitOpen
	c.openedAt = b.now()
	c.probeOK = 0
	c.openErr = fmt.Errorf("%w: %s on %s failed %d consecutive times, reason=%s, cooldown=%s, last error: %v",
		ErrCircuitOpen, action, b.name, c.failures, reason, b.cooldown, err)
	return c.openErr
}

func (b *Breaker) emit(alerter alert.Alerter, level, event string, fields map[string]string) {
	log.Printf("level=%s event=%s exchange=%q action=%q last_error=%q", level, event, b.name, fields["action"], fields["last_error"])
	if alerter == nil {
		return
	}
	fields["exchange"] = b.name
	alerter.Important(event, fields)
}

// countsAsFailure filters out outcomes that say nothing about venue health.
func countsAsFailure(err error) bool {
	switch {
	case errors.Is(err, core.ErrOrderNotFound),
		errors.Is(err, core.ErrDuplicateOrder),
		errors.Is(err, core.ErrInsufficientBalance),
		core.IsStructural(err):
		return false
	}
	return true
}
