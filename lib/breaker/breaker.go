// BiometricFlow-ZK
// Copyright (C) 2025 BiometricFlow-ZK contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package breaker implements a per-target circuit breaker. After a run of
// consecutive failures the breaker opens and rejects calls without
// issuing them; after the open interval one probe is let through. A
// failed probe reopens the breaker with a doubled interval, up to a
// ceiling.
package breaker

import (
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	biometricflow "github.com/OsamaM0/BiometricFlow-ZK-sub000"
	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/defaults"
)

// State is the breaker state.
type State int

const (
	// StateClosed passes calls through and counts failures.
	StateClosed State = iota
	// StateOpen rejects calls immediately.
	StateOpen
	// StateHalfOpen lets exactly one probe through.
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var executions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: biometricflow.MetricNamespace,
	Subsystem: "breaker",
	Name:      "executions_total",
	Help:      "Calls through the breaker by target, state and success.",
}, []string{"target", "state", "success"})

var registerOnce sync.Once

func ensureRegistered() {
	registerOnce.Do(func() {
		prometheus.MustRegister(executions)
	})
}

// ErrStateOpen is returned when the breaker rejects a call without
// issuing it.
var ErrStateOpen = &trace.ConnectionProblemError{Message: "breaker is open, refusing call"}

// Config holds the breaker parameters.
type Config struct {
	// Name identifies the target in metrics and logs.
	Name string
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker.
	FailureThreshold int
	// OpenInterval is how long the breaker stays open before letting a
	// probe through. Doubles on repeated trips from half-open.
	OpenInterval time.Duration
	// OpenIntervalMax caps the doubling interval.
	OpenIntervalMax time.Duration
	// Clock is used to time the open interval, real time if unset.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("missing breaker name")
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaults.BreakerFailureThreshold
	}
	if c.OpenInterval == 0 {
		c.OpenInterval = defaults.BreakerOpenInterval
	}
	if c.OpenIntervalMax == 0 {
		c.OpenIntervalMax = defaults.BreakerOpenIntervalMax
	}
	if c.FailureThreshold < 0 || c.OpenInterval < 0 || c.OpenIntervalMax < c.OpenInterval {
		return trace.BadParameter("invalid breaker parameters")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// CircuitBreaker tracks the health of one downstream target.
type CircuitBreaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	interval time.Duration
	probing  bool
}

// New returns a closed CircuitBreaker.
func New(cfg Config) (*CircuitBreaker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureRegistered()
	return &CircuitBreaker{cfg: cfg, interval: cfg.OpenInterval}, nil
}

// State returns the current state, accounting for open interval expiry.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !cb.cfg.Clock.Now().Before(cb.openedAt.Add(cb.interval)) {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn if the breaker allows it. When the breaker is open, or
// half-open with a probe already in flight, ErrStateOpen is returned
// without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	state, err := cb.acquire()
	if err != nil {
		executions.WithLabelValues(cb.cfg.Name, state.String(), "false").Inc()
		return trace.Wrap(err)
	}

	execErr := fn()
	cb.record(state, execErr)
	executions.WithLabelValues(cb.cfg.Name, state.String(), strconv.FormatBool(execErr == nil)).Inc()
	return execErr
}

// acquire decides whether a call may proceed and returns the state it
// runs under.
func (cb *CircuitBreaker) acquire() (State, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return StateClosed, nil
	case StateOpen:
		if cb.cfg.Clock.Now().Before(cb.openedAt.Add(cb.interval)) {
			return StateOpen, ErrStateOpen
		}
		cb.state = StateHalfOpen
		cb.probing = true
		return StateHalfOpen, nil
	case StateHalfOpen:
		if cb.probing {
			return StateHalfOpen, ErrStateOpen
		}
		cb.probing = true
		return StateHalfOpen, nil
	}
	return cb.state, trace.BadParameter("breaker in unknown state")
}

// record applies the outcome of a call that ran under state.
func (cb *CircuitBreaker) record(state State, execErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch state {
	case StateClosed:
		if execErr == nil {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.trip(cb.cfg.OpenInterval)
		}
	case StateHalfOpen:
		cb.probing = false
		if execErr == nil {
			cb.state = StateClosed
			cb.failures = 0
			cb.interval = cb.cfg.OpenInterval
			return
		}
		cb.trip(min(cb.interval*2, cb.cfg.OpenIntervalMax))
	}
}

// trip opens the breaker for the given interval. Called with the lock
// held.
func (cb *CircuitBreaker) trip(interval time.Duration) {
	cb.state = StateOpen
	cb.interval = interval
	cb.openedAt = cb.cfg.Clock.Now()
	cb.failures = 0
}
