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

// Package limiter implements per-IP request rate limiting with escalating
// blocks. Each IP gets a token bucket of capacity Count refilled at
// Count/Window, so no sliding span of Window seconds admits a burst and a
// full fresh window back to back. Exceeding the bucket blocks the IP;
// re-exceeding shortly after a block doubles the next block up to a
// ceiling.
package limiter

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/OsamaM0/BiometricFlow-ZK-sub000/lib/defaults"
)

// gcEvery bounds how often the visitor table is swept.
const gcEvery = time.Minute

// Config holds the limiter parameters.
type Config struct {
	// Window is the width of the counting window.
	Window time.Duration
	// Count is the number of requests allowed per window.
	Count int
	// Block is the initial block duration after exceeding Count.
	Block time.Duration
	// BlockMax caps the escalating block duration.
	BlockMax time.Duration
	// Clock is used to time windows and blocks, real time if unset.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Window == 0 {
		c.Window = defaults.RateLimitWindow
	}
	if c.Count == 0 {
		c.Count = defaults.RateLimitCount
	}
	if c.Block == 0 {
		c.Block = defaults.RateLimitBlock
	}
	if c.BlockMax == 0 {
		c.BlockMax = defaults.RateLimitBlockMax
	}
	if c.Window < 0 || c.Count < 0 || c.Block < 0 || c.BlockMax < c.Block {
		return trace.BadParameter("invalid rate limit parameters")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// visitor is the per-IP state: the token bucket plus the block machine.
type visitor struct {
	limiter      *rate.Limiter
	lastSeen     time.Time
	blockedUntil time.Time
	// lastBlock is the duration of the most recent block, used to double
	// the next one when the IP re-exceeds soon after the block lifts.
	lastBlock time.Duration
	// blockLifted is when the most recent block expired.
	blockLifted time.Time
}

// Limiter tracks request rates per caller IP.
type Limiter struct {
	cfg Config

	mu       sync.Mutex
	visitors map[string]*visitor
	lastGC   time.Time
}

// New returns a Limiter for the given config.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{
		cfg:      cfg,
		visitors: make(map[string]*visitor),
		lastGC:   cfg.Clock.Now(),
	}, nil
}

func (l *Limiter) newBucket() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(l.cfg.Count)/l.cfg.Window.Seconds()), l.cfg.Count)
}

// Allow registers one request from ip. It returns a LimitExceeded error
// and the remaining block time when the request must be rejected. Blocked
// IPs are rejected without consuming tokens.
func (l *Limiter) Allow(ip string) (retryAfter time.Duration, err error) {
	now := l.cfg.Clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeCollect(now)

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: l.newBucket()}
		l.visitors[ip] = v
	}
	v.lastSeen = now

	if v.blockedUntil.After(now) {
		return v.blockedUntil.Sub(now), trace.LimitExceeded("rate limit exceeded for %v", ip)
	}
	if !v.blockedUntil.IsZero() {
		// The block just lifted: the IP starts over with a full bucket.
		v.blockLifted = v.blockedUntil
		v.blockedUntil = time.Time{}
		v.limiter = l.newBucket()
	}

	if v.limiter.AllowN(now, 1) {
		return 0, nil
	}

	block := l.cfg.Block
	if v.lastBlock > 0 && !v.blockLifted.IsZero() && now.Sub(v.blockLifted) < l.cfg.Window {
		block = min(v.lastBlock*2, l.cfg.BlockMax)
	}
	v.lastBlock = block
	v.blockedUntil = now.Add(block)
	return block, trace.LimitExceeded("rate limit exceeded for %v", ip)
}

// Blocked reports whether ip is currently blocked.
func (l *Limiter) Blocked(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[ip]
	return ok && v.blockedUntil.After(l.cfg.Clock.Now())
}

// maybeCollect drops visitors that are idle for a full window, not
// blocked, and past the escalation memory. Called with the lock held.
func (l *Limiter) maybeCollect(now time.Time) {
	if now.Sub(l.lastGC) < gcEvery {
		return
	}
	l.lastGC = now
	for ip, v := range l.visitors {
		if v.blockedUntil.After(now) {
			continue
		}
		if now.Sub(v.lastSeen) >= l.cfg.Window && (v.blockLifted.IsZero() || now.Sub(v.blockLifted) >= l.cfg.Window) {
			delete(l.visitors, ip)
		}
	}
}
