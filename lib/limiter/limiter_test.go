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

package limiter

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, clock clockwork.Clock) *Limiter {
	t.Helper()
	l, err := New(Config{
		Window:   time.Minute,
		Count:    3,
		Block:    2 * time.Minute,
		BlockMax: time.Hour,
		Clock:    clock,
	})
	require.NoError(t, err)
	return l
}

func TestLimiterBlocksOnExceed(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	l := newTestLimiter(t, clock)

	for i := 0; i < 3; i++ {
		_, err := l.Allow("10.0.0.1")
		require.NoError(t, err, "request %v should pass", i+1)
	}

	retryAfter, err := l.Allow("10.0.0.1")
	require.True(t, trace.IsLimitExceeded(err))
	require.Equal(t, 2*time.Minute, retryAfter)
	require.True(t, l.Blocked("10.0.0.1"))

	// Requests during the block are rejected without being counted.
	clock.Advance(time.Minute)
	_, err = l.Allow("10.0.0.1")
	require.True(t, trace.IsLimitExceeded(err))

	// Other IPs are unaffected.
	_, err = l.Allow("10.0.0.2")
	require.NoError(t, err)

	// After the block lifts the IP starts a fresh window.
	clock.Advance(70 * time.Second)
	_, err = l.Allow("10.0.0.1")
	require.NoError(t, err)
	require.False(t, l.Blocked("10.0.0.1"))
}

func TestLimiterEscalatingBlock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	l := newTestLimiter(t, clock)

	exceed := func() time.Duration {
		t.Helper()
		var last time.Duration
		for {
			retryAfter, err := l.Allow("10.0.0.9")
			if err != nil {
				last = retryAfter
				break
			}
		}
		return last
	}

	require.Equal(t, 2*time.Minute, exceed())
	clock.Advance(2*time.Minute + time.Second)

	// Re-exceeding right after the block lifts doubles the next block.
	require.Equal(t, 4*time.Minute, exceed())
	clock.Advance(4*time.Minute + time.Second)
	require.Equal(t, 8*time.Minute, exceed())

	// Waiting out a full window after the block resets the escalation.
	clock.Advance(8*time.Minute + 2*time.Minute)
	require.Equal(t, 2*time.Minute, exceed())
}

func TestLimiterRefillsAfterWindow(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	l := newTestLimiter(t, clock)

	for i := 0; i < 3; i++ {
		_, err := l.Allow("10.0.0.5")
		require.NoError(t, err)
	}
	// A full window later the bucket is full again.
	clock.Advance(61 * time.Second)
	for i := 0; i < 3; i++ {
		_, err := l.Allow("10.0.0.5")
		require.NoError(t, err)
	}
	_, err := l.Allow("10.0.0.5")
	require.Error(t, err)
}

func TestLimiterSlidingSpanCapped(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	l := newTestLimiter(t, clock)

	// Straddling a window boundary must not admit a fresh full burst:
	// one request, then two just before the window's width elapses,
	// then more just after. Capacity 3 leaves roughly one token at the
	// boundary, not three.
	_, err := l.Allow("10.0.0.3")
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	for i := 0; i < 2; i++ {
		_, err := l.Allow("10.0.0.3")
		require.NoError(t, err)
	}

	clock.Advance(2 * time.Second)
	_, err = l.Allow("10.0.0.3")
	require.NoError(t, err)
	retryAfter, err := l.Allow("10.0.0.3")
	require.True(t, trace.IsLimitExceeded(err))
	require.Equal(t, 2*time.Minute, retryAfter)
}

func TestLimiterGC(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	l := newTestLimiter(t, clock)

	_, err := l.Allow("10.0.0.7")
	require.NoError(t, err)
	require.Len(t, l.visitors, 1)

	// Idle, unblocked entries are collected on a later request.
	clock.Advance(2 * gcEvery)
	_, err = l.Allow("10.0.0.8")
	require.NoError(t, err)
	_, ok := l.visitors["10.0.0.7"]
	require.False(t, ok)
}
