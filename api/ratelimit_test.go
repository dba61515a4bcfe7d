package api

import (
	"net/http"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLockoutLimiter_BlocksAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	rl := newLockoutLimiter(userLockout, clock.Now)

	for i := 0; i < userLockout.maxFailures-1; i++ {
		rl.recordFailure("admin")
		blocked, _ := rl.check("admin")
		assert.False(t, blocked, "failure %d", i+1)
	}
	rl.recordFailure("admin")
	blocked, retryAfter := rl.check("admin")
	require.True(t, blocked)
	assert.Equal(t, userLockout.baseLockout, retryAfter)

	clock.Advance(userLockout.baseLockout)
	blocked, _ = rl.check("admin")
	assert.False(t, blocked, "lockout ends")
}

func TestLockoutLimiter_ExponentialBackoffIsCapped(t *testing.T) {
	clock := newFakeClock()
	rl := newLockoutLimiter(userLockout, clock.Now)

	for i := 0; i < userLockout.maxFailures; i++ {
		rl.recordFailure("admin")
	}
	_, first := rl.check("admin")
	rl.recordFailure("admin")
	_, second := rl.check("admin")
	assert.Equal(t, 2*first, second)

	for i := 0; i < 20; i++ {
		rl.recordFailure("admin")
	}
	_, capped := rl.check("admin")
	assert.Equal(t, userLockout.maxLockout, capped)
}

func TestLockoutLimiter_SuccessAndIsolation(t *testing.T) {
	rl := newLockoutLimiter(userLockout, newFakeClock().Now)
	for i := 0; i < userLockout.maxFailures; i++ {
		rl.recordFailure("a")
	}
	blocked, _ := rl.check("a")
	require.True(t, blocked)
	blocked, _ = rl.check("b")
	assert.False(t, blocked, "keys are independent")

	rl.recordSuccess("a")
	blocked, _ = rl.check("a")
	assert.False(t, blocked)
}

func TestLockoutLimiter_Sweep(t *testing.T) {
	clock := newFakeClock()
	rl := newLockoutLimiter(ipLockout, clock.Now)
	rl.recordFailure("192.0.2.1")
	clock.Advance(ipLockout.expiry / 2)
	rl.recordFailure("192.0.2.2")
	clock.Advance(ipLockout.expiry/2 + time.Second)

	rl.sweep()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.attempts, "192.0.2.1")
	assert.Contains(t, rl.attempts, "192.0.2.2")
}

func TestWindowLimiter(t *testing.T) {
	clock := newFakeClock()
	rl := newWindowLimiter(time.Minute, 3, 5*time.Minute, clock.Now)

	rl.recordFailure()
	rl.recordFailure()
	clock.Advance(2 * time.Minute)
	rl.recordFailure()
	blocked, _ := rl.check()
	assert.False(t, blocked, "old failures fall out of the window")

	rl.recordFailure()
	rl.recordFailure()
	blocked, retryAfter := rl.check()
	require.True(t, blocked)
	assert.Equal(t, 5*time.Minute, retryAfter)
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(300*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestExtractClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trusted    []netip.Prefix
		want       string
	}{
		{name: "remote ipv4", remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "remote ipv6", remoteAddr: "[::1]:8080", want: "::1"},
		{name: "mapped ipv4", remoteAddr: "[::ffff:192.0.2.9]:80", want: "192.0.2.9"},
		{
			name:       "headers ignored without trusted proxies",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "10.0.0.1",
		},
		{
			name:       "trusted proxy xff first valid wins",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "unknown, 198.51.100.25, 203.0.113.9"},
			trusted:    trusted,
			want:       "198.51.100.25",
		},
		{
			name:       "untrusted peer spoofing xff",
			remoteAddr: "192.168.1.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			trusted:    trusted,
			want:       "192.168.1.1",
		},
		{
			name:       "forwarded header",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"Forwarded": `for="[2001:db8::1]:4711";proto=https`},
			trusted:    trusted,
			want:       "2001:db8::1",
		},
		{
			name:       "x-real-ip",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "203.0.113.11"},
			trusted:    trusted,
			want:       "203.0.113.11",
		},
		{
			name:       "trusted proxy without headers",
			remoteAddr: "10.0.0.1:80",
			trusted:    trusted,
			want:       "10.0.0.1",
		},
		{name: "unparseable", remoteAddr: "not-a-hostport", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, tt.trusted))
		})
	}
}
