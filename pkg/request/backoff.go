package request

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HostBackoff holds requests to asset hosts that recently failed. Each failure
// doubles the hold up to a cap, a longer Retry-After from the server wins, and
// each success forgives one failure.
type HostBackoff struct {
	mu        sync.Mutex
	hosts     map[string]*hostState
	baseDelay time.Duration
	maxDelay  time.Duration
	now       func() time.Time
}

type hostState struct {
	failures int
	until    time.Time
}

// HostStatus is the backoff state of one host.
type HostStatus struct {
	Failures int
	Until    time.Time
}

// NewHostBackoff creates a backoff with the given first and maximum hold.
func NewHostBackoff(baseDelay, maxDelay time.Duration) *HostBackoff {
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &HostBackoff{
		hosts:     make(map[string]*hostState),
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		now:       time.Now,
	}
}

// Wait blocks until host may be contacted again or ctx is done.
func (b *HostBackoff) Wait(ctx context.Context, host string) error {
	b.mu.Lock()
	var d time.Duration
	if s, ok := b.hosts[host]; ok {
		d = s.until.Sub(b.now())
	}
	b.mu.Unlock()

	if d <= 0 {
		return nil
	}
	slog.Debug("Asset host on hold", "host", host, "wait", d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail records a failure of host and returns how long it is now held.
func (b *HostBackoff) Fail(host string, retryAfter time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.hosts[host]
	if !ok {
		s = &hostState{}
		b.hosts[host] = s
	}
	s.failures++
	d := b.delay(s.failures)
	if ra := min(retryAfter, b.maxDelay); ra > d {
		d = ra
	}
	s.until = b.now().Add(d)
	return d
}

// Succeed forgives one failure of host and lifts the hold once none are left.
func (b *HostBackoff) Succeed(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.hosts[host]
	if !ok {
		return
	}
	if s.failures > 0 {
		s.failures--
	}
	if s.failures == 0 {
		delete(b.hosts, host)
	}
}

// Status returns the backoff state of host.
func (b *HostBackoff) Status(host string) HostStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.hosts[host]; ok {
		return HostStatus{Failures: s.failures, Until: s.until}
	}
	return HostStatus{}
}

// delay is baseDelay * 2^(failures-1), capped, plus up to 10% jitter.
func (b *HostBackoff) delay(failures int) time.Duration {
	d := b.baseDelay
	for i := 1; i < failures && d < b.maxDelay; i++ {
		d *= 2
	}
	d = min(d, b.maxDelay)
	return d + time.Duration(rand.Float64()*0.1*float64(d))
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0)
	}
	return 0
}
