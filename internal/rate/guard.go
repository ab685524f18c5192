package rate

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultCooldown applies after a 429 that carries no Retry-After.
const DefaultCooldown = time.Minute

type bucket struct {
	capacity int
	tokens   float64
	last     time.Time
}

// Guard enforces a Declaration for one provider. It is safe for concurrent
// use.
type Guard struct {
	decl Declaration
	now  func() time.Time

	mu         sync.Mutex
	buckets    map[Window]*bucket
	cooldown   time.Time
	lastStatus int
}

func NewGuard(decl Declaration) *Guard {
	g := &Guard{
		decl:    decl,
		now:     time.Now,
		buckets: make(map[Window]*bucket),
	}
	start := g.now()
	for window, limit := range decl.Limits() {
		g.buckets[window] = &bucket{capacity: limit, tokens: float64(limit), last: start}
		remainingGauge.WithLabelValues(decl.ProviderName(), window.String()).Set(float64(limit))
	}
	return g
}

// Allow consumes one request from every window, or explains why the request
// must wait.
func (g *Guard) Allow() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if len(g.buckets) == 0 {
		return Decision{Allowed: false, Reason: "disabled"}
	}
	if now.Before(g.cooldown) {
		return Decision{Allowed: false, Reason: "cooldown", RetryAt: g.cooldown}
	}

	for window, b := range g.buckets {
		refill(b, window.duration(), now)
		if b.tokens < 1 {
			wait := time.Duration((1 - b.tokens) * float64(window.duration()) / float64(b.capacity))
			return Decision{Allowed: false, Reason: window.String() + " budget", RetryAt: now.Add(wait)}
		}
	}
	for window, b := range g.buckets {
		b.tokens--
		remainingGauge.WithLabelValues(g.decl.ProviderName(), window.String()).Set(float64(int(b.tokens)))
	}
	return Decision{Allowed: true}
}

// Observe records a response so provider signals can pause further calls.
func (g *Guard) Observe(status int, header http.Header) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	provider := g.decl.ProviderName()
	g.lastStatus = status
	lastStatusGauge.WithLabelValues(provider).Set(float64(status))

	headers := g.decl.headers
	wait, ok := retryAfter(header.Get(headers.RetryAfter), now)
	if !ok && status == http.StatusTooManyRequests {
		wait, ok = DefaultCooldown, true
	}
	if !ok && headers.ResetAfter != "" {
		if exhausted(header, headers.RemainingMinute) || exhausted(header, headers.RemainingDay) {
			wait, ok = retryAfter(header.Get(headers.ResetAfter), now)
		}
	}
	if ok && wait > 0 {
		if until := now.Add(wait); until.After(g.cooldown) {
			g.cooldown = until
		}
		retryAfterGauge.WithLabelValues(provider).Set(wait.Seconds())
	}

	if remaining, ok := headerInt(header, headers.RemainingMinute); ok {
		g.clamp(Minute, remaining)
	}
	if remaining, ok := headerInt(header, headers.RemainingDay); ok {
		g.clamp(Day, remaining)
	}
}

// LastStatus returns the most recent HTTP status seen by the guard.
func (g *Guard) LastStatus() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastStatus
}

// clamp lowers the local budget to what the provider reports.
func (g *Guard) clamp(window Window, remaining int) {
	b, ok := g.buckets[window]
	if !ok {
		return
	}
	if float64(remaining) < b.tokens {
		b.tokens = float64(remaining)
	}
	remainingGauge.WithLabelValues(g.decl.ProviderName(), window.String()).Set(float64(remaining))
}

func refill(b *bucket, window time.Duration, now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	rate := float64(b.capacity) / window.Seconds()
	b.tokens += elapsed.Seconds() * rate
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.last = now
}

// retryAfter parses delta-seconds or an HTTP date.
func retryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		return at.Sub(now), true
	}
	return 0, false
}

func exhausted(h http.Header, key string) bool {
	remaining, ok := headerInt(h, key)
	return ok && remaining <= 0
}

func headerInt(h http.Header, key string) (int, bool) {
	if key == "" {
		return 0, false
	}
	val := strings.TrimSpace(h.Get(key))
	if val == "" {
		return 0, false
	}
	out, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return out, true
}
