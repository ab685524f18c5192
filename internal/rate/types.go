package rate

import (
	"fmt"
	"time"
)

// Window represents a provider rate-limit bucket.
type Window int

const (
	Minute Window = iota
	Day
)

func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Day:
		return "day"
	default:
		return "unknown"
	}
}

func (w Window) duration() time.Duration {
	if w == Day {
		return 24 * time.Hour
	}
	return time.Minute
}

// Headers names the response headers a provider uses to report its limits.
// Empty names are ignored.
type Headers struct {
	RemainingMinute string
	RemainingDay    string
	RetryAfter      string
	ResetAfter      string
}

// StandardHeaders only honours Retry-After, which every HTTP server may send.
func StandardHeaders() Headers {
	return Headers{RetryAfter: "Retry-After"}
}

// Declaration defines a provider's client-side request budget.
type Declaration struct {
	provider string
	limits   map[Window]int
	headers  Headers
}

// Provider creates a new declaration for a provider.
func Provider(name string) Declaration {
	return Declaration{provider: name, headers: StandardHeaders()}
}

func (d Declaration) ProviderName() string {
	return d.provider
}

func (d Declaration) MaxRequestsPer(window Window, limit int) Declaration {
	limits := make(map[Window]int, len(d.limits)+1)
	for w, l := range d.limits {
		limits[w] = l
	}
	limits[window] = limit
	d.limits = limits
	return d
}

func (d Declaration) ReadHeaders(headers Headers) Declaration {
	d.headers = headers
	return d
}

func (d Declaration) Limits() map[Window]int {
	return d.limits
}

func (d Declaration) Validate() error {
	if d.provider == "" {
		return fmt.Errorf("rate declaration missing provider")
	}
	if len(d.limits) == 0 {
		return fmt.Errorf("%s: rate declaration has no limits", d.provider)
	}
	for window, limit := range d.limits {
		if limit <= 0 {
			return fmt.Errorf("%s: %s limit must be positive", d.provider, window)
		}
	}
	return nil
}

// RateLimitError is returned when a request is blocked before it is sent.
type RateLimitError struct {
	Provider string
	Reason   string
	RetryAt  time.Time
}

func (e RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.Provider, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}
