package rate

import "net/http"

// WrapHTTP returns a copy of base whose transport is guarded by decl.
func WrapHTTP(decl Declaration, base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	client.Transport = Transport(NewGuard(decl), client.Transport)
	return &client
}

// Transport wraps base so every round trip passes through guard.
func Transport(guard *Guard, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &roundTripper{base: base, guard: guard}
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	provider := rt.guard.decl.ProviderName()
	decision := rt.guard.Allow()
	if !decision.Allowed {
		requestsTotal.WithLabelValues(provider, outcomeBlocked).Inc()
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, RateLimitError{
			Provider: provider,
			Reason:   decision.Reason,
			RetryAt:  decision.RetryAt,
		}
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		requestsTotal.WithLabelValues(provider, outcomeFailed).Inc()
		return resp, err
	}
	requestsTotal.WithLabelValues(provider, outcomeSent).Inc()
	rt.guard.Observe(resp.StatusCode, resp.Header)
	return resp, nil
}
