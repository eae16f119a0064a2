package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxBodyBytes bounds provider response bodies.
const maxBodyBytes = 8 << 20

// HTTPDoer abstracts HTTP request execution.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CircuitStater is implemented by transports guarded by a circuit breaker.
type CircuitStater interface {
	State() string
}

// TransportState returns the breaker state of doer, or "" when it has none.
func TransportState(doer HTTPDoer) string {
	if s, ok := doer.(CircuitStater); ok {
		return s.State()
	}
	return ""
}

// CircuitState returns the breaker state behind p, or "" when p does not
// expose one.
func CircuitState(p Provider) string {
	if s, ok := p.(interface{ CircuitState() string }); ok {
		return s.CircuitState()
	}
	return ""
}

// GetJSON issues a GET and decodes a 2xx JSON body into dst. Non-2xx answers
// are mapped with ClassifyStatus, and transport failures become transient
// UpstreamErrors. A context deadline is reported as ErrTimeout.
func GetJSON(ctx context.Context, doer HTTPDoer, providerName, url string, header http.Header, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := doer.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", providerName, ErrTimeout)
		}
		return &UpstreamError{Provider: providerName, Err: err}
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, maxBodyBytes)
	if err := ClassifyStatus(providerName, resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, body)
		return err
	}

	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return &UpstreamError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: decode response: %v", ErrUpstream, err),
		}
	}
	return nil
}
