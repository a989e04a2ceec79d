package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"example.com/fitsync/internal/observability"
)

// HTTPSession adapts an *http.Client, typically one produced by an OAuth2 token
// source, to the Session contract.
type HTTPSession struct {
	name   string
	client *http.Client
}

// NewHTTPSession wraps client. name labels request metrics.
func NewHTTPSession(name string, client *http.Client) *HTTPSession {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSession{name: name, client: client}
}

// Request sends params as the query string and reads the full body.
func (s *HTTPSession) Request(ctx context.Context, method, rawURL string, params map[string]string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		observability.RecordProviderRequest(s.name, 0)
		return nil, fmt.Errorf("%s: %s %s: %w", s.name, method, u.Redacted(), err)
	}
	defer resp.Body.Close()
	observability.RecordProviderRequest(s.name, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}
