package provider

import (
	"fmt"
	"net/http"
)

// TransportError is returned for non-2xx provider responses. It is never retried.
type TransportError struct {
	Provider   string
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("%s: %s %s returned %d %s", e.Provider, e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

const maxErrorBody = 512

// CheckStatus converts a non-2xx response into a TransportError.
func CheckStatus(providerName, method, rawURL string, resp *Response) error {
	if resp.OK() {
		return nil
	}
	body := string(resp.Body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &TransportError{
		Provider:   providerName,
		Method:     method,
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Body:       body,
	}
}
