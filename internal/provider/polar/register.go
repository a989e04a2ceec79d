package polar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"example.com/fitsync/internal/observability"
	"example.com/fitsync/internal/provider"
)

// RegisterMember links the authorized AccessLink user to this client. AccessLink
// answers 409 when the member is already registered, which is accepted.
func RegisterMember(ctx context.Context, client *http.Client, baseURL, memberID string) error {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	body, err := json.Marshal(map[string]string{"member-id": memberID})
	if err != nil {
		return err
	}

	url := strings.TrimRight(baseURL, "/") + "/users"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		observability.RecordProviderRequest(ProviderName, 0)
		return fmt.Errorf("register polar member: %w", err)
	}
	defer resp.Body.Close()
	observability.RecordProviderRequest(ProviderName, resp.StatusCode)

	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	payload, _ := io.ReadAll(resp.Body)
	return provider.CheckStatus(ProviderName, http.MethodPost, url, &provider.Response{StatusCode: resp.StatusCode, Body: payload})
}
