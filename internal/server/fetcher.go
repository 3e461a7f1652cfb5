package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PortalFetcher retrieves full message content from the provider-hosted
// inbox API. Used by the portal webhook, which only delivers an id.
type PortalFetcher struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewPortalFetcher creates a fetcher against the portal API base URL.
func NewPortalFetcher(baseURL, apiKey string) *PortalFetcher {
	return &PortalFetcher{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchMessage downloads the message descriptor for one provider email id.
func (f *PortalFetcher) FetchMessage(ctx context.Context, externalID string) (InboundEmail, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/emails/%s", f.baseURL, externalID), nil)
	if err != nil {
		return InboundEmail{}, fmt.Errorf("fetch message: %w", err)
	}
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return InboundEmail{}, fmt.Errorf("fetch message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return InboundEmail{}, fmt.Errorf("fetch message: portal returned %d", resp.StatusCode)
	}

	var email InboundEmail
	if err := json.NewDecoder(resp.Body).Decode(&email); err != nil {
		return InboundEmail{}, fmt.Errorf("fetch message: decode: %w", err)
	}
	return email, nil
}
