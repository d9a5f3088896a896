package external

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// httpService is the shared shape for adapters that tell another internal
// service to delete or look up something over a plain HTTP call, grounded
// on the baseResolver's bare *http.Client usage in
// internal/atproto/identity/base_resolver.go.
type httpService struct {
	baseURL string
	client  *http.Client
}

func newHTTPService(baseURL string, client *http.Client) httpService {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return httpService{baseURL: baseURL, client: client}
}

// do issues method against path and treats any non-2xx status as an error.
func (s httpService) do(ctx context.Context, method, path string) error {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("external: build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("external: request to %s: %w", s.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("external: %s %s returned status %d", method, path, resp.StatusCode)
	}
	return nil
}
