package subs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	fetchTimeout = 15 * time.Second
	fetchRetries = 3
	userAgent    = "proxydeck/1.0"
)

// Fetcher downloads subscription documents. Implementations must be safe for
// concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetchFunc adapts a function to the Fetcher interface.
type FetchFunc func(ctx context.Context, url string) ([]byte, error)

func (f FetchFunc) Fetch(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

// HTTPFetcher fetches over HTTP with bounded retries.
type HTTPFetcher struct {
	client *retryablehttp.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = fetchTimeout
	client.RetryMax = fetchRetries
	client.Logger = nil
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscription %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read subscription body from %s: %w", url, err)
	}
	return body, nil
}
