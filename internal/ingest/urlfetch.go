package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/chipp-ai/dispatch/internal/store"
	"github.com/chipp-ai/dispatch/internal/worker"
)

// URLFetchPayload is the payload for url_fetch jobs.
type URLFetchPayload struct {
	URL string `json:"url"`
}

// Fetcher processes url_fetch jobs: one bounded HTTP GET per job.
type Fetcher struct {
	client     *http.Client
	maxBytes   int64
	onDocument DocumentFunc
}

// NewFetcher creates a Fetcher. client should be the safeurl client in
// production; tests may pass an httptest client. onDocument may be nil.
func NewFetcher(client *http.Client, maxBytes int64, onDocument DocumentFunc) *Fetcher {
	return &Fetcher{client: client, maxBytes: maxBytes, onDocument: onDocument}
}

// Process implements the worker Processor contract for url_fetch jobs.
func (f *Fetcher) Process(ctx context.Context, job store.ClaimedJob) error {
	var p URLFetchPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return worker.Permanent(fmt.Errorf("url_fetch payload: %w", err))
	}

	body, contentType, err := fetch(ctx, f.client, p.URL, f.maxBytes)
	if err != nil {
		return err
	}
	if f.onDocument != nil {
		if err := f.onDocument(ctx, job.OwnerKey, p.URL, contentType, body); err != nil {
			return fmt.Errorf("store document %s: %w", p.URL, err)
		}
	}
	return nil
}

// fetch GETs rawURL and returns at most maxBytes of body. Error
// classification follows the queue's retry taxonomy: invalid URLs, redirects
// (following is disabled), and client rejections (4xx other than 429) are
// permanent; network errors, 429, and 5xx are transient and retried.
func fetch(ctx context.Context, client *http.Client, rawURL string, maxBytes int64) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", worker.Permanent(fmt.Errorf("parse url %q: %w", rawURL, err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", worker.Permanent(fmt.Errorf("unsupported url scheme %q", u.Scheme))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", worker.Permanent(fmt.Errorf("build request for %s: %w", rawURL, err))
	}
	req.Header.Set("User-Agent", "dispatch-ingest/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		// The client does not follow redirects, so a 3xx arrives here as the
		// final response. Never ingest the redirect stub body.
		return nil, "", worker.Permanent(fmt.Errorf(
			"fetch %s: redirect %d to %q", rawURL, resp.StatusCode, resp.Header.Get("Location")))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, "", worker.Permanent(fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode))
	}

	// Read one byte past the limit to distinguish "exactly at" from "over".
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", rawURL, err)
	}
	if int64(len(body)) > maxBytes {
		return nil, "", worker.Permanent(fmt.Errorf("fetch %s: content exceeds %d bytes", rawURL, maxBytes))
	}
	return body, resp.Header.Get("Content-Type"), nil
}
