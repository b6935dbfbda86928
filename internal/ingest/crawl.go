package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/chipp-ai/dispatch/internal/store"
	"github.com/chipp-ai/dispatch/internal/worker"
)

// CrawlPayload is the payload for crawl_page jobs. Depth is the remaining
// fan-out budget: pages at depth 0 still have their content ingested but
// their links are enqueued as plain url_fetch jobs instead of further crawls.
type CrawlPayload struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

// Queue is the slice of the job store the crawler needs: child-job fan-out
// and its own cancellation check.
type Queue interface {
	Enqueue(ctx context.Context, p store.EnqueueParams) (uuid.UUID, error)
	GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error)
}

// Crawler processes crawl_page jobs: fetches a page, ingests its content, and
// enqueues same-host links as child jobs.
type Crawler struct {
	client     *http.Client
	queue      Queue
	maxBytes   int64
	maxLinks   int
	onDocument DocumentFunc
}

// NewCrawler creates a Crawler. maxLinks caps the fan-out per page.
func NewCrawler(client *http.Client, queue Queue, maxBytes int64, maxLinks int, onDocument DocumentFunc) *Crawler {
	return &Crawler{
		client:     client,
		queue:      queue,
		maxBytes:   maxBytes,
		maxLinks:   maxLinks,
		onDocument: onDocument,
	}
}

// Process implements the worker Processor contract for crawl_page jobs.
// Cancellation is cooperative: before fanning out child jobs the crawler
// re-reads its own row and stops quietly if the job was cancelled mid-flight.
func (c *Crawler) Process(ctx context.Context, job store.ClaimedJob) error {
	var p CrawlPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return worker.Permanent(fmt.Errorf("crawl_page payload: %w", err))
	}

	body, contentType, err := fetch(ctx, c.client, p.URL, c.maxBytes)
	if err != nil {
		return err
	}
	if c.onDocument != nil {
		if err := c.onDocument(ctx, job.OwnerKey, p.URL, contentType, body); err != nil {
			return fmt.Errorf("store document %s: %w", p.URL, err)
		}
	}

	if !strings.Contains(contentType, "text/html") {
		return nil // nothing to crawl out of
	}
	links, err := extractLinks(p.URL, body, c.maxLinks)
	if err != nil {
		// The page itself was ingested; a broken base URL cannot improve.
		return worker.Permanent(fmt.Errorf("crawl_page: %w", err))
	}
	if len(links) == 0 {
		return nil
	}

	// Cooperative cancellation check before the fan-out writes.
	cur, err := c.queue.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("crawl_page: recheck job: %w", err)
	}
	if cur == nil || cur.Status == store.StatusCancelled {
		slog.Info("crawl cancelled before fan-out", "job_id", job.ID, "url", p.URL)
		return nil
	}

	childType := TypeCrawlPage
	if p.Depth <= 0 {
		childType = TypeURLFetch
	}
	for _, link := range links {
		payload, err := childPayload(childType, link, p.Depth-1)
		if err != nil {
			return fmt.Errorf("crawl_page: child payload: %w", err)
		}
		if _, err := c.queue.Enqueue(ctx, store.EnqueueParams{
			OwnerKey:    job.OwnerKey,
			Type:        childType,
			Payload:     payload,
			MaxAttempts: job.MaxAttempts,
		}); err != nil {
			// Store unavailability: transient, the whole page retries.
			// Already-enqueued children are idempotent at the document sink.
			return fmt.Errorf("crawl_page: enqueue child %s: %w", link, err)
		}
	}
	slog.Info("crawl fan-out", "job_id", job.ID, "url", p.URL,
		"children", len(links), "child_type", childType)
	return nil
}

func childPayload(childType, link string, depth int) (json.RawMessage, error) {
	if childType == TypeCrawlPage {
		return json.Marshal(CrawlPayload{URL: link, Depth: depth})
	}
	return json.Marshal(URLFetchPayload{URL: link})
}

// extractLinks returns up to limit unique same-host absolute links from the
// page body, resolved against baseURL. Fragments are stripped so anchors on
// the same page don't produce duplicate jobs.
func extractLinks(baseURL string, body []byte, limit int) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}

	seen := map[string]struct{}{base.String(): {}}
	var links []string

	tokens := html.NewTokenizer(bytes.NewReader(body))
	for len(links) < limit {
		tt := tokens.Next()
		if tt == html.ErrorToken {
			break // io.EOF or malformed tail; either way we're done
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := tokens.TagName()
		if string(name) != "a" || !hasAttr {
			continue
		}
		for {
			key, val, more := tokens.TagAttr()
			if string(key) == "href" {
				if link, ok := resolveLink(base, string(val)); ok {
					if _, dup := seen[link]; !dup {
						seen[link] = struct{}{}
						links = append(links, link)
					}
				}
				break
			}
			if !more {
				break
			}
		}
	}
	return links, nil
}

func resolveLink(base *url.URL, href string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	if abs.Host != base.Host {
		return "", false // same-host policy; cross-host crawling is a product decision
	}
	abs.Fragment = ""
	return abs.String(), true
}
