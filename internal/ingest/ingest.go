// Package ingest contains the reference processors dispatched by the worker
// pool: local file ingestion, SSRF-safe URL fetching, and page crawling with
// link fan-out. Extracted content is handed off through a DocumentFunc; the
// embedding/indexing pipeline behind it is a separate system.
package ingest

import "context"

// Job type tags registered with the worker pool.
const (
	TypeFileIngest = "file_ingest"
	TypeURLFetch   = "url_fetch"
	TypeCrawlPage  = "crawl_page"
)

// DocumentFunc receives extracted source content. source is the file path or
// URL the content came from. Implementations must be idempotent: at-least-once
// delivery means the same document can arrive twice.
type DocumentFunc func(ctx context.Context, ownerKey, source, contentType string, body []byte) error
