// ABOUTME: Constructs the production SSRF-safe HTTP client for URL fetching.
// ABOUTME: Uses doyensec/safeurl with redirect following disabled and 30s timeout.
package ingest

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// BuildSafeClient returns an SSRF-safe *http.Client for fetching user-supplied
// URLs. Private and link-local address ranges are rejected and redirect
// following is disabled so a public URL cannot bounce into internal networks.
func BuildSafeClient() *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(30 * time.Second).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}
