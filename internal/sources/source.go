// Package sources defines the provider adapter contract and the shared
// throttled HTTP client the adapters are built on. Each provider differs
// only in how discovery, download resolution, and authentication map
// onto its endpoints.
package sources

import (
	"context"
	"errors"

	"github.com/coff33ninja/vrm-auto-scraper/internal/models"
)

// Error taxonomy shared by all adapters. The crawler branches on these:
// ErrAuth aborts a source for the run, ErrNotDownloadable is a silent
// skip, ErrRateLimited and ErrFetch get one retry per candidate.
var (
	ErrAuth            = errors.New("source authentication failed")
	ErrNotDownloadable = errors.New("asset is not marked downloadable")
	ErrRateLimited     = errors.New("provider rate limit exceeded")
	ErrFetch           = errors.New("fetch failed")
)

// Source is the uniform capability set over all providers.
type Source interface {
	// Name returns the source identifier written into records.
	Name() string

	// Authenticate ensures a currently valid credential is held. It is
	// a no-op for token-less public sources and fails with ErrAuth when
	// credentials are absent or cannot be refreshed.
	Authenticate(ctx context.Context) error

	// Discover returns up to limit candidate summaries matching the
	// keywords, plus a cursor for continuing where this call left off.
	// An empty cursor input restarts discovery from the beginning; an
	// empty cursor output means the remote catalog is exhausted.
	Discover(ctx context.Context, keywords []string, limit int, cursor string) ([]models.Candidate, string, error)

	// ResolveDownload turns a candidate into a concrete download URL
	// and declared format. Candidates the provider has not marked
	// downloadable fail with ErrNotDownloadable before any content is
	// fetched.
	ResolveDownload(ctx context.Context, cand models.Candidate) (models.ResolvedDownload, error)

	// FetchBytes performs the throttled download of url, returning the
	// payload and its length.
	FetchBytes(ctx context.Context, url string) ([]byte, int64, error)
}
