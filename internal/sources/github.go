package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/coff33ninja/vrm-auto-scraper/internal/models"
	"github.com/coff33ninja/vrm-auto-scraper/internal/ratelimit"
)

const githubAPIBase = "https://api.github.com"

// GitHub discovers .vrm files committed to public repositories. A
// token is optional; unauthenticated requests just run under GitHub's
// tighter rate limits.
type GitHub struct {
	token   string
	client  *Client
	base    string
	rawBase string
}

func NewGitHub(token string, httpClient *http.Client, limiter *ratelimit.Registry) *GitHub {
	s := &GitHub{token: token, base: githubAPIBase, rawBase: "https://raw.githubusercontent.com"}
	var auth authFunc
	if token != "" {
		auth = func(ctx context.Context) (string, error) {
			return "token " + token, nil
		}
	}
	s.client = NewClient(models.SourceGitHub, httpClient, limiter, auth, nil,
		map[string]string{"Accept": "application/vnd.github+json"})
	return s
}

func (s *GitHub) Name() string { return models.SourceGitHub }

// Authenticate is a no-op without a token; with one it verifies the
// token resolves to a user.
func (s *GitHub) Authenticate(ctx context.Context) error {
	if s.token == "" {
		return nil
	}
	var user struct {
		Login string `json:"login"`
	}
	return s.client.GetJSON(ctx, s.base+"/user", &user)
}

type githubRepoSearchResponse struct {
	Items []struct {
		FullName string `json:"full_name"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
		Name          string `json:"name"`
		HTMLURL       string `json:"html_url"`
		DefaultBranch string `json:"default_branch"`
		License       *struct {
			Name   string `json:"name"`
			SPDXID string `json:"spdx_id"`
			URL    string `json:"url"`
		} `json:"license"`
	} `json:"items"`
	TotalCount int `json:"total_count"`
}

type githubTreeResponse struct {
	Tree []struct {
		Path string `json:"path"`
		Type string `json:"type"`
		Size int64  `json:"size"`
	} `json:"tree"`
	Truncated bool `json:"truncated"`
}

// Discover searches repositories by keyword, then walks each default
// branch tree for .vrm blobs. Repositories without a detected free
// license are skipped. The cursor is the repository search page.
func (s *GitHub) Discover(ctx context.Context, keywords []string, limit int, cursor string) ([]models.Candidate, string, error) {
	if limit <= 0 {
		return nil, "", nil
	}

	page := 1
	if cursor != "" {
		p, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: bad page cursor %q", ErrFetch, cursor)
		}
		page = p
	}

	values := url.Values{}
	values.Set("q", strings.Join(keywords, " "))
	values.Set("per_page", "10")
	values.Set("page", strconv.Itoa(page))

	var repos githubRepoSearchResponse
	if err := s.client.GetJSON(ctx, s.base+"/search/repositories?"+values.Encode(), &repos); err != nil {
		return nil, "", err
	}

	var cands []models.Candidate
	for _, repo := range repos.Items {
		if len(cands) >= limit {
			break
		}
		if repo.License == nil || repo.License.SPDXID == "" || repo.License.SPDXID == "NOASSERTION" {
			continue
		}

		treeURL := fmt.Sprintf("%s/repos/%s/git/trees/%s?recursive=1", s.base, repo.FullName, repo.DefaultBranch)
		var tree githubTreeResponse
		if err := s.client.GetJSON(ctx, treeURL, &tree); err != nil {
			// A single unreadable repository should not sink the
			// whole page.
			continue
		}

		for _, entry := range tree.Tree {
			if len(cands) >= limit {
				break
			}
			if entry.Type != "blob" || !strings.EqualFold(path.Ext(entry.Path), ".vrm") {
				continue
			}
			rawURL := fmt.Sprintf("%s/%s/%s/%s", s.rawBase, repo.FullName, repo.DefaultBranch, entry.Path)
			id := strings.ReplaceAll(repo.FullName+"/"+entry.Path, "/", "_")
			name := strings.TrimSuffix(path.Base(entry.Path), path.Ext(entry.Path))

			cands = append(cands, models.Candidate{
				SourceModelID: id,
				Name:          name,
				Artist:        repo.Owner.Login,
				SourceURL:     fmt.Sprintf("%s/blob/%s/%s", repo.HTMLURL, repo.DefaultBranch, entry.Path),
				LicenseType:   repo.License.SPDXID,
				LicenseURL:    repo.License.URL,
				Downloadable:  true,
				DownloadHint:  rawURL,
				FormatHint:    "vrm",
			})
		}
	}

	next := ""
	if len(repos.Items) > 0 && page*10 < repos.TotalCount {
		next = strconv.Itoa(page + 1)
	}
	return cands, next, nil
}

// ResolveDownload returns the raw file URL stashed at discovery time.
func (s *GitHub) ResolveDownload(ctx context.Context, cand models.Candidate) (models.ResolvedDownload, error) {
	if cand.DownloadHint == "" {
		return models.ResolvedDownload{}, fmt.Errorf("%w: no raw url for %s", ErrNotDownloadable, cand.SourceModelID)
	}
	return models.ResolvedDownload{URL: cand.DownloadHint, Format: cand.FormatHint}, nil
}

func (s *GitHub) FetchBytes(ctx context.Context, url string) ([]byte, int64, error) {
	return s.client.FetchBytes(ctx, url)
}
