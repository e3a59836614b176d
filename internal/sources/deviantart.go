package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/coff33ninja/vrm-auto-scraper/internal/creds"
	"github.com/coff33ninja/vrm-auto-scraper/internal/models"
	"github.com/coff33ninja/vrm-auto-scraper/internal/ratelimit"

	"golang.org/x/oauth2"
)

const deviantartAPIBase = "https://www.deviantart.com/api/v1/oauth2"

// DeviantArtEndpoint is the OAuth2 endpoint for DeviantArt.
var DeviantArtEndpoint = oauth2.Endpoint{
	AuthURL:  "https://www.deviantart.com/oauth2/authorize",
	TokenURL: "https://www.deviantart.com/oauth2/token",
}

// DeviantArt browses tagged deviations through the DeviantArt OAuth2
// API and downloads the ones their authors flagged as downloadable.
type DeviantArt struct {
	refresher *creds.Refresher
	client    *Client
	base      string
}

func NewDeviantArt(refresher *creds.Refresher, httpClient *http.Client, limiter *ratelimit.Registry) *DeviantArt {
	s := &DeviantArt{refresher: refresher, base: deviantartAPIBase}
	s.client = NewClient(models.SourceDeviantArt, httpClient, limiter,
		func(ctx context.Context) (string, error) {
			tok, err := refresher.Token(ctx)
			if err != nil {
				return "", err
			}
			return "Bearer " + tok, nil
		},
		refresher.ForceRefresh, nil,
	)
	return s
}

func (s *DeviantArt) Name() string { return models.SourceDeviantArt }

func (s *DeviantArt) Authenticate(ctx context.Context) error {
	if s.refresher == nil {
		return fmt.Errorf("%w: deviantart credential not configured", ErrAuth)
	}
	if _, err := s.refresher.Token(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return nil
}

type deviantartBrowseResponse struct {
	Results []struct {
		DeviationID    string `json:"deviationid"`
		Title          string `json:"title"`
		URL            string `json:"url"`
		IsDownloadable bool   `json:"is_downloadable"`
		Author         struct {
			Username string `json:"username"`
		} `json:"author"`
		Thumbs []struct {
			Src string `json:"src"`
		} `json:"thumbs"`
	} `json:"results"`
	HasMore    bool `json:"has_more"`
	NextOffset *int `json:"next_offset"`
}

// Discover browses the tag feed for each keyword in turn; the cursor
// is "keywordIndex:offset" so a restart resumes mid-feed.
func (s *DeviantArt) Discover(ctx context.Context, keywords []string, limit int, cursor string) ([]models.Candidate, string, error) {
	if limit <= 0 || len(keywords) == 0 {
		return nil, "", nil
	}

	kwIdx, offset := 0, 0
	if cursor != "" {
		parts := strings.SplitN(cursor, ":", 2)
		if len(parts) != 2 {
			return nil, "", fmt.Errorf("%w: bad cursor %q", ErrFetch, cursor)
		}
		var err1, err2 error
		kwIdx, err1 = strconv.Atoi(parts[0])
		offset, err2 = strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || kwIdx < 0 || kwIdx >= len(keywords) {
			return nil, "", fmt.Errorf("%w: bad cursor %q", ErrFetch, cursor)
		}
	}

	values := url.Values{}
	values.Set("tag", keywords[kwIdx])
	values.Set("offset", strconv.Itoa(offset))
	values.Set("limit", strconv.Itoa(min(limit, 50)))

	var resp deviantartBrowseResponse
	if err := s.client.GetJSON(ctx, s.base+"/browse/tags?"+values.Encode(), &resp); err != nil {
		return nil, "", err
	}

	cands := make([]models.Candidate, 0, len(resp.Results))
	for _, d := range resp.Results {
		if len(cands) >= limit {
			break
		}
		thumb := ""
		if len(d.Thumbs) > 0 {
			thumb = d.Thumbs[len(d.Thumbs)-1].Src
		}
		cands = append(cands, models.Candidate{
			SourceModelID: d.DeviationID,
			Name:          d.Title,
			Artist:        d.Author.Username,
			SourceURL:     d.URL,
			LicenseType:   "DeviantArt download permission",
			LicenseURL:    d.URL,
			ThumbnailURL:  thumb,
			Downloadable:  d.IsDownloadable,
		})
	}

	next := ""
	switch {
	case resp.HasMore && resp.NextOffset != nil:
		next = fmt.Sprintf("%d:%d", kwIdx, *resp.NextOffset)
	case kwIdx+1 < len(keywords):
		next = fmt.Sprintf("%d:0", kwIdx+1)
	}
	return cands, next, nil
}

type deviantartDownloadResponse struct {
	Src      string `json:"src"`
	Filename string `json:"filename"`
}

// ResolveDownload fetches the original-file URL for a deviation. The
// format hint comes from the reported filename extension; the sniffer
// has the final word once bytes arrive.
func (s *DeviantArt) ResolveDownload(ctx context.Context, cand models.Candidate) (models.ResolvedDownload, error) {
	if !cand.Downloadable {
		return models.ResolvedDownload{}, fmt.Errorf("%w: deviation %s", ErrNotDownloadable, cand.SourceModelID)
	}

	var resp deviantartDownloadResponse
	if err := s.client.GetJSON(ctx, fmt.Sprintf("%s/deviation/download/%s", s.base, cand.SourceModelID), &resp); err != nil {
		return models.ResolvedDownload{}, err
	}
	if resp.Src == "" {
		return models.ResolvedDownload{}, fmt.Errorf("%w: deviation %s has no original file", ErrNotDownloadable, cand.SourceModelID)
	}

	format := strings.TrimPrefix(strings.ToLower(path.Ext(resp.Filename)), ".")
	return models.ResolvedDownload{URL: resp.Src, Format: format}, nil
}

func (s *DeviantArt) FetchBytes(ctx context.Context, url string) ([]byte, int64, error) {
	return s.client.FetchBytes(ctx, url)
}
