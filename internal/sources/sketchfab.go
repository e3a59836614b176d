package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coff33ninja/vrm-auto-scraper/internal/models"
	"github.com/coff33ninja/vrm-auto-scraper/internal/ratelimit"
)

const sketchfabAPIBase = "https://api.sketchfab.com/v3"

// sketchfabFreeLicenses maps the license slugs Sketchfab exposes on
// search results to the Creative Commons labels we record. Anything
// outside this set is skipped during discovery.
var sketchfabFreeLicenses = map[string]string{
	"cc0":      "CC0",
	"by":       "CC BY",
	"by-sa":    "CC BY-SA",
	"by-nd":    "CC BY-ND",
	"by-nc":    "CC BY-NC",
	"by-nc-sa": "CC BY-NC-SA",
	"by-nc-nd": "CC BY-NC-ND",
}

// Sketchfab discovers downloadable, freely licensed models through the
// Sketchfab v3 API using a static API token.
type Sketchfab struct {
	token  string
	client *Client
	base   string
}

func NewSketchfab(token string, httpClient *http.Client, limiter *ratelimit.Registry) *Sketchfab {
	s := &Sketchfab{token: token, base: sketchfabAPIBase}
	s.client = NewClient(models.SourceSketchfab, httpClient, limiter,
		func(ctx context.Context) (string, error) {
			if s.token == "" {
				return "", fmt.Errorf("%w: sketchfab token not configured", ErrAuth)
			}
			return "Token " + s.token, nil
		},
		nil, nil,
	)
	return s
}

func (s *Sketchfab) Name() string { return models.SourceSketchfab }

// Authenticate checks the static token against the account endpoint.
func (s *Sketchfab) Authenticate(ctx context.Context) error {
	if s.token == "" {
		return fmt.Errorf("%w: sketchfab token not configured", ErrAuth)
	}
	var me struct {
		Username string `json:"username"`
	}
	if err := s.client.GetJSON(ctx, s.base+"/me", &me); err != nil {
		return err
	}
	return nil
}

type sketchfabSearchResponse struct {
	Results []struct {
		UID  string `json:"uid"`
		Name string `json:"name"`
		User struct {
			Username string `json:"username"`
		} `json:"user"`
		ViewerURL      string `json:"viewerUrl"`
		IsDownloadable bool   `json:"isDownloadable"`
		License        struct {
			Slug string `json:"slug"`
			URL  string `json:"url"`
		} `json:"license"`
		Thumbnails struct {
			Images []struct {
				URL   string `json:"url"`
				Width int    `json:"width"`
			} `json:"images"`
		} `json:"thumbnails"`
	} `json:"results"`
	Next string `json:"next"`
}

// Discover searches downloadable models per keyword. The cursor is the
// full next-page URL returned by the API. Results under a non-free
// license are dropped here rather than surfaced as candidates.
func (s *Sketchfab) Discover(ctx context.Context, keywords []string, limit int, cursor string) ([]models.Candidate, string, error) {
	if limit <= 0 {
		return nil, "", nil
	}

	reqURL := cursor
	if reqURL == "" {
		values := url.Values{}
		values.Set("type", "models")
		values.Set("q", strings.Join(keywords, " "))
		values.Set("downloadable", "true")
		values.Set("count", strconv.Itoa(min(limit, 24)))
		reqURL = s.base + "/search?" + values.Encode()
	}

	var resp sketchfabSearchResponse
	if err := s.client.GetJSON(ctx, reqURL, &resp); err != nil {
		return nil, "", err
	}

	cands := make([]models.Candidate, 0, len(resp.Results))
	for _, m := range resp.Results {
		if len(cands) >= limit {
			break
		}
		license, free := sketchfabFreeLicenses[m.License.Slug]
		if !free {
			continue
		}

		thumb := ""
		best := 0
		for _, img := range m.Thumbnails.Images {
			if img.Width > best {
				best = img.Width
				thumb = img.URL
			}
		}

		cands = append(cands, models.Candidate{
			SourceModelID: m.UID,
			Name:          m.Name,
			Artist:        m.User.Username,
			SourceURL:     m.ViewerURL,
			LicenseType:   license,
			LicenseURL:    m.License.URL,
			ThumbnailURL:  thumb,
			Downloadable:  m.IsDownloadable,
		})
	}

	return cands, resp.Next, nil
}

type sketchfabDownloadResponse struct {
	GLB struct {
		URL string `json:"url"`
	} `json:"glb"`
	GLTF struct {
		URL string `json:"url"`
	} `json:"gltf"`
}

// ResolveDownload asks for temporary download URLs, preferring the
// single-file glb over the zipped gltf bundle.
func (s *Sketchfab) ResolveDownload(ctx context.Context, cand models.Candidate) (models.ResolvedDownload, error) {
	if !cand.Downloadable {
		return models.ResolvedDownload{}, fmt.Errorf("%w: model %s", ErrNotDownloadable, cand.SourceModelID)
	}

	var resp sketchfabDownloadResponse
	if err := s.client.GetJSON(ctx, fmt.Sprintf("%s/models/%s/download", s.base, cand.SourceModelID), &resp); err != nil {
		return models.ResolvedDownload{}, err
	}

	switch {
	case resp.GLB.URL != "":
		return models.ResolvedDownload{URL: resp.GLB.URL, Format: "glb"}, nil
	case resp.GLTF.URL != "":
		return models.ResolvedDownload{URL: resp.GLTF.URL, Format: "zip"}, nil
	default:
		return models.ResolvedDownload{}, fmt.Errorf("%w: model %s offers no archive", ErrNotDownloadable, cand.SourceModelID)
	}
}

func (s *Sketchfab) FetchBytes(ctx context.Context, url string) ([]byte, int64, error) {
	return s.client.FetchBytes(ctx, url)
}
